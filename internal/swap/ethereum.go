package swap

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/internal/chain"
	"github.com/quasar-exchange/quasar/internal/config"
	"github.com/quasar-exchange/quasar/internal/scheduler"
	"github.com/quasar-exchange/quasar/pkg/helpers"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Swap contract method selectors.
var (
	initiateSelector = crypto.Keccak256([]byte("initiate(bytes32,address,uint256,uint256)"))[:4]
	addSelector      = crypto.Keccak256([]byte("add(bytes32)"))[:4]
	redeemSelector   = crypto.Keccak256([]byte("redeem(bytes32,bytes32)"))[:4]
	refundSelector   = crypto.Keccak256([]byte("refund(bytes32)"))[:4]
)

// Gas limits per swap contract call.
const (
	gasLimitInitiate = 200000
	gasLimitAdd      = 120000
	gasLimitRedeem   = 140000
	gasLimitRefund   = 90000
)

// EthereumTransaction is an EVM transaction handed to the wallet for
// signing. The wallet fills Signed.
type EthereumTransaction struct {
	Symbol string
	From   string
	Tx     *types.Transaction

	Signed *types.Transaction
}

func (t *EthereumTransaction) TxID() string {
	if t.Signed != nil {
		return t.Signed.Hash().Hex()
	}
	return t.Tx.Hash().Hex()
}

func (t *EthereumTransaction) Currency() string {
	return t.Symbol
}

// SignedHex returns the RLP-encoded signed transaction as hex.
func (t *EthereumTransaction) SignedHex() (string, error) {
	if t.Signed == nil {
		return "", fmt.Errorf("transaction is not signed")
	}
	raw, err := t.Signed.MarshalBinary()
	if err != nil {
		return "", err
	}
	return helpers.EncodeHex(raw), nil
}

// EthereumEngine is the swap engine for EVM account chains.
type EthereumEngine struct {
	*engineCore
	be           backend.ContractBackend
	params       chain.Params
	contractAddr common.Address
	nonces       *account.NonceSequencer
}

// NewEthereumEngine creates an EVM swap engine for the given symbol.
func NewEthereumEngine(
	symbol string,
	network chain.Network,
	cfg *config.SwapConfig,
	acc account.Account,
	be backend.ContractBackend,
	nonces *account.NonceSequencer,
	performer *scheduler.Performer,
	handlers Handlers,
	log *logging.Logger,
) (*EthereumEngine, error) {
	params, ok := chain.Get(symbol, network)
	if !ok || params.Family != chain.FamilyEVM {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}

	return &EthereumEngine{
		engineCore:   newEngineCore(symbol, cfg, acc, performer, handlers, log),
		be:           be,
		params:       params,
		contractAddr: common.HexToAddress(params.SwapContractAddress),
		nonces:       nonces,
	}, nil
}

func (e *EthereumEngine) Currency() string {
	return e.currency
}

// BroadcastPayment funds the payment across one or more addresses: an
// initiate call from the first, add top-ups from the rest. All
// transactions are signed before the first broadcast; already-broadcast
// transactions are final even if a later one fails.
func (e *EthereumEngine) BroadcastPayment(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.IsCanceled() {
		return ErrSwapCanceled
	}
	if s.StateFlags.Has(FlagPaymentBroadcast) {
		return nil
	}

	required := s.SoldAmount()
	fee := e.params.InitiateFeeAmount
	if s.PartyRewardForRedeem.IsPositive() {
		fee = e.params.InitiateWithRewardFeeAmount
	}

	addrs, err := e.acc.GetUnspentAddresses(ctx, e.currency, required, fee, true, account.UseMinimalBalanceFirst)
	if err != nil {
		return e.broadcastError(s, newError(CodeInsufficientFunds,
			"cannot fund %s payment: %v", required, err))
	}

	txs, err := e.buildPaymentTxs(ctx, s, addrs, required, fee)
	if err != nil {
		if se, ok := AsSwapError(err); ok {
			return e.broadcastError(s, se)
		}
		return err
	}

	for i, tx := range txs {
		signer, err := e.acc.ResolveAddress(ctx, e.currency, tx.From)
		if err != nil {
			return e.broadcastError(s, newError(CodeWrongSwapData,
				"cannot resolve %s: %v", tx.From, err))
		}
		signed, err := e.acc.Sign(ctx, tx, signer)
		if err != nil || !signed {
			if i > 0 {
				// Earlier transactions are already signed but none have been
				// broadcast yet; the whole payment is abandoned.
				e.log.Warn("abandoning multi-tx payment after signing failure",
					"swap", s.ID, "signed", i)
			}
			return e.broadcastError(s, newError(CodeSigningFailed,
				"wallet refused to sign payment from %s: %v", tx.From, err))
		}
	}

	s.FromAddress = txs[0].From
	e.update(ctx, s, FlagPaymentSigned)

	for i, tx := range txs {
		if i > 0 {
			// Let the initiate call settle before topping up, otherwise the
			// add call can land on unpropagated contract state.
			select {
			case <-time.After(e.cfg.ContractSettleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		rawHex, err := tx.SignedHex()
		if err != nil {
			return fmt.Errorf("payment encoding: %w", err)
		}
		txID, err := e.be.BroadcastTransaction(ctx, rawHex)
		if err != nil {
			// Earlier broadcasts are final; there is no rollback. Funds
			// already on chain get their redeem watch now rather than at the
			// next restart's restore pass.
			e.log.Error("payment broadcast failed", "swap", s.ID, "index", i, "error", err)
			if i > 0 {
				if werr := e.startRedeemWatch(e, e, s); werr != nil {
					e.log.Error("cannot watch partially funded payment", "swap", s.ID, "error", werr)
				}
			}
			return fmt.Errorf("payment broadcast: %w", err)
		}

		if i == 0 {
			s.PaymentTxID = txID
		}
		e.update(ctx, s, FlagPaymentBroadcast)
		if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
			e.log.Warn("cannot record payment tx", "swap", s.ID, "error", err)
		}
		e.log.Info("payment broadcast", "swap", s.ID, "tx", txID, "index", i)
	}

	return e.startRedeemWatch(e, e, s)
}

// buildPaymentTxs constructs the initiate and add calls across the funding
// addresses, ascending by balance, each contributing its available balance
// minus the per-transaction fee.
func (e *EthereumEngine) buildPaymentTxs(
	ctx context.Context,
	s *Swap,
	addrs []*account.WalletAddress,
	required, fee decimal.Decimal,
) ([]*EthereumTransaction, error) {
	var txs []*EthereumTransaction
	remaining := required

	for _, a := range addrs {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		// Only the first transaction pays the initiate fee; top-ups are
		// plain add calls priced accordingly.
		txFee := fee
		data := e.packInitiate(s)
		gasLimit := uint64(gasLimitInitiate)
		if len(txs) > 0 {
			txFee = e.params.AddFeeAmount
			data = e.packAdd(s)
			gasLimit = gasLimitAdd
		}

		available := a.AvailableBalance().Sub(txFee)
		if available.LessThanOrEqual(decimal.Zero) {
			continue
		}
		contribution := decimal.Min(available, remaining)

		nonce, err := e.nonces.Next(ctx, a.Address, func(ctx context.Context) (uint64, error) {
			return e.be.GetNonce(ctx, a.Address)
		})
		if err != nil {
			return nil, fmt.Errorf("nonce for %s: %w", a.Address, err)
		}

		value := helpers.ToBaseUnits(contribution, e.params.Decimals)
		gasPrice := e.gasPrice(txFee, gasLimit)

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &e.contractAddr,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})

		txs = append(txs, &EthereumTransaction{
			Symbol: e.currency,
			From:   a.Address,
			Tx:     tx,
		})
		remaining = remaining.Sub(contribution)
	}

	if remaining.GreaterThan(decimal.Zero) {
		return nil, newError(CodeInsufficientFunds,
			"selected addresses cover %s of %s", required.Sub(remaining), required)
	}
	return txs, nil
}

// gasPrice derives the per-gas price from the flat protocol fee.
func (e *EthereumEngine) gasPrice(fee decimal.Decimal, gasLimit uint64) *big.Int {
	feeUnits := helpers.ToBaseUnits(fee, e.params.Decimals)
	return new(big.Int).Div(feeUnits, new(big.Int).SetUint64(gasLimit))
}

func (e *EthereumEngine) packInitiate(s *Swap) []byte {
	refundTime := e.ownRefundDeadline(s).Unix()
	// The payoff is the reward the counterparty requested; it is paid from
	// this payment to whoever redeems on their behalf.
	payoff := helpers.ToBaseUnits(s.PartyRewardForRedeem, e.params.Decimals)

	data := append([]byte(nil), initiateSelector...)
	data = append(data, common.BytesToHash(s.SecretHash).Bytes()...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(s.PartyAddress).Bytes(), 32)...)
	data = append(data, common.BigToHash(big.NewInt(refundTime)).Bytes()...)
	data = append(data, common.BigToHash(payoff).Bytes()...)
	return data
}

func (e *EthereumEngine) packAdd(s *Swap) []byte {
	data := append([]byte(nil), addSelector...)
	data = append(data, common.BytesToHash(s.SecretHash).Bytes()...)
	return data
}

func (e *EthereumEngine) packRedeem(s *Swap) []byte {
	data := append([]byte(nil), redeemSelector...)
	data = append(data, common.BytesToHash(s.SecretHash).Bytes()...)
	data = append(data, common.BytesToHash(s.Secret).Bytes()...)
	return data
}

func (e *EthereumEngine) packRefund(s *Swap) []byte {
	data := append([]byte(nil), refundSelector...)
	data = append(data, common.BytesToHash(s.SecretHash).Bytes()...)
	return data
}

// PrepareToReceive watches the contract for the counterparty's initiate
// and add calls.
func (e *EthereumEngine) PrepareToReceive(ctx context.Context, s *Swap) error {
	return e.prepareToReceive(e, s)
}

func (e *EthereumEngine) newPaymentWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error) {
	required := s.PurchasedAmount().Sub(s.RewardForRedeem)
	return &PaymentEventTask{
		Backend:        e.be,
		SecretHash:     s.SecretHash,
		Participant:    s.ToAddress,
		RequiredAmount: helpers.ToBaseUnits(required, e.params.Decimals),
		MinRefundTime:  s.TimeStamp.Add(e.partyLockDuration(s)).Add(-time.Minute),
		Deadline:       deadline,
		Handler:        h,
		Log:            e.log,
	}, nil
}

func (e *EthereumEngine) newRedeemWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error) {
	return &RedeemEventTask{
		Backend:    e.be,
		SecretHash: s.SecretHash,
		Deadline:   deadline,
		Handler:    h,
		Log:        e.log,
	}, nil
}

func (e *EthereumEngine) newRefundWatch(s *Swap, h WatchHandler) (scheduler.Task, error) {
	return &RefundEventTask{
		Backend:    e.be,
		SecretHash: s.SecretHash,
		Handler:    h,
		Log:        e.log,
	}, nil
}

func (e *EthereumEngine) newConfirmationWatch(txID string, h WatchHandler) scheduler.Task {
	return &ConfirmationTask{
		Backend:   e.be,
		TxID:      txID,
		Threshold: e.params.Confirmations,
		Handler:   h,
	}
}

// Redeem calls the contract's redeem with the known secret. The redeem fee
// is independent of the trade amount, so a single funding address must
// cover it in full.
func (e *EthereumEngine) Redeem(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.StateFlags.Has(FlagRedeemBroadcast) {
		return nil
	}
	if len(s.Secret) == 0 {
		return ErrNoSecret
	}

	txID, err := e.callContract(ctx, s, e.packRedeem(s), e.params.RedeemFeeAmount,
		gasLimitRedeem, account.UseOnlyOneAddress, FlagRedeemSigned)
	if err != nil {
		return err
	}

	s.RedeemTxID = txID
	e.update(ctx, s, FlagRedeemBroadcast)
	e.log.Info("redeem broadcast", "swap", s.ID, "tx", txID)

	return e.watchConfirmation(e, s, txID, FlagRedeemConfirmed, s.ToAddress)
}

// WaitForRedeem watches for a reward-incentivized third-party redeem.
func (e *EthereumEngine) WaitForRedeem(ctx context.Context, s *Swap) error {
	return e.waitForRedeem(e, s)
}

// PartyRedeem redeems on the counterparty's behalf; the contract pays the
// attached reward to the caller. Funding is not time-critical, so any
// address order will do.
func (e *EthereumEngine) PartyRedeem(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if len(s.Secret) == 0 {
		return ErrNoSecret
	}

	txID, err := e.callContract(ctx, s, e.packRedeem(s), e.params.RedeemFeeAmount,
		gasLimitRedeem, account.UseAnyAddresses, FlagEmpty)
	if err != nil {
		return err
	}

	e.log.Info("party redeem broadcast", "swap", s.ID, "tx", txID)
	e.refreshBalance(s.ToAddress)
	return nil
}

// Refund calls the contract's refund after this party's lock time.
func (e *EthereumEngine) Refund(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.StateFlags.Has(FlagRefundBroadcast) {
		return nil
	}

	txID, err := e.callContract(ctx, s, e.packRefund(s), e.params.RefundFeeAmount,
		gasLimitRefund, account.UseOnlyOneAddress, FlagRefundSigned)
	if err != nil {
		return err
	}

	s.RefundTxID = txID
	e.update(ctx, s, FlagRefundBroadcast)
	e.log.Info("refund broadcast", "swap", s.ID, "tx", txID)

	refreshAddr := s.FromAddress
	if refreshAddr == "" {
		refreshAddr = s.ToAddress
	}
	return e.watchConfirmation(e, s, txID, FlagRefundConfirmed, refreshAddr)
}

// callContract builds, signs and broadcasts a zero-value contract call
// funded by one address selected under the given policy.
func (e *EthereumEngine) callContract(
	ctx context.Context,
	s *Swap,
	data []byte,
	fee decimal.Decimal,
	gasLimit uint64,
	policy account.UsagePolicy,
	signedFlag StateFlags,
) (string, error) {
	addrs, err := e.acc.GetUnspentAddresses(ctx, e.currency, decimal.Zero, fee, true, policy)
	if err != nil || len(addrs) == 0 {
		return "", e.broadcastError(s, newError(CodeInsufficientFunds,
			"cannot cover %s fee %s: %v", e.currency, fee, err))
	}
	from := addrs[0]

	nonce, err := e.nonces.Next(ctx, from.Address, func(ctx context.Context) (uint64, error) {
		return e.be.GetNonce(ctx, from.Address)
	})
	if err != nil {
		return "", fmt.Errorf("nonce for %s: %w", from.Address, err)
	}

	tx := &EthereumTransaction{
		Symbol: e.currency,
		From:   from.Address,
		Tx: types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &e.contractAddr,
			Value:    big.NewInt(0),
			Gas:      gasLimit,
			GasPrice: e.gasPrice(fee, gasLimit),
			Data:     data,
		}),
	}

	signed, err := e.acc.Sign(ctx, tx, from)
	if err != nil || !signed {
		e.nonces.Reset(from.Address)
		return "", e.broadcastError(s, newError(CodeSigningFailed,
			"wallet refused to sign call from %s: %v", from.Address, err))
	}
	if signedFlag != FlagEmpty {
		e.update(ctx, s, signedFlag)
	}

	rawHex, err := tx.SignedHex()
	if err != nil {
		return "", fmt.Errorf("call encoding: %w", err)
	}
	txID, err := e.be.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		e.nonces.Reset(from.Address)
		e.log.Error("contract call broadcast failed", "swap", s.ID, "error", err)
		return "", fmt.Errorf("contract call broadcast: %w", err)
	}

	if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
		e.log.Warn("cannot record contract call", "swap", s.ID, "error", err)
	}
	return txID, nil
}

// RestoreSwap re-derives control tasks from the swap's flags.
func (e *EthereumEngine) RestoreSwap(ctx context.Context, s *Swap) error {
	return e.restore(ctx, e, e, s)
}

var _ Engine = (*EthereumEngine)(nil)
var _ chainWatches = (*EthereumEngine)(nil)
var _ account.Transaction = (*EthereumTransaction)(nil)
