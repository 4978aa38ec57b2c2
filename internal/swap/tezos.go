package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/internal/chain"
	"github.com/quasar-exchange/quasar/internal/config"
	"github.com/quasar-exchange/quasar/internal/scheduler"
	"github.com/quasar-exchange/quasar/pkg/helpers"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Gas and storage limits per swap contract entrypoint.
const (
	tezosGasLimit     = 15000
	tezosStorageLimit = 300
)

// opHashPrefix is the Tezos base58 prefix for operation hashes ("o...").
var opHashPrefix = []byte{5, 116}

// TezosCallParams is the entrypoint call carried by a swap operation,
// mirroring the contract's parameter shape.
type TezosCallParams struct {
	Entrypoint string      `json:"entrypoint"`
	Value      interface{} `json:"value"`
}

// TezosInitiateValue is the initiate entrypoint's parameter.
type TezosInitiateValue struct {
	Participant string               `json:"participant"`
	Settings    TezosInitiateSetting `json:"settings"`
}

type TezosInitiateSetting struct {
	HashedSecret string `json:"hashed_secret"`
	RefundTime   string `json:"refund_time"`
	Payoff       string `json:"payoff"`
}

// TezosTransaction is a Tezos operation handed to the wallet, which forges
// and signs it into SignedHex.
type TezosTransaction struct {
	Symbol       string
	From         string
	Destination  string
	AmountMutez  int64
	FeeMutez     int64
	Counter      uint64
	GasLimit     int64
	StorageLimit int64
	Params       *TezosCallParams

	SignedHex string
}

func (t *TezosTransaction) TxID() string {
	if t.SignedHex == "" {
		return ""
	}
	raw := helpers.DecodeHex(t.SignedHex)
	if raw == nil {
		return ""
	}
	return encodeOpHash(raw)
}

func (t *TezosTransaction) Currency() string {
	return t.Symbol
}

// encodeOpHash computes the base58check operation hash of a signed
// operation: blake2b-256 digest under the "o" prefix.
func encodeOpHash(signedOp []byte) string {
	digest := blake2b.Sum256(signedOp)

	payload := append(append([]byte(nil), opHashPrefix...), digest[:]...)
	check1 := sha256.Sum256(payload)
	check2 := sha256.Sum256(check1[:])
	payload = append(payload, check2[:4]...)
	return base58.Encode(payload)
}

// TezosEngine is the swap engine for Tezos.
type TezosEngine struct {
	*engineCore
	be       backend.ContractBackend
	params   chain.Params
	contract string
	counters *account.NonceSequencer
}

// NewTezosEngine creates a Tezos swap engine.
func NewTezosEngine(
	symbol string,
	network chain.Network,
	cfg *config.SwapConfig,
	acc account.Account,
	be backend.ContractBackend,
	counters *account.NonceSequencer,
	performer *scheduler.Performer,
	handlers Handlers,
	log *logging.Logger,
) (*TezosEngine, error) {
	params, ok := chain.Get(symbol, network)
	if !ok || params.Family != chain.FamilyTezos {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}

	return &TezosEngine{
		engineCore: newEngineCore(symbol, cfg, acc, performer, handlers, log),
		be:         be,
		params:     params,
		contract:   params.SwapContract,
		counters:   counters,
	}, nil
}

func (e *TezosEngine) Currency() string {
	return e.currency
}

// BroadcastPayment funds the payment across one or more addresses: an
// initiate operation from the first, add top-ups from the rest. Each
// operation is signed and injected in turn; injected operations are final
// even if a later one fails.
func (e *TezosEngine) BroadcastPayment(ctx context.Context, s *Swap) error {
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

	remaining := required
	broadcastCount := 0

	for _, a := range addrs {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		opFee := fee
		if broadcastCount > 0 {
			opFee = e.params.AddFeeAmount
		}
		available := a.AvailableBalance().Sub(opFee)
		if available.LessThanOrEqual(decimal.Zero) {
			continue
		}
		contribution := decimal.Min(available, remaining)

		if broadcastCount > 0 {
			select {
			case <-time.After(e.cfg.ContractSettleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var params *TezosCallParams
		if broadcastCount == 0 {
			params = e.initiateParams(s)
		} else {
			params = e.addParams(s)
		}

		txID, tx, err := e.injectOperation(ctx, s, a.Address, contribution, opFee, params)
		if err != nil {
			if broadcastCount > 0 {
				// Already-injected operations are final; only the remainder
				// is abandoned, and what is on chain gets its redeem watch
				// now rather than at the next restart's restore pass.
				e.log.Warn("abandoning multi-op payment midway",
					"swap", s.ID, "injected", broadcastCount, "error", err)
				if werr := e.startRedeemWatch(e, e, s); werr != nil {
					e.log.Error("cannot watch partially funded payment", "swap", s.ID, "error", werr)
				}
			}
			return err
		}

		if broadcastCount == 0 {
			s.PaymentTxID = txID
			s.FromAddress = a.Address
			e.update(ctx, s, FlagPaymentSigned)
		}
		e.update(ctx, s, FlagPaymentBroadcast)
		if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
			e.log.Warn("cannot record payment op", "swap", s.ID, "error", err)
		}
		e.log.Info("payment operation injected", "swap", s.ID, "op", txID, "index", broadcastCount)

		remaining = remaining.Sub(contribution)
		broadcastCount++
	}

	if broadcastCount == 0 {
		return e.broadcastError(s, newError(CodeInsufficientFunds,
			"no address can fund %s payment", required))
	}

	return e.startRedeemWatch(e, e, s)
}

func (e *TezosEngine) initiateParams(s *Swap) *TezosCallParams {
	// The payoff is the counterparty's requested reward, paid from this
	// payment to whoever redeems on their behalf.
	payoff := helpers.ToBaseUnits(s.PartyRewardForRedeem, e.params.Decimals)
	return &TezosCallParams{
		Entrypoint: "initiate",
		Value: TezosInitiateValue{
			Participant: s.PartyAddress,
			Settings: TezosInitiateSetting{
				HashedSecret: hex.EncodeToString(s.SecretHash),
				RefundTime:   e.ownRefundDeadline(s).Format(time.RFC3339),
				Payoff:       payoff.String(),
			},
		},
	}
}

func (e *TezosEngine) addParams(s *Swap) *TezosCallParams {
	return &TezosCallParams{
		Entrypoint: "add",
		Value:      hex.EncodeToString(s.SecretHash),
	}
}

func (e *TezosEngine) redeemParams(s *Swap) *TezosCallParams {
	return &TezosCallParams{
		Entrypoint: "redeem",
		Value:      hex.EncodeToString(s.Secret),
	}
}

func (e *TezosEngine) refundParams(s *Swap) *TezosCallParams {
	return &TezosCallParams{
		Entrypoint: "refund",
		Value:      hex.EncodeToString(s.SecretHash),
	}
}

// injectOperation builds, signs and injects one contract call.
func (e *TezosEngine) injectOperation(
	ctx context.Context,
	s *Swap,
	from string,
	amount, fee decimal.Decimal,
	params *TezosCallParams,
) (string, *TezosTransaction, error) {
	counter, err := e.counters.Next(ctx, from, func(ctx context.Context) (uint64, error) {
		return e.be.GetNonce(ctx, from)
	})
	if err != nil {
		return "", nil, fmt.Errorf("counter for %s: %w", from, err)
	}

	amountMutez := helpers.ToBaseUnits(amount, e.params.Decimals).Int64()
	feeMutez := helpers.ToBaseUnits(fee, e.params.Decimals).Int64()

	tx := &TezosTransaction{
		Symbol:       e.currency,
		From:         from,
		Destination:  e.contract,
		AmountMutez:  amountMutez,
		FeeMutez:     feeMutez,
		Counter:      counter,
		GasLimit:     tezosGasLimit,
		StorageLimit: tezosStorageLimit,
		Params:       params,
	}

	signer, err := e.acc.ResolveAddress(ctx, e.currency, from)
	if err != nil {
		return "", nil, e.broadcastError(s, newError(CodeWrongSwapData,
			"cannot resolve %s: %v", from, err))
	}
	signed, err := e.acc.Sign(ctx, tx, signer)
	if err != nil || !signed {
		e.counters.Reset(from)
		return "", nil, e.broadcastError(s, newError(CodeSigningFailed,
			"wallet refused to sign %s operation: %v", params.Entrypoint, err))
	}

	txID, err := e.be.BroadcastTransaction(ctx, tx.SignedHex)
	if err != nil {
		e.counters.Reset(from)
		e.log.Error("operation injection failed", "swap", s.ID, "error", err)
		return "", nil, fmt.Errorf("operation injection: %w", err)
	}
	return txID, tx, nil
}

// PrepareToReceive watches the contract for the counterparty's initiate
// and add operations.
func (e *TezosEngine) PrepareToReceive(ctx context.Context, s *Swap) error {
	return e.prepareToReceive(e, s)
}

func (e *TezosEngine) newPaymentWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error) {
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

func (e *TezosEngine) newRedeemWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error) {
	return &RedeemEventTask{
		Backend:    e.be,
		SecretHash: s.SecretHash,
		Deadline:   deadline,
		Handler:    h,
		Log:        e.log,
	}, nil
}

func (e *TezosEngine) newRefundWatch(s *Swap, h WatchHandler) (scheduler.Task, error) {
	return &RefundEventTask{
		Backend:    e.be,
		SecretHash: s.SecretHash,
		Handler:    h,
		Log:        e.log,
	}, nil
}

func (e *TezosEngine) newConfirmationWatch(txID string, h WatchHandler) scheduler.Task {
	return &ConfirmationTask{
		Backend:   e.be,
		TxID:      txID,
		Threshold: e.params.Confirmations,
		Handler:   h,
	}
}

// Redeem calls the contract's redeem entrypoint with the known secret.
func (e *TezosEngine) Redeem(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.StateFlags.Has(FlagRedeemBroadcast) {
		return nil
	}
	if len(s.Secret) == 0 {
		return ErrNoSecret
	}

	from, err := e.feeAddress(ctx, s, e.params.RedeemFeeAmount, account.UseOnlyOneAddress)
	if err != nil {
		return err
	}

	txID, tx, err := e.injectOperation(ctx, s, from, decimal.Zero, e.params.RedeemFeeAmount, e.redeemParams(s))
	if err != nil {
		return err
	}

	s.RedeemTxID = txID
	e.update(ctx, s, FlagRedeemSigned|FlagRedeemBroadcast)
	if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
		e.log.Warn("cannot record redeem op", "swap", s.ID, "error", err)
	}
	e.log.Info("redeem operation injected", "swap", s.ID, "op", txID)

	return e.watchConfirmation(e, s, txID, FlagRedeemConfirmed, s.ToAddress)
}

// WaitForRedeem watches for a reward-incentivized third-party redeem.
func (e *TezosEngine) WaitForRedeem(ctx context.Context, s *Swap) error {
	return e.waitForRedeem(e, s)
}

// PartyRedeem redeems on the counterparty's behalf, earning the reward.
func (e *TezosEngine) PartyRedeem(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if len(s.Secret) == 0 {
		return ErrNoSecret
	}

	from, err := e.feeAddress(ctx, s, e.params.RedeemFeeAmount, account.UseAnyAddresses)
	if err != nil {
		return err
	}

	txID, tx, err := e.injectOperation(ctx, s, from, decimal.Zero, e.params.RedeemFeeAmount, e.redeemParams(s))
	if err != nil {
		return err
	}
	if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
		e.log.Warn("cannot record party redeem op", "swap", s.ID, "error", err)
	}
	e.log.Info("party redeem operation injected", "swap", s.ID, "op", txID)
	e.refreshBalance(s.ToAddress)
	return nil
}

// Refund calls the contract's refund entrypoint after the lock time.
func (e *TezosEngine) Refund(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.StateFlags.Has(FlagRefundBroadcast) {
		return nil
	}

	from := s.FromAddress
	if from == "" {
		addr, err := e.feeAddress(ctx, s, e.params.RefundFeeAmount, account.UseOnlyOneAddress)
		if err != nil {
			return err
		}
		from = addr
	}

	txID, tx, err := e.injectOperation(ctx, s, from, decimal.Zero, e.params.RefundFeeAmount, e.refundParams(s))
	if err != nil {
		return err
	}

	s.RefundTxID = txID
	e.update(ctx, s, FlagRefundSigned|FlagRefundBroadcast)
	if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
		e.log.Warn("cannot record refund op", "swap", s.ID, "error", err)
	}
	e.log.Info("refund operation injected", "swap", s.ID, "op", txID)

	return e.watchConfirmation(e, s, txID, FlagRefundConfirmed, from)
}

// feeAddress selects one address able to cover a flat operation fee.
func (e *TezosEngine) feeAddress(ctx context.Context, s *Swap, fee decimal.Decimal, policy account.UsagePolicy) (string, error) {
	addrs, err := e.acc.GetUnspentAddresses(ctx, e.currency, decimal.Zero, fee, true, policy)
	if err != nil || len(addrs) == 0 {
		return "", e.broadcastError(s, newError(CodeInsufficientFunds,
			"cannot cover %s fee %s: %v", e.currency, fee, err))
	}
	return addrs[0].Address, nil
}

// RestoreSwap re-derives control tasks from the swap's flags.
func (e *TezosEngine) RestoreSwap(ctx context.Context, s *Swap) error {
	return e.restore(ctx, e, e, s)
}

// MarshalParams renders the entrypoint call for forging by the wallet.
func (t *TezosTransaction) MarshalParams() ([]byte, error) {
	return json.Marshal(t.Params)
}

var _ Engine = (*TezosEngine)(nil)
var _ chainWatches = (*TezosEngine)(nil)
var _ account.Transaction = (*TezosTransaction)(nil)
