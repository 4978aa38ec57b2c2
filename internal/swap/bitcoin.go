package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/internal/chain"
	"github.com/quasar-exchange/quasar/internal/config"
	"github.com/quasar-exchange/quasar/internal/scheduler"
	"github.com/quasar-exchange/quasar/pkg/helpers"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// UTXOSpendPath selects which branch of the HTLC script a spend uses.
type UTXOSpendPath int

const (
	SpendRegular UTXOSpendPath = iota
	SpendClaim
	SpendRefund
)

// UTXOTransaction is an unsigned or signed UTXO chain transaction handed
// to the wallet for signing. The wallet fills SignedHex; for HTLC spends
// the lock script, spend path and secret tell it how to build the witness.
type UTXOTransaction struct {
	Symbol        string
	MsgTx         *wire.MsgTx
	PrevOutValues []uint64
	PrevOutScript []byte

	SpendPath UTXOSpendPath
	Lock      *LockScript
	Secret    []byte

	SignedHex string
}

func (t *UTXOTransaction) TxID() string {
	return t.MsgTx.TxHash().String()
}

func (t *UTXOTransaction) Currency() string {
	return t.Symbol
}

// BitcoinEngine is the swap engine for Bitcoin-family UTXO chains.
type BitcoinEngine struct {
	*engineCore
	be        backend.UTXOBackend
	params    chain.Params
	netParams *chaincfg.Params
}

// NewBitcoinEngine creates a UTXO swap engine for the given symbol.
func NewBitcoinEngine(
	symbol string,
	network chain.Network,
	cfg *config.SwapConfig,
	acc account.Account,
	be backend.UTXOBackend,
	performer *scheduler.Performer,
	handlers Handlers,
	log *logging.Logger,
) (*BitcoinEngine, error) {
	params, ok := chain.Get(symbol, network)
	if !ok || params.Family != chain.FamilyUTXO {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	netParams, ok := chain.BTCChainParams(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: no network params for %s", ErrUnsupportedChain, symbol)
	}

	return &BitcoinEngine{
		engineCore: newEngineCore(symbol, cfg, acc, performer, handlers, log),
		be:         be,
		params:     params,
		netParams:  netParams,
	}, nil
}

func (e *BitcoinEngine) Currency() string {
	return e.currency
}

// estimatedTxVBytes is a conservative size estimate for fee calculation.
func estimatedTxVBytes(inputs, outputs int) int64 {
	return int64(inputs)*150 + int64(outputs)*43 + 11
}

func (e *BitcoinEngine) paymentFee(inputs int) decimal.Decimal {
	sats := e.params.FeeRatePerByte.Mul(decimal.NewFromInt(estimatedTxVBytes(inputs, 2)))
	return helpers.FromBaseUnits(sats.BigInt(), e.params.Decimals)
}

// BroadcastPayment funds and broadcasts the HTLC payment on the sold
// chain, then starts the redeem watch.
func (e *BitcoinEngine) BroadcastPayment(ctx context.Context, s *Swap) error {
	lock := e.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.IsCanceled() {
		return ErrSwapCanceled
	}
	if s.StateFlags.Has(FlagPaymentBroadcast) {
		return nil
	}
	if len(s.PartyPubKey) != 33 {
		return e.broadcastError(s, newError(CodeWrongSwapData, "missing counterparty pubkey"))
	}

	// The counterparty's requested reward rides on top of this payment and
	// is paid out to whoever redeems on their behalf.
	amount := s.SoldAmount().Add(s.PartyRewardForRedeem)
	fee := e.paymentFee(2)

	addrs, err := e.acc.GetUnspentAddresses(ctx, e.currency, amount, fee, false, account.UseMinimalBalanceFirst)
	if err != nil {
		return e.broadcastError(s, newError(CodeInsufficientFunds,
			"cannot fund %s payment: %v", amount, err))
	}

	// The first funding address provides the refund key and the change and
	// refund destination.
	sender, err := e.acc.ResolveAddress(ctx, e.currency, addrs[0].Address)
	if err != nil {
		return e.broadcastError(s, newError(CodeWrongSwapData, "cannot resolve sender: %v", err))
	}

	lockScript, err := NewLockScript(
		s.SecretHash,
		s.PartyPubKey,
		sender.PublicKey,
		e.ownRefundDeadline(s).Unix(),
		e.netParams,
	)
	if err != nil {
		return e.broadcastError(s, newError(CodeWrongSwapData, "cannot build lock script: %v", err))
	}

	amountSats, err := helpers.ToBaseUnitsUint64(amount, e.params.Decimals)
	if err != nil {
		return e.broadcastError(s, newError(CodeWrongSwapData, "bad amount: %v", err))
	}
	feeSats, err := helpers.ToBaseUnitsUint64(fee, e.params.Decimals)
	if err != nil {
		return e.broadcastError(s, newError(CodeWrongSwapData, "bad fee: %v", err))
	}

	tx, err := e.buildFundedTx(ctx, addrs, lockScript.PkScript(), amountSats, feeSats, sender.Address)
	if err != nil {
		return e.broadcastError(s, newError(CodeInsufficientFunds, "cannot build payment: %v", err))
	}

	for _, a := range addrs {
		signed, err := e.acc.Sign(ctx, tx, a)
		if err != nil || !signed {
			return e.broadcastError(s, newError(CodeSigningFailed,
				"wallet refused to sign payment from %s: %v", a.Address, err))
		}
	}

	s.RedeemScript = lockScript.Script
	s.FromAddress = sender.Address
	e.update(ctx, s, FlagPaymentSigned)

	txID, err := e.be.BroadcastTransaction(ctx, tx.SignedHex)
	if err != nil {
		e.log.Error("payment broadcast failed", "swap", s.ID, "error", err)
		return fmt.Errorf("payment broadcast: %w", err)
	}

	s.PaymentTxID = txID
	e.update(ctx, s, FlagPaymentBroadcast)
	if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
		e.log.Warn("cannot record payment tx", "swap", s.ID, "error", err)
	}
	e.log.Info("payment broadcast", "swap", s.ID, "tx", txID, "address", lockScript.Address)

	return e.startRedeemWatch(e, e, s)
}

// buildFundedTx assembles a transaction paying pkScript from the selected
// addresses' UTXOs, with change back to changeAddr.
func (e *BitcoinEngine) buildFundedTx(
	ctx context.Context,
	addrs []*account.WalletAddress,
	pkScript []byte,
	amountSats, feeSats uint64,
	changeAddr string,
) (*UTXOTransaction, error) {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	required := amountSats + feeSats

	var totalIn uint64
	var prevValues []uint64
	for _, a := range addrs {
		utxos, err := e.be.GetAddressUTXOs(ctx, a.Address)
		if err != nil {
			return nil, fmt.Errorf("utxo fetch for %s: %w", a.Address, err)
		}
		for _, u := range utxos {
			if u.Confirmations < 1 {
				continue
			}
			hash, err := chainhash.NewHashFromStr(u.TxID)
			if err != nil {
				return nil, fmt.Errorf("bad utxo txid %s: %w", u.TxID, err)
			}
			msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
			prevValues = append(prevValues, u.Amount)
			totalIn += u.Amount
			if totalIn >= required {
				break
			}
		}
		if totalIn >= required {
			break
		}
	}

	if totalIn < required {
		return nil, fmt.Errorf("inputs cover %d of %d required", totalIn, required)
	}

	msgTx.AddTxOut(wire.NewTxOut(int64(amountSats), pkScript))

	if change := totalIn - required; change > dustThreshold {
		changeScript, err := payToAddrScript(changeAddr, e.netParams)
		if err != nil {
			return nil, err
		}
		msgTx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	return &UTXOTransaction{
		Symbol:        e.currency,
		MsgTx:         msgTx,
		PrevOutValues: prevValues,
	}, nil
}

const dustThreshold = 546

// PrepareToReceive validates the counterparty's lock script and watches
// its address for the expected payment.
func (e *BitcoinEngine) PrepareToReceive(ctx context.Context, s *Swap) error {
	return e.prepareToReceive(e, s)
}

func (e *BitcoinEngine) newPaymentWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error) {
	lock, err := e.partyLock(s)
	if err != nil {
		return nil, err
	}

	required := s.PurchasedAmount()
	if s.RewardForRedeem.IsPositive() {
		required = required.Sub(s.RewardForRedeem)
	}
	requiredSats, err := helpers.ToBaseUnitsUint64(required, e.params.Decimals)
	if err != nil {
		return nil, err
	}

	return &UTXOPaymentTask{
		Backend:        e.be,
		Address:        lock.Address,
		RequiredAmount: requiredSats,
		Confirmations:  e.params.Confirmations,
		Deadline:       deadline,
		Handler:        h,
		Log:            e.log,
	}, nil
}

func (e *BitcoinEngine) newRedeemWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error) {
	lock, err := e.ownLock(s)
	if err != nil {
		return nil, err
	}
	return &UTXORedeemTask{
		Backend:    e.be,
		Address:    lock.Address,
		SecretHash: s.SecretHash,
		Deadline:   deadline,
		Handler:    h,
		Log:        e.log,
	}, nil
}

func (e *BitcoinEngine) newRefundWatch(s *Swap, h WatchHandler) (scheduler.Task, error) {
	lock, err := e.ownLock(s)
	if err != nil {
		return nil, err
	}
	return &UTXORefundTask{
		Backend:    e.be,
		Address:    lock.Address,
		SecretHash: s.SecretHash,
		Handler:    h,
		Log:        e.log,
	}, nil
}

func (e *BitcoinEngine) newConfirmationWatch(txID string, h WatchHandler) scheduler.Task {
	return &ConfirmationTask{
		Backend:   e.be,
		TxID:      txID,
		Threshold: e.params.Confirmations,
		Handler:   h,
	}
}

// ownLock is this party's HTLC script as the payer.
func (e *BitcoinEngine) ownLock(s *Swap) (*LockScript, error) {
	if len(s.RedeemScript) == 0 {
		return nil, fmt.Errorf("swap %d has no lock script", s.ID)
	}
	return ParseLockScript(s.RedeemScript, e.netParams)
}

// partyLock is the counterparty's HTLC script, validated against this
// swap's secret hash and minimum acceptable lock time.
func (e *BitcoinEngine) partyLock(s *Swap) (*LockScript, error) {
	if len(s.PartyRedeemScript) == 0 {
		return nil, fmt.Errorf("swap %d has no counterparty lock script", s.ID)
	}
	lock, err := ParseLockScript(s.PartyRedeemScript, e.netParams)
	if err != nil {
		return nil, fmt.Errorf("counterparty lock script rejected: %w", err)
	}
	if !helpers.BytesEqual(lock.SecretHash, s.SecretHash) {
		return nil, fmt.Errorf("counterparty lock script commits to a different secret")
	}
	minLock := s.TimeStamp.Add(e.partyLockDuration(s)).Add(-time.Minute).Unix()
	if lock.LockTime < minLock {
		return nil, fmt.Errorf("counterparty lock time %d below minimum %d", lock.LockTime, minLock)
	}
	return lock, nil
}

// Redeem spends the counterparty's HTLC output with the known secret,
// paying out to the swap's receive address.
func (e *BitcoinEngine) Redeem(ctx context.Context, s *Swap) error {
	lk := e.swapLock(s.ID)
	lk.Lock()
	defer lk.Unlock()

	if s.StateFlags.Has(FlagRedeemBroadcast) {
		return nil
	}
	if len(s.Secret) == 0 {
		return ErrNoSecret
	}

	lock, err := e.partyLock(s)
	if err != nil {
		return e.broadcastError(s, newError(CodeWrongSwapData, "%v", err))
	}

	txID, err := e.spendLockOutput(ctx, s, lock, s.ToAddress, SpendClaim, 0)
	if err != nil {
		return err
	}

	s.RedeemTxID = txID
	e.update(ctx, s, FlagRedeemBroadcast)
	e.log.Info("redeem broadcast", "swap", s.ID, "tx", txID)

	return e.watchConfirmation(e, s, txID, FlagRedeemConfirmed, s.ToAddress)
}

// WaitForRedeem watches for a third party redeeming the counterparty's
// HTLC on this party's behalf.
func (e *BitcoinEngine) WaitForRedeem(ctx context.Context, s *Swap) error {
	return e.waitForRedeem(e, s)
}

// PartyRedeem is not available on UTXO chains: the claim path requires the
// receiver's own signature, so no third party can redeem for them.
func (e *BitcoinEngine) PartyRedeem(ctx context.Context, s *Swap) error {
	return e.broadcastError(s, newError(CodeWrongSwapData,
		"party redeem is not supported on %s", e.currency))
}

// Refund reclaims this party's own HTLC payment after its lock time.
func (e *BitcoinEngine) Refund(ctx context.Context, s *Swap) error {
	lk := e.swapLock(s.ID)
	lk.Lock()
	defer lk.Unlock()

	if s.StateFlags.Has(FlagRefundBroadcast) {
		return nil
	}

	lock, err := e.ownLock(s)
	if err != nil {
		return e.broadcastError(s, newError(CodeWrongSwapData, "%v", err))
	}

	refundAddr := s.FromAddress
	if refundAddr == "" {
		return e.broadcastError(s, newError(CodeWrongSwapData, "no refund address recorded"))
	}

	txID, err := e.spendLockOutput(ctx, s, lock, refundAddr, SpendRefund, uint32(lock.LockTime))
	if err != nil {
		return err
	}

	s.RefundTxID = txID
	e.update(ctx, s, FlagRefundBroadcast)
	e.log.Info("refund broadcast", "swap", s.ID, "tx", txID)

	return e.watchConfirmation(e, s, txID, FlagRefundConfirmed, refundAddr)
}

// spendLockOutput builds, signs and broadcasts a transaction spending all
// outputs at the lock script's address to a single destination, with the
// fee deducted from the spent value.
func (e *BitcoinEngine) spendLockOutput(
	ctx context.Context,
	s *Swap,
	lock *LockScript,
	destAddr string,
	path UTXOSpendPath,
	lockTime uint32,
) (string, error) {
	utxos, err := e.be.GetAddressUTXOs(ctx, lock.Address)
	if err != nil {
		return "", fmt.Errorf("utxo fetch for %s: %w", lock.Address, err)
	}
	if len(utxos) == 0 {
		return "", e.broadcastError(s, newError(CodeWrongSwapData,
			"no spendable outputs at %s", lock.Address))
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.LockTime = lockTime

	var total uint64
	var prevValues []uint64
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", fmt.Errorf("bad utxo txid %s: %w", u.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		if path == SpendRefund {
			// CLTV requires a non-final sequence.
			in.Sequence = wire.MaxTxInSequenceNum - 1
		}
		msgTx.AddTxIn(in)
		prevValues = append(prevValues, u.Amount)
		total += u.Amount
	}

	feeSats := uint64(e.params.FeeRatePerByte.Mul(
		decimal.NewFromInt(estimatedTxVBytes(len(msgTx.TxIn), 1))).IntPart())
	if total <= feeSats {
		return "", e.broadcastError(s, newError(CodeInsufficientFunds,
			"locked value %d does not cover fee %d", total, feeSats))
	}

	destScript, err := payToAddrScript(destAddr, e.netParams)
	if err != nil {
		return "", e.broadcastError(s, newError(CodeWrongSwapData, "%v", err))
	}
	msgTx.AddTxOut(wire.NewTxOut(int64(total-feeSats), destScript))

	tx := &UTXOTransaction{
		Symbol:        e.currency,
		MsgTx:         msgTx,
		PrevOutValues: prevValues,
		PrevOutScript: lock.PkScript(),
		SpendPath:     path,
		Lock:          lock,
		Secret:        s.Secret,
	}

	signer, err := e.acc.ResolveAddress(ctx, e.currency, destAddr)
	if err != nil {
		return "", e.broadcastError(s, newError(CodeWrongSwapData, "cannot resolve %s: %v", destAddr, err))
	}
	signed, err := e.acc.Sign(ctx, tx, signer)
	if err != nil || !signed {
		return "", e.broadcastError(s, newError(CodeSigningFailed,
			"wallet refused to sign spend: %v", err))
	}

	if path == SpendClaim {
		e.update(ctx, s, FlagRedeemSigned)
	} else if path == SpendRefund {
		e.update(ctx, s, FlagRefundSigned)
	}

	txID, err := e.be.BroadcastTransaction(ctx, tx.SignedHex)
	if err != nil {
		e.log.Error("spend broadcast failed", "swap", s.ID, "error", err)
		return "", fmt.Errorf("spend broadcast: %w", err)
	}
	if err := e.acc.UpsertTransaction(ctx, tx, true); err != nil {
		e.log.Warn("cannot record spend tx", "swap", s.ID, "error", err)
	}
	return txID, nil
}

// RestoreSwap re-derives control tasks from the swap's flags.
func (e *BitcoinEngine) RestoreSwap(ctx context.Context, s *Swap) error {
	return e.restore(ctx, e, e, s)
}

// payToAddrScript builds the output script for a standard address.
func payToAddrScript(address string, netParams *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return nil, fmt.Errorf("bad address %s: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot build output script for %s: %w", address, err)
	}
	return script, nil
}

var _ Engine = (*BitcoinEngine)(nil)
var _ chainWatches = (*BitcoinEngine)(nil)
var _ account.Transaction = (*UTXOTransaction)(nil)
