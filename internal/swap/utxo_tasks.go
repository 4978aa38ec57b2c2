package swap

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Control tasks for UTXO chains. Payments are watched as outputs to the
// HTLC address; redeems are watched as spends of those outputs, with the
// secret extracted from the spending input's witness.

// UTXOPaymentTask watches the swap's HTLC address for confirmed outputs
// covering the required amount. Paying the derived address implies the
// correct script (secret hash, pubkeys, locktime), so amount and
// confirmation depth are the only checks.
type UTXOPaymentTask struct {
	Backend        backend.UTXOBackend
	Address        string
	RequiredAmount uint64 // smallest unit
	Confirmations  int64
	Deadline       time.Time
	Handler        WatchHandler
	Log            *logging.Logger

	now func() time.Time
}

func (t *UTXOPaymentTask) CheckCompletion(ctx context.Context) (bool, error) {
	utxos, err := t.Backend.GetAddressUTXOs(ctx, t.Address)
	if err != nil {
		t.Log.Debug("payment watch query failed", "address", t.Address, "error", err)
		// A resolved deadline must not ride out with the error: the
		// performer retains errored tasks and would fire the outcome again.
		if t.checkDeadline(ctx) {
			return true, nil
		}
		return false, err
	}

	threshold := t.Confirmations
	if threshold < 1 {
		threshold = 1
	}

	var total uint64
	var matchedTx string
	for _, u := range utxos {
		if u.Confirmations < threshold {
			continue
		}
		total += u.Amount
		matchedTx = u.TxID
	}

	if matchedTx != "" && total >= t.RequiredAmount {
		t.Handler(ctx, WatchResult{Outcome: OutcomeMatched, TxID: matchedTx})
		return true, nil
	}

	return t.checkDeadline(ctx), nil
}

func (t *UTXOPaymentTask) checkDeadline(ctx context.Context) bool {
	if timeNow(t.now).Before(t.Deadline) {
		return false
	}
	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true
}

// UTXORedeemTask watches for a spend of the HTLC address that reveals the
// secret in its witness data.
type UTXORedeemTask struct {
	Backend    backend.UTXOBackend
	Address    string
	SecretHash []byte
	Deadline   time.Time
	Handler    WatchHandler
	Log        *logging.Logger

	now func() time.Time
}

func (t *UTXORedeemTask) CheckCompletion(ctx context.Context) (bool, error) {
	txs, err := t.Backend.GetAddressTxs(ctx, t.Address, "")
	if err != nil {
		t.Log.Debug("redeem watch query failed", "address", t.Address, "error", err)
		if t.checkDeadline(ctx) {
			return true, nil
		}
		return false, err
	}

	for _, tx := range txs {
		secret := extractSecretFromSpend(&tx, t.Address, t.SecretHash)
		if secret == nil {
			continue
		}
		t.Handler(ctx, WatchResult{
			Outcome: OutcomeMatched,
			TxID:    tx.TxID,
			Secret:  secret,
		})
		return true, nil
	}

	return t.checkDeadline(ctx), nil
}

func (t *UTXORedeemTask) checkDeadline(ctx context.Context) bool {
	if timeNow(t.now).Before(t.Deadline) {
		return false
	}
	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true
}

// UTXORefundTask checks for a refund-path spend of the HTLC address. Like
// the contract variant it resolves on the first check: a visible
// secret-less spend is a completed refund, anything else (including a
// query error) resolves timed out so the engine attempts its own refund.
type UTXORefundTask struct {
	Backend    backend.UTXOBackend
	Address    string
	SecretHash []byte
	Handler    WatchHandler
	Log        *logging.Logger
}

func (t *UTXORefundTask) CheckCompletion(ctx context.Context) (bool, error) {
	txs, err := t.Backend.GetAddressTxs(ctx, t.Address, "")
	if err != nil {
		t.Log.Warn("refund watch query failed, falling back to own refund",
			"address", t.Address, "error", err)
		t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
		return true, nil
	}

	for _, tx := range txs {
		if spendsAddress(&tx, t.Address) && extractSecretFromSpend(&tx, t.Address, t.SecretHash) == nil {
			t.Handler(ctx, WatchResult{Outcome: OutcomeMatched, TxID: tx.TxID})
			return true, nil
		}
	}

	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true, nil
}

// spendsAddress reports whether any input of tx spends an output held by
// the address.
func spendsAddress(tx *backend.Transaction, address string) bool {
	for _, in := range tx.Inputs {
		if in.PrevOut != nil && in.PrevOut.ScriptPubKeyAddr == address {
			return true
		}
	}
	return false
}

// extractSecretFromSpend scans the witness data of inputs spending the
// address for a 32-byte item hashing to the secret hash. Returns nil when
// the tx does not reveal the secret.
func extractSecretFromSpend(tx *backend.Transaction, address string, secretHash []byte) []byte {
	for _, in := range tx.Inputs {
		if in.PrevOut == nil || in.PrevOut.ScriptPubKeyAddr != address {
			continue
		}
		for _, item := range in.Witness {
			candidate, err := hex.DecodeString(item)
			if err != nil || len(candidate) != 32 {
				continue
			}
			if VerifySecret(candidate, secretHash) {
				return candidate
			}
		}
	}
	return nil
}
