package swap

import (
	"context"
	"time"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// WatchOutcome is how a chain watch resolved.
type WatchOutcome int

const (
	// OutcomeMatched means the watched condition appeared on chain before
	// the deadline.
	OutcomeMatched WatchOutcome = iota

	// OutcomeTimedOut means the deadline passed without a match. For a
	// refund watch this also covers persistent query failure: absence of
	// confirmation must push the engine toward its own refund, not stall.
	OutcomeTimedOut
)

// WatchResult is the typed outcome a control task hands to the engine.
// Exactly one result is delivered per watch.
type WatchResult struct {
	Outcome WatchOutcome

	// TxID of the matching transaction, when matched.
	TxID string

	// Secret revealed by a matched redeem, when applicable.
	Secret []byte

	// RefundTime of a matched counterparty payment, when applicable.
	RefundTime time.Time
}

// WatchHandler consumes a watch result. Handlers run on the scheduler's
// dispatch context and must hand blocking work back to the engine.
type WatchHandler func(ctx context.Context, res WatchResult)

// RefundTimeTask is a pure timer: it fires once wall-clock time passes the
// deadline. No chain I/O.
type RefundTimeTask struct {
	Deadline time.Time
	Handler  WatchHandler

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

func (t *RefundTimeTask) CheckCompletion(ctx context.Context) (bool, error) {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	if now().Before(t.Deadline) {
		return false, nil
	}
	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true, nil
}

// ConfirmationTask polls a transaction's own chain until its confirmation
// count reaches the threshold.
type ConfirmationTask struct {
	Backend   backend.Backend
	TxID      string
	Threshold int64
	Handler   WatchHandler
}

func (t *ConfirmationTask) CheckCompletion(ctx context.Context) (bool, error) {
	tx, err := t.Backend.GetTransaction(ctx, t.TxID)
	if err != nil {
		if err == backend.ErrTxNotFound {
			// Not propagated yet; keep polling.
			return false, nil
		}
		return false, err
	}

	threshold := t.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if !tx.Confirmed || tx.Confirmations < threshold {
		return false, nil
	}

	t.Handler(ctx, WatchResult{Outcome: OutcomeMatched, TxID: t.TxID})
	return true, nil
}

// BalanceUpdateTask triggers one balance refresh for an address and always
// completes, whether or not the refresh succeeded.
type BalanceUpdateTask struct {
	Account  account.Account
	Currency string
	Address  string
	Log      *logging.Logger
}

func (t *BalanceUpdateTask) CheckCompletion(ctx context.Context) (bool, error) {
	if err := t.Account.RefreshBalance(ctx, t.Currency, t.Address); err != nil {
		t.Log.Warn("balance refresh failed",
			"currency", t.Currency, "address", t.Address, "error", err)
	}
	return true, nil
}
