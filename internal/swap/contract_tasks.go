package swap

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Control tasks for account-model chains (EVM, Tezos). Both families expose
// the same contract event surface through backend.ContractBackend, so one
// set of watch tasks serves both engines.

// PaymentEventTask watches for the counterparty's HTLC payment: an
// initiated event with our secret hash, naming us as participant, with an
// acceptable refund time, plus any add top-ups, jointly covering the
// required amount. Mismatched events are "not yet satisfied", never an
// error.
type PaymentEventTask struct {
	Backend        backend.ContractBackend
	SecretHash     []byte
	Participant    string
	RequiredAmount *big.Int
	MinRefundTime  time.Time
	Deadline       time.Time
	Handler        WatchHandler
	Log            *logging.Logger

	now func() time.Time
}

func (t *PaymentEventTask) CheckCompletion(ctx context.Context) (bool, error) {
	initiated, err := t.Backend.GetSwapEvents(ctx, backend.EventInitiated, t.SecretHash)
	if err != nil {
		t.Log.Debug("payment watch query failed", "error", err)
		// Once the deadline handler has fired the watch is resolved; the
		// error must not be returned or the performer retains the task and
		// the outcome fires again next tick.
		if t.checkDeadline(ctx) {
			return true, nil
		}
		return false, err
	}

	total := new(big.Int)
	var matchedTx string
	var refundTime time.Time

	for _, ev := range initiated {
		if !strings.EqualFold(ev.Participant, t.Participant) {
			continue
		}
		if ev.RefundTime.Before(t.MinRefundTime) {
			// Counterparty chose too short a lock; redeeming against it
			// would be unsafe. Keep waiting for a proper payment.
			continue
		}
		total.Add(total, ev.Value)
		if ev.RedeemReward != nil {
			// The reward is paid from the locked value; only the remainder
			// is redeemable by us.
			total.Sub(total, ev.RedeemReward)
		}
		matchedTx = ev.TxID
		refundTime = ev.RefundTime
	}

	if matchedTx != "" {
		added, err := t.Backend.GetSwapEvents(ctx, backend.EventAdded, t.SecretHash)
		if err != nil {
			t.Log.Debug("payment watch add query failed", "error", err)
			if t.checkDeadline(ctx) {
				return true, nil
			}
			return false, err
		}
		for _, ev := range added {
			total.Add(total, ev.Value)
			matchedTx = ev.TxID
		}
	}

	if matchedTx != "" && total.Cmp(t.RequiredAmount) >= 0 {
		t.Handler(ctx, WatchResult{
			Outcome:    OutcomeMatched,
			TxID:       matchedTx,
			RefundTime: refundTime,
		})
		return true, nil
	}

	return t.checkDeadline(ctx), nil
}

func (t *PaymentEventTask) checkDeadline(ctx context.Context) bool {
	if timeNow(t.now).Before(t.Deadline) {
		return false
	}
	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true
}

// RedeemEventTask watches for a redeem of the swap's HTLC, extracting the
// revealed secret. Reaching the deadline first is the pivot into the
// refund path.
type RedeemEventTask struct {
	Backend    backend.ContractBackend
	SecretHash []byte
	Deadline   time.Time
	Handler    WatchHandler
	Log        *logging.Logger

	now func() time.Time
}

func (t *RedeemEventTask) CheckCompletion(ctx context.Context) (bool, error) {
	events, err := t.Backend.GetSwapEvents(ctx, backend.EventRedeemed, t.SecretHash)
	if err != nil {
		t.Log.Debug("redeem watch query failed", "error", err)
		if t.checkDeadline(ctx) {
			return true, nil
		}
		return false, err
	}

	for _, ev := range events {
		if !VerifySecret(ev.Secret, t.SecretHash) {
			continue
		}
		t.Handler(ctx, WatchResult{
			Outcome: OutcomeMatched,
			TxID:    ev.TxID,
			Secret:  ev.Secret,
		})
		return true, nil
	}

	return t.checkDeadline(ctx), nil
}

func (t *RedeemEventTask) checkDeadline(ctx context.Context) bool {
	if timeNow(t.now).Before(t.Deadline) {
		return false
	}
	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true
}

// RefundEventTask watches for a refund event. A query error immediately
// resolves as timed out: failure to observe a refund is not proof it did
// not happen, and this watch must push the engine toward its own refund
// broadcast rather than stall the swap.
type RefundEventTask struct {
	Backend    backend.ContractBackend
	SecretHash []byte
	Handler    WatchHandler
	Log        *logging.Logger
}

func (t *RefundEventTask) CheckCompletion(ctx context.Context) (bool, error) {
	events, err := t.Backend.GetSwapEvents(ctx, backend.EventRefunded, t.SecretHash)
	if err != nil {
		t.Log.Warn("refund watch query failed, falling back to own refund", "error", err)
		t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
		return true, nil
	}

	if len(events) > 0 {
		t.Handler(ctx, WatchResult{
			Outcome: OutcomeMatched,
			TxID:    events[len(events)-1].TxID,
		})
		return true, nil
	}

	t.Handler(ctx, WatchResult{Outcome: OutcomeTimedOut})
	return true, nil
}

func timeNow(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
