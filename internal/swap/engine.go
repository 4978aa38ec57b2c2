package swap

import (
	"context"
	"sync"
	"time"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/config"
	"github.com/quasar-exchange/quasar/internal/scheduler"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Engine drives one chain family's side of a swap: payment broadcast,
// redeem, refund and restoration after restart. The state machine is
// identical across families; only transaction construction differs.
type Engine interface {
	// Currency returns the chain symbol this engine serves.
	Currency() string

	// BroadcastPayment funds and broadcasts the HTLC payment for the sold
	// currency, then watches for the counterparty's redeem. Soft-fails on
	// insufficient funds or signing refusal: the swap stays in its prior
	// state for a later retry.
	BroadcastPayment(ctx context.Context, s *Swap) error

	// PrepareToReceive watches the purchased currency's chain for the
	// counterparty's HTLC payment.
	PrepareToReceive(ctx context.Context, s *Swap) error

	// Redeem spends the counterparty's HTLC with the known secret, paying
	// out to the swap's receive address.
	Redeem(ctx context.Context, s *Swap) error

	// WaitForRedeem watches for a third party redeeming the counterparty's
	// HTLC on our behalf, for swaps where this party offered a reward
	// instead of self-redeeming.
	WaitForRedeem(ctx context.Context, s *Swap) error

	// PartyRedeem redeems on behalf of the counterparty using the public
	// secret, earning the attached reward.
	PartyRedeem(ctx context.Context, s *Swap) error

	// Refund reclaims this party's own HTLC payment after its lock time.
	Refund(ctx context.Context, s *Swap) error

	// RestoreSwap re-derives the control tasks for a swap from its flags
	// and the current time. Called once per active swap on process start;
	// it never repeats a completed step.
	RestoreSwap(ctx context.Context, s *Swap) error
}

// Handlers are the engine's event surface. SwapUpdated fires on every
// committed flag transition; the payment notifications let a coordinator
// chain the two engines of a swap together.
type Handlers struct {
	// SwapUpdated fires with the newly set flags after every transition.
	SwapUpdated func(ctx context.Context, s *Swap, changed StateFlags)

	// PaymentConfirmed fires when the counterparty's payment is confirmed
	// on this party's purchased chain.
	PaymentConfirmed func(ctx context.Context, s *Swap)

	// PaymentSpent fires when this party's own payment is spent and the
	// secret has been extracted from the spend.
	PaymentSpent func(ctx context.Context, s *Swap)
}

// chainWatches builds the chain-family-specific control tasks consumed by
// the shared lifecycle flows.
type chainWatches interface {
	newPaymentWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error)
	newRedeemWatch(s *Swap, deadline time.Time, h WatchHandler) (scheduler.Task, error)
	newRefundWatch(s *Swap, h WatchHandler) (scheduler.Task, error)
	newConfirmationWatch(txID string, h WatchHandler) scheduler.Task
}

// engineCore holds the scaffolding shared by the three engines: config,
// wallet, scheduler, event plumbing and per-swap serialization.
type engineCore struct {
	currency  string
	cfg       *config.SwapConfig
	acc       account.Account
	performer *scheduler.Performer
	handlers  Handlers
	log       *logging.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newEngineCore(
	currency string,
	cfg *config.SwapConfig,
	acc account.Account,
	performer *scheduler.Performer,
	handlers Handlers,
	log *logging.Logger,
) *engineCore {
	return &engineCore{
		currency:  currency,
		cfg:       cfg,
		acc:       acc,
		performer: performer,
		handlers:  handlers,
		log:       log.Component("swap-" + currency),
		locks:     make(map[int64]*sync.Mutex),
	}
}

// swapLock returns the per-swap mutex serializing engine mutations for one
// swap id. Control-task callbacks and manual restore calls may race; the
// lock closes that gap.
func (c *engineCore) swapLock(id int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// update ORs flags into the swap and raises the update event for the ones
// that actually changed, so listeners observe every increment.
func (c *engineCore) update(ctx context.Context, s *Swap, flags StateFlags) {
	changed := s.SetFlags(flags)
	if changed == FlagEmpty {
		return
	}
	c.log.Info("swap updated", "swap", s.ID, "flags", changed.String())
	if c.handlers.SwapUpdated != nil {
		c.handlers.SwapUpdated(ctx, s, changed)
	}
}

// ownLockDuration is this party's refund lock on its own payment.
func (c *engineCore) ownLockDuration(s *Swap) time.Duration {
	if s.IsInitiator {
		return c.cfg.InitiatorLockTime
	}
	return c.cfg.AcceptorLockTime
}

// partyLockDuration is the counterparty's refund lock on their payment.
func (c *engineCore) partyLockDuration(s *Swap) time.Duration {
	if s.IsInitiator {
		return c.cfg.AcceptorLockTime
	}
	return c.cfg.InitiatorLockTime
}

func (c *engineCore) ownRefundDeadline(s *Swap) time.Time {
	return s.TimeStamp.Add(c.ownLockDuration(s))
}

func (c *engineCore) partyRefundDeadline(s *Swap) time.Time {
	return s.TimeStamp.Add(c.partyLockDuration(s))
}

func (c *engineCore) maxTimeoutExceeded(s *Swap) bool {
	return time.Now().After(s.TimeStamp.Add(c.cfg.MaxSwapTimeout))
}

// refreshBalance enqueues a one-shot balance update for an address.
func (c *engineCore) refreshBalance(address string) {
	c.performer.EnqueueTask(&BalanceUpdateTask{
		Account:  c.acc,
		Currency: c.currency,
		Address:  address,
		Log:      c.log,
	})
}

// startRedeemWatch watches this party's own payment for the counterparty's
// redeem, bounded by this party's own refund deadline. A match ends the
// sold side with the secret in hand; a timeout pivots into the refund
// chain.
func (c *engineCore) startRedeemWatch(e Engine, w chainWatches, s *Swap) error {
	task, err := w.newRedeemWatch(s, c.ownRefundDeadline(s), func(ctx context.Context, res WatchResult) {
		lock := c.swapLock(s.ID)
		lock.Lock()
		defer lock.Unlock()

		switch res.Outcome {
		case OutcomeMatched:
			if !s.SetSecret(res.Secret) {
				c.log.Error("redeem watch produced a mismatched secret", "swap", s.ID)
				return
			}
			c.log.Info("own payment redeemed by counterparty", "swap", s.ID, "tx", res.TxID)
			c.update(ctx, s, FlagPartyPaymentSpent)
			if c.handlers.PaymentSpent != nil {
				c.handlers.PaymentSpent(ctx, s)
			}
		case OutcomeTimedOut:
			c.log.Info("redeem deadline passed, entering refund path", "swap", s.ID)
			c.startRefundTimer(e, w, s)
		}
	})
	if err != nil {
		return err
	}
	c.performer.EnqueueTask(task)
	return nil
}

// startRefundTimer waits out the refund lock time before attempting any
// refund; the deadline may already be in the past, in which case the timer
// fires on the next tick.
func (c *engineCore) startRefundTimer(e Engine, w chainWatches, s *Swap) {
	c.performer.EnqueueTask(&RefundTimeTask{
		Deadline: c.ownRefundDeadline(s),
		Handler: func(ctx context.Context, _ WatchResult) {
			c.startRefundWatch(e, w, s)
		},
	})
}

// startRefundWatch checks whether a refund already happened (a previous
// run may have broadcast one) before attempting this run's own refund.
func (c *engineCore) startRefundWatch(e Engine, w chainWatches, s *Swap) {
	task, err := w.newRefundWatch(s, func(ctx context.Context, res WatchResult) {
		switch res.Outcome {
		case OutcomeMatched:
			lock := c.swapLock(s.ID)
			lock.Lock()
			defer lock.Unlock()

			c.log.Info("refund already on chain", "swap", s.ID, "tx", res.TxID)
			if s.RefundTxID == "" {
				s.RefundTxID = res.TxID
			}
			c.update(ctx, s, FlagRefundSigned|FlagRefundBroadcast|FlagRefundConfirmed)
		case OutcomeTimedOut:
			// Refund takes the swap lock itself.
			if err := e.Refund(ctx, s); err != nil {
				c.log.Error("refund attempt failed", "swap", s.ID, "error", err)
			}
		}
	})
	if err != nil {
		c.log.Error("cannot build refund watch", "swap", s.ID, "error", err)
		return
	}
	c.performer.EnqueueTask(task)
}

// prepareToReceive watches the purchased chain for the counterparty's
// payment, bounded by the counterparty's refund deadline.
func (c *engineCore) prepareToReceive(w chainWatches, s *Swap) error {
	task, err := w.newPaymentWatch(s, c.partyRefundDeadline(s), func(ctx context.Context, res WatchResult) {
		lock := c.swapLock(s.ID)
		lock.Lock()
		defer lock.Unlock()

		switch res.Outcome {
		case OutcomeMatched:
			s.PartyPaymentTxID = res.TxID
			c.log.Info("counterparty payment confirmed", "swap", s.ID, "tx", res.TxID)
			c.update(ctx, s, FlagPartyPaymentConfirmed)
			if c.handlers.PaymentConfirmed != nil {
				c.handlers.PaymentConfirmed(ctx, s)
			}
		case OutcomeTimedOut:
			c.log.Warn("counterparty payment never appeared", "swap", s.ID)
			if !s.StateFlags.Has(FlagPaymentBroadcast) {
				// No funds moved on either side; the swap is dead.
				c.update(ctx, s, FlagCanceled)
			}
		}
	})
	if err != nil {
		return err
	}
	c.performer.EnqueueTask(task)
	return nil
}

// waitForRedeem watches the counterparty's HTLC for a reward-incentivized
// redeem performed by someone else on this party's behalf.
func (c *engineCore) waitForRedeem(w chainWatches, s *Swap) error {
	task, err := w.newRedeemWatch(s, c.partyRefundDeadline(s), func(ctx context.Context, res WatchResult) {
		lock := c.swapLock(s.ID)
		lock.Lock()
		defer lock.Unlock()

		switch res.Outcome {
		case OutcomeMatched:
			if !s.SetSecret(res.Secret) {
				c.log.Error("party redeem revealed a mismatched secret", "swap", s.ID)
				return
			}
			s.RedeemTxID = res.TxID
			c.log.Info("redeemed by third party", "swap", s.ID, "tx", res.TxID)
			c.update(ctx, s, FlagRedeemSigned|FlagRedeemBroadcast|FlagRedeemConfirmed)
			c.refreshBalance(s.ToAddress)
		case OutcomeTimedOut:
			// Nothing received here; the sold side's own watch drives the
			// refund.
			c.log.Warn("no third-party redeem before deadline", "swap", s.ID)
		}
	})
	if err != nil {
		return err
	}
	c.performer.EnqueueTask(task)
	return nil
}

// watchConfirmation polls a broadcast transaction until it confirms, then
// sets the given flags and refreshes the payout address balance.
func (c *engineCore) watchConfirmation(w chainWatches, s *Swap, txID string, flags StateFlags, refreshAddr string) error {
	task := w.newConfirmationWatch(txID, func(ctx context.Context, res WatchResult) {
		lock := c.swapLock(s.ID)
		lock.Lock()
		defer lock.Unlock()

		c.update(ctx, s, flags)
		if refreshAddr != "" {
			c.refreshBalance(refreshAddr)
		}
	})
	c.performer.EnqueueTask(task)
	return nil
}

// restore re-derives the control tasks for a swap purely from its flags
// and the current time.
func (c *engineCore) restore(ctx context.Context, e Engine, w chainWatches, s *Swap) error {
	if s.IsCanceled() {
		return nil
	}

	if s.IsSoldCurrency(c.currency) {
		return c.restoreSoldSide(ctx, e, w, s)
	}
	return c.restorePurchasedSide(ctx, e, w, s)
}

func (c *engineCore) restoreSoldSide(ctx context.Context, e Engine, w chainWatches, s *Swap) error {
	lock := c.swapLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	flags := s.StateFlags

	switch {
	case flags.Has(FlagRefundConfirmed) || flags.Has(FlagPartyPaymentSpent):
		// Terminal for this side.
		return nil

	case flags.Has(FlagRefundBroadcast):
		return c.watchConfirmation(w, s, s.RefundTxID, FlagRefundConfirmed, s.ToAddress)

	case flags.Has(FlagPaymentBroadcast):
		// Payment is out; resume waiting for the counterparty's redeem.
		return c.startRedeemWatch(e, w, s)

	default:
		// Payment never went out. There is no automatic re-broadcast; give
		// up entirely once the overall swap timeout has elapsed.
		if c.maxTimeoutExceeded(s) {
			c.log.Warn("swap exceeded maximum timeout without payment", "swap", s.ID)
			c.update(ctx, s, FlagCanceled)
		}
		return nil
	}
}

func (c *engineCore) restorePurchasedSide(ctx context.Context, e Engine, w chainWatches, s *Swap) error {
	// Snapshot under the lock, then delegate unlocked: Redeem takes the
	// swap lock itself.
	lock := c.swapLock(s.ID)
	lock.Lock()
	flags := s.StateFlags
	redeemTxID := s.RedeemTxID
	secretKnown := len(s.Secret) > 0
	lock.Unlock()

	switch {
	case flags.Has(FlagRedeemConfirmed):
		return nil

	case flags.Has(FlagRedeemBroadcast):
		// The redeem is out, possibly unconfirmed. Only the confirmation
		// check is re-created; the redeem is never re-signed or re-sent.
		return c.watchConfirmation(w, s, redeemTxID, FlagRedeemConfirmed, s.ToAddress)

	case flags.Has(FlagPartyPaymentConfirmed):
		if s.RewardForRedeem.IsPositive() {
			return e.WaitForRedeem(ctx, s)
		}
		if secretKnown {
			return e.Redeem(ctx, s)
		}
		// Secret not yet revealed; resume the sold side's watch from the
		// counterparty payment evidence.
		return e.PrepareToReceive(ctx, s)

	default:
		return e.PrepareToReceive(ctx, s)
	}
}

// broadcastError wraps a business failure for synchronous callers while
// logging it for the fire-and-forget paths.
func (c *engineCore) broadcastError(s *Swap, err *Error) error {
	c.log.Warn("swap operation aborted",
		"swap", s.ID, "code", err.Code.String(), "reason", err.Description)
	return err
}
