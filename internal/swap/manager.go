package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Store persists swap state. Every committed flag transition is saved so a
// restart can rebuild the control tasks from the record alone.
type Store interface {
	SaveSwap(ctx context.Context, s *Swap) error
}

// Transport notifies the matching server about swap progress. All methods
// are best-effort from the manager's point of view: a delivery failure is
// logged and the swap proceeds on chain evidence alone.
type Transport interface {
	SwapInitiate(ctx context.Context, s *Swap) error
	SwapAccept(ctx context.Context, s *Swap) error
	SwapPayment(ctx context.Context, s *Swap) error
}

// Manager coordinates the two engines of each swap: it persists every state
// transition, notifies the server, and chains the sold and purchased sides
// together (counterparty payment seen -> own payment or redeem, own payment
// spent -> redeem with the extracted secret).
type Manager struct {
	mu      sync.RWMutex
	engines map[string]Engine

	store     Store
	transport Transport
	log       *logging.Logger
}

// NewManager creates a swap manager. Engines are registered afterwards,
// constructed with this manager's Handlers so their events flow back here.
func NewManager(store Store, transport Transport, log *logging.Logger) *Manager {
	return &Manager{
		engines:   make(map[string]Engine),
		store:     store,
		transport: transport,
		log:       log.Component("swap-manager"),
	}
}

// RegisterEngine adds a chain engine, keyed by its currency symbol.
func (m *Manager) RegisterEngine(e Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[e.Currency()] = e
}

func (m *Manager) engineFor(currency string) (Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[currency]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for %s", ErrUnsupportedChain, currency)
	}
	return e, nil
}

func (m *Manager) soldEngine(s *Swap) (Engine, error) {
	return m.engineFor(s.SoldCurrency())
}

func (m *Manager) purchasedEngine(s *Swap) (Engine, error) {
	return m.engineFor(s.PurchasedCurrency())
}

// Handlers returns the event handlers to construct engines with.
func (m *Manager) Handlers() Handlers {
	return Handlers{
		SwapUpdated:      m.swapUpdated,
		PaymentConfirmed: m.paymentConfirmed,
		PaymentSpent:     m.paymentSpent,
	}
}

// swapUpdated persists every transition and tells the server when this
// party's payment goes out.
func (m *Manager) swapUpdated(ctx context.Context, s *Swap, changed StateFlags) {
	if err := m.store.SaveSwap(ctx, s); err != nil {
		m.log.Error("cannot persist swap", "swap", s.ID, "error", err)
	}

	if changed.Has(FlagPaymentBroadcast) && m.transport != nil {
		if err := m.transport.SwapPayment(ctx, s); err != nil {
			m.log.Warn("payment notification failed", "swap", s.ID, "error", err)
		}
	}
}

// paymentConfirmed fires when the counterparty's payment is confirmed on the
// purchased chain. For the acceptor this is the signal to commit their own
// funds; for the initiator it is the signal to redeem.
func (m *Manager) paymentConfirmed(ctx context.Context, s *Swap) {
	if s.IsAcceptor() {
		sold, err := m.soldEngine(s)
		if err != nil {
			m.log.Error("cannot broadcast payment", "swap", s.ID, "error", err)
			return
		}
		m.log.Info("initiator payment confirmed, broadcasting own payment", "swap", s.ID)
		go func() {
			if err := sold.BroadcastPayment(context.WithoutCancel(ctx), s); err != nil {
				m.log.Error("acceptor payment failed", "swap", s.ID, "error", err)
			}
		}()
		return
	}

	purchased, err := m.purchasedEngine(s)
	if err != nil {
		m.log.Error("cannot redeem", "swap", s.ID, "error", err)
		return
	}

	m.log.Info("acceptor payment confirmed, redeeming", "swap", s.ID)
	go func() {
		ctx := context.WithoutCancel(ctx)

		if s.RewardForRedeem.IsPositive() {
			if err := purchased.WaitForRedeem(ctx, s); err != nil {
				m.log.Error("cannot start redeem watch", "swap", s.ID, "error", err)
			}
		} else if err := purchased.Redeem(ctx, s); err != nil {
			m.log.Error("redeem failed", "swap", s.ID, "error", err)
			return
		}

		// The acceptor asked this party to redeem for them in exchange for
		// the payoff attached to this party's own payment.
		if s.PartyRewardForRedeem.IsPositive() {
			sold, err := m.soldEngine(s)
			if err != nil {
				m.log.Error("cannot party redeem", "swap", s.ID, "error", err)
				return
			}
			if err := sold.PartyRedeem(ctx, s); err != nil {
				m.log.Error("party redeem failed", "swap", s.ID, "error", err)
			}
		}
	}()
}

// paymentSpent fires when this party's own payment is spent on the sold
// chain and the secret has been extracted from the spend. Only the acceptor
// acts here: the revealed secret unlocks the counterparty's payment.
func (m *Manager) paymentSpent(ctx context.Context, s *Swap) {
	if !s.IsAcceptor() {
		return
	}

	purchased, err := m.purchasedEngine(s)
	if err != nil {
		m.log.Error("cannot redeem", "swap", s.ID, "error", err)
		return
	}

	m.log.Info("secret revealed, redeeming counterparty payment", "swap", s.ID)
	go func() {
		if err := purchased.Redeem(context.WithoutCancel(ctx), s); err != nil {
			m.log.Error("redeem failed", "swap", s.ID, "error", err)
		}
	}()
}

// Begin starts a swap as the initiator: generate the secret commitment,
// announce the swap, commit this party's funds and watch for the
// counterparty's payment.
func (m *Manager) Begin(ctx context.Context, s *Swap) error {
	if !s.IsInitiator {
		return newError(CodeWrongSwapData, "begin called for acceptor swap %d", s.ID)
	}
	if len(s.Secret) == 0 {
		secret, hash, err := GenerateSecret()
		if err != nil {
			return fmt.Errorf("secret generation: %w", err)
		}
		s.Secret = secret
		s.SecretHash = hash
	}
	if s.TimeStamp.IsZero() {
		s.TimeStamp = time.Now().UTC()
	}

	sold, err := m.soldEngine(s)
	if err != nil {
		return err
	}
	purchased, err := m.purchasedEngine(s)
	if err != nil {
		return err
	}

	if err := m.store.SaveSwap(ctx, s); err != nil {
		return fmt.Errorf("persist swap %d: %w", s.ID, err)
	}
	if m.transport != nil {
		if err := m.transport.SwapInitiate(ctx, s); err != nil {
			m.log.Warn("initiate notification failed", "swap", s.ID, "error", err)
		}
	}

	if err := sold.BroadcastPayment(ctx, s); err != nil {
		return err
	}
	return purchased.PrepareToReceive(ctx, s)
}

// Accept starts a swap as the acceptor: mirror the initiator's commitment
// and watch for their payment. This party's own payment only goes out once
// the initiator's payment is confirmed.
func (m *Manager) Accept(ctx context.Context, s *Swap) error {
	if s.IsInitiator {
		return newError(CodeWrongSwapData, "accept called for initiator swap %d", s.ID)
	}
	if len(s.SecretHash) != 32 {
		return newError(CodeWrongSwapData, "swap %d has no secret commitment", s.ID)
	}
	if s.TimeStamp.IsZero() {
		s.TimeStamp = time.Now().UTC()
	}

	purchased, err := m.purchasedEngine(s)
	if err != nil {
		return err
	}

	if err := m.store.SaveSwap(ctx, s); err != nil {
		return fmt.Errorf("persist swap %d: %w", s.ID, err)
	}
	if m.transport != nil {
		if err := m.transport.SwapAccept(ctx, s); err != nil {
			m.log.Warn("accept notification failed", "swap", s.ID, "error", err)
		}
	}

	return purchased.PrepareToReceive(ctx, s)
}

// RestoreAll rebuilds the control tasks for every active swap after a
// restart. Each side's engine re-derives its tasks from the flags; a
// failure on one swap never blocks the rest.
func (m *Manager) RestoreAll(ctx context.Context, swaps []*Swap) {
	for _, s := range swaps {
		if s.IsCanceled() {
			continue
		}

		sold, err := m.soldEngine(s)
		if err != nil {
			m.log.Error("cannot restore swap", "swap", s.ID, "error", err)
			continue
		}
		purchased, err := m.purchasedEngine(s)
		if err != nil {
			m.log.Error("cannot restore swap", "swap", s.ID, "error", err)
			continue
		}

		if err := sold.RestoreSwap(ctx, s); err != nil {
			m.log.Error("sold side restore failed", "swap", s.ID, "error", err)
		}
		if err := purchased.RestoreSwap(ctx, s); err != nil {
			m.log.Error("purchased side restore failed", "swap", s.ID, "error", err)
		}
		m.log.Info("swap restored", "swap", s.ID, "flags", s.StateFlags.String())
	}
}
