package swap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// recordingEngine records calls and signals each one on a channel so tests
// can wait for the manager's fire-and-forget goroutines.
type recordingEngine struct {
	currency string

	mu    sync.Mutex
	calls []string
	ops   chan string
}

func newRecordingEngine(currency string) *recordingEngine {
	return &recordingEngine{currency: currency, ops: make(chan string, 16)}
}

func (e *recordingEngine) record(op string) error {
	e.mu.Lock()
	e.calls = append(e.calls, op)
	e.mu.Unlock()
	e.ops <- op
	return nil
}

func (e *recordingEngine) Currency() string { return e.currency }

func (e *recordingEngine) BroadcastPayment(ctx context.Context, s *Swap) error {
	return e.record("broadcast")
}
func (e *recordingEngine) PrepareToReceive(ctx context.Context, s *Swap) error {
	return e.record("prepare")
}
func (e *recordingEngine) Redeem(ctx context.Context, s *Swap) error { return e.record("redeem") }
func (e *recordingEngine) WaitForRedeem(ctx context.Context, s *Swap) error {
	return e.record("waitForRedeem")
}
func (e *recordingEngine) PartyRedeem(ctx context.Context, s *Swap) error {
	return e.record("partyRedeem")
}
func (e *recordingEngine) Refund(ctx context.Context, s *Swap) error { return e.record("refund") }
func (e *recordingEngine) RestoreSwap(ctx context.Context, s *Swap) error {
	return e.record("restore")
}

func (e *recordingEngine) await(t *testing.T, op string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-e.ops:
			if got == op {
				return
			}
		case <-deadline:
			t.Fatalf("engine %s: timed out waiting for %s, saw %v", e.currency, op, e.snapshot())
		}
	}
}

func (e *recordingEngine) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *recordingEngine) assertNot(t *testing.T, op string) {
	t.Helper()
	for _, got := range e.snapshot() {
		if got == op {
			t.Errorf("engine %s: %s must not have been called", e.currency, op)
		}
	}
}

type memStore struct {
	mu    sync.Mutex
	saves []int64
}

func (st *memStore) SaveSwap(ctx context.Context, s *Swap) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.saves = append(st.saves, s.ID)
	return nil
}

func (st *memStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.saves)
}

type memTransport struct {
	mu   sync.Mutex
	sent []string
}

func (tr *memTransport) record(kind string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = append(tr.sent, kind)
	return nil
}

func (tr *memTransport) SwapInitiate(ctx context.Context, s *Swap) error {
	return tr.record("initiate")
}
func (tr *memTransport) SwapAccept(ctx context.Context, s *Swap) error { return tr.record("accept") }
func (tr *memTransport) SwapPayment(ctx context.Context, s *Swap) error {
	return tr.record("payment")
}

func (tr *memTransport) messages() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.sent...)
}

// managerFixture wires a manager with one engine per side of an ETH/BTC
// sell: BTC is sold, ETH is purchased.
type managerFixture struct {
	m         *Manager
	sold      *recordingEngine
	purchased *recordingEngine
	store     *memStore
	transport *memTransport
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		sold:      newRecordingEngine("BTC"),
		purchased: newRecordingEngine("ETH"),
		store:     &memStore{},
		transport: &memTransport{},
	}
	f.m = NewManager(f.store, f.transport, testLog)
	f.m.RegisterEngine(f.sold)
	f.m.RegisterEngine(f.purchased)
	return f
}

func managedSwap(initiator bool) *Swap {
	_, hash, _ := GenerateSecret()
	return &Swap{
		ID:          7,
		SecretHash:  hash,
		Symbol:      "BTC/ETH",
		Side:        SideSell,
		Price:       decimal.RequireFromString("15"),
		Qty:         decimal.RequireFromString("0.5"),
		IsInitiator: initiator,
		TimeStamp:   time.Now().UTC(),
	}
}

func TestBeginGeneratesSecretAndStartsBothSides(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)
	s.Secret = nil
	s.SecretHash = nil

	if err := f.m.Begin(context.Background(), s); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if len(s.Secret) != 32 || len(s.SecretHash) != 32 {
		t.Fatalf("secret/hash lengths = %d/%d, want 32/32", len(s.Secret), len(s.SecretHash))
	}
	if !VerifySecret(s.Secret, s.SecretHash) {
		t.Error("generated secret does not match its commitment")
	}
	if f.store.count() == 0 {
		t.Error("swap was not persisted")
	}
	if got := f.transport.messages(); len(got) != 1 || got[0] != "initiate" {
		t.Errorf("transport messages = %v, want [initiate]", got)
	}
	f.sold.await(t, "broadcast")
	f.purchased.await(t, "prepare")
	f.sold.assertNot(t, "prepare")
	f.purchased.assertNot(t, "broadcast")
}

func TestBeginKeepsProvidedSecret(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)
	secret, hash, _ := GenerateSecret()
	s.Secret, s.SecretHash = secret, hash

	if err := f.m.Begin(context.Background(), s); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !VerifySecret(secret, s.SecretHash) {
		t.Error("caller-provided secret was replaced")
	}
}

func TestBeginRejectsAcceptorSwap(t *testing.T) {
	f := newManagerFixture(t)
	if err := f.m.Begin(context.Background(), managedSwap(false)); err == nil {
		t.Fatal("Begin() must reject an acceptor-side swap")
	}
	if f.store.count() != 0 {
		t.Error("a rejected swap must not be persisted")
	}
}

func TestBeginRejectsUnknownChain(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)
	s.Symbol = "XTZ/ETH"
	if err := f.m.Begin(context.Background(), s); err == nil {
		t.Fatal("Begin() must fail without an engine for the sold chain")
	}
}

func TestAcceptWatchesWithoutPaying(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(false)

	if err := f.m.Accept(context.Background(), s); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if got := f.transport.messages(); len(got) != 1 || got[0] != "accept" {
		t.Errorf("transport messages = %v, want [accept]", got)
	}
	f.purchased.await(t, "prepare")
	// The acceptor's funds stay put until the initiator's payment confirms.
	f.sold.assertNot(t, "broadcast")
}

func TestAcceptRequiresSecretCommitment(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(false)
	s.SecretHash = []byte{0x01, 0x02}

	if err := f.m.Accept(context.Background(), s); err == nil {
		t.Fatal("Accept() must reject a swap without a full commitment")
	}
}

func TestAcceptRejectsInitiatorSwap(t *testing.T) {
	f := newManagerFixture(t)
	if err := f.m.Accept(context.Background(), managedSwap(true)); err == nil {
		t.Fatal("Accept() must reject an initiator-side swap")
	}
}

func TestPaymentConfirmedAcceptorBroadcasts(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(false)

	f.m.Handlers().PaymentConfirmed(context.Background(), s)

	f.sold.await(t, "broadcast")
	f.purchased.assertNot(t, "redeem")
}

func TestPaymentConfirmedInitiatorRedeems(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)

	f.m.Handlers().PaymentConfirmed(context.Background(), s)

	f.purchased.await(t, "redeem")
	f.sold.assertNot(t, "broadcast")
	f.sold.assertNot(t, "partyRedeem")
}

func TestPaymentConfirmedInitiatorWithRewardWaits(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)
	s.RewardForRedeem = decimal.RequireFromString("0.001")

	f.m.Handlers().PaymentConfirmed(context.Background(), s)

	f.purchased.await(t, "waitForRedeem")
	f.purchased.assertNot(t, "redeem")
}

func TestPaymentConfirmedInitiatorRedeemsForParty(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)
	s.PartyRewardForRedeem = decimal.RequireFromString("0.002")

	f.m.Handlers().PaymentConfirmed(context.Background(), s)

	f.purchased.await(t, "redeem")
	// The counterparty asked for a third-party redeem; it spends this
	// party's own payment on the sold chain.
	f.sold.await(t, "partyRedeem")
}

func TestPaymentSpentAcceptorRedeems(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(false)

	f.m.Handlers().PaymentSpent(context.Background(), s)

	f.purchased.await(t, "redeem")
}

func TestPaymentSpentInitiatorIsNoop(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)

	f.m.Handlers().PaymentSpent(context.Background(), s)

	time.Sleep(50 * time.Millisecond)
	f.purchased.assertNot(t, "redeem")
	f.sold.assertNot(t, "redeem")
}

func TestSwapUpdatedPersistsAndNotifiesOnPayment(t *testing.T) {
	f := newManagerFixture(t)
	s := managedSwap(true)
	h := f.m.Handlers()

	h.SwapUpdated(context.Background(), s, FlagPaymentSigned)
	if got := f.transport.messages(); len(got) != 0 {
		t.Errorf("messages after signing = %v, want none", got)
	}

	h.SwapUpdated(context.Background(), s, FlagPaymentSigned|FlagPaymentBroadcast)
	if got := f.transport.messages(); len(got) != 1 || got[0] != "payment" {
		t.Errorf("messages after broadcast = %v, want [payment]", got)
	}
	if f.store.count() != 2 {
		t.Errorf("saves = %d, want 2", f.store.count())
	}
}

func TestRestoreAllSkipsCanceled(t *testing.T) {
	f := newManagerFixture(t)

	live := managedSwap(true)
	dead := managedSwap(false)
	dead.ID = 8
	dead.Cancel()

	f.m.RestoreAll(context.Background(), []*Swap{live, dead})

	// Both sides restored exactly once, for the live swap only.
	f.sold.await(t, "restore")
	f.purchased.await(t, "restore")
	if got := f.sold.snapshot(); len(got) != 1 {
		t.Errorf("sold engine calls = %v, want a single restore", got)
	}
}

func TestRestoreAllIsolatesUnknownChain(t *testing.T) {
	f := newManagerFixture(t)

	odd := managedSwap(true)
	odd.Symbol = "XTZ/ETH"
	ok := managedSwap(true)
	ok.ID = 9

	f.m.RestoreAll(context.Background(), []*Swap{odd, ok})

	f.sold.await(t, "restore")
}
