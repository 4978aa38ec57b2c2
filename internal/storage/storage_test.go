package storage

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/internal/swap"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	cfg := &Config{DataDir: t.TempDir()}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// createTestSwap creates a test swap with sensible defaults.
func createTestSwap(id int64) *swap.Swap {
	secret, hash, _ := swap.GenerateSecret()
	return &swap.Swap{
		ID:                   id,
		SecretHash:           hash,
		Secret:               secret,
		Symbol:               "ETH/BTC",
		Side:                 swap.SideBuy,
		Price:                decimal.RequireFromString("0.054"),
		Qty:                  decimal.RequireFromString("2.5"),
		IsInitiator:          true,
		ToAddress:            "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1",
		PartyAddress:         "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
		RewardForRedeem:      decimal.Zero,
		PartyRewardForRedeem: decimal.RequireFromString("0.0001"),
		TimeStamp:            time.Now().UTC().Truncate(time.Second),
	}
}

func TestSwapSaveAndGet(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sw := createTestSwap(1001)
	if err := store.SaveSwap(ctx, sw); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	got, err := store.GetSwap(ctx, 1001)
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}

	if got.ID != sw.ID {
		t.Errorf("ID = %d, want %d", got.ID, sw.ID)
	}
	if !bytes.Equal(got.SecretHash, sw.SecretHash) {
		t.Errorf("SecretHash = %x, want %x", got.SecretHash, sw.SecretHash)
	}
	if !bytes.Equal(got.Secret, sw.Secret) {
		t.Errorf("Secret = %x, want %x", got.Secret, sw.Secret)
	}
	if got.Symbol != "ETH/BTC" {
		t.Errorf("Symbol = %s, want ETH/BTC", got.Symbol)
	}
	if got.Side != swap.SideBuy {
		t.Errorf("Side = %v, want %v", got.Side, swap.SideBuy)
	}
	if !got.Price.Equal(sw.Price) {
		t.Errorf("Price = %s, want %s", got.Price, sw.Price)
	}
	if !got.Qty.Equal(sw.Qty) {
		t.Errorf("Qty = %s, want %s", got.Qty, sw.Qty)
	}
	if !got.IsInitiator {
		t.Error("IsInitiator should be true")
	}
	if !got.PartyRewardForRedeem.Equal(sw.PartyRewardForRedeem) {
		t.Errorf("PartyRewardForRedeem = %s, want %s",
			got.PartyRewardForRedeem, sw.PartyRewardForRedeem)
	}
	if !got.TimeStamp.Equal(sw.TimeStamp) {
		t.Errorf("TimeStamp = %v, want %v", got.TimeStamp, sw.TimeStamp)
	}
}

func TestSwapUpsertOnTransition(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sw := createTestSwap(1002)
	if err := store.SaveSwap(ctx, sw); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	// Simulate the payment going out.
	sw.SetFlags(swap.FlagPaymentSigned | swap.FlagPaymentBroadcast)
	sw.PaymentTxID = "abc123def456"
	sw.FromAddress = "0x5aeda56215b167893e80b4fe645ba6d5bab767de"
	if err := store.SaveSwap(ctx, sw); err != nil {
		t.Fatalf("SaveSwap() update error = %v", err)
	}

	got, err := store.GetSwap(ctx, 1002)
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if !got.StateFlags.Has(swap.FlagPaymentBroadcast) {
		t.Errorf("StateFlags = %s, want payment broadcast set", got.StateFlags)
	}
	if got.PaymentTxID != "abc123def456" {
		t.Errorf("PaymentTxID = %s, want abc123def456", got.PaymentTxID)
	}
	if got.FromAddress != sw.FromAddress {
		t.Errorf("FromAddress = %s, want %s", got.FromAddress, sw.FromAddress)
	}
}

func TestSwapScripts(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sw := createTestSwap(1003)
	sw.RedeemScript = []byte{0x63, 0xa8, 0x20, 0x01, 0x02}
	sw.PartyRedeemScript = []byte{0x63, 0xa8, 0x20, 0x03, 0x04}
	sw.PartyPubKey = bytes.Repeat([]byte{0x02}, 33)

	if err := store.SaveSwap(ctx, sw); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	got, err := store.GetSwap(ctx, 1003)
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if !bytes.Equal(got.RedeemScript, sw.RedeemScript) {
		t.Errorf("RedeemScript = %x, want %x", got.RedeemScript, sw.RedeemScript)
	}
	if !bytes.Equal(got.PartyRedeemScript, sw.PartyRedeemScript) {
		t.Errorf("PartyRedeemScript = %x, want %x", got.PartyRedeemScript, sw.PartyRedeemScript)
	}
	if !bytes.Equal(got.PartyPubKey, sw.PartyPubKey) {
		t.Errorf("PartyPubKey = %x, want %x", got.PartyPubKey, sw.PartyPubKey)
	}
}

func TestGetSwapNotFound(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.GetSwap(context.Background(), 9999)
	if err != ErrSwapNotFound {
		t.Errorf("GetSwap() error = %v, want ErrSwapNotFound", err)
	}
}

func TestGetActiveSwaps(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	active := createTestSwap(2001)
	if err := store.SaveSwap(ctx, active); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	done := createTestSwap(2002)
	done.SetFlags(swap.FlagPaymentBroadcast | swap.FlagRedeemConfirmed)
	if err := store.SaveSwap(ctx, done); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	canceled := createTestSwap(2003)
	canceled.Cancel()
	if err := store.SaveSwap(ctx, canceled); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	swaps, err := store.GetActiveSwaps(ctx)
	if err != nil {
		t.Fatalf("GetActiveSwaps() error = %v", err)
	}

	// Canceled swaps are excluded; completed-but-not-canceled swaps are
	// included so restore can verify their terminal flags.
	if len(swaps) != 2 {
		t.Fatalf("GetActiveSwaps() returned %d swaps, want 2", len(swaps))
	}
	for _, sw := range swaps {
		if sw.ID == 2003 {
			t.Error("canceled swap should not be returned")
		}
	}
}

func TestSwapCount(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	for id := int64(3001); id <= 3003; id++ {
		sw := createTestSwap(id)
		if id == 3003 {
			sw.Cancel()
		}
		if err := store.SaveSwap(ctx, sw); err != nil {
			t.Fatalf("SaveSwap() error = %v", err)
		}
	}

	active, canceled, err := store.SwapCount(ctx)
	if err != nil {
		t.Fatalf("SwapCount() error = %v", err)
	}
	if active != 2 {
		t.Errorf("active = %d, want 2", active)
	}
	if canceled != 1 {
		t.Errorf("canceled = %d, want 1", canceled)
	}
}

func TestStorageReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sw := createTestSwap(4001)
	sw.SetFlags(swap.FlagPaymentSigned | swap.FlagPaymentBroadcast)
	if err := store.SaveSwap(ctx, sw); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetSwap(ctx, 4001)
	if err != nil {
		t.Fatalf("GetSwap() after reopen error = %v", err)
	}
	if !got.StateFlags.Has(swap.FlagPaymentBroadcast) {
		t.Error("flags should survive reopen")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got := expandPath("~/quasar-data")
	if got == "~/quasar-data" {
		t.Error("expandPath should expand ~")
	}
	if got[:len(home)] != home {
		t.Errorf("expandPath = %s, want prefix %s", got, home)
	}
}
