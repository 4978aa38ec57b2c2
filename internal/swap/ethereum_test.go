package swap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/chain"
	"github.com/quasar-exchange/quasar/internal/config"
	"github.com/quasar-exchange/quasar/internal/scheduler"
	"github.com/quasar-exchange/quasar/pkg/helpers"
)

func newEthereumFixture(t *testing.T) *EthereumEngine {
	t.Helper()

	cfg := config.DefaultSwapConfig()
	engine, err := NewEthereumEngine(
		"ETH", chain.Mainnet, &cfg,
		account.NewMemoryAccount(),
		&fakeContractBackend{},
		account.NewNonceSequencer(),
		scheduler.NewPerformer(scheduler.Config{}),
		Handlers{},
		testLog,
	)
	if err != nil {
		t.Fatalf("NewEthereumEngine: %v", err)
	}
	return engine
}

func ethWallet(address string, balance string) *account.WalletAddress {
	return &account.WalletAddress{
		Currency: "ETH",
		Address:  address,
		Balance:  decimal.RequireFromString(balance),
	}
}

func TestEthereumPaymentAddFeePricing(t *testing.T) {
	e := newEthereumFixture(t)

	_, hash, _ := GenerateSecret()
	s := &Swap{
		ID:           1,
		SecretHash:   hash,
		Symbol:       "ETH/BTC",
		Side:         SideSell,
		IsInitiator:  true,
		PartyAddress: "0x00000000000000000000000000000000000000aa",
		TimeStamp:    time.Now().UTC(),
	}

	// The second address covers the remainder only when its top-up is
	// priced at the add fee: 0.1078 - 0.0021 = 0.1057 available, against
	// 0.9 - 0.0057 = 0.8943 from the first.
	addrs := []*account.WalletAddress{
		ethWallet("0xfunder1", "0.9"),
		ethWallet("0xfunder2", "0.1078"),
	}
	required := decimal.RequireFromString("1.0")
	initiateFee := e.params.InitiateFeeAmount

	txs, err := e.buildPaymentTxs(context.Background(), s, addrs, required, initiateFee)
	if err != nil {
		t.Fatalf("buildPaymentTxs: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d txs, want 2", len(txs))
	}

	initiate, add := txs[0].Tx, txs[1].Tx
	if !bytes.HasPrefix(initiate.Data(), initiateSelector) {
		t.Error("first tx must call initiate")
	}
	if !bytes.HasPrefix(add.Data(), addSelector) {
		t.Error("second tx must call add")
	}
	if initiate.Gas() != gasLimitInitiate || add.Gas() != gasLimitAdd {
		t.Errorf("gas limits = %d, %d, want %d, %d",
			initiate.Gas(), add.Gas(), gasLimitInitiate, gasLimitAdd)
	}

	wantInitiatePrice := new(big.Int).Div(
		helpers.ToBaseUnits(initiateFee, e.params.Decimals),
		big.NewInt(gasLimitInitiate))
	if initiate.GasPrice().Cmp(wantInitiatePrice) != 0 {
		t.Errorf("initiate gas price = %s, want %s", initiate.GasPrice(), wantInitiatePrice)
	}

	// The add call is priced from the add fee, not the initiate fee.
	wantAddPrice := new(big.Int).Div(
		helpers.ToBaseUnits(e.params.AddFeeAmount, e.params.Decimals),
		big.NewInt(gasLimitAdd))
	if add.GasPrice().Cmp(wantAddPrice) != 0 {
		t.Errorf("add gas price = %s, want %s", add.GasPrice(), wantAddPrice)
	}

	wantAddValue := helpers.ToBaseUnits(decimal.RequireFromString("0.1057"), e.params.Decimals)
	if add.Value().Cmp(wantAddValue) != 0 {
		t.Errorf("add value = %s, want %s", add.Value(), wantAddValue)
	}
}

// flakyBroadcastBackend accepts the first broadcast and rejects the rest.
type flakyBroadcastBackend struct {
	fakeContractBackend
	calls int
}

func (b *flakyBroadcastBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	b.calls++
	if b.calls == 1 {
		return "payment-0", nil
	}
	return "", errors.New("mempool rejected")
}

func TestEthereumPartialPaymentStartsRedeemWatch(t *testing.T) {
	cfg := config.DefaultSwapConfig()
	cfg.ContractSettleDelay = time.Millisecond

	acc := account.NewMemoryAccount()
	acc.AddAddress(ethWallet("0xfunder1", "0.9"))
	acc.AddAddress(ethWallet("0xfunder2", "0.5"))
	acc.SetSigner("ETH", func(ctx context.Context, tx account.Transaction, addr *account.WalletAddress) (bool, error) {
		et := tx.(*EthereumTransaction)
		et.Signed = et.Tx
		return true, nil
	})

	performer := scheduler.NewPerformer(scheduler.Config{})
	engine, err := NewEthereumEngine(
		"ETH", chain.Mainnet, &cfg, acc,
		&flakyBroadcastBackend{},
		account.NewNonceSequencer(),
		performer, Handlers{}, testLog,
	)
	if err != nil {
		t.Fatalf("NewEthereumEngine: %v", err)
	}

	_, hash, _ := GenerateSecret()
	s := &Swap{
		ID:           3,
		SecretHash:   hash,
		Symbol:       "ETH/BTC",
		Side:         SideSell,
		Qty:          decimal.RequireFromString("1.0"),
		IsInitiator:  true,
		PartyAddress: "0x00000000000000000000000000000000000000cc",
		TimeStamp:    time.Now().UTC(),
	}

	err = engine.BroadcastPayment(context.Background(), s)
	if err == nil {
		t.Fatal("second broadcast was rejected, BroadcastPayment must fail")
	}
	if !s.StateFlags.Has(FlagPaymentBroadcast) {
		t.Fatal("first broadcast landed, FlagPaymentBroadcast must be set")
	}
	if s.PaymentTxID != "payment-0" {
		t.Errorf("PaymentTxID = %q, want payment-0", s.PaymentTxID)
	}

	// The funds already locked on chain must be watched immediately, not
	// only after the next restart's restore pass.
	if performer.Pending() == 0 {
		t.Fatal("partially funded payment left without a redeem watch")
	}
}

// countingBroadcastBackend accepts every broadcast and counts them.
type countingBroadcastBackend struct {
	fakeContractBackend
	mu    sync.Mutex
	calls int
}

func (b *countingBroadcastBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return fmt.Sprintf("tx-%d", b.calls), nil
}

func (b *countingBroadcastBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestEthereumConcurrentRefundBroadcastsOnce(t *testing.T) {
	cfg := config.DefaultSwapConfig()

	acc := account.NewMemoryAccount()
	acc.AddAddress(ethWallet("0xfunder1", "1.0"))
	acc.SetSigner("ETH", func(ctx context.Context, tx account.Transaction, addr *account.WalletAddress) (bool, error) {
		// Widen the race window between the flag check and the broadcast.
		time.Sleep(20 * time.Millisecond)
		et := tx.(*EthereumTransaction)
		et.Signed = et.Tx
		return true, nil
	})

	be := &countingBroadcastBackend{}
	engine, err := NewEthereumEngine(
		"ETH", chain.Mainnet, &cfg, acc, be,
		account.NewNonceSequencer(),
		scheduler.NewPerformer(scheduler.Config{}),
		Handlers{}, testLog,
	)
	if err != nil {
		t.Fatalf("NewEthereumEngine: %v", err)
	}

	_, hash, _ := GenerateSecret()
	s := &Swap{
		ID:          5,
		SecretHash:  hash,
		Symbol:      "ETH/BTC",
		Side:        SideSell,
		Qty:         decimal.RequireFromString("0.5"),
		IsInitiator: true,
		FromAddress: "0xfunder1",
		TimeStamp:   time.Now().UTC(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Refund(context.Background(), s); err != nil {
				t.Errorf("Refund: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := be.count(); got != 1 {
		t.Fatalf("refund broadcast %d times, want exactly once", got)
	}
	if !s.StateFlags.Has(FlagRefundBroadcast) {
		t.Fatal("FlagRefundBroadcast must be set")
	}
}

func TestEthereumRestoreRedeemsWithoutDeadlock(t *testing.T) {
	cfg := config.DefaultSwapConfig()

	acc := account.NewMemoryAccount()
	acc.AddAddress(ethWallet("0xfunder1", "1.0"))
	acc.SetSigner("ETH", func(ctx context.Context, tx account.Transaction, addr *account.WalletAddress) (bool, error) {
		et := tx.(*EthereumTransaction)
		et.Signed = et.Tx
		return true, nil
	})

	be := &countingBroadcastBackend{}
	engine, err := NewEthereumEngine(
		"ETH", chain.Mainnet, &cfg, acc, be,
		account.NewNonceSequencer(),
		scheduler.NewPerformer(scheduler.Config{}),
		Handlers{}, testLog,
	)
	if err != nil {
		t.Fatalf("NewEthereumEngine: %v", err)
	}

	secret, hash, _ := GenerateSecret()
	s := &Swap{
		ID:          6,
		SecretHash:  hash,
		Secret:      secret,
		Symbol:      "ETH/BTC",
		Side:        SideBuy,
		Qty:         decimal.RequireFromString("0.5"),
		Price:       decimal.RequireFromString("0.05"),
		IsInitiator: false,
		ToAddress:   "0xfunder1",
		TimeStamp:   time.Now().UTC(),
	}
	s.SetFlags(FlagPartyPaymentConfirmed)

	done := make(chan error, 1)
	go func() {
		done <- engine.RestoreSwap(context.Background(), s)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RestoreSwap: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RestoreSwap blocked on its own swap lock")
	}

	if got := be.count(); got != 1 {
		t.Fatalf("redeem broadcast %d times, want exactly once", got)
	}
	if !s.StateFlags.Has(FlagRedeemBroadcast) {
		t.Fatal("restored swap with a known secret must redeem")
	}
}

func TestEthereumPaymentSingleAddress(t *testing.T) {
	e := newEthereumFixture(t)

	_, hash, _ := GenerateSecret()
	s := &Swap{
		ID:           2,
		SecretHash:   hash,
		Symbol:       "ETH/BTC",
		Side:         SideSell,
		IsInitiator:  true,
		PartyAddress: "0x00000000000000000000000000000000000000bb",
		TimeStamp:    time.Now().UTC(),
	}

	addrs := []*account.WalletAddress{ethWallet("0xfunder1", "2.0")}
	required := decimal.RequireFromString("1.5")

	txs, err := e.buildPaymentTxs(context.Background(), s, addrs, required, e.params.InitiateFeeAmount)
	if err != nil {
		t.Fatalf("buildPaymentTxs: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d txs, want 1", len(txs))
	}
	if !bytes.HasPrefix(txs[0].Tx.Data(), initiateSelector) {
		t.Error("single funding tx must call initiate")
	}
	wantValue := helpers.ToBaseUnits(required, e.params.Decimals)
	if txs[0].Tx.Value().Cmp(wantValue) != 0 {
		t.Errorf("value = %s, want %s", txs[0].Tx.Value(), wantValue)
	}
}
