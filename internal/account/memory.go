package account

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Signer signs a chain transaction with the key behind an address. The
// concrete wallet plugs one in per currency.
type Signer func(ctx context.Context, tx Transaction, address *WalletAddress) (bool, error)

// MemoryAccount is an in-memory Account used by the daemon until an
// external wallet is attached, and by tests. It holds balance records and
// delegates signing to per-currency Signer callbacks.
type MemoryAccount struct {
	mu        sync.RWMutex
	addresses map[string][]*WalletAddress // currency -> addresses, wallet order
	signers   map[string]Signer
	txs       map[string]Transaction
}

func NewMemoryAccount() *MemoryAccount {
	return &MemoryAccount{
		addresses: make(map[string][]*WalletAddress),
		signers:   make(map[string]Signer),
		txs:       make(map[string]Transaction),
	}
}

// AddAddress registers an address record.
func (a *MemoryAccount) AddAddress(addr *WalletAddress) {
	a.mu.Lock()
	a.addresses[addr.Currency] = append(a.addresses[addr.Currency], addr)
	a.mu.Unlock()
}

// SetSigner installs the signing callback for a currency.
func (a *MemoryAccount) SetSigner(currency string, signer Signer) {
	a.mu.Lock()
	a.signers[currency] = signer
	a.mu.Unlock()
}

func (a *MemoryAccount) GetUnspentAddresses(
	ctx context.Context,
	currency string,
	amount, fee decimal.Decimal,
	feePerTransaction bool,
	policy UsagePolicy,
) ([]*WalletAddress, error) {
	a.mu.RLock()
	candidates := make([]*WalletAddress, len(a.addresses[currency]))
	copy(candidates, a.addresses[currency])
	a.mu.RUnlock()

	selected := SelectAddresses(candidates, amount, fee, feePerTransaction, policy)
	if selected == nil {
		return nil, ErrInsufficientFunds
	}
	return selected, nil
}

func (a *MemoryAccount) GetAddressBalance(ctx context.Context, currency, address string) (*WalletAddress, error) {
	return a.ResolveAddress(ctx, currency, address)
}

func (a *MemoryAccount) ResolveAddress(ctx context.Context, currency, address string) (*WalletAddress, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, addr := range a.addresses[currency] {
		if addr.Address == address {
			return addr, nil
		}
	}
	return nil, ErrAddressNotFound
}

func (a *MemoryAccount) Sign(ctx context.Context, tx Transaction, address *WalletAddress) (bool, error) {
	a.mu.RLock()
	signer := a.signers[tx.Currency()]
	a.mu.RUnlock()

	if signer == nil {
		return false, nil
	}
	return signer(ctx, tx, address)
}

func (a *MemoryAccount) UpsertTransaction(ctx context.Context, tx Transaction, updateBalance bool) error {
	a.mu.Lock()
	a.txs[tx.TxID()] = tx
	a.mu.Unlock()
	return nil
}

func (a *MemoryAccount) RefreshBalance(ctx context.Context, currency, address string) error {
	// Balances are maintained by the owner of the records; nothing to
	// re-query in memory.
	return nil
}

// SpendFrom reduces an address balance. Test helper for simulating a
// broadcast payment.
func (a *MemoryAccount) SpendFrom(currency, address string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, addr := range a.addresses[currency] {
		if addr.Address == address {
			addr.Balance = addr.Balance.Sub(amount)
			return
		}
	}
}
