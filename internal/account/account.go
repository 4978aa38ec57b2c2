// Package account defines the wallet/account collaborator contract consumed
// by the swap engines. Key management, derivation and balance bookkeeping
// live behind this interface - the engines only select funding addresses,
// request signatures and report transactions back.
package account

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Common errors
var (
	ErrAddressNotFound   = errors.New("address not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// UsagePolicy determines how funding addresses are selected.
type UsagePolicy int

const (
	// UseMinimalBalanceFirst selects addresses ascending by available
	// balance until the required amount is covered. Biases toward
	// consolidating dust.
	UseMinimalBalanceFirst UsagePolicy = iota

	// UseOnlyOneAddress selects a single address whose available balance
	// covers the full amount plus fee.
	UseOnlyOneAddress

	// UseAnyAddresses selects addresses in wallet order; used when funding
	// is not time- or amount-critical.
	UseAnyAddresses
)

// WalletAddress is an address record owned by the wallet.
type WalletAddress struct {
	Currency  string
	Address   string
	PublicKey []byte

	// Balance is the confirmed balance in whole-coin units.
	Balance decimal.Decimal

	// UnconfirmedIncome and UnconfirmedOutcome track mempool deltas.
	UnconfirmedIncome  decimal.Decimal
	UnconfirmedOutcome decimal.Decimal
}

// AvailableBalance returns the balance spendable right now.
func (w *WalletAddress) AvailableBalance() decimal.Decimal {
	return w.Balance.Sub(w.UnconfirmedOutcome)
}

// Transaction is the minimal view of a chain-specific transaction the
// account needs. Concrete types live in the swap engines; the wallet
// type-switches on them for signing.
type Transaction interface {
	TxID() string
	Currency() string
}

// Account is the wallet collaborator contract.
type Account interface {
	// GetUnspentAddresses returns candidate funding addresses for the given
	// amount and fee under the given policy, ordered per the policy.
	// An empty result means insufficient funds.
	GetUnspentAddresses(
		ctx context.Context,
		currency string,
		amount, fee decimal.Decimal,
		feePerTransaction bool,
		policy UsagePolicy,
	) ([]*WalletAddress, error)

	// GetAddressBalance returns the current balance snapshot of an address.
	GetAddressBalance(ctx context.Context, currency, address string) (*WalletAddress, error)

	// ResolveAddress returns the wallet record for an address, including its
	// public key, for signing.
	ResolveAddress(ctx context.Context, currency, address string) (*WalletAddress, error)

	// Sign signs the transaction with the given address's key. A false
	// result without error means the wallet refused to sign.
	Sign(ctx context.Context, tx Transaction, address *WalletAddress) (bool, error)

	// UpsertTransaction records a broadcast transaction, optionally updating
	// balances and notifying listeners.
	UpsertTransaction(ctx context.Context, tx Transaction, updateBalance bool) error

	// RefreshBalance re-queries the chain for an address's balance.
	RefreshBalance(ctx context.Context, currency, address string) error
}

// SelectAddresses applies a usage policy to a set of candidate addresses.
// amount and fee are in whole-coin units. With feePerTransaction each
// selected address pays its own fee; otherwise the fee is charged once
// against the total. The fee is always deducted from the available balance,
// never added on top, so addresses must cover amount and fee jointly.
// Returns nil if the candidates cannot cover the requirement.
func SelectAddresses(
	candidates []*WalletAddress,
	amount, fee decimal.Decimal,
	feePerTransaction bool,
	policy UsagePolicy,
) []*WalletAddress {
	switch policy {
	case UseOnlyOneAddress:
		required := amount.Add(fee)
		for _, addr := range candidates {
			if addr.AvailableBalance().GreaterThanOrEqual(required) {
				return []*WalletAddress{addr}
			}
		}
		return nil

	case UseMinimalBalanceFirst:
		sorted := sortByAvailableAscending(candidates)

		required := amount
		if !feePerTransaction {
			required = required.Add(fee)
		}

		var selected []*WalletAddress
		for _, addr := range sorted {
			available := addr.AvailableBalance()
			if feePerTransaction {
				// Skip addresses that cannot pay their own fee: they would
				// produce a zero-or-negative contribution.
				available = available.Sub(fee)
				if available.LessThanOrEqual(decimal.Zero) {
					continue
				}
			}
			selected = append(selected, addr)
			required = required.Sub(available)
			if required.LessThanOrEqual(decimal.Zero) {
				return selected
			}
		}
		return nil

	case UseAnyAddresses:
		return candidates

	default:
		return nil
	}
}

func sortByAvailableAscending(addrs []*WalletAddress) []*WalletAddress {
	sorted := make([]*WalletAddress, len(addrs))
	copy(sorted, addrs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].AvailableBalance().LessThan(sorted[j-1].AvailableBalance()); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}
