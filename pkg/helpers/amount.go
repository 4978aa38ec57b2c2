// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal amount to the chain's smallest unit
// (satoshis, wei, mutez) as a big integer. The fractional remainder below
// one base unit is truncated.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	scaled := amount.Shift(int32(decimals)).Truncate(0)
	return scaled.BigInt()
}

// FromBaseUnits converts an amount in smallest units back to a decimal.
func FromBaseUnits(units *big.Int, decimals uint8) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, 0).Shift(-int32(decimals))
}

// ToBaseUnitsUint64 converts a decimal amount to smallest units as uint64.
// Returns an error if the amount is negative or overflows uint64.
func ToBaseUnitsUint64(amount decimal.Decimal, decimals uint8) (uint64, error) {
	units := ToBaseUnits(amount, decimals)
	if units.Sign() < 0 {
		return 0, fmt.Errorf("negative amount: %s", amount)
	}
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", amount)
	}
	return units.Uint64(), nil
}

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BTC).
func FormatAmount(units uint64, decimals uint8) string {
	return FromBaseUnits(new(big.Int).SetUint64(units), decimals).String()
}

// ParseAmount parses a decimal string to smallest units.
// For example, ParseAmount("1", 8) returns 100000000 (1 BTC in satoshis).
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	return ToBaseUnitsUint64(d, decimals)
}
