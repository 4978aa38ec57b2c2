// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"math/big"
	"strings"
)

// DecodeHex decodes a hex string with or without 0x prefix.
// Returns nil on invalid input.
func DecodeHex(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// EncodeHex encodes bytes as a lowercase hex string without prefix.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBigInt converts a hex string (with or without 0x prefix) to *big.Int.
func HexToBigInt(s string) *big.Int {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0)
	}
	val, ok := new(big.Int).SetString(s, 16)
	if !ok || val == nil {
		return big.NewInt(0)
	}
	return val
}

// BigIntToHex converts a *big.Int to a hex string with 0x prefix.
func BigIntToHex(n *big.Int) string {
	if n == nil || n.Sign() == 0 {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
