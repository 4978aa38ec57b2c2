// Package chain defines parameters for the currencies the swap engine
// supports. All chain-specific values are hardcoded here - no external
// configuration needed.
package chain

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Family represents the blockchain family a currency belongs to.
type Family string

const (
	FamilyUTXO  Family = "utxo"  // BTC and forks (LTC)
	FamilyEVM   Family = "evm"   // Ethereum and EVM chains
	FamilyTezos Family = "tezos" // Tezos
)

// Params contains all parameters for a supported currency.
type Params struct {
	// Identity
	Symbol   string // BTC, LTC, ETH, XTZ
	Name     string
	Family   Family
	Decimals uint8

	// Confirmations required before a transaction is considered final.
	Confirmations int64

	// UTXO family: fee rate in smallest units per virtual byte.
	FeeRatePerByte decimal.Decimal

	// Account families: flat protocol fees in whole-coin units.
	// Payment on account chains is an "initiate" call optionally followed
	// by "add" top-ups, each with its own fee.
	InitiateFeeAmount           decimal.Decimal
	InitiateWithRewardFeeAmount decimal.Decimal
	AddFeeAmount                decimal.Decimal
	RedeemFeeAmount             decimal.Decimal
	RefundFeeAmount             decimal.Decimal

	// EVM family only.
	ChainID             uint64
	SwapContractAddress string

	// Tezos family only.
	SwapContract string
}

// registry of supported currencies per network.
var registry = map[Network]map[string]Params{
	Mainnet: {
		"BTC": {
			Symbol:         "BTC",
			Name:           "Bitcoin",
			Family:         FamilyUTXO,
			Decimals:       8,
			Confirmations:  1,
			FeeRatePerByte: decimal.NewFromInt(20),
		},
		"LTC": {
			Symbol:         "LTC",
			Name:           "Litecoin",
			Family:         FamilyUTXO,
			Decimals:       8,
			Confirmations:  2,
			FeeRatePerByte: decimal.NewFromInt(10),
		},
		"ETH": {
			Symbol:                      "ETH",
			Name:                        "Ethereum",
			Family:                      FamilyEVM,
			Decimals:                    18,
			Confirmations:               1,
			InitiateFeeAmount:           decimal.RequireFromString("0.0057"),
			InitiateWithRewardFeeAmount: decimal.RequireFromString("0.0060"),
			AddFeeAmount:                decimal.RequireFromString("0.0021"),
			RedeemFeeAmount:             decimal.RequireFromString("0.0036"),
			RefundFeeAmount:             decimal.RequireFromString("0.0030"),
			ChainID:                     1,
			SwapContractAddress:         "0xe9c251cbb4881f9e056e40135e7d3ea9a7d037df",
		},
		"XTZ": {
			Symbol:                      "XTZ",
			Name:                        "Tezos",
			Family:                      FamilyTezos,
			Decimals:                    6,
			Confirmations:               1,
			InitiateFeeAmount:           decimal.RequireFromString("0.01"),
			InitiateWithRewardFeeAmount: decimal.RequireFromString("0.012"),
			AddFeeAmount:                decimal.RequireFromString("0.005"),
			RedeemFeeAmount:             decimal.RequireFromString("0.01"),
			RefundFeeAmount:             decimal.RequireFromString("0.01"),
			SwapContract:                "KT1VG2WtYdSWz5E7chTeAdDPZNy2MpP8pTfL",
		},
	},
	Testnet: {
		"BTC": {
			Symbol:         "BTC",
			Name:           "Bitcoin",
			Family:         FamilyUTXO,
			Decimals:       8,
			Confirmations:  1,
			FeeRatePerByte: decimal.NewFromInt(5),
		},
		"LTC": {
			Symbol:         "LTC",
			Name:           "Litecoin",
			Family:         FamilyUTXO,
			Decimals:       8,
			Confirmations:  1,
			FeeRatePerByte: decimal.NewFromInt(5),
		},
		"ETH": {
			Symbol:                      "ETH",
			Name:                        "Ethereum",
			Family:                      FamilyEVM,
			Decimals:                    18,
			Confirmations:               1,
			InitiateFeeAmount:           decimal.RequireFromString("0.0057"),
			InitiateWithRewardFeeAmount: decimal.RequireFromString("0.0060"),
			AddFeeAmount:                decimal.RequireFromString("0.0021"),
			RedeemFeeAmount:             decimal.RequireFromString("0.0036"),
			RefundFeeAmount:             decimal.RequireFromString("0.0030"),
			ChainID:                     11155111,
			SwapContractAddress:         "0x512fe6b803bA327DCeFBF2Cec7De333f761B0f2b",
		},
		"XTZ": {
			Symbol:                      "XTZ",
			Name:                        "Tezos",
			Family:                      FamilyTezos,
			Decimals:                    6,
			Confirmations:               1,
			InitiateFeeAmount:           decimal.RequireFromString("0.01"),
			InitiateWithRewardFeeAmount: decimal.RequireFromString("0.012"),
			AddFeeAmount:                decimal.RequireFromString("0.005"),
			RedeemFeeAmount:             decimal.RequireFromString("0.01"),
			RefundFeeAmount:             decimal.RequireFromString("0.01"),
			SwapContract:                "KT1Ap287P1NzsnToSJdA4aqSNjPomRaHBZSr",
		},
	},
}

// Get returns the parameters for a currency on a network.
func Get(symbol string, network Network) (Params, bool) {
	chains, ok := registry[network]
	if !ok {
		return Params{}, false
	}
	params, ok := chains[symbol]
	return params, ok
}

// Symbols returns all supported currency symbols for a network.
func Symbols(network Network) []string {
	chains := registry[network]
	symbols := make([]string, 0, len(chains))
	for s := range chains {
		symbols = append(symbols, s)
	}
	return symbols
}

// BTCChainParams returns btcd chaincfg params for a UTXO currency.
func BTCChainParams(symbol string, network Network) (*chaincfg.Params, bool) {
	params, ok := Get(symbol, network)
	if !ok || params.Family != FamilyUTXO {
		return nil, false
	}
	switch symbol {
	case "BTC":
		if network == Testnet {
			return &chaincfg.TestNet3Params, true
		}
		return &chaincfg.MainNetParams, true
	case "LTC":
		return ltcChainParams(network), true
	default:
		return nil, false
	}
}

// ltcChainParams builds chaincfg params for Litecoin. btcd only ships
// Bitcoin networks, so the prefixes are overridden here.
func ltcChainParams(network Network) *chaincfg.Params {
	if network == Testnet {
		p := chaincfg.TestNet3Params
		p.Name = "ltc-testnet4"
		p.PubKeyHashAddrID = 0x6f
		p.ScriptHashAddrID = 0x3a
		p.Bech32HRPSegwit = "tltc"
		return &p
	}
	p := chaincfg.MainNetParams
	p.Name = "ltc-mainnet"
	p.PubKeyHashAddrID = 0x30
	p.ScriptHashAddrID = 0x32
	p.Bech32HRPSegwit = "ltc"
	return &p
}
