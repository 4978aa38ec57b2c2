// Package backend provides blockchain API interfaces for fetching data and
// broadcasting transactions. This package is read-only for private keys -
// all signing happens behind the account interface.
package backend

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // in smallest unit (satoshis)
	ScriptPubKey  string `json:"scriptpubkey"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	ScriptSig string    `json:"scriptsig,omitempty"`
	Witness   []string  `json:"witness,omitempty"`
	Sequence  uint32    `json:"sequence"`
	PrevOut   *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Transaction is a confirmed or mempool transaction as seen by a UTXO chain
// explorer. Inputs carry witness data so spends of a swap output can be
// inspected for the revealed secret.
type Transaction struct {
	TxID          string     `json:"txid"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// AddressInfo contains address balance info.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	Balance        uint64 `json:"balance"`         // confirmed, smallest unit
	MempoolBalance int64  `json:"mempool_balance"` // unconfirmed delta
}

// SwapEventKind classifies swap contract events.
type SwapEventKind int

const (
	EventInitiated SwapEventKind = iota
	EventAdded
	EventRedeemed
	EventRefunded
)

func (k SwapEventKind) String() string {
	switch k {
	case EventInitiated:
		return "initiated"
	case EventAdded:
		return "added"
	case EventRedeemed:
		return "redeemed"
	case EventRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// SwapEvent is a swap contract event keyed by secret hash. Secret is set
// only for redeemed events.
type SwapEvent struct {
	Kind          SwapEventKind
	TxID          string
	SecretHash    []byte
	Secret        []byte
	Initiator     string
	Participant   string
	Value         *big.Int // smallest unit
	RedeemReward  *big.Int // smallest unit, zero unless initiated with reward
	RefundTime    time.Time
	BlockTime     time.Time
	Confirmations int64
}

// Backend is the chain-agnostic base: transaction lookup and broadcast.
type Backend interface {
	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// IsConnected returns true if connected.
	IsConnected() bool

	// GetTransaction returns a transaction by ID. ErrTxNotFound if the
	// chain has never seen it.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// BroadcastTransaction broadcasts raw signed transaction bytes (hex
	// encoded) and returns the transaction ID.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// GetBlockHeight returns the current chain tip height.
	GetBlockHeight(ctx context.Context) (int64, error)
}

// UTXOBackend extends Backend with the address-level queries the UTXO swap
// engine polls: outputs to watch for payments and spends to watch for the
// revealed secret.
type UTXOBackend interface {
	Backend

	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// GetAddressTxs returns transactions touching an address, newest first.
	// lastSeenTxID pages past already-processed history when non-empty.
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	// GetFeeRate returns the recommended fee rate in smallest unit per byte.
	GetFeeRate(ctx context.Context) (uint64, error)
}

// ContractBackend extends Backend with swap contract event queries for
// account-model chains. Events are filtered server- or node-side by the
// swap's secret hash.
type ContractBackend interface {
	Backend

	// GetSwapEvents returns contract events of the given kind for the given
	// secret hash, oldest first.
	GetSwapEvents(ctx context.Context, kind SwapEventKind, secretHash []byte) ([]SwapEvent, error)

	// GetBalance returns an address balance in the smallest unit.
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetNonce returns the next usable nonce or operation counter for an
	// address, including pending transactions.
	GetNonce(ctx context.Context, address string) (uint64, error)
}

// Registry holds backend instances by chain symbol.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend to the registry.
func (r *Registry) Register(symbol string, backend Backend) {
	r.backends[symbol] = backend
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	b, ok := r.backends[symbol]
	return b, ok
}

// UTXO returns the backend for a symbol if it serves UTXO queries.
func (r *Registry) UTXO(symbol string) (UTXOBackend, bool) {
	b, ok := r.backends[symbol].(UTXOBackend)
	return b, ok
}

// Contract returns the backend for a symbol if it serves contract queries.
func (r *Registry) Contract(symbol string) (ContractBackend, bool) {
	b, ok := r.backends[symbol].(ContractBackend)
	return b, ok
}

// List returns all registered symbols.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	return symbols
}

// ConnectAll connects all registered backends.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, b := range r.backends {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes all registered backends.
func (r *Registry) CloseAll() {
	for _, b := range r.backends {
		b.Close()
	}
}
