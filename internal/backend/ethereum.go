package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Swap contract event signatures. The hashed secret is the first indexed
// topic of every event, which lets the node filter swap activity for us.
var (
	initiatedTopic = crypto.Keccak256Hash([]byte("Initiated(bytes32,address,address,uint256,uint256,uint256,uint256,bool)"))
	addedTopic     = crypto.Keccak256Hash([]byte("Added(bytes32,address,uint256)"))
	redeemedTopic  = crypto.Keccak256Hash([]byte("Redeemed(bytes32,bytes32)"))
	refundedTopic  = crypto.Keccak256Hash([]byte("Refunded(bytes32)"))
)

// EthereumBackend implements ContractBackend over an EVM JSON-RPC node.
type EthereumBackend struct {
	rpcURL       string
	contractAddr common.Address

	mu     sync.RWMutex
	client *ethclient.Client
}

// NewEthereumBackend creates a backend for the given node URL and swap
// contract address.
func NewEthereumBackend(rpcURL string, contractAddr string) *EthereumBackend {
	return &EthereumBackend{
		rpcURL:       rpcURL,
		contractAddr: common.HexToAddress(contractAddr),
	}
}

func (b *EthereumBackend) Connect(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, b.rpcURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *EthereumBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	return nil
}

func (b *EthereumBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client != nil
}

func (b *EthereumBackend) conn() (*ethclient.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

// GetTransaction returns receipt-level info for a transaction hash.
func (b *EthereumBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	hash := common.HexToHash(txID)
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			// Still in the mempool, or unknown.
			if _, pending, txErr := client.TransactionByHash(ctx, hash); txErr == nil && pending {
				return &Transaction{TxID: txID, Confirmed: false}, nil
			}
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tip, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	blockHeight := receipt.BlockNumber.Int64()
	return &Transaction{
		TxID:          txID,
		Confirmed:     true,
		BlockHeight:   blockHeight,
		Confirmations: int64(tip) - blockHeight + 1,
	}, nil
}

// BroadcastTransaction submits a signed RLP-encoded transaction.
func (b *EthereumBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	client, err := b.conn()
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(rawTxHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	if err := client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return tx.Hash().Hex(), nil
}

func (b *EthereumBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	client, err := b.conn()
	if err != nil {
		return 0, err
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return int64(height), nil
}

// GetSwapEvents queries contract logs of the given kind filtered by secret
// hash, oldest first.
func (b *EthereumBackend) GetSwapEvents(ctx context.Context, kind SwapEventKind, secretHash []byte) ([]SwapEvent, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	var topic0 common.Hash
	switch kind {
	case EventInitiated:
		topic0 = initiatedTopic
	case EventAdded:
		topic0 = addedTopic
	case EventRedeemed:
		topic0 = redeemedTopic
	case EventRefunded:
		topic0 = refundedTopic
	default:
		return nil, fmt.Errorf("unknown event kind %d", kind)
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.contractAddr},
		Topics: [][]common.Hash{
			{topic0},
			{common.BytesToHash(secretHash)},
		},
	})
	if err != nil {
		return nil, err
	}

	tip, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]SwapEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := b.decodeEvent(kind, l, int64(tip))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (b *EthereumBackend) decodeEvent(kind SwapEventKind, l types.Log, tip int64) (SwapEvent, error) {
	ev := SwapEvent{
		Kind:          kind,
		TxID:          l.TxHash.Hex(),
		SecretHash:    l.Topics[1].Bytes(),
		Confirmations: tip - int64(l.BlockNumber) + 1,
	}

	word := func(i int) []byte {
		if len(l.Data) < (i+1)*32 {
			return nil
		}
		return l.Data[i*32 : (i+1)*32]
	}

	switch kind {
	case EventInitiated:
		// data: initiator, refundTimestamp, countdown, value, payoff, active
		if len(l.Topics) > 2 {
			ev.Participant = common.BytesToAddress(l.Topics[2].Bytes()).Hex()
		}
		ev.Initiator = common.BytesToAddress(word(0)).Hex()
		ev.RefundTime = time.Unix(new(big.Int).SetBytes(word(1)).Int64(), 0).UTC()
		ev.Value = new(big.Int).SetBytes(word(3))
		ev.RedeemReward = new(big.Int).SetBytes(word(4))
	case EventAdded:
		// data: sender, value
		ev.Initiator = common.BytesToAddress(word(0)).Hex()
		ev.Value = new(big.Int).SetBytes(word(1))
	case EventRedeemed:
		// data: secret
		ev.Secret = word(0)
	case EventRefunded:
		// no data beyond the hashed secret
	}

	return ev, nil
}

func (b *EthereumBackend) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}
	return client.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// GetNonce returns the pending-inclusive nonce for an address.
func (b *EthereumBackend) GetNonce(ctx context.Context, address string) (uint64, error) {
	client, err := b.conn()
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, common.HexToAddress(address))
}

// SuggestGasPrice returns the node's recommended gas price.
func (b *EthereumBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

var _ ContractBackend = (*EthereumBackend)(nil)
