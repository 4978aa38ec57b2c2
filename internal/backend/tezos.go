package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TezosBackend implements ContractBackend for Tezos. Reads go through a
// TzKT-compatible indexer; operation injection goes to a node RPC.
type TezosBackend struct {
	apiURL       string // indexer, e.g. https://api.tzkt.io
	rpcURL       string // node, e.g. https://rpc.tzbeta.net
	contractAddr string
	httpClient   *http.Client

	mu        sync.RWMutex
	connected bool
}

// NewTezosBackend creates a Tezos backend.
func NewTezosBackend(apiURL, rpcURL, contractAddr string) *TezosBackend {
	return &TezosBackend{
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		rpcURL:       strings.TrimSuffix(rpcURL, "/"),
		contractAddr: contractAddr,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (t *TezosBackend) Connect(ctx context.Context) error {
	if _, err := t.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *TezosBackend) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *TezosBackend) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// tzktOp is the indexer's transaction operation format, reduced to the
// fields the swap engine inspects.
type tzktOp struct {
	Hash      string    `json:"hash"`
	Level     int64     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Sender    struct {
		Address string `json:"address"`
	} `json:"sender"`
	Parameter *struct {
		Entrypoint string          `json:"entrypoint"`
		Value      json.RawMessage `json:"value"`
	} `json:"parameter"`
}

// GetTransaction returns operation status by hash.
func (t *TezosBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var ops []tzktOp
	if err := t.get(ctx, t.apiURL+"/v1/operations/transactions/"+txID, &ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrTxNotFound
	}

	tip, err := t.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	op := ops[0]
	return &Transaction{
		TxID:          op.Hash,
		Confirmed:     op.Status == "applied",
		BlockHeight:   op.Level,
		BlockTime:     op.Timestamp.Unix(),
		Confirmations: confirmationsAt(tip, op.Status == "applied", op.Level),
	}, nil
}

// BroadcastTransaction injects a signed operation (hex) via the node RPC.
func (t *TezosBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	payload, err := json.Marshal(rawTxHex)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		t.rpcURL+"/injection/operation?chain=main", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	// Response is the quoted operation hash.
	var opHash string
	if err := json.Unmarshal(body, &opHash); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return opHash, nil
}

func (t *TezosBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var head struct {
		Level int64 `json:"level"`
	}
	if err := t.get(ctx, t.apiURL+"/v1/head", &head); err != nil {
		return 0, err
	}
	return head.Level, nil
}

// GetSwapEvents queries applied contract calls of the entrypoint matching
// the event kind and filters them by secret hash.
func (t *TezosBackend) GetSwapEvents(ctx context.Context, kind SwapEventKind, secretHash []byte) ([]SwapEvent, error) {
	var entrypoint string
	switch kind {
	case EventInitiated:
		entrypoint = "initiate"
	case EventAdded:
		entrypoint = "add"
	case EventRedeemed:
		entrypoint = "redeem"
	case EventRefunded:
		entrypoint = "refund"
	default:
		return nil, fmt.Errorf("unknown event kind %d", kind)
	}

	url := fmt.Sprintf("%s/v1/operations/transactions?target=%s&entrypoint=%s&status=applied&sort=level&limit=1000",
		t.apiURL, t.contractAddr, entrypoint)

	var ops []tzktOp
	if err := t.get(ctx, url, &ops); err != nil {
		return nil, err
	}

	tip, err := t.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	var events []SwapEvent
	for _, op := range ops {
		if op.Parameter == nil {
			continue
		}
		ev, ok := decodeTezosEvent(kind, op, secretHash)
		if !ok {
			continue
		}
		ev.Confirmations = confirmationsAt(tip, true, op.Level)
		events = append(events, ev)
	}
	return events, nil
}

// decodeTezosEvent matches an operation's parameter against the secret
// hash. Redeem calls carry the plain secret, so they match by hashing it.
func decodeTezosEvent(kind SwapEventKind, op tzktOp, secretHash []byte) (SwapEvent, bool) {
	ev := SwapEvent{
		Kind:      kind,
		TxID:      op.Hash,
		BlockTime: op.Timestamp.UTC(),
		Value:     big.NewInt(op.Amount),
		Initiator: op.Sender.Address,
	}

	switch kind {
	case EventInitiated:
		var param struct {
			Participant string `json:"participant"`
			Settings    struct {
				HashedSecret string `json:"hashed_secret"`
				RefundTime   string `json:"refund_time"`
				Payoff       string `json:"payoff"`
			} `json:"settings"`
		}
		if err := json.Unmarshal(op.Parameter.Value, &param); err != nil {
			return ev, false
		}
		hashed, err := hex.DecodeString(param.Settings.HashedSecret)
		if err != nil || !bytes.Equal(hashed, secretHash) {
			return ev, false
		}
		ev.SecretHash = hashed
		ev.Participant = param.Participant
		if ts, err := time.Parse(time.RFC3339, param.Settings.RefundTime); err == nil {
			ev.RefundTime = ts.UTC()
		}
		if payoff, ok := new(big.Int).SetString(param.Settings.Payoff, 10); ok {
			ev.RedeemReward = payoff
		}
		return ev, true

	case EventAdded, EventRefunded:
		var hashedHex string
		if err := json.Unmarshal(op.Parameter.Value, &hashedHex); err != nil {
			return ev, false
		}
		hashed, err := hex.DecodeString(hashedHex)
		if err != nil || !bytes.Equal(hashed, secretHash) {
			return ev, false
		}
		ev.SecretHash = hashed
		return ev, true

	case EventRedeemed:
		var secretHex string
		if err := json.Unmarshal(op.Parameter.Value, &secretHex); err != nil {
			return ev, false
		}
		secret, err := hex.DecodeString(secretHex)
		if err != nil {
			return ev, false
		}
		digest := sha256.Sum256(secret)
		if !bytes.Equal(digest[:], secretHash) {
			return ev, false
		}
		ev.Secret = secret
		ev.SecretHash = secretHash
		return ev, true
	}

	return ev, false
}

func (t *TezosBackend) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	var account struct {
		Balance int64 `json:"balance"`
	}
	if err := t.get(ctx, t.apiURL+"/v1/accounts/"+address, &account); err != nil {
		return nil, err
	}
	return big.NewInt(account.Balance), nil
}

// GetNonce returns the account's next operation counter.
func (t *TezosBackend) GetNonce(ctx context.Context, address string) (uint64, error) {
	var account struct {
		Counter uint64 `json:"counter"`
	}
	if err := t.get(ctx, t.apiURL+"/v1/accounts/"+address, &account); err != nil {
		return 0, err
	}
	return account.Counter + 1, nil
}

func (t *TezosBackend) get(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(result)
	case http.StatusNotFound:
		return ErrAddressNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

var _ ContractBackend = (*TezosBackend)(nil)
