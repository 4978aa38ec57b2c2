package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// EsploraBackend implements UTXOBackend against the Esplora REST API.
// Compatible with blockstream.info, mempool.space and self-hosted instances.
type EsploraBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewEsploraBackend creates an Esplora backend for the given base URL.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Connect tests the connection by fetching the chain tip.
func (e *EsploraBackend) Connect(ctx context.Context) error {
	if _, err := e.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *EsploraBackend) Close() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

func (e *EsploraBackend) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// GetAddressInfo returns address balance and tx count.
func (e *EsploraBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var result struct {
		Address    string `json:"address"`
		ChainStats struct {
			FundedSum uint64 `json:"funded_txo_sum"`
			SpentSum  uint64 `json:"spent_txo_sum"`
			TxCount   int64  `json:"tx_count"`
		} `json:"chain_stats"`
		MempoolStats struct {
			FundedSum uint64 `json:"funded_txo_sum"`
			SpentSum  uint64 `json:"spent_txo_sum"`
			TxCount   int64  `json:"tx_count"`
		} `json:"mempool_stats"`
	}

	if err := e.get(ctx, "/address/"+address, &result); err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        result.Address,
		TxCount:        result.ChainStats.TxCount + result.MempoolStats.TxCount,
		Balance:        result.ChainStats.FundedSum - result.ChainStats.SpentSum,
		MempoolBalance: int64(result.MempoolStats.FundedSum) - int64(result.MempoolStats.SpentSum),
	}, nil
}

// GetAddressUTXOs returns unspent outputs for an address with confirmation
// counts relative to the current tip.
func (e *EsploraBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}

	if err := e.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			BlockHeight:   u.Status.BlockHeight,
			Confirmations: confirmationsAt(tip, u.Status.Confirmed, u.Status.BlockHeight),
		}
	}
	return utxos, nil
}

// GetAddressTxs returns transactions touching an address, newest first.
func (e *EsploraBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	endpoint := "/address/" + address + "/txs"
	if lastSeenTxID != "" {
		endpoint += "/chain/" + lastSeenTxID
	}

	var result []esploraTx
	if err := e.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	txs := make([]Transaction, len(result))
	for i, et := range result {
		txs[i] = et.toTransaction(tip)
	}
	return txs, nil
}

// GetTransaction returns a transaction by ID.
func (e *EsploraBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result esploraTx
	if err := e.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrAddressNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	tx := result.toTransaction(tip)
	return &tx, nil
}

// BroadcastTransaction broadcasts raw transaction hex.
func (e *EsploraBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current chain tip height.
func (e *EsploraBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeRate returns the recommended fee rate in sat/vB for confirmation
// within the hour.
func (e *EsploraBackend) GetFeeRate(ctx context.Context) (uint64, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return 0, err
	}

	// Esplora keys estimates by confirmation target in blocks.
	if rate, ok := result["6"]; ok && rate >= 1 {
		return uint64(rate), nil
	}
	return 1, nil
}

func (e *EsploraBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
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

func confirmationsAt(tip int64, confirmed bool, blockHeight int64) int64 {
	if !confirmed || blockHeight <= 0 || tip < blockHeight {
		return 0
	}
	return tip - blockHeight + 1
}

// esploraTx is the Esplora wire transaction format.
type esploraTx struct {
	TxID     string `json:"txid"`
	LockTime uint32 `json:"locktime"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string   `json:"txid"`
		Vout      uint32   `json:"vout"`
		ScriptSig string   `json:"scriptsig"`
		Witness   []string `json:"witness"`
		Sequence  uint32   `json:"sequence"`
		Prevout   *struct {
			ScriptPubKey     string `json:"scriptpubkey"`
			ScriptPubKeyAddr string `json:"scriptpubkey_address"`
			Value            uint64 `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

func (et esploraTx) toTransaction(tip int64) Transaction {
	tx := Transaction{
		TxID:          et.TxID,
		LockTime:      et.LockTime,
		Fee:           et.Fee,
		Confirmed:     et.Status.Confirmed,
		BlockHeight:   et.Status.BlockHeight,
		BlockTime:     et.Status.BlockTime,
		Confirmations: confirmationsAt(tip, et.Status.Confirmed, et.Status.BlockHeight),
		Inputs:        make([]TxInput, len(et.Vin)),
		Outputs:       make([]TxOutput, len(et.Vout)),
	}

	for i, vin := range et.Vin {
		in := TxInput{
			TxID:      vin.TxID,
			Vout:      vin.Vout,
			ScriptSig: vin.ScriptSig,
			Witness:   vin.Witness,
			Sequence:  vin.Sequence,
		}
		if vin.Prevout != nil {
			in.PrevOut = &TxOutput{
				ScriptPubKey:     vin.Prevout.ScriptPubKey,
				ScriptPubKeyAddr: vin.Prevout.ScriptPubKeyAddr,
				Value:            vin.Prevout.Value,
			}
		}
		tx.Inputs[i] = in
	}

	for i, vout := range et.Vout {
		tx.Outputs[i] = TxOutput{
			ScriptPubKey:     vout.ScriptPubKey,
			ScriptPubKeyAddr: vout.ScriptPubKeyAddr,
			Value:            vout.Value,
		}
	}

	return tx
}

var _ UTXOBackend = (*EsploraBackend)(nil)
