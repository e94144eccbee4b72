package btc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backend errors.
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrRateLimited     = errors.New("backend rate limited")
	ErrBroadcastFailed = errors.New("broadcast failed")
)

// Backend is an esplora-compatible REST client. Works against
// blockstream.info, mempool.space and self-hosted instances.
type Backend struct {
	baseURL    string
	httpClient *http.Client
}

// NewBackend creates a backend for the given base URL.
func NewBackend(baseURL string) *Backend {
	return &Backend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Tx is the esplora transaction format, trimmed to the fields the relay
// inspects.
type Tx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID    string   `json:"txid"`
		Vout    uint32   `json:"vout"`
		Witness []string `json:"witness"`
		Prevout *struct {
			ScriptPubKey     string `json:"scriptpubkey"`
			ScriptPubKeyType string `json:"scriptpubkey_type"`
			ScriptPubKeyAddr string `json:"scriptpubkey_address"`
			Value            uint64 `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyType string `json:"scriptpubkey_type"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

// UTXO is one unspent output of an address.
type UTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  uint64 `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

// Connect verifies the backend answers.
func (b *Backend) Connect(ctx context.Context) error {
	if _, err := b.TipHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// TipHeight returns the current chain tip height.
func (b *Backend) TipHeight(ctx context.Context) (int64, error) {
	body, err := b.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", body, err)
	}
	return height, nil
}

// BlockHash returns the block hash at a height.
func (b *Backend) BlockHash(ctx context.Context, height int64) (string, error) {
	body, err := b.getRaw(ctx, "/block-height/"+strconv.FormatInt(height, 10))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// BlockTxs returns the transactions of a block starting at index start.
// Esplora pages 25 transactions at a time; callers loop until a short page.
func (b *Backend) BlockTxs(ctx context.Context, blockHash string, start int) ([]Tx, error) {
	var txs []Tx
	if err := b.get(ctx, "/block/"+blockHash+"/txs/"+strconv.Itoa(start), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// Transaction returns one transaction by id.
func (b *Backend) Transaction(ctx context.Context, txID string) (*Tx, error) {
	var tx Tx
	if err := b.get(ctx, "/tx/"+txID, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// AddressUTXOs returns the unspent outputs of an address.
func (b *Backend) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var utxos []UTXO
	if err := b.get(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// FeeRate returns a sat/vB estimate for confirmation within target blocks.
func (b *Backend) FeeRate(ctx context.Context, targetBlocks int) (uint64, error) {
	var estimates map[string]float64
	if err := b.get(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, err
	}
	rate, ok := estimates[strconv.Itoa(targetBlocks)]
	if !ok || rate < 1 {
		return 1, nil
	}
	return uint64(rate), nil
}

// Broadcast submits a raw transaction and returns its txid.
func (b *Backend) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

func (b *Backend) get(ctx context.Context, path string, result interface{}) error {
	body, err := b.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (b *Backend) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrTxNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}
