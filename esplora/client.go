package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

const (
	// retryBackoff is multiplied by the attempt number between retries.
	retryBackoff = 100 * time.Millisecond
)

var (
	// ErrNotFound is returned when the API answers 404.
	ErrNotFound = errors.New("esplora: not found")
)

// APIError is returned when the API answers with a status other than 200 or
// 404.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("esplora API returned status %d: %s", e.StatusCode,
		e.Body)
}

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the number of times a request failing at the
	// transport level is retried. Responses are never retried.
	MaxRetries int

	// RateLimit is the number of requests per second. Zero disables the
	// limiter.
	RateLimit float64

	// Burst is the number of requests allowed above RateLimit.
	Burst int
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Size     int      `json:"size"`
	Weight   int      `json:"weight"`
	Fee      int64    `json:"fee"`
	Vin      []TxVin  `json:"vin"`
	Vout     []TxVout `json:"vout"`
	Status   TxStatus `json:"status"`
}

// TxVin represents a transaction input.
type TxVin struct {
	TxID       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	PrevOut    *TxVout  `json:"prevout,omitempty"`
	ScriptSig  string   `json:"scriptsig"`
	Witness    []string `json:"witness,omitempty"`
	Sequence   uint32   `json:"sequence"`
	IsCoinbase bool     `json:"is_coinbase"`
}

// TxVout represents a transaction output.
type TxVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// TxOut converts the output into its wire form.
func (v *TxVout) TxOut() (*wire.TxOut, error) {
	pkScript, err := hex.DecodeString(v.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid scriptpubkey: %w", err)
	}

	return wire.NewTxOut(v.Value, pkScript), nil
}

// BlockInfo represents block information from the API.
type BlockInfo struct {
	ID                string `json:"id"`
	Height            int64  `json:"height"`
	Timestamp         int64  `json:"timestamp"`
	MedianTime        int64  `json:"mediantime"`
	TxCount           int    `json:"tx_count"`
	PreviousBlockHash string `json:"previousblockhash"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(cfg.RateLimit), max(cfg.Burst, 1),
		)
	}

	return &Client{
		cfg: &ClientConfig{
			URL:            strings.TrimRight(cfg.URL, "/"),
			RequestTimeout: cfg.RequestTimeout,
			MaxRetries:     cfg.MaxRetries,
			RateLimit:      cfg.RateLimit,
			Burst:          cfg.Burst,
		},
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: limiter,
	}
}

// doRequest performs an HTTP request, retrying transport failures of GET
// requests. Other methods are sent once since the server may have acted on
// a request whose response was lost.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	url := c.cfg.URL + path

	maxRetries := c.cfg.MaxRetries
	if method != http.MethodGet {
		maxRetries = 0
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Debugf("%s %s failed (attempt %d/%d): %v", method, path,
			i+1, maxRetries+1, err)

		if i < maxRetries {
			select {
			case <-time.After(time.Duration(i+1) * retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		maxRetries+1, lastErr)
}

// readBody reads the response and maps the status code to an error.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil

	case http.StatusNotFound:
		return nil, ErrNotFound

	default:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	return readBody(resp)
}

// getJSON performs a GET request and decodes the JSON response into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// GetBlockHashByHeight fetches the block hash at a given height.
func (c *Client) GetBlockHashByHeight(ctx context.Context,
	height int64) (string, error) {

	body, err := c.doGet(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// GetBlockInfo fetches block information by hash.
func (c *Client) GetBlockInfo(ctx context.Context,
	blockHash string) (*BlockInfo, error) {

	var info BlockInfo
	if err := c.getJSON(ctx, "/block/"+blockHash, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// GetTransaction fetches transaction information by txid.
func (c *Client) GetTransaction(ctx context.Context,
	txid string) (*TxInfo, error) {

	var info TxInfo
	if err := c.getJSON(ctx, "/tx/"+txid, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// GetRawTransaction fetches the serialized transaction by txid.
func (c *Client) GetRawTransaction(ctx context.Context,
	txid string) ([]byte, error) {

	body, err := c.doGet(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	return raw, nil
}

// GetTxStatus fetches the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context,
	txid string) (*TxStatus, error) {

	var status TxStatus
	if err := c.getJSON(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// BroadcastTx broadcasts a wire.MsgTx to the network and returns the txid
// reported by the API.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	resp, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return nil, err
	}

	body, err := readBody(resp)
	var apiErr *APIError
	switch {
	// A transaction the backend already has was broadcast before,
	// possibly by an earlier attempt whose response never arrived.
	case errors.As(err, &apiErr) && alreadyKnown(apiErr.Body):
		txid := tx.TxHash()
		log.Debugf("Transaction %v already known to backend", txid)

		return &txid, nil

	case err != nil:
		return nil, fmt.Errorf("broadcast failed: %w", err)
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}

// alreadyKnownErrs are the bitcoind rejection reasons for a transaction that
// is already in the mempool or the chain.
var alreadyKnownErrs = []string{
	"txn-already-in-mempool",
	"txn-already-known",
	"transaction already in block chain",
}

// alreadyKnown reports whether a broadcast rejection says the transaction is
// already in the mempool or the chain.
func alreadyKnown(reason string) bool {
	reason = strings.ToLower(reason)
	for _, known := range alreadyKnownErrs {
		if strings.Contains(reason, known) {
			return true
		}
	}

	return false
}
