package rollup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 1 * time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultBackoffMult  = 2.0
	DefaultPollInterval = 1 * time.Second
)

// HTTPClient implements Client using HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint     string
	client       *http.Client
	maxRetries   int
	retryDelay   time.Duration
	maxDelay     time.Duration
	backoffMult  float64
	pollInterval time.Duration
	watcher      ReceiptWatcher
	requestID    atomic.Uint64

	tokensMu sync.Mutex
	tokens   []Token
}

var _ Client = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithPollInterval sets the tx_info polling interval used by AwaitReceipt.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.pollInterval = d
	}
}

// WithReceiptWatcher delegates AwaitReceipt to a subscription-based watcher.
func WithReceiptWatcher(w ReceiptWatcher) ClientOption {
	return func(c *HTTPClient) {
		c.watcher = w
	}
}

// NewHTTPClient creates a new rollup RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:     endpoint,
		client:       &http.Client{Timeout: DefaultTimeout},
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		maxDelay:     DefaultMaxDelay,
		backoffMult:  DefaultBackoffMult,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the rollup node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with retries and exponential backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	if params == nil {
		params = []interface{}{}
	}
	reqID := c.requestID.Add(1)
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not retried
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// GetAccountState returns the state of an address via account_info.
func (c *HTTPClient) GetAccountState(ctx context.Context, address common.Address) (*AccountState, error) {
	var result accountInfoResult
	if err := c.call(ctx, "account_info", []interface{}{address.Hex()}, &result); err != nil {
		return nil, err
	}

	committed, err := result.Committed.toBalances()
	if err != nil {
		return nil, fmt.Errorf("committed state: %w", err)
	}
	verified, err := result.Verified.toBalances()
	if err != nil {
		return nil, fmt.Errorf("verified state: %w", err)
	}

	return &AccountState{
		Address:   address,
		ID:        result.ID,
		Committed: committed,
		Verified:  verified,
	}, nil
}

// accountInfoResult is the raw RPC response for account_info.
type accountInfoResult struct {
	Address   string          `json:"address"`
	ID        *uint32         `json:"id"`
	Committed accountStateRaw `json:"committed"`
	Verified  accountStateRaw `json:"verified"`
}

type accountStateRaw struct {
	Balances   map[string]string `json:"balances"`
	Nonce      uint32            `json:"nonce"`
	PubKeyHash string            `json:"pubKeyHash"`
}

func (r accountStateRaw) toBalances() (AccountBalances, error) {
	out := AccountBalances{
		Balances:   make(map[string]*big.Int, len(r.Balances)),
		Nonce:      r.Nonce,
		PubKeyHash: r.PubKeyHash,
	}
	for symbol, raw := range r.Balances {
		v, err := parseDecimal(raw, "balance "+symbol)
		if err != nil {
			return AccountBalances{}, err
		}
		out.Balances[symbol] = v
	}
	return out, nil
}

// GetFeeQuote returns the total fee via get_tx_fee.
func (c *HTTPClient) GetFeeQuote(ctx context.Context, kind FeeKind, address common.Address, token domain.TokenLike) (*big.Int, error) {
	var txType interface{}
	switch kind {
	case FeeTransfer, FeeWithdraw:
		txType = string(kind)
	case FeeChangePubKey:
		txType = map[string]interface{}{
			"ChangePubKey": map[string]bool{"onchainPubkeyAuth": false},
		}
	default:
		return nil, fmt.Errorf("unknown fee kind %q", kind)
	}

	var result feeResult
	if err := c.call(ctx, "get_tx_fee", []interface{}{txType, address.Hex(), string(token)}, &result); err != nil {
		return nil, err
	}
	return parseDecimal(result.TotalFee, "totalFee")
}

// feeResult is the raw RPC response for get_tx_fee.
type feeResult struct {
	FeeType  interface{} `json:"feeType"`
	TotalFee string      `json:"totalFee"`
}

// ResolveToken resolves a symbol or address using the cached token list.
func (c *HTTPClient) ResolveToken(ctx context.Context, token domain.TokenLike) (*Token, error) {
	tokens, err := c.loadTokens(ctx)
	if err != nil {
		return nil, err
	}
	return findToken(tokens, token)
}

// loadTokens fetches the token list once per client.
func (c *HTTPClient) loadTokens(ctx context.Context) ([]Token, error) {
	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()

	if c.tokens != nil {
		return c.tokens, nil
	}

	var result map[string]tokenResult
	if err := c.call(ctx, "tokens", nil, &result); err != nil {
		return nil, err
	}

	tokens := make([]Token, 0, len(result))
	for _, t := range result {
		tokens = append(tokens, Token{
			ID:       t.ID,
			Symbol:   t.Symbol,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
		})
	}
	c.tokens = tokens
	return tokens, nil
}

// tokenResult is one entry of the raw tokens response.
type tokenResult struct {
	ID       uint32 `json:"id"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// findToken matches by address when token looks like one, by symbol otherwise.
func findToken(tokens []Token, token domain.TokenLike) (*Token, error) {
	s := string(token)
	if common.IsHexAddress(s) {
		addr := common.HexToAddress(s)
		for i := range tokens {
			if tokens[i].Address == addr {
				t := tokens[i]
				return &t, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, s)
	}
	for i := range tokens {
		if strings.EqualFold(tokens[i].Symbol, s) {
			t := tokens[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, s)
}

// Submit sends a signed transaction via tx_submit.
func (c *HTTPClient) Submit(ctx context.Context, tx Tx) (string, error) {
	if tx.Common().Signature == nil {
		return "", fmt.Errorf("submit %s: transaction is not signed", tx.Type())
	}
	var hash string
	if err := c.call(ctx, "tx_submit", []interface{}{tx, nil}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetReceipt returns the current status of a transaction via tx_info.
func (c *HTTPClient) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var result txInfoResult
	if err := c.call(ctx, "tx_info", []interface{}{txHash}, &result); err != nil {
		return nil, err
	}
	return result.toReceipt(txHash), nil
}

// txInfoResult is the raw RPC response for tx_info and tx_subscribe notifications.
type txInfoResult struct {
	Executed   bool         `json:"executed"`
	Success    *bool        `json:"success"`
	FailReason *string      `json:"failReason"`
	Block      *blockResult `json:"block"`
}

type blockResult struct {
	BlockNumber int64 `json:"blockNumber"`
	Committed   bool  `json:"committed"`
	Verified    bool  `json:"verified"`
}

func (r *txInfoResult) toReceipt(txHash string) *Receipt {
	receipt := &Receipt{
		TxHash:   txHash,
		Executed: r.Executed,
	}
	if r.Success != nil {
		receipt.Success = *r.Success
	}
	if r.FailReason != nil {
		receipt.FailReason = *r.FailReason
	}
	if r.Block != nil {
		receipt.Block = &BlockInfo{
			Number:    r.Block.BlockNumber,
			Committed: r.Block.Committed,
			Verified:  r.Block.Verified,
		}
	}
	return receipt
}

// AwaitReceipt waits until the transaction is final at the commit level, using the
// receipt watcher when configured and tx_info polling otherwise.
func (c *HTTPClient) AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if c.watcher != nil {
		return c.watcher.AwaitReceipt(ctx, txHash)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, txHash)
		if err != nil {
			return nil, fmt.Errorf("poll receipt %s: %w", txHash, err)
		}
		if receipt.Final() {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
