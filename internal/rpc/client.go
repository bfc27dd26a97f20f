// Package rpc provides JSON-RPC client functionality with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the interface for JSON-RPC communication with the target node.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// ChainID returns the chain id reported by eth_chainId.
	ChainID(ctx context.Context) (*big.Int, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (uint64, error)

	// GetTransactionCount returns the nonce of address at the given block tag.
	GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error)

	// EstimateGas runs eth_estimateGas for msg against the pending state.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)

	// GetBlockByHash fetches a block header (transaction hashes only).
	GetBlockByHash(ctx context.Context, hash common.Hash) (*Block, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetBalance returns the latest balance for an address.
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)

	// SendRawTransaction sends a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)

	// GetTransactionReceiptsBatch fetches multiple receipts in a single request.
	GetTransactionReceiptsBatch(ctx context.Context, txHashes []common.Hash) ([]*TransactionReceipt, error)
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ObserveFunc receives the duration and outcome of every logical RPC call.
type ObserveFunc func(method string, took time.Duration, err error)

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Header is added to every request (auth tokens for hosted endpoints).
	Header http.Header
	// RequestHook runs on every outgoing request with its body, after
	// headers are set. Used by relays that authenticate per payload.
	RequestHook func(req *http.Request, body []byte) error
	Observe     ObserveFunc
	Logger      *slog.Logger
}

// DefaultClientConfig returns default configuration.
// A block-paced run sends a whole batch at once, so the timeout is sized for a
// node that is busy absorbing the previous block's burst.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	header     http.Header
	hook       func(req *http.Request, body []byte) error
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	observe    ObserveFunc
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        2000,
		MaxIdleConnsPerHost: 1000,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url:    cfg.URL,
		header: cfg.Header,
		hook:   cfg.RequestHook,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		observe:    cfg.Observe,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observe != nil {
		c.observe(method, time.Since(start), err)
	}
	return result, err
}

func (c *HTTPClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var rpcResp JSONRPCResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if rpcResp.Error != nil {
			return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}
		result = rpcResp.Result
		return nil
	})
	return result, err
}

// withRetry runs attempt until it succeeds, the context ends, or a
// non-retryable error is returned. RPC errors are application-level and are
// never retried.
func (c *HTTPClient) withRetry(ctx context.Context, method string, attempt func() error) error {
	var lastErr error
	backoff := c.backoff

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isRPCError(err) {
			return err
		}
		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
		} else if isHTTPStatusError(err) {
			return err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
	}

	return fmt.Errorf("all retries failed: %w", lastErr)
}

// post sends body and returns the raw response body of a 200 reply.
func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.hook != nil {
		if err := c.hook(httpReq, body); err != nil {
			return nil, fmt.Errorf("request hook: %w", err)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in the same order as the input calls.
// Individual call errors are returned in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []any{}
		}
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  params,
			ID:      i + 1,
		}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	start := time.Now()
	var results []BatchResponse
	err = c.withRetry(ctx, "batch:"+calls[0].Method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		results, err = decodeBatch(raw, len(calls))
		return err
	})
	if c.observe != nil {
		c.observe("batch:"+calls[0].Method, time.Since(start), err)
	}
	return results, err
}

func decodeBatch(raw []byte, expectedCount int) ([]BatchResponse, error) {
	var rpcResps []JSONRPCResponse
	if err := json.Unmarshal(raw, &rpcResps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch response: %w", err)
	}

	respMap := make(map[int]*JSONRPCResponse, len(rpcResps))
	for i := range rpcResps {
		respMap[rpcResps[i].ID] = &rpcResps[i]
	}

	results := make([]BatchResponse, expectedCount)
	for i := range expectedCount {
		rpcResp, ok := respMap[i+1]
		if !ok {
			results[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
			continue
		}
		if rpcResp.Error != nil {
			results[i] = BatchResponse{Error: &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}}
			continue
		}
		results[i] = BatchResponse{Result: rpcResp.Result}
	}
	return results, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isHTTPStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}
