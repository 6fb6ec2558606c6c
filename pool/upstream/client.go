// Package upstream provides a client for the chain node's JSON-RPC
// interface: block templates in, solved blocks out.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starkforge/starkpool/pool/store"
)

// CircuitState represents circuit breaker state
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ClientConfig holds node client configuration
type ClientConfig struct {
	URL           string
	User          string
	Password      string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// Circuit breaker
	CBEnabled      bool
	CBThreshold    int
	CBResetTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
		CBEnabled:      true,
		CBThreshold:    5,
		CBResetTimeout: 30 * time.Second,
		Logger:         slog.Default(),
	}
}

// Client is a JSON-RPC client for the chain node
type Client struct {
	url      string
	user     string
	password string
	client   *http.Client
	reqID    atomic.Uint64
	logger   *slog.Logger

	// Retry configuration
	retryAttempts int
	retryDelay    time.Duration

	// Circuit breaker
	cbEnabled      bool
	cbState        CircuitState
	cbFailures     int
	cbSuccesses    int
	cbThreshold    int
	cbResetTimeout time.Duration
	cbLastChange   time.Time
	cbMu           sync.Mutex
}

// NewClient creates a node client with default configuration
func NewClient(url string) *Client {
	return NewClientWithConfig(DefaultClientConfig(url))
}

// NewClientWithConfig creates a node client with config
func NewClientWithConfig(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:            cfg.URL,
		user:           cfg.User,
		password:       cfg.Password,
		logger:         cfg.Logger.With("component", "node-client"),
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		cbEnabled:      cfg.CBEnabled,
		cbState:        CircuitClosed,
		cbThreshold:    cfg.CBThreshold,
		cbResetTimeout: cfg.CBResetTimeout,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Request is a JSON-RPC request
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Call makes a JSON-RPC call with circuit breaker and retry
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.cbEnabled && !c.cbAllow() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		err := c.doCall(ctx, method, params, result)
		if err == nil {
			c.cbRecordSuccess()
			return nil
		}

		lastErr = err
		c.logger.Warn("Node call failed", "method", method, "attempt", attempt+1, "error", err)
	}

	c.cbRecordFailure()
	return lastErr
}

func (c *Client) doCall(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := Request{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return nil
}

// Circuit breaker methods
func (c *Client) cbAllow() bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(c.cbLastChange) >= c.cbResetTimeout {
			c.cbState = CircuitHalfOpen
			c.logger.Info("Circuit breaker half-open")
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

func (c *Client) cbRecordSuccess() {
	if !c.cbEnabled {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitHalfOpen:
		c.cbSuccesses++
		if c.cbSuccesses >= c.cbThreshold {
			c.cbState = CircuitClosed
			c.cbFailures = 0
			c.cbSuccesses = 0
			c.logger.Info("Circuit breaker closed")
		}
	case CircuitClosed:
		c.cbFailures = 0
	}
}

func (c *Client) cbRecordFailure() {
	if !c.cbEnabled {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitHalfOpen:
		c.cbState = CircuitOpen
		c.cbLastChange = time.Now()
		c.logger.Warn("Circuit breaker opened (half-open failed)")
	case CircuitClosed:
		c.cbFailures++
		if c.cbFailures >= c.cbThreshold {
			c.cbState = CircuitOpen
			c.cbLastChange = time.Now()
			c.logger.Warn("Circuit breaker opened", "failures", c.cbFailures)
		}
	}
}

// CircuitState returns current circuit breaker state
func (c *Client) CircuitState() CircuitState {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.cbState
}

// BlockTemplate is the unit of work handed down by the node. The block
// commitment is the STARK trace commitment miners derive witnesses from.
type BlockTemplate struct {
	Height          uint64         `json:"height"`
	PreviousBlock   store.HexBytes `json:"previous_block"`
	BlockCommitment store.HexBytes `json:"block_commitment"`
	Target          store.HexBytes `json:"target"`
	Reward          uint64         `json:"reward"`
}

// GetBlockTemplate fetches the current block template from the node
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	var template BlockTemplate
	if err := c.Call(ctx, "pool.getblocktemplate", nil, &template); err != nil {
		return nil, err
	}
	if len(template.BlockCommitment) == 0 {
		return nil, fmt.Errorf("node returned template without block commitment")
	}
	return &template, nil
}

// SubmitBlock submits a solved block proof to the network
func (c *Client) SubmitBlock(ctx context.Context, height uint64, proof []byte) error {
	var result interface{}
	params := []interface{}{height, store.HexBytes(proof)}
	if err := c.Call(ctx, "pool.submitblock", params, &result); err != nil {
		return err
	}

	// submitblock returns null on success, or a string describing rejection
	if result != nil {
		if errStr, ok := result.(string); ok && errStr != "" {
			return fmt.Errorf("block rejected: %s", errStr)
		}
	}

	return nil
}

// NodeStatus is the node's view of the chain
type NodeStatus struct {
	Height            uint64 `json:"height"`
	NetworkDifficulty uint64 `json:"network_difficulty"`
	Peers             int    `json:"peers"`
	Synced            bool   `json:"synced"`
}

// GetNodeStatus returns chain state information
func (c *Client) GetNodeStatus(ctx context.Context) (*NodeStatus, error) {
	var status NodeStatus
	if err := c.Call(ctx, "pool.getstatus", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ping checks if the node is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", nil, nil)
}
