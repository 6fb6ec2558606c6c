// Package client implements the miner side of the pool protocol: a
// reconnecting WebSocket client that authorizes, tracks job notifications,
// and submits shares with request/response correlation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/stratum"
)

// Config holds pool client configuration
type Config struct {
	PoolURL    string // ws://host:port/
	Address    string // pool payout address
	WorkerName string // optional rig suffix, sent as "address.worker"
	Password   string
	UserAgent  string

	DialTimeout       time.Duration
	CallTimeout       time.Duration
	ReconnectInterval time.Duration
	Logger            *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Password:          "x",
		UserAgent:         "starkpool-miner/1.0.0",
		DialTimeout:       10 * time.Second,
		CallTimeout:       30 * time.Second,
		ReconnectInterval: 5 * time.Second,
		Logger:            slog.Default(),
	}
}

// Job is a unit of work received from the pool
type Job struct {
	ID              string
	BlockCommitment store.HexBytes
	Target          store.HexBytes
	ShareTarget     store.HexBytes
	CleanJobs       bool
	ReceivedAt      time.Time
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client maintains the connection to the pool. Callbacks fire on the read
// goroutine and must not block.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	connected  atomic.Bool
	authorized atomic.Bool

	reqID   atomic.Uint64
	pending map[uint64]chan callResult
	pendMu  sync.Mutex

	currentJob *Job
	jobMu      sync.RWMutex

	// Callbacks
	OnJob          func(job *Job)
	OnDifficulty   func(difficulty uint64)
	OnShareResult  func(accepted bool, reason string)
	OnConnected    func()
	OnDisconnected func(err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool client
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "pool_client"),
		pending: make(map[uint64]chan callResult),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start dials the pool and launches the connection loop. The first attempt
// is synchronous so a bad pool URL fails fast; later drops reconnect with a
// fixed back-off.
func (c *Client) Start() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Stop closes the connection and waits for the connection loop to exit
func (c *Client) Stop() {
	c.logger.Info("Disconnecting from pool")
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.logger.Info("Disconnected from pool")
}

// Connected reports whether a connection is currently up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Authorized reports whether the pool accepted mining.authorize on the
// current connection
func (c *Client) Authorized() bool {
	return c.authorized.Load()
}

// CurrentJob returns the last job received, surviving reconnects
func (c *Client) CurrentJob() *Job {
	c.jobMu.RLock()
	defer c.jobMu.RUnlock()
	return c.currentJob
}

// SubmitShare submits one share and reports whether the pool accepted it.
// Pool-side rejections come back as errors carrying the pool's message.
func (c *Client) SubmitShare(ctx context.Context, sub *shares.Submission) (bool, error) {
	if !c.authorized.Load() {
		return false, fmt.Errorf("not authorized")
	}

	result, err := c.call(ctx, stratum.MethodSubmit, sub)
	if err != nil {
		if c.OnShareResult != nil {
			c.OnShareResult(false, err.Error())
		}
		return false, err
	}

	var accepted bool
	if err := json.Unmarshal(result, &accepted); err != nil {
		return false, fmt.Errorf("failed to parse submit result: %w", err)
	}
	if c.OnShareResult != nil {
		c.OnShareResult(accepted, "")
	}
	return accepted, nil
}

// GetStatus fetches the pool-wide stats snapshot over the stratum channel
func (c *Client) GetStatus(ctx context.Context) (*store.PoolStats, error) {
	result, err := c.call(ctx, stratum.MethodGetStatus, nil)
	if err != nil {
		return nil, err
	}
	var stats store.PoolStats
	if err := json.Unmarshal(result, &stats); err != nil {
		return nil, fmt.Errorf("failed to parse pool stats: %w", err)
	}
	return &stats, nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.PoolURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pool: %w", err)
	}
	return conn, nil
}

// run owns the connection lifecycle: each session runs to completion, then
// the loop redials until Stop.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		if conn != nil {
			c.session(conn)
			conn = nil
		}
		if c.ctx.Err() != nil {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		c.logger.Info("Reconnecting to pool", "url", c.cfg.PoolURL)
		next, err := c.dial()
		if err != nil {
			c.logger.Warn("Reconnect failed", "error", err)
			continue
		}
		conn = next
	}
}

// session drives one connection: handshake, then block until the read side
// ends. State and pending calls are cleaned up before returning.
func (c *Client) session(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	c.logger.Info("Connected to pool", "url", c.cfg.PoolURL)
	if c.OnConnected != nil {
		c.OnConnected()
	}

	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			c.handleMessage(data)
		}
	}()

	if err := c.handshake(); err != nil {
		c.logger.Warn("Pool handshake failed", "error", err)
		conn.Close()
	}

	<-readDone

	c.connected.Store(false)
	c.authorized.Store(false)
	c.failPending()
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	if c.ctx.Err() == nil {
		c.logger.Warn("Pool connection closed", "error", readErr)
	}
	if c.OnDisconnected != nil {
		c.OnDisconnected(readErr)
	}
}

// handshake authorizes and subscribes on a fresh connection
func (c *Client) handshake() error {
	worker := c.cfg.Address
	if c.cfg.WorkerName != "" {
		worker = c.cfg.Address + "." + c.cfg.WorkerName
	}

	result, err := c.call(c.ctx, stratum.MethodAuthorize, []string{worker, c.cfg.Password})
	if err != nil {
		return fmt.Errorf("authorize failed: %w", err)
	}
	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil || !ok {
		return fmt.Errorf("authorize rejected: %s", result)
	}
	c.authorized.Store(true)
	c.logger.Info("Authorized with pool", "worker", worker)

	if _, err := c.call(c.ctx, stratum.MethodSubscribe, []string{c.cfg.UserAgent}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.reqID.Add(1)

	respCh := make(chan callResult, 1)
	c.pendMu.Lock()
	c.pending[id] = respCh
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.send(stratum.Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

func (c *Client) send(msg interface{}) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// failPending unblocks calls still waiting when the connection drops
func (c *Client) failPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- callResult{err: fmt.Errorf("connection lost")}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg stratum.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("Undecodable frame from pool", "error", err)
		return
	}

	if msg.Method != "" {
		c.handleNotification(&msg)
		return
	}

	if msg.ID == nil {
		// Unsolicited error, e.g. the pool's answer to a malformed frame.
		if msg.Error != nil {
			c.logger.Warn("Pool error", "code", msg.Error.Code, "message", msg.Error.Message)
		}
		return
	}

	c.pendMu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.pendMu.Unlock()
	if !ok {
		c.logger.Debug("Response with unknown id", "id", *msg.ID)
		return
	}

	res := callResult{result: msg.Result}
	if msg.Error != nil {
		res.err = msg.Error
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *Client) handleNotification(msg *stratum.Message) {
	switch msg.Method {
	case stratum.MethodNotify:
		var params stratum.NotifyParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("Bad job notification", "error", err)
			return
		}
		job := &Job{
			ID:              params.JobID,
			BlockCommitment: params.BlockCommitment,
			Target:          params.Target,
			ShareTarget:     params.ShareTarget,
			CleanJobs:       params.CleanJobs,
			ReceivedAt:      time.Now(),
		}

		c.jobMu.Lock()
		c.currentJob = job
		c.jobMu.Unlock()

		c.logger.Info("New job from pool", "job_id", job.ID)
		if c.OnJob != nil {
			c.OnJob(job)
		}

	case stratum.MethodSetDifficulty:
		var diffs []uint64
		if err := json.Unmarshal(msg.Params, &diffs); err != nil || len(diffs) == 0 {
			return
		}
		c.logger.Debug("Difficulty update", "difficulty", diffs[0])
		if c.OnDifficulty != nil {
			c.OnDifficulty(diffs[0])
		}

	default:
		c.logger.Debug("Unknown notification", "method", msg.Method)
	}
}
