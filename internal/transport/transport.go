// Package transport implements the duplex venue connection (C4): a single
// persistent WebSocket carrying both correlated request/response "post"
// traffic (order placement, cancellation) and uncorrelated subscription
// pushes (market data, user stream events).
//
// The design mirrors a classic three-goroutine duplex client: a writer
// goroutine drains a FIFO outbound queue onto the socket, a reader
// goroutine blocks on ReadMessage and dispatches, and a heartbeat
// goroutine watches for staleness using an injectable clock.
//
// Reconnection policy is deliberately not this package's concern (spec.md
// §4.3: "C4 does not auto-reconnect"). Run performs exactly one
// connect-and-serve session and returns when that session ends, whether
// from a handshake failure, an I/O error, heartbeat staleness, or ctx
// cancellation; internal/connector owns the reconnect loop and restores
// subscriptions on every new session. Within a session, Run is the only
// place that tears the socket down — canceling it by closing the
// underlying connection, never by asking the reader to send a protocol
// close frame, since a concurrent writer and a control-initiated close
// racing on the same connection is a known gorilla/websocket deadlock
// class.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// ConnState is the connection's coarse lifecycle state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Handshaking
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Handshaking:
		return "HANDSHAKING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// DispatchFunc handles an uncorrelated push message (spec.md "channel"
// traffic — market data, order/fill events). Must not block.
type DispatchFunc func(channel string, data json.RawMessage)

// Config tunes connection behavior. Defaults mirror spec.md §6's
// documented values exactly, so a zero-value Config behaves the same as
// one loaded from internal/config with no overrides.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PostTimeout      time.Duration
	PingAfter        time.Duration // idle-inbound time before sending a heartbeat ping
	StaleAfter       time.Duration // idle-inbound time before the connection is declared stale
	RateLimits       RateLimits    // per-category post throttling; zero fields disable limiting
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 8 * time.Second
	}
	if c.PostTimeout == 0 {
		c.PostTimeout = 5 * time.Second
	}
	if c.PingAfter == 0 {
		c.PingAfter = 20 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	return c
}

// postEnvelope is the outbound wire shape for a correlated request.
type postEnvelope struct {
	Method  string          `json:"method"`
	ID      int64           `json:"id"`
	Request json.RawMessage `json:"request"`
}

// subscribeEnvelope is the outbound wire shape for an uncorrelated
// subscribe/unsubscribe control message.
type subscribeEnvelope struct {
	Method       string          `json:"method"`
	Subscription json.RawMessage `json:"subscription"`
}

// inboundEnvelope is the shape every inbound frame is first parsed as,
// to decide whether it's a post response or a channel push.
type inboundEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// postResponseData is the shape of Data when Channel == "post".
type postResponseData struct {
	ID       int64           `json:"id"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// ErrDisconnected is returned to any in-flight Post call when the
// connection drops before a response arrives.
var ErrDisconnected = errors.New("transport: connection closed before response")

// ErrPostTimeout is returned when a Post call exceeds Config.PostTimeout.
var ErrPostTimeout = errors.New("transport: post timed out waiting for response")

// pendingRegistry correlates outbound post ids to the goroutine awaiting
// the response. It is deliberately a standalone type (not inlined into
// Client) so the correlation logic is unit-testable without a socket.
type pendingRegistry struct {
	mu      sync.Mutex
	nextID  atomic.Int64
	waiters map[int64]chan postResult
}

type postResult struct {
	data json.RawMessage
	err  error
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{waiters: make(map[int64]chan postResult)}
}

func (r *pendingRegistry) register() (id int64, ch chan postResult) {
	id = r.nextID.Add(1)
	ch = make(chan postResult, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return id, ch
}

func (r *pendingRegistry) cancel(id int64) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// complete resolves a pending waiter, if one exists. It returns false for
// an id with no matching waiter (late response after timeout, or a
// response for an id that was never ours) — callers should log and drop.
func (r *pendingRegistry) complete(id int64, res postResult) bool {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

// failAll resolves every outstanding waiter with err, used on disconnect
// so no Post call blocks forever past connection loss.
func (r *pendingRegistry) failAll(err error) {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[int64]chan postResult)
	r.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- postResult{err: err}:
		default:
		}
	}
}

// Client is the duplex connection to the venue.
type Client struct {
	cfg      Config
	dispatch DispatchFunc
	logger   *slog.Logger
	clock    clockwork.Clock
	dialer   *websocket.Dialer

	pending *pendingRegistry
	limiter *requestLimiter

	stateMu sync.RWMutex
	state   ConnState

	connMu sync.Mutex
	conn   *websocket.Conn

	lastRecvMu sync.Mutex
	lastRecv   time.Time

	writeCh chan outboundFrame
}

type outboundFrame struct {
	data []byte
}

// New builds a Client. dispatch receives every uncorrelated push message;
// it may be nil if the caller only posts requests (unusual, but legal).
func New(cfg Config, dispatch DispatchFunc, logger *slog.Logger) *Client {
	return NewWithClock(cfg, dispatch, logger, clockwork.NewRealClock())
}

// NewWithClock is New with an injectable clock, for deterministic tests of
// heartbeat staleness.
func NewWithClock(cfg Config, dispatch DispatchFunc, logger *slog.Logger, clock clockwork.Clock) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger.With("component", "transport"),
		clock:    clock,
		dialer:   websocket.DefaultDialer,
		pending:  newPendingRegistry(),
		limiter:  newRequestLimiter(cfg.RateLimits, clock),
		writeCh:  make(chan outboundFrame, 256),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Run performs exactly one connect-and-serve session: dial, then service
// the connection until it fails or ctx is cancelled. It does not
// reconnect — the caller (internal/connector) owns that policy and is
// expected to call Run again, restoring subscriptions, after each
// non-cancellation return (spec.md §4.3).
func (c *Client) Run(ctx context.Context) error {
	c.setState(Handshaking)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.setState(Disconnected)
		c.pending.failAll(ErrDisconnected)
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.touchRecv()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
		c.setState(Disconnected)
		c.pending.failAll(ErrDisconnected)
	}()

	c.setState(Connected)
	c.logger.Info("transport connected", "url", c.cfg.URL)

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); errCh <- c.readLoop(sessionCtx, conn) }()
	go func() { defer wg.Done(); errCh <- c.writeLoop(sessionCtx, conn) }()
	go func() { defer wg.Done(); errCh <- c.heartbeatLoop(sessionCtx) }()

	var first error
	select {
	case <-ctx.Done():
		first = ctx.Err()
	case first = <-errCh:
	}

	// Unblock the reader's in-flight ReadMessage and stop the writer and
	// heartbeat goroutines; none of them call conn.Close themselves.
	sessionCancel()
	conn.Close()
	wg.Wait()

	return first
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.touchRecv()
		c.handleInbound(msg)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.writeCh:
			conn.SetWriteDeadline(c.clock.Now().Add(c.cfg.PostTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	interval := c.cfg.PingAfter
	if c.cfg.StaleAfter < interval {
		interval = c.cfg.StaleAfter
	}
	interval /= 2
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(interval):
			if c.sinceLastRecv() >= c.cfg.StaleAfter {
				return fmt.Errorf("transport: no message received in %s, connection stale", c.cfg.StaleAfter)
			}
			if c.sinceLastRecv() >= c.cfg.PingAfter {
				select {
				case c.writeCh <- outboundFrame{data: []byte(`{"method":"ping"}`)}:
				default:
				}
			}
		}
	}
}

func (c *Client) touchRecv() {
	c.lastRecvMu.Lock()
	c.lastRecv = c.clock.Now()
	c.lastRecvMu.Unlock()
}

func (c *Client) sinceLastRecv() time.Duration {
	c.lastRecvMu.Lock()
	defer c.lastRecvMu.Unlock()
	return c.clock.Now().Sub(c.lastRecv)
}

// handleInbound is the pure routing step: a post response completes a
// pending waiter, anything else goes to the dispatch callback. Extracted
// so the correlation and routing logic is testable without a socket.
func (c *Client) handleInbound(raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("ignoring non-json inbound frame", "data", string(raw))
		return
	}

	if env.Channel == "post" {
		var pr postResponseData
		if err := json.Unmarshal(env.Data, &pr); err != nil {
			c.logger.Error("unmarshal post response", "error", err)
			return
		}
		res := postResult{data: pr.Response}
		if pr.Error != "" {
			res.err = errors.New(pr.Error)
		}
		if !c.pending.complete(pr.ID, res) {
			c.logger.Warn("post response for unknown or already-resolved id, dropping", "id", pr.ID)
		}
		return
	}

	if c.dispatch != nil {
		c.dispatch(env.Channel, env.Data)
	} else {
		c.logger.Debug("no dispatch configured, dropping channel message", "channel", env.Channel)
	}
}

// Post sends a correlated request and blocks until a matching response
// arrives, ctx is cancelled, or Config.PostTimeout elapses.
func (c *Client) Post(ctx context.Context, method string, request any) (json.RawMessage, error) {
	if err := c.limiter.wait(ctx, method); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	id, ch := c.pending.register()
	env := postEnvelope{Method: method, ID: id, Request: reqBody}
	frame, err := json.Marshal(env)
	if err != nil {
		c.pending.cancel(id)
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case c.writeCh <- outboundFrame{data: frame}:
	case <-ctx.Done():
		c.pending.cancel(id)
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.pending.cancel(id)
		return nil, ctx.Err()
	case <-c.clock.After(c.cfg.PostTimeout):
		c.pending.cancel(id)
		return nil, ErrPostTimeout
	}
}

// Subscribe sends an uncorrelated subscribe/unsubscribe control message.
// There is no response to wait for; delivery is best-effort FIFO on the
// outbound queue.
func (c *Client) Subscribe(ctx context.Context, method string, subscription any) error {
	body, err := json.Marshal(subscription)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	frame, err := json.Marshal(subscribeEnvelope{Method: method, Subscription: body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case c.writeCh <- outboundFrame{data: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
