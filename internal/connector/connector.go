// Package connector implements the public façade (C7): Buy, Sell,
// Cancel, GetOrder, GetOpenOrders, plus ownership of the transport's
// reconnect policy and channel subscriptions. It is the only package
// most embedders need to import. Every call here returns as soon as the
// order is durably tracked; the actual network round trip to the venue
// runs on a background goroutine, so callers never block on I/O.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"hlconnector/internal/events"
	"hlconnector/internal/idgen"
	"hlconnector/internal/quantize"
	"hlconnector/internal/reason"
	"hlconnector/internal/signer"
	"hlconnector/internal/tracker"
	"hlconnector/pkg/types"
)

// Poster is the subset of *transport.Client the connector depends on for
// request/response calls.
type Poster interface {
	Post(ctx context.Context, method string, request any) (json.RawMessage, error)
}

// Transport is the full surface the connector drives: posting signed
// actions, subscribing to venue push channels, and running one
// connect-and-serve session. Run returning is not itself an error
// condition — it is the signal to reconnect, which RunTransport does.
type Transport interface {
	Poster
	Subscribe(ctx context.Context, method string, subscription any) error
	Run(ctx context.Context) error
}

// Signer is the subset of *signer.Bridge the connector depends on.
type Signer interface {
	Sign(ctx context.Context, action any) (signer.Signature, uint64, error)
}

// Connector wires the tracker, transport, signer bridge, and quantizer
// into the six-step track-before-submit protocol. It also implements
// tracker.Listener so it can resolve pending cancel futures off the same
// authoritative event stream it forwards to the event publisher (C8).
type Connector struct {
	tracker   *tracker.Tracker
	transport Transport
	bridge    Signer
	idgen     *idgen.Generator
	quantizer *quantize.Cache
	events    *events.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger

	walletAddress       string
	cancelTimeout       time.Duration
	maxReconnectBackoff time.Duration

	cancelsMu      sync.Mutex
	pendingCancels map[types.ClientOrderId]*pendingCancel
}

// Config is the façade's own wiring knobs; every sub-component keeps its
// own Config for its own concerns.
type Config struct {
	WalletAddress string
	// CancelTimeout bounds how long a Cancel future waits for an
	// authoritative venue outcome before resolving false (spec.md §4.6).
	// Zero uses the default of 15s.
	CancelTimeout time.Duration
	// MaxReconnectBackoff caps RunTransport's exponential backoff between
	// reconnect attempts. Zero uses the default of 30s.
	MaxReconnectBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.CancelTimeout == 0 {
		c.CancelTimeout = 15 * time.Second
	}
	if c.MaxReconnectBackoff == 0 {
		c.MaxReconnectBackoff = 30 * time.Second
	}
	return c
}

// New assembles a Connector from its already-constructed collaborators,
// using the real wall clock. Wiring trk.SetListener(conn) after
// construction is the caller's job — the tracker must exist before the
// Connector can be built, and the Connector must exist before it can
// listen to the tracker.
func New(
	cfg Config,
	trk *tracker.Tracker,
	tr Transport,
	bridge Signer,
	idGen *idgen.Generator,
	quantizer *quantize.Cache,
	publisher *events.Publisher,
	logger *slog.Logger,
) *Connector {
	return NewWithClock(cfg, trk, tr, bridge, idGen, quantizer, publisher, logger, clockwork.NewRealClock())
}

// NewWithClock is New with an injectable clock, for deterministic tests
// of cancel timeouts and reconnect backoff.
func NewWithClock(
	cfg Config,
	trk *tracker.Tracker,
	tr Transport,
	bridge Signer,
	idGen *idgen.Generator,
	quantizer *quantize.Cache,
	publisher *events.Publisher,
	logger *slog.Logger,
	clock clockwork.Clock,
) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Connector{
		tracker:             trk,
		transport:           tr,
		bridge:              bridge,
		idgen:               idGen,
		quantizer:           quantizer,
		events:              publisher,
		clock:               clock,
		logger:              logger.With("component", "connector"),
		walletAddress:       cfg.WalletAddress,
		cancelTimeout:       cfg.CancelTimeout,
		maxReconnectBackoff: cfg.MaxReconnectBackoff,
		pendingCancels:      make(map[types.ClientOrderId]*pendingCancel),
	}
}

// orderAction is the canonical, signable representation of a new order
// request. Field order is fixed by the struct definition so hashing is
// stable across calls for logically identical orders.
type orderAction struct {
	Wallet         string `json:"wallet"`
	TradingPair    string `json:"trading_pair"`
	Side           string `json:"side"`
	OrderKind      string `json:"order_type"`
	PositionAction string `json:"position_action"`
	Price          string `json:"price"`
	Amount         string `json:"amount"`
	ClientOrderId  string `json:"cloid"`
	Nonce          uint64 `json:"nonce"`
}

type orderRequest struct {
	Action    orderAction `json:"action"`
	Signature string      `json:"signature"`
	Nonce     uint64      `json:"nonce"`
}

type orderResponseBody struct {
	ExchangeOrderId string `json:"oid"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// Buy places a BUY order. See Sell for the shared submission protocol.
func (c *Connector) Buy(ctx context.Context, params types.OrderParams) (types.ClientOrderId, error) {
	params.Side = types.BUY
	return c.submit(ctx, params)
}

// Sell places a SELL order.
func (c *Connector) Sell(ctx context.Context, params types.OrderParams) (types.ClientOrderId, error) {
	params.Side = types.SELL
	return c.submit(ctx, params)
}

// submit implements spec.md §4.7's track-before-submit protocol: the
// order is quantized and registered with the tracker synchronously,
// before any network I/O begins, so a caller that immediately calls
// GetOrder with the returned id always finds it.
func (c *Connector) submit(ctx context.Context, params types.OrderParams) (types.ClientOrderId, error) {
	price, amount := params.Price, params.Amount
	if params.Kind != types.MARKET {
		var err error
		price, amount, err = c.quantizer.Quantize(params.TradingPair, params.Price, params.Amount)
		if err != nil {
			return "", fmt.Errorf("connector: quantize: %w", err)
		}
	}

	clientID := c.idgen.NextClientOrderId()
	now := time.Now()
	order := types.InFlightOrder{
		ClientOrderId:     clientID,
		TradingPair:       params.TradingPair,
		Side:              params.Side,
		Kind:              params.Kind,
		PositionAction:    params.PositionAction,
		Price:             price,
		Amount:            amount,
		Leverage:          params.Leverage,
		State:             types.PendingCreate,
		CreationTimestamp: now,
	}

	if err := c.tracker.StartTracking(order); err != nil {
		return "", err
	}

	go c.submitAsync(context.WithoutCancel(ctx), clientID, order)

	return clientID, nil
}

func (c *Connector) submitAsync(ctx context.Context, clientID types.ClientOrderId, order types.InFlightOrder) {
	c.tracker.ProcessOrderUpdate(types.OrderUpdate{
		ClientOrderId: clientID,
		NewState:      types.PendingSubmit,
		Timestamp:     time.Now(),
	})

	action := orderAction{
		Wallet:         c.walletAddress,
		TradingPair:    order.TradingPair,
		Side:           string(order.Side),
		OrderKind:      string(order.Kind),
		PositionAction: string(order.PositionAction),
		Price:          order.Price.String(),
		Amount:         order.Amount.String(),
		ClientOrderId:  string(clientID),
	}

	sig, nonce, err := c.bridge.Sign(ctx, action)
	if err != nil {
		c.fail(clientID, fmt.Sprintf("signing failed: %v", err))
		return
	}
	action.Nonce = nonce

	req := orderRequest{Action: action, Signature: sig.Hex(), Nonce: nonce}
	raw, err := c.transport.Post(ctx, "order", req)
	if err != nil {
		c.fail(clientID, err.Error())
		return
	}

	var resp orderResponseBody
	if err := unmarshalResponse(raw, &resp); err != nil {
		c.fail(clientID, fmt.Sprintf("malformed order response: %v", err))
		return
	}
	if resp.Error != "" {
		c.fail(clientID, resp.Error)
		return
	}

	c.tracker.ProcessOrderUpdate(types.OrderUpdate{
		ClientOrderId:   clientID,
		ExchangeOrderId: types.ExchangeOrderId(resp.ExchangeOrderId),
		NewState:        types.Open,
		Timestamp:       time.Now(),
	})
}

func (c *Connector) fail(clientID types.ClientOrderId, venueError string) {
	c.tracker.ProcessOrderUpdate(types.OrderUpdate{
		ClientOrderId: clientID,
		NewState:      types.Failed,
		Timestamp:     time.Now(),
		Reason:        reason.Map(venueError),
		ReasonText:    venueError,
	})
}

type cancelAction struct {
	Wallet          string `json:"wallet"`
	ExchangeOrderId string `json:"oid"`
	ClientOrderId   string `json:"cloid"`
	Nonce           uint64 `json:"nonce"`
}

type cancelRequest struct {
	Action    cancelAction `json:"action"`
	Signature string       `json:"signature"`
	Nonce     uint64       `json:"nonce"`
}

type cancelResponseBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// pendingCancel is the future behind an in-flight Cancel call. resultCh
// delivers the single outcome to the caller; done is closed alongside it
// so the timeout watcher can tell resolution already happened without
// racing the caller for the one value on resultCh. deferred marks a
// cancel requested before the order's exchange id was bound — it is
// promoted to a real PENDING_CANCEL transition once the order opens.
type pendingCancel struct {
	resultCh chan bool
	done     chan struct{}
	deferred bool
	once     sync.Once
}

func newPendingCancel(deferred bool) *pendingCancel {
	return &pendingCancel{
		resultCh: make(chan bool, 1),
		done:     make(chan struct{}),
		deferred: deferred,
	}
}

func (p *pendingCancel) resolve(outcome bool) {
	p.once.Do(func() {
		p.resultCh <- outcome
		close(p.done)
	})
}

func closedCancelResult(outcome bool) <-chan bool {
	ch := make(chan bool, 1)
	ch <- outcome
	return ch
}

// Cancel requests cancellation of a tracked order and returns a future
// resolving true on an authoritative cancel acknowledgment, false on
// rejection or timeout (spec.md §4.6). If clientID's exchange id is not
// yet bound (the order is still PENDING_CREATE/PENDING_SUBMIT), the
// cancel is deferred until the order opens or fails, rather than
// rejected outright.
func (c *Connector) Cancel(ctx context.Context, clientID types.ClientOrderId) (<-chan bool, error) {
	order, ok := c.tracker.GetOrder(clientID)
	if !ok {
		return nil, fmt.Errorf("connector: unknown client order id %s", clientID)
	}

	if order.State == types.Cancelled {
		return closedCancelResult(true), nil
	}
	if order.State.IsTerminal() {
		return closedCancelResult(false), nil
	}

	c.cancelsMu.Lock()
	if existing, ok := c.pendingCancels[clientID]; ok {
		c.cancelsMu.Unlock()
		return existing.resultCh, nil
	}

	switch order.State {
	case types.PendingCreate, types.PendingSubmit:
		pc := newPendingCancel(true)
		c.pendingCancels[clientID] = pc
		c.cancelsMu.Unlock()
		go c.awaitCancelTimeout(clientID, pc)
		return pc.resultCh, nil
	case types.PendingCancel:
		pc := newPendingCancel(false)
		c.pendingCancels[clientID] = pc
		c.cancelsMu.Unlock()
		go c.awaitCancelTimeout(clientID, pc)
		return pc.resultCh, nil
	default:
		pc := newPendingCancel(false)
		c.pendingCancels[clientID] = pc
		c.cancelsMu.Unlock()

		c.tracker.ProcessOrderUpdate(types.OrderUpdate{
			ClientOrderId: clientID,
			NewState:      types.PendingCancel,
			Timestamp:     time.Now(),
		})
		go c.cancelAsync(context.WithoutCancel(ctx), clientID, order)
		go c.awaitCancelTimeout(clientID, pc)
		return pc.resultCh, nil
	}
}

// awaitCancelTimeout resolves pc false if nothing else resolves it
// within the configured cancel timeout (spec.md §4.6 "... or times out").
func (c *Connector) awaitCancelTimeout(clientID types.ClientOrderId, pc *pendingCancel) {
	select {
	case <-pc.done:
	case <-c.clock.After(c.cancelTimeout):
		pc.resolve(false)
		c.forgetCancel(clientID, pc)
	}
}

func (c *Connector) forgetCancel(clientID types.ClientOrderId, pc *pendingCancel) {
	c.cancelsMu.Lock()
	if c.pendingCancels[clientID] == pc {
		delete(c.pendingCancels, clientID)
	}
	c.cancelsMu.Unlock()
}

// resolveCancel resolves and forgets clientID's pending cancel, if any.
// Safe to call when there is none.
func (c *Connector) resolveCancel(clientID types.ClientOrderId, outcome bool) {
	c.cancelsMu.Lock()
	pc, ok := c.pendingCancels[clientID]
	if ok {
		delete(c.pendingCancels, clientID)
	}
	c.cancelsMu.Unlock()
	if ok {
		pc.resolve(outcome)
	}
}

func (c *Connector) cancelAsync(ctx context.Context, clientID types.ClientOrderId, order types.InFlightOrder) {
	action := cancelAction{
		Wallet:          c.walletAddress,
		ExchangeOrderId: string(order.ExchangeOrderId),
		ClientOrderId:   string(clientID),
	}

	sig, nonce, err := c.bridge.Sign(ctx, action)
	if err != nil {
		c.logger.Error("cancel signing failed, order remains pending cancel", "client_order_id", clientID, "error", err)
		c.resolveCancel(clientID, false)
		return
	}
	action.Nonce = nonce

	req := cancelRequest{Action: action, Signature: sig.Hex(), Nonce: nonce}
	raw, err := c.transport.Post(ctx, "cancel", req)
	if err != nil {
		// Network/timeout failure: the userstream path or the cancel
		// timeout watcher decides the outcome, not this error alone.
		c.logger.Warn("cancel post failed, order remains pending cancel pending reconciliation", "client_order_id", clientID, "error", err)
		return
	}

	var resp cancelResponseBody
	if err := unmarshalResponse(raw, &resp); err != nil {
		c.logger.Error("malformed cancel response", "client_order_id", clientID, "error", err)
		return
	}
	if resp.Error != "" {
		// The user-stream ingestor's order-update channel is the
		// authoritative source for the final state (e.g. the order may
		// have already filled); a cancel rejection here only resolves the
		// future, it never writes order state itself.
		c.logger.Warn("cancel rejected by venue", "client_order_id", clientID, "error", resp.Error)
		c.resolveCancel(clientID, false)
	}
}

// OnOrderEvent implements tracker.Listener. It resolves any pending
// cancel future that the event settles, promotes deferred cancels once
// their order opens, and forwards every event to the event publisher.
func (c *Connector) OnOrderEvent(e types.OrderEvent) {
	c.handleCancelLifecycle(e)
	if c.events != nil {
		c.events.OnOrderEvent(e)
	}
}

func (c *Connector) handleCancelLifecycle(e types.OrderEvent) {
	switch e.OrderState {
	case types.Cancelled:
		c.resolveCancel(e.ClientOrderId, true)
	case types.Filled, types.Failed, types.Expired:
		// spec.md §8 S6: a fill (or any other terminal outcome) that beats
		// the cancel ack resolves the future false — there is no
		// authoritative cancel acknowledgment.
		c.resolveCancel(e.ClientOrderId, false)
	case types.Open:
		c.promoteDeferredCancel(e.ClientOrderId)
	}
}

// promoteDeferredCancel upgrades a deferred cancel into a real
// PENDING_CANCEL transition once clientID's order has opened, i.e. once
// its exchange id is bound and PENDING_CANCEL is a legal next state.
func (c *Connector) promoteDeferredCancel(clientID types.ClientOrderId) {
	c.cancelsMu.Lock()
	pc, ok := c.pendingCancels[clientID]
	if !ok || !pc.deferred {
		c.cancelsMu.Unlock()
		return
	}
	pc.deferred = false
	c.cancelsMu.Unlock()

	order, ok := c.tracker.GetOrder(clientID)
	if !ok {
		c.resolveCancel(clientID, false)
		return
	}

	c.tracker.ProcessOrderUpdate(types.OrderUpdate{
		ClientOrderId: clientID,
		NewState:      types.PendingCancel,
		Timestamp:     time.Now(),
	})
	go c.cancelAsync(context.WithoutCancel(context.Background()), clientID, order)
}

// GetOrder returns a snapshot of a tracked order.
func (c *Connector) GetOrder(clientID types.ClientOrderId) (types.InFlightOrder, bool) {
	return c.tracker.GetOrder(clientID)
}

// GetOpenOrders returns snapshots of every non-terminal order, optionally
// filtered to one trading pair (empty string means all pairs).
func (c *Connector) GetOpenOrders(tradingPair string) []types.InFlightOrder {
	return c.tracker.GetOpenOrders(tradingPair)
}

// channelSubscription is the wire shape for a venue push-channel
// subscribe/unsubscribe control message. User carries the wallet address
// for user-scoped channels such as orderUpdates and userFills.
type channelSubscription struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// RunTransport owns the transport's connection lifecycle (spec.md §4.3:
// "C4 does not auto-reconnect... C7 tears down and reconstructs C4, then
// restores subscriptions"). It subscribes to the orders and fills push
// channels before every session — including every reconnect — then runs
// one session to completion, backing off exponentially between attempts.
// Returns when ctx is cancelled.
func (c *Connector) RunTransport(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.subscribeChannels(ctx); err != nil {
			c.logger.Warn("channel subscription failed before session", "error", err)
		}

		err := c.transport.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Error("transport session ended, reconnecting", "error", err, "backoff", backoff)
		} else {
			c.logger.Warn("transport session ended cleanly, reconnecting", "backoff", backoff)
		}

		select {
		case <-c.clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > c.maxReconnectBackoff {
			backoff = c.maxReconnectBackoff
		}
	}
}

func (c *Connector) subscribeChannels(ctx context.Context) error {
	if err := c.transport.Subscribe(ctx, "subscribe", channelSubscription{Type: "orderUpdates", User: c.walletAddress}); err != nil {
		return fmt.Errorf("subscribe orderUpdates: %w", err)
	}
	if err := c.transport.Subscribe(ctx, "subscribe", channelSubscription{Type: "userFills", User: c.walletAddress}); err != nil {
		return fmt.Errorf("subscribe userFills: %w", err)
	}
	return nil
}

func unmarshalResponse(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(raw, v)
}
