// Package tracker implements the client-side order tracker (C3): a
// thread-safe registry of InFlightOrder records, indexed by client id
// (primary) and exchange id (secondary), that applies OrderUpdate and
// TradeUpdate deltas and fans lifecycle transitions out to a Listener.
//
// Concurrency follows spec.md §4.2 / §5: a single reader-writer lock
// guards both indices. Queries take the read lock and return value
// copies; mutations take the write lock and are fully serialized per
// tracker instance, which is what gives a single order's updates their
// FIFO/no-interleave guarantee.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hlconnector/pkg/types"
)

// Listener receives exactly one callback per order transition (spec.md
// §4.7 "Every state transition produced by C3 triggers exactly one
// in-process callback"). Implementations must not block — the tracker
// invokes these synchronously, under no lock, but on the caller's
// goroutine.
type Listener interface {
	OnOrderEvent(types.OrderEvent)
}

// ListenerFunc adapts a plain function to a Listener.
type ListenerFunc func(types.OrderEvent)

// OnOrderEvent implements Listener.
func (f ListenerFunc) OnOrderEvent(e types.OrderEvent) { f(e) }

// epsilon is the fixed tolerance spec.md §3 requires for all
// filled_amount / amount float-ish comparisons. InFlightOrder uses
// decimal.Decimal internally, but fills may arrive with more precision
// than the order's declared amount, so a tolerance is still needed.
var epsilon = decimal.New(1, -8)

// Config tunes tracker behavior (spec.md §6).
type Config struct {
	// AutoCleanupTerminalOrders erases an order's tracker entry the
	// moment it reaches a terminal state (spec.md "auto_cleanup").
	AutoCleanupTerminalOrders bool
	// MaxNotFoundRetries is the number of consecutive
	// process_order_not_found calls before a synthetic CANCELLED update
	// is produced. Zero disables the mechanism — the spec.md §9 open
	// question #2 default for the Hyperliquid venue.
	MaxNotFoundRetries int
}

// Tracker is the C3 registry. Zero value is not usable; use New.
type Tracker struct {
	mu       sync.RWMutex
	byClient map[types.ClientOrderId]*types.InFlightOrder
	byExch   map[types.ExchangeOrderId]types.ClientOrderId

	cfg      Config
	listener Listener
	logger   *slog.Logger
}

// New creates an empty Tracker. listener may be nil (no callbacks fire).
func New(cfg Config, listener Listener, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byClient: make(map[types.ClientOrderId]*types.InFlightOrder),
		byExch:   make(map[types.ExchangeOrderId]types.ClientOrderId),
		cfg:      cfg,
		listener: listener,
		logger:   logger.With("component", "tracker"),
	}
}

// SetListener rebinds the tracker's lifecycle listener. Exists to break
// the construction cycle between the tracker and a façade that must
// itself observe tracker events before forwarding them downstream: the
// tracker is built first with a nil listener, then the façade is built
// from it, then SetListener wires the façade in.
func (t *Tracker) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// StartTracking inserts order by its client id. It fails if the id is
// already present — the track-before-submit invariant (spec.md §4.7)
// depends on this being a hard insert, not an upsert, so a re-used
// client id can never silently clobber a live order.
func (t *Tracker) StartTracking(order types.InFlightOrder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byClient[order.ClientOrderId]; exists {
		return &DuplicateClientIdError{ClientOrderId: order.ClientOrderId}
	}

	stored := order.Clone()
	t.byClient[order.ClientOrderId] = &stored
	if stored.ExchangeOrderId != "" {
		t.byExch[stored.ExchangeOrderId] = stored.ClientOrderId
	}
	return nil
}

// StopTracking removes the entry for clientID, if present.
func (t *Tracker) StopTracking(clientID types.ClientOrderId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(clientID)
}

func (t *Tracker) removeLocked(clientID types.ClientOrderId) {
	o, ok := t.byClient[clientID]
	if !ok {
		return
	}
	if o.ExchangeOrderId != "" {
		delete(t.byExch, o.ExchangeOrderId)
	}
	delete(t.byClient, clientID)
}

// GetOrder returns a value copy of the order tracked under clientID.
func (t *Tracker) GetOrder(clientID types.ClientOrderId) (types.InFlightOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.byClient[clientID]
	if !ok {
		return types.InFlightOrder{}, false
	}
	return o.Clone(), true
}

// GetOrderByExchangeId returns a value copy of the order bound to eid.
func (t *Tracker) GetOrderByExchangeId(eid types.ExchangeOrderId) (types.InFlightOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clientID, ok := t.byExch[eid]
	if !ok {
		return types.InFlightOrder{}, false
	}
	o := t.byClient[clientID]
	return o.Clone(), true
}

// GetOpenOrders returns value copies of every non-terminal order,
// optionally filtered to a single trading pair.
func (t *Tracker) GetOpenOrders(pair string) []types.InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.InFlightOrder, 0, len(t.byClient))
	for _, o := range t.byClient {
		if o.State.IsTerminal() {
			continue
		}
		if pair != "" && o.TradingPair != pair {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// ProcessOrderUpdate applies a state delta. Absent client ids are
// logged and dropped (spec.md §4.2).
func (t *Tracker) ProcessOrderUpdate(u types.OrderUpdate) {
	t.mu.Lock()
	o, ok := t.byClient[u.ClientOrderId]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("order update for unknown client id, dropping",
			"client_order_id", u.ClientOrderId, "new_state", u.NewState)
		return
	}

	if o.State.IsTerminal() {
		t.mu.Unlock()
		t.logger.Warn("order update for terminal order, dropping",
			"client_order_id", u.ClientOrderId, "current_state", o.State, "new_state", u.NewState)
		return
	}

	if u.ExchangeOrderId != "" {
		if o.ExchangeOrderId != "" && o.ExchangeOrderId != u.ExchangeOrderId {
			t.mu.Unlock()
			t.logger.Error("refusing to overwrite exchange order id",
				"client_order_id", u.ClientOrderId,
				"existing_exchange_id", o.ExchangeOrderId,
				"rejected_exchange_id", u.ExchangeOrderId)
			return
		}
		if o.ExchangeOrderId == "" {
			o.ExchangeOrderId = u.ExchangeOrderId
			t.byExch[o.ExchangeOrderId] = o.ClientOrderId
		}
	}

	// u.NewState may equal o.State only for PARTIALLY_FILLED, the one
	// self-transition in the legal graph; every other self-transition is
	// illegal and dropped.
	isFirstOpen := u.NewState == types.Open && o.State != types.Open
	if !types.CanTransition(o.State, u.NewState) {
		t.mu.Unlock()
		t.logger.Warn("illegal state transition, dropping",
			"client_order_id", u.ClientOrderId, "from", o.State, "to", u.NewState)
		return
	}

	prevState := o.State
	o.State = u.NewState
	o.LastUpdateTimestamp = u.Timestamp
	o.NotFoundCount = 0
	if u.Reason != "" {
		o.LastReason = u.Reason
	}

	evtType := eventTypeFor(prevState, o.State, isFirstOpen)
	snapshot := o.Clone()

	autoCleanup := t.cfg.AutoCleanupTerminalOrders && o.State.IsTerminal()
	if autoCleanup {
		t.removeLocked(u.ClientOrderId)
	}
	t.mu.Unlock()

	t.emit(evtType, snapshot)
}

// ProcessTradeUpdate appends a fill, recomputes filled_amount and
// average_fill_price from the full fill sequence (never incrementally,
// to avoid drift — spec.md §4.2), and derives the resulting state.
func (t *Tracker) ProcessTradeUpdate(trade types.TradeUpdate) {
	t.mu.Lock()
	o, ok := t.byClient[trade.ClientOrderId]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("trade update for unknown client id, dropping", "client_order_id", trade.ClientOrderId)
		return
	}

	if o.State == types.Cancelled || o.State == types.Failed || o.State == types.Expired {
		t.mu.Unlock()
		t.logger.Warn("trade update for order in terminal non-fill state, dropping (race)",
			"client_order_id", trade.ClientOrderId, "state", o.State, "trade_id", trade.TradeID)
		return
	}

	for _, existing := range o.Fills {
		if existing.TradeID == trade.TradeID {
			t.mu.Unlock()
			return // duplicate trade id, already applied
		}
	}

	if trade.ExchangeOrderId != "" && o.ExchangeOrderId == "" {
		o.ExchangeOrderId = trade.ExchangeOrderId
		t.byExch[o.ExchangeOrderId] = o.ClientOrderId
	}

	o.Fills = append(o.Fills, trade)
	o.FilledAmount, o.AverageFillPrice = recomputeFills(o.Fills)
	o.NotFoundCount = 0

	prevState := o.State
	newState := types.PartiallyFilled
	if o.FilledAmount.GreaterThanOrEqual(o.Amount.Sub(epsilon)) {
		newState = types.Filled
	}

	if !types.CanTransition(prevState, newState) {
		// Trade before ack (PENDING_SUBMIT -> PARTIALLY_FILLED/FILLED) is
		// explicitly legal per spec.md §4.2 even though it is not in the
		// general OrderState graph; allow it here as the one sanctioned
		// exception, since it only ever tightens (never loosens) fill
		// accounting.
		if !(prevState == types.PendingSubmit || prevState == types.PendingCreate) {
			t.mu.Unlock()
			t.logger.Warn("illegal state transition from trade update, dropping",
				"client_order_id", trade.ClientOrderId, "from", prevState, "to", newState)
			return
		}
	}

	o.State = newState
	o.LastUpdateTimestamp = trade.Timestamp

	evtType := types.EventOrderPartial
	if newState == types.Filled {
		evtType = types.EventOrderCompleted
	}
	snapshot := o.Clone()

	autoCleanup := t.cfg.AutoCleanupTerminalOrders && o.State.IsTerminal()
	if autoCleanup {
		t.removeLocked(trade.ClientOrderId)
	}
	t.mu.Unlock()

	t.emit(evtType, snapshot)
}

// ProcessOrderNotFound records a consecutive "order not found" signal
// for clientID; after Config.MaxNotFoundRetries consecutive hits it
// synthesizes a CANCELLED OrderUpdate. An applied order update or fill
// resets the counter to zero, so only consecutive hits count.
func (t *Tracker) ProcessOrderNotFound(clientID types.ClientOrderId, now time.Time) {
	if t.cfg.MaxNotFoundRetries <= 0 {
		return
	}

	t.mu.Lock()
	o, ok := t.byClient[clientID]
	if !ok {
		t.mu.Unlock()
		return
	}
	o.NotFoundCount++
	shouldSynthesize := o.NotFoundCount >= t.cfg.MaxNotFoundRetries && !o.State.IsTerminal()
	t.mu.Unlock()

	if shouldSynthesize {
		t.ProcessOrderUpdate(types.OrderUpdate{
			ClientOrderId: clientID,
			NewState:      types.Cancelled,
			Timestamp:     now,
			Reason:        types.ReasonExpired,
			ReasonText:    "synthesized after repeated order-not-found",
		})
	}
}

func (t *Tracker) emit(evtType types.EventType, o types.InFlightOrder) {
	if t.listener == nil {
		return
	}
	t.listener.OnOrderEvent(types.NewOrderEvent(evtType, o))
}

// eventTypeFor derives which of the six named lifecycle callbacks
// (spec.md §4.7) a transition triggers.
func eventTypeFor(prev, next types.OrderState, isFirstOpen bool) types.EventType {
	switch {
	case next == types.Open && isFirstOpen:
		return types.EventOrderCreated
	case next == types.Cancelled:
		return types.EventOrderCancelled
	case next == types.Failed:
		return types.EventOrderFailed
	case next == types.PartiallyFilled:
		return types.EventOrderPartial
	case next == types.Filled:
		return types.EventOrderCompleted
	default:
		// PENDING_SUBMIT, PENDING_CANCEL, EXPIRED, and any other
		// in-flight transition: the generic update callback. EXPIRED has
		// no dedicated bucket in spec.md §4.7's enumeration; see DESIGN.md.
		return types.EventOrderUpdate
	}
}

// recomputeFills derives filled_amount and average_fill_price from the
// full fill sequence, per spec.md §3's invariant (computed fresh each
// time, never accumulated incrementally).
func recomputeFills(fills []types.TradeUpdate) (filled, avgPrice decimal.Decimal) {
	var notional decimal.Decimal
	for _, f := range fills {
		filled = filled.Add(f.FillBaseAmount)
		notional = notional.Add(f.FillPrice.Mul(f.FillBaseAmount))
	}
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return filled, notional.Div(filled)
}

// DuplicateClientIdError is returned by StartTracking when the id is
// already present.
type DuplicateClientIdError struct {
	ClientOrderId types.ClientOrderId
}

func (e *DuplicateClientIdError) Error() string {
	return "tracker: client order id already tracked: " + string(e.ClientOrderId)
}
