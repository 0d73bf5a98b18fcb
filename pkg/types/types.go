// Package types defines the shared vocabulary of the connector: order
// identifiers, the order state machine, the in-flight order record, and
// the fill/update deltas that flow between the tracker, the user-stream
// ingestor, and the event publisher. It has no dependency on any other
// internal package so it can be imported by every layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Identifiers
// ————————————————————————————————————————————————————————————————————————

// ClientOrderId is the caller-generated primary key for an order, unique
// for the lifetime of the connector process. See internal/idgen for the
// generator.
type ClientOrderId string

// ExchangeOrderId is the venue-assigned identifier, unknown until the
// order's first acknowledgment and write-once thereafter.
type ExchangeOrderId string

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderKind enumerates the order types the venue accepts.
type OrderKind string

const (
	LIMIT       OrderKind = "LIMIT"
	MARKET      OrderKind = "MARKET"
	LIMIT_MAKER OrderKind = "LIMIT_MAKER"
)

// PositionAction describes whether an order opens, closes, or is agnostic
// to the caller's position.
type PositionAction string

const (
	PositionNil   PositionAction = "NIL"
	PositionOpen  PositionAction = "OPEN"
	PositionClose PositionAction = "CLOSE"
)

// Liquidity tags a fill as maker or taker.
type Liquidity string

const (
	MAKER Liquidity = "MAKER"
	TAKER Liquidity = "TAKER"
)

// OrderState is the closed nine-value set an order moves through. The
// legal transition graph is enforced by internal/tracker, not by this
// type — OrderState is a plain value.
type OrderState string

const (
	PendingCreate   OrderState = "PENDING_CREATE"
	PendingSubmit   OrderState = "PENDING_SUBMIT"
	Open            OrderState = "OPEN"
	PartiallyFilled OrderState = "PARTIALLY_FILLED"
	Filled          OrderState = "FILLED"
	PendingCancel   OrderState = "PENDING_CANCEL"
	Cancelled       OrderState = "CANCELLED"
	Failed          OrderState = "FAILED"
	Expired         OrderState = "EXPIRED"
)

// IsTerminal reports whether no further transition is legal from s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case Filled, Cancelled, Failed, Expired:
		return true
	default:
		return false
	}
}

// legalNextStates is the directed transition graph from spec §3. An
// update that is not in this set for the order's current state is
// rejected by the tracker.
var legalNextStates = map[OrderState]map[OrderState]bool{
	PendingCreate: {PendingSubmit: true, Failed: true},
	PendingSubmit: {Open: true, Failed: true},
	Open: {
		PartiallyFilled: true, Filled: true, PendingCancel: true,
		Cancelled: true, Expired: true, Failed: true,
	},
	PartiallyFilled: {
		PartiallyFilled: true, Filled: true, PendingCancel: true,
		Cancelled: true, Expired: true, Failed: true,
	},
	PendingCancel: {Cancelled: true, Filled: true, PartiallyFilled: true, Failed: true},
}

// CanTransition reports whether moving from 'from' to 'to' is legal.
// A terminal state never has outgoing transitions.
func CanTransition(from, to OrderState) bool {
	if from.IsTerminal() {
		return false
	}
	next, ok := legalNextStates[from]
	if !ok {
		return false
	}
	return next[to]
}

// Reason is the closed set of canonical failure/rejection codes (C9).
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonInvalidParams       Reason = "invalid_params"
	ReasonRiskBlocked         Reason = "risk_blocked"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonPostOnlyViolation   Reason = "post_only_violation"
	ReasonMinSize             Reason = "min_size"
	ReasonPriceOutOfBounds    Reason = "price_out_of_bounds"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonNetworkError        Reason = "network_error"
	ReasonExpired             Reason = "expired"
	ReasonVenueReject         Reason = "venue_reject"
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderParams are the caller-supplied inputs to buy/sell (C7 §4.7 step 2).
type OrderParams struct {
	TradingPair    string
	Amount         decimal.Decimal
	Price          decimal.Decimal // 0 permitted only for MARKET
	Kind           OrderKind
	Side           Side
	PositionAction PositionAction
	Leverage       *int
}

// InFlightOrder is a pure value record: identifiers, parameters, current
// state and accumulated fills for one order. It carries no mutex — all
// synchronization lives in the tracker that owns the set of these
// records (spec §9 "mutex-at-container-level").
type InFlightOrder struct {
	ClientOrderId   ClientOrderId
	ExchangeOrderId ExchangeOrderId // "" until bound

	TradingPair    string
	Side           Side
	Kind           OrderKind
	PositionAction PositionAction
	Price          decimal.Decimal
	Amount         decimal.Decimal
	Leverage       *int

	State               OrderState
	CreationTimestamp   time.Time
	LastUpdateTimestamp time.Time
	LastReason          Reason

	Fills            []TradeUpdate
	FilledAmount     decimal.Decimal
	AverageFillPrice decimal.Decimal

	// NotFoundCount is the number of consecutive process_order_not_found
	// hits recorded by the tracker (C3 reconciliation). Not part of the
	// public order lifecycle; callers should not read or set it.
	NotFoundCount int
}

// Clone returns a deep-enough value copy safe for a caller to hold without
// aliasing the tracker's storage (Fills is copied, not shared).
func (o InFlightOrder) Clone() InFlightOrder {
	clone := o
	clone.Fills = append([]TradeUpdate(nil), o.Fills...)
	return clone
}

// IsDone reports whether the order is in a terminal state.
func (o InFlightOrder) IsDone() bool {
	return o.State.IsTerminal()
}

// TradeUpdate is a single fill record (spec §3).
type TradeUpdate struct {
	TradeID         string
	ClientOrderId   ClientOrderId
	ExchangeOrderId ExchangeOrderId
	TradingPair     string
	FillPrice       decimal.Decimal
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	FeeCurrency     string
	FeeAmount       decimal.Decimal
	Liquidity       Liquidity
	Timestamp       time.Time
}

// OrderUpdate is a state delta applied to the tracker (spec §3).
type OrderUpdate struct {
	ClientOrderId   ClientOrderId
	ExchangeOrderId ExchangeOrderId // "" if not yet known
	TradingPair     string
	NewState        OrderState
	Timestamp       time.Time
	Reason          Reason
	ReasonText      string
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle events (C8 payload, spec §6)
// ————————————————————————————————————————————————————————————————————————

// EventType names the in-process callback / outbound topic suffix an
// order transition produces.
type EventType string

const (
	EventOrderCreated   EventType = "created"
	EventOrderUpdate    EventType = "update"
	EventOrderPartial   EventType = "partial_fill"
	EventOrderCompleted EventType = "filled"
	EventOrderCancelled EventType = "cancelled"
	EventOrderFailed    EventType = "failed"
)

// OrderEvent is the payload published to in-process listeners and,
// JSON-marshalled, to the external event bus (spec §6 schema).
type OrderEvent struct {
	EventType            EventType       `json:"event_type"`
	Timestamp            time.Time       `json:"timestamp"`
	ClientOrderId        ClientOrderId   `json:"client_order_id"`
	ExchangeOrderId      ExchangeOrderId `json:"exchange_order_id"`
	TradingPair          string          `json:"trading_pair"`
	OrderKind            OrderKind       `json:"order_type"`
	Side                 Side            `json:"trade_type"`
	Price                decimal.Decimal `json:"price"`
	Amount               decimal.Decimal `json:"amount"`
	FilledAmount         decimal.Decimal `json:"filled_amount"`
	AverageExecutedPrice decimal.Decimal `json:"average_executed_price"`
	OrderState           OrderState      `json:"order_state"`
	CreationTimestamp    time.Time       `json:"creation_timestamp"`
	LastUpdateTimestamp  time.Time       `json:"last_update_timestamp"`
	FeePaid              decimal.Decimal `json:"fee_paid"`
	FeeAsset             string          `json:"fee_asset"`
	Reason               Reason          `json:"reason,omitempty"`
	ReasonText           string          `json:"reason_text,omitempty"`
}

// NewOrderEvent builds the publishable snapshot for an order at the
// moment of a transition. Values are copied from the InFlightOrder the
// tracker holds so publishers never alias tracker storage.
func NewOrderEvent(evtType EventType, o InFlightOrder) OrderEvent {
	var feePaid decimal.Decimal
	var feeAsset string
	if n := len(o.Fills); n > 0 {
		feePaid = o.Fills[n-1].FeeAmount
		feeAsset = o.Fills[n-1].FeeCurrency
	}
	return OrderEvent{
		EventType:            evtType,
		Timestamp:            o.LastUpdateTimestamp,
		ClientOrderId:        o.ClientOrderId,
		ExchangeOrderId:      o.ExchangeOrderId,
		TradingPair:          o.TradingPair,
		OrderKind:            o.Kind,
		Side:                 o.Side,
		Price:                o.Price,
		Amount:               o.Amount,
		FilledAmount:         o.FilledAmount,
		AverageExecutedPrice: o.AverageFillPrice,
		OrderState:           o.State,
		CreationTimestamp:    o.CreationTimestamp,
		LastUpdateTimestamp:  o.LastUpdateTimestamp,
		FeePaid:              feePaid,
		FeeAsset:             feeAsset,
		Reason:               o.LastReason,
	}
}
