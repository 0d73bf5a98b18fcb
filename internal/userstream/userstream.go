// Package userstream implements the user-stream ingestor (C6): it takes
// the raw channel pushes the duplex transport (C4) routes to it, decodes
// venue-specific wire shapes, and turns them into the OrderUpdate and
// TradeUpdate deltas the tracker (C3) understands.
//
// The venue reports order status as a small closed set of strings
// (resting/open, filled, cancelled, rejected) but never reports
// "partially filled" as a status value — a partial fill is a fact about
// quantity, not a status the venue names. This package derives it by
// comparing filled quantity to the original size rather than trusting
// any single status string, and otherwise defers all filled_amount
// bookkeeping to the tracker, which is the only place fills are summed.
package userstream

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hlconnector/internal/reason"
	"hlconnector/pkg/types"
)

// OrderSink is the subset of *tracker.Tracker this package depends on.
// Declared as an interface so tests can exercise routing without a real
// tracker.
type OrderSink interface {
	ProcessOrderUpdate(types.OrderUpdate)
	ProcessTradeUpdate(types.TradeUpdate)
}

// Ingestor routes duplex-transport channel pushes to the tracker.
type Ingestor struct {
	sink   OrderSink
	logger *slog.Logger
}

// New builds an Ingestor over sink.
func New(sink OrderSink, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{sink: sink, logger: logger.With("component", "userstream")}
}

// HandleChannelMessage matches transport.DispatchFunc's signature and is
// the entry point wired as C4's dispatch callback.
func (in *Ingestor) HandleChannelMessage(channel string, data json.RawMessage) {
	switch {
	case matchesChannel(channel, "orderUpdates", "orders"):
		in.handleOrderUpdates(data)
	case matchesChannel(channel, "userFills", "fills"):
		in.handleFills(data)
	default:
		in.logger.Debug("unrecognized user-stream channel, dropping", "channel", channel)
	}
}

func matchesChannel(channel string, names ...string) bool {
	for _, n := range names {
		if strings.EqualFold(channel, n) {
			return true
		}
	}
	return false
}

// venueOrderStatus is one entry of an orderUpdates push.
type venueOrderStatus struct {
	ClientOrderId   string `json:"cloid"`
	ExchangeOrderId string `json:"oid"`
	Status          string `json:"status"`
	TradingPair     string `json:"coin"`
	OrigSize        string `json:"origSz"`
	RemainingSize   string `json:"sz"`
	TimestampMs     int64  `json:"timestamp"`
	ErrorText       string `json:"error,omitempty"`
}

// venueStatusState maps the venue's closed status vocabulary to an
// OrderState. Statuses absent here (anything order-status-shaped but
// unrecognized) are logged and dropped rather than guessed at.
var venueStatusState = map[string]types.OrderState{
	"resting":        types.Open,
	"open":           types.Open,
	"filled":         types.Filled,
	"canceled":       types.Cancelled,
	"cancelled":      types.Cancelled,
	"marginCanceled": types.Cancelled,
	"rejected":       types.Failed,
}

func (in *Ingestor) handleOrderUpdates(data json.RawMessage) {
	var statuses []venueOrderStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		in.logger.Error("unmarshal order updates", "error", err)
		return
	}

	for _, s := range statuses {
		if s.ClientOrderId == "" {
			in.logger.Warn("order update with no client order id, dropping", "exchange_order_id", s.ExchangeOrderId)
			continue
		}

		newState, ok := venueStatusState[s.Status]
		if !ok {
			in.logger.Warn("unrecognized venue order status, dropping", "status", s.Status, "client_order_id", s.ClientOrderId)
			continue
		}

		// A "resting"/"open" status with a partial fill already reflected in
		// sz vs origSz means the order is really PARTIALLY_FILLED — the
		// venue does not say so itself. Compute it from quantity, not the
		// status string.
		if newState == types.Open {
			if filled, ok := filledFromSizes(s.OrigSize, s.RemainingSize); ok && filled.IsPositive() {
				newState = types.PartiallyFilled
			}
		}

		update := types.OrderUpdate{
			ClientOrderId:   types.ClientOrderId(s.ClientOrderId),
			ExchangeOrderId: types.ExchangeOrderId(s.ExchangeOrderId),
			TradingPair:     s.TradingPair,
			NewState:        newState,
			Timestamp:       timestampOrNow(s.TimestampMs),
		}
		if newState == types.Failed {
			update.Reason = reason.Map(s.ErrorText)
			update.ReasonText = s.ErrorText
		}

		in.sink.ProcessOrderUpdate(update)
	}
}

// filledFromSizes computes origSz - remainingSz as a decimal, returning
// ok=false if either value fails to parse (malformed venue payload).
func filledFromSizes(origSz, remainingSz string) (decimal.Decimal, bool) {
	orig, err := decimal.NewFromString(origSz)
	if err != nil {
		return decimal.Zero, false
	}
	remaining, err := decimal.NewFromString(remainingSz)
	if err != nil {
		return decimal.Zero, false
	}
	return orig.Sub(remaining), true
}

// venueFill is one entry of a userFills push.
type venueFill struct {
	TradeID         string `json:"tid"`
	ClientOrderId   string `json:"cloid"`
	ExchangeOrderId string `json:"oid"`
	TradingPair     string `json:"coin"`
	Price           string `json:"px"`
	Size            string `json:"sz"`
	Side            string `json:"side"`
	FeeAmount       string `json:"fee"`
	FeeCurrency     string `json:"feeToken"`
	Liquidity       string `json:"liquidity"`
	TimestampMs     int64  `json:"time"`
}

func (in *Ingestor) handleFills(data json.RawMessage) {
	var fills []venueFill
	if err := json.Unmarshal(data, &fills); err != nil {
		in.logger.Error("unmarshal user fills", "error", err)
		return
	}

	for _, f := range fills {
		if f.ClientOrderId == "" || f.TradeID == "" {
			in.logger.Warn("fill missing client order id or trade id, dropping", "exchange_order_id", f.ExchangeOrderId)
			continue
		}

		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			in.logger.Error("unparseable fill price, dropping", "trade_id", f.TradeID, "error", err)
			continue
		}
		size, err := decimal.NewFromString(f.Size)
		if err != nil {
			in.logger.Error("unparseable fill size, dropping", "trade_id", f.TradeID, "error", err)
			continue
		}
		fee, _ := decimal.NewFromString(f.FeeAmount) // absent/unparseable fee defaults to zero, never blocks a fill

		liquidity := types.TAKER
		if strings.EqualFold(f.Liquidity, "maker") {
			liquidity = types.MAKER
		}

		in.sink.ProcessTradeUpdate(types.TradeUpdate{
			TradeID:         f.TradeID,
			ClientOrderId:   types.ClientOrderId(f.ClientOrderId),
			ExchangeOrderId: types.ExchangeOrderId(f.ExchangeOrderId),
			TradingPair:     f.TradingPair,
			FillPrice:       price,
			FillBaseAmount:  size,
			FillQuoteAmount: price.Mul(size),
			FeeCurrency:     f.FeeCurrency,
			FeeAmount:       fee,
			Liquidity:       liquidity,
			Timestamp:       timestampOrNow(f.TimestampMs),
		})
	}
}

func timestampOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
