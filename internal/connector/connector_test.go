package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"hlconnector/internal/idgen"
	"hlconnector/internal/quantize"
	"hlconnector/internal/signer"
	"hlconnector/internal/tracker"
	"hlconnector/pkg/types"
)

type fakePoster struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]json.RawMessage
	errs      map[string]error

	subscriptions []string
	runCh         chan error
}

func newFakePoster() *fakePoster {
	return &fakePoster{
		responses: map[string]json.RawMessage{},
		errs:      map[string]error{},
		runCh:     make(chan error, 8),
	}
}

func (f *fakePoster) Post(ctx context.Context, method string, request any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if resp, ok := f.responses[method]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

// Subscribe implements connector.Transport.
func (f *fakePoster) Subscribe(ctx context.Context, method string, subscription any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := json.Marshal(subscription)
	f.subscriptions = append(f.subscriptions, string(body))
	return nil
}

// Run implements connector.Transport: it blocks until ctx is cancelled or
// a result is pushed onto runCh, simulating one connect-and-serve session.
func (f *fakePoster) Run(ctx context.Context) error {
	select {
	case err := <-f.runCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakePoster) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions)
}

type fakeSigner struct {
	err error
}

func (f *fakeSigner) Sign(ctx context.Context, action any) (signer.Signature, uint64, error) {
	if f.err != nil {
		return signer.Signature{}, 0, f.err
	}
	return signer.Signature{R: []byte{1}, S: []byte{2}, V: 27}, 1, nil
}

func newTestConnector(t *testing.T, poster Transport, sgnr Signer) (*Connector, *tracker.Tracker) {
	t.Helper()
	c, trk, _ := newTestConnectorWithClock(t, poster, sgnr, clockwork.NewRealClock())
	return c, trk
}

func newTestConnectorWithClock(t *testing.T, poster Transport, sgnr Signer, clock clockwork.Clock) (*Connector, *tracker.Tracker, clockwork.Clock) {
	t.Helper()
	trk := tracker.New(tracker.Config{}, nil, nil)
	quantizer := quantize.NewCache("https://example.invalid")
	quantizer.SetRule(quantize.Rule{
		TradingPair: "BTC-USD",
		TickSize:    decimal.NewFromFloat(0.01),
		LotStep:     decimal.NewFromFloat(0.0001),
		MinNotional: decimal.Zero,
	})
	c := NewWithClock(Config{WalletAddress: "0xabc"}, trk, poster, sgnr, idgen.New("LS"), quantizer, nil, nil, clock)
	trk.SetListener(c)
	return c, trk, clock
}

func waitForState(t *testing.T, trk *tracker.Tracker, id types.ClientOrderId, want types.OrderState) types.InFlightOrder {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, ok := trk.GetOrder(id)
		if ok && o.State == want {
			return o
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s did not reach state %s in time", id, want)
	return types.InFlightOrder{}
}

func waitForCancelResult(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("cancel future never resolved")
		return false
	}
}

func TestBuyTracksBeforeAsyncSubmitCompletes(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	resp, _ := json.Marshal(orderResponseBody{ExchangeOrderId: "EX-1", Status: "resting"})
	poster.responses["order"] = resp

	c, trk := newTestConnector(t, poster, &fakeSigner{})

	id, err := c.Buy(context.Background(), types.OrderParams{
		TradingPair: "BTC-USD", Kind: types.LIMIT,
		Price: decimal.NewFromFloat(50000.005), Amount: decimal.NewFromFloat(0.1),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// Immediately after Buy returns, the order must already be tracked
	// (track-before-submit), even before the async post completes.
	order, ok := trk.GetOrder(id)
	if !ok {
		t.Fatal("order not tracked immediately after Buy returns")
	}
	if order.Side != types.BUY {
		t.Errorf("Side = %q, want BUY", order.Side)
	}

	final := waitForState(t, trk, id, types.Open)
	if final.ExchangeOrderId != "EX-1" {
		t.Errorf("ExchangeOrderId = %q, want EX-1", final.ExchangeOrderId)
	}
	if !final.Price.Equal(decimal.NewFromFloat(50000)) {
		t.Errorf("Price = %s, want quantized 50000", final.Price)
	}
}

func TestSubmitFailsOnSignerError(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	c, trk := newTestConnector(t, poster, &fakeSigner{err: fmt.Errorf("keystore locked")})

	id, err := c.Sell(context.Background(), types.OrderParams{
		TradingPair: "BTC-USD", Kind: types.LIMIT,
		Price: decimal.NewFromFloat(50000), Amount: decimal.NewFromFloat(0.1),
	})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}

	final := waitForState(t, trk, id, types.Failed)
	if final.LastReason != types.ReasonVenueReject {
		t.Errorf("LastReason = %q, want venue_reject fallback for a signer error", final.LastReason)
	}
}

func TestSubmitFailsOnVenueRejection(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	resp, _ := json.Marshal(orderResponseBody{Error: "Insufficient margin for order"})
	poster.responses["order"] = resp
	c, trk := newTestConnector(t, poster, &fakeSigner{})

	id, err := c.Buy(context.Background(), types.OrderParams{
		TradingPair: "BTC-USD", Kind: types.LIMIT,
		Price: decimal.NewFromFloat(50000), Amount: decimal.NewFromFloat(0.1),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	final := waitForState(t, trk, id, types.Failed)
	if final.LastReason != types.ReasonInsufficientBalance {
		t.Errorf("LastReason = %q, want insufficient_balance", final.LastReason)
	}
}

func TestCancelIsIdempotentOnTerminalOrder(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	c, trk := newTestConnector(t, poster, &fakeSigner{})

	id := types.ClientOrderId("LS-manual-1")
	order := types.InFlightOrder{
		ClientOrderId: id, TradingPair: "BTC-USD", Side: types.BUY, Kind: types.LIMIT,
		Price: decimal.NewFromFloat(1), Amount: decimal.NewFromFloat(1), State: types.Cancelled,
	}
	if err := trk.StartTracking(order); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	ch, err := c.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel on terminal order should be a no-op, got error: %v", err)
	}
	if got := waitForCancelResult(t, ch); !got {
		t.Errorf("Cancel future for an already-CANCELLED order = false, want true")
	}
}

func TestCancelUnknownOrderErrors(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	c, _ := newTestConnector(t, poster, &fakeSigner{})

	if _, err := c.Cancel(context.Background(), types.ClientOrderId("does-not-exist")); err == nil {
		t.Fatal("expected error cancelling an unknown client order id")
	}
}

func TestCancelTransitionsThroughPendingCancel(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	resp, _ := json.Marshal(cancelResponseBody{Status: "ok"})
	poster.responses["cancel"] = resp
	c, trk := newTestConnector(t, poster, &fakeSigner{})

	id := types.ClientOrderId("LS-manual-2")
	order := types.InFlightOrder{
		ClientOrderId: id, ExchangeOrderId: "EX-2", TradingPair: "BTC-USD", Side: types.BUY, Kind: types.LIMIT,
		Price: decimal.NewFromFloat(1), Amount: decimal.NewFromFloat(1), State: types.Open,
	}
	if err := trk.StartTracking(order); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	ch, err := c.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, ok := trk.GetOrder(id)
	if !ok {
		t.Fatal("order missing right after Cancel")
	}
	if got.State != types.PendingCancel {
		t.Fatalf("state immediately after Cancel = %q, want PENDING_CANCEL", got.State)
	}

	// The cancel future resolves once the authoritative CANCELLED event
	// arrives via the tracker — simulate the user-stream ingestor doing so.
	trk.ProcessOrderUpdate(types.OrderUpdate{ClientOrderId: id, NewState: types.Cancelled, Timestamp: time.Now()})
	if got := waitForCancelResult(t, ch); !got {
		t.Errorf("Cancel future after authoritative CANCELLED = false, want true")
	}
}

func TestCancelDeferredUntilExchangeIdBinds(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	resp, _ := json.Marshal(cancelResponseBody{Status: "ok"})
	poster.responses["cancel"] = resp
	c, trk := newTestConnector(t, poster, &fakeSigner{})

	id := types.ClientOrderId("LS-manual-3")
	order := types.InFlightOrder{
		ClientOrderId: id, TradingPair: "BTC-USD", Side: types.BUY, Kind: types.LIMIT,
		Price: decimal.NewFromFloat(1), Amount: decimal.NewFromFloat(1), State: types.PendingSubmit,
	}
	if err := trk.StartTracking(order); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	ch, err := c.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Exchange id not yet bound: the cancel must be deferred, not rejected
	// or applied, so the order stays PENDING_SUBMIT.
	got, _ := trk.GetOrder(id)
	if got.State != types.PendingSubmit {
		t.Fatalf("state after deferred Cancel = %q, want unchanged PENDING_SUBMIT", got.State)
	}

	// The order now opens (exchange id binds); the deferred cancel should
	// promote to a real PENDING_CANCEL transition and eventually resolve.
	trk.ProcessOrderUpdate(types.OrderUpdate{
		ClientOrderId: id, ExchangeOrderId: "EX-3", NewState: types.Open, Timestamp: time.Now(),
	})

	promoted := waitForState(t, trk, id, types.PendingCancel)
	if promoted.ExchangeOrderId != "EX-3" {
		t.Fatalf("ExchangeOrderId after promotion = %q, want EX-3", promoted.ExchangeOrderId)
	}

	trk.ProcessOrderUpdate(types.OrderUpdate{ClientOrderId: id, NewState: types.Cancelled, Timestamp: time.Now()})
	if got := waitForCancelResult(t, ch); !got {
		t.Errorf("Cancel future after deferred-cancel promotion and CANCELLED = false, want true")
	}
}

func TestCancelResolvesFalseWhenFillWinsTheRace(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	resp, _ := json.Marshal(cancelResponseBody{Status: "ok"})
	poster.responses["cancel"] = resp
	c, trk := newTestConnector(t, poster, &fakeSigner{})

	id := types.ClientOrderId("LS-manual-4")
	order := types.InFlightOrder{
		ClientOrderId: id, ExchangeOrderId: "EX-4", TradingPair: "BTC-USD", Side: types.BUY, Kind: types.LIMIT,
		Price: decimal.NewFromFloat(1), Amount: decimal.NewFromFloat(1), State: types.Open,
	}
	if err := trk.StartTracking(order); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	ch, err := c.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A fill completes the order's full amount before any authoritative
	// cancel ack arrives.
	trk.ProcessTradeUpdate(types.TradeUpdate{
		ClientOrderId: id, ExchangeOrderId: "EX-4", TradeID: "T-1",
		FillPrice: decimal.NewFromFloat(1), FillBaseAmount: decimal.NewFromFloat(1), Timestamp: time.Now(),
	})

	final := waitForState(t, trk, id, types.Filled)
	if final.FilledAmount.String() != "1" {
		t.Fatalf("FilledAmount = %s, want 1", final.FilledAmount)
	}
	if got := waitForCancelResult(t, ch); got {
		t.Errorf("Cancel future after a fill wins the race = true, want false (no authoritative cancel ack)")
	}
}

func TestCancelTimesOutViaClock(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	poster.errs["cancel"] = fmt.Errorf("connection reset")
	fakeClock := clockwork.NewFakeClock()
	c, trk, _ := newTestConnectorWithClock(t, poster, &fakeSigner{}, fakeClock)
	c.cancelTimeout = 5 * time.Second

	id := types.ClientOrderId("LS-manual-5")
	order := types.InFlightOrder{
		ClientOrderId: id, ExchangeOrderId: "EX-5", TradingPair: "BTC-USD", Side: types.BUY, Kind: types.LIMIT,
		Price: decimal.NewFromFloat(1), Amount: decimal.NewFromFloat(1), State: types.Open,
	}
	if err := trk.StartTracking(order); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	ch, err := c.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	fakeClock.BlockUntil(1)
	fakeClock.Advance(6 * time.Second)

	if got := waitForCancelResult(t, ch); got {
		t.Errorf("Cancel future after timeout = true, want false")
	}
}

func TestRunTransportResubscribesOnReconnect(t *testing.T) {
	t.Parallel()
	poster := newFakePoster()
	c, _ := newTestConnector(t, poster, &fakeSigner{})
	c.maxReconnectBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunTransport(ctx) }()

	// First session ends "cleanly" (nil error); RunTransport must back off
	// and resubscribe before the next session.
	poster.runCh <- nil
	poster.runCh <- fmt.Errorf("read: connection reset")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && poster.subscriptionCount() < 4 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := poster.subscriptionCount(); n < 4 {
		t.Fatalf("subscriptions issued = %d, want at least 4 (2 channels x 2 sessions)", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunTransport did not exit after ctx cancellation")
	}
}
