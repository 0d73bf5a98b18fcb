// Package events implements the event publisher (C8): it fans a single
// OrderEvent out to every configured sink (in-process listeners, an
// external HTTP event bus, a durable audit log) so every consumer sees
// the exact same snapshot the tracker produced, with no per-sink
// recomputation to drift out of sync.
package events

import (
	"context"
	"log/slog"
	"sync"

	"hlconnector/pkg/types"
)

// Sink receives every published OrderEvent. Implementations must not
// block the publisher for long — Publisher.Publish calls sinks
// synchronously, in registration order.
type Sink interface {
	Publish(ctx context.Context, e types.OrderEvent)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(ctx context.Context, e types.OrderEvent)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, e types.OrderEvent) { f(ctx, e) }

// Publisher holds the registered sinks and is itself a tracker.Listener
// (it implements OnOrderEvent), making it the single object C7 wires
// between the tracker and every downstream consumer.
type Publisher struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// New builds an empty Publisher. Sinks are added with Register.
func New(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger.With("component", "events")}
}

// Register adds a sink. Safe to call concurrently with Publish; a Publish
// already in progress does not see the new sink.
func (p *Publisher) Register(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// OnOrderEvent implements tracker.Listener.
func (p *Publisher) OnOrderEvent(e types.OrderEvent) {
	p.Publish(context.Background(), e)
}

// Publish fans e out to every registered sink. A panic in one sink is
// recovered and logged so a bad listener cannot take down order
// processing for the others.
func (p *Publisher) Publish(ctx context.Context, e types.OrderEvent) {
	p.mu.RLock()
	sinks := p.sinks
	p.mu.RUnlock()

	for _, s := range sinks {
		p.safePublish(ctx, s, e)
	}
}

func (p *Publisher) safePublish(ctx context.Context, s Sink, e types.OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event sink panicked, continuing", "panic", r, "client_order_id", e.ClientOrderId)
		}
	}()
	s.Publish(ctx, e)
}
