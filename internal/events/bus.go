package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"hlconnector/pkg/types"
)

// BusSink publishes events to an external HTTP event bus. Publishing is
// fire-and-forget: a slow or unreachable bus must never block order
// processing, so each publish runs in its own goroutine and failures are
// only logged.
type BusSink struct {
	http        *resty.Client
	endpoint    string
	topicPrefix string
	logger      *slog.Logger
}

// NewBusSink builds a sink that POSTs each event as JSON to endpoint,
// under topic "<topicPrefix>.<event_type>" (spec.md §6 event_topic_prefix).
func NewBusSink(endpoint, topicPrefix string, logger *slog.Logger) *BusSink {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &BusSink{http: httpClient, endpoint: endpoint, topicPrefix: topicPrefix, logger: logger.With("component", "events_bus")}
}

type busMessage struct {
	Topic string          `json:"topic"`
	Event types.OrderEvent `json:"event"`
}

// Publish implements Sink. It never blocks the caller past enqueueing the
// goroutine.
func (b *BusSink) Publish(ctx context.Context, e types.OrderEvent) {
	go b.send(e)
}

func (b *BusSink) send(e types.OrderEvent) {
	msg := busMessage{Topic: b.topicPrefix + "." + string(e.EventType), Event: e}
	resp, err := b.http.R().SetBody(msg).Post(b.endpoint)
	if err != nil {
		b.logger.Warn("event bus publish failed", "error", err, "client_order_id", e.ClientOrderId)
		return
	}
	if resp.IsError() {
		b.logger.Warn("event bus rejected publish", "status", resp.StatusCode(), "client_order_id", e.ClientOrderId)
	}
}
