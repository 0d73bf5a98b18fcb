package transport

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// tokenBucket is a continuously-refilling token-bucket limiter: callers
// block in wait() until a token is available or the context is
// cancelled, rather than being rejected outright on a fixed window.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
	clock    clockwork.Clock
}

func newTokenBucket(capacity, ratePerSecond float64, clock clockwork.Clock) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: clock.Now(),
		clock:    clock,
	}
}

func (tb *tokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := tb.clock.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tb.clock.After(wait):
		}
	}
}

// RateLimits tunes the per-category request budgets Client.Post enforces
// before a post request is written to the socket. Zero capacity disables
// limiting for that category, since a venue that publishes no documented
// limit should not be throttled by a guessed one.
type RateLimits struct {
	OrderCapacity, OrderRate   float64
	CancelCapacity, CancelRate float64
}

// requestLimiter groups the order and cancel token buckets the venue's
// documented per-category rate limits require (spec.md is silent on
// exact numbers since they are venue-specific). A bucket exists only when
// Config.RateLimits gives it a nonzero capacity; by default nothing is
// throttled.
type requestLimiter struct {
	order  *tokenBucket
	cancel *tokenBucket
}

func newRequestLimiter(limits RateLimits, clock clockwork.Clock) *requestLimiter {
	rl := &requestLimiter{}
	if limits.OrderCapacity > 0 {
		rl.order = newTokenBucket(limits.OrderCapacity, limits.OrderRate, clock)
	}
	if limits.CancelCapacity > 0 {
		rl.cancel = newTokenBucket(limits.CancelCapacity, limits.CancelRate, clock)
	}
	return rl
}

// wait blocks until a token is available for the given post method, or
// ctx is cancelled. Methods outside the known order/cancel categories are
// never throttled here.
func (rl *requestLimiter) wait(ctx context.Context, method string) error {
	var bucket *tokenBucket
	switch method {
	case "order":
		bucket = rl.order
	case "cancel":
		bucket = rl.cancel
	}
	if bucket == nil {
		return nil
	}
	return bucket.wait(ctx)
}
