// Package quantize fetches and caches per-pair trading rules (tick size,
// lot step, minimum notional) and quantizes order price/amount to them.
// The REST fetch is built on the same resty client pattern the rest of
// the connector uses for venue REST calls.
package quantize

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Rule is the set of constraints a trading pair's order must satisfy.
type Rule struct {
	TradingPair string
	TickSize    decimal.Decimal // smallest price increment
	LotStep     decimal.Decimal // smallest amount increment
	MinNotional decimal.Decimal // minimum price * amount
}

// ErrBelowMinNotional is returned by Quantize when the order's notional
// value falls under the pair's minimum, mapping to C9's min_size reason.
var ErrBelowMinNotional = fmt.Errorf("quantize: order notional below minimum")

// Cache fetches trading rules from the venue and caches them in memory.
// It is safe for concurrent use.
type Cache struct {
	http *resty.Client

	mu    sync.RWMutex
	rules map[string]Rule
}

// NewCache builds a Cache backed by a venue REST endpoint for trading
// rules metadata (spec.md §6 trading_rules_url).
func NewCache(baseURL string) *Cache {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Cache{http: httpClient, rules: make(map[string]Rule)}
}

type ruleWire struct {
	TradingPair string `json:"trading_pair"`
	TickSize    string `json:"tick_size"`
	LotStep     string `json:"lot_step"`
	MinNotional string `json:"min_notional"`
}

// Refresh fetches the full rule set and replaces the cache atomically.
func (c *Cache) Refresh(ctx context.Context) error {
	var wire []ruleWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&wire).
		Get("/meta")
	if err != nil {
		return fmt.Errorf("quantize: fetch trading rules: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("quantize: fetch trading rules: status %d: %s", resp.StatusCode(), resp.String())
	}

	next := make(map[string]Rule, len(wire))
	for _, w := range wire {
		rule := Rule{TradingPair: w.TradingPair}
		rule.TickSize, err = decimal.NewFromString(w.TickSize)
		if err != nil {
			return fmt.Errorf("quantize: parse tick_size for %s: %w", w.TradingPair, err)
		}
		rule.LotStep, err = decimal.NewFromString(w.LotStep)
		if err != nil {
			return fmt.Errorf("quantize: parse lot_step for %s: %w", w.TradingPair, err)
		}
		rule.MinNotional, err = decimal.NewFromString(w.MinNotional)
		if err != nil {
			return fmt.Errorf("quantize: parse min_notional for %s: %w", w.TradingPair, err)
		}
		next[w.TradingPair] = rule
	}

	c.mu.Lock()
	c.rules = next
	c.mu.Unlock()
	return nil
}

// Rule returns the cached rule for pair, if known.
func (c *Cache) Rule(pair string) (Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[pair]
	return r, ok
}

// SetRule installs a rule directly, bypassing the network fetch — used by
// tests and by callers that source rules from config instead of the API.
func (c *Cache) SetRule(r Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[r.TradingPair] = r
}

// Quantize rounds price down to the pair's tick size and amount down to
// its lot step, then checks the resulting notional against the minimum.
// Both values are always floored, whatever the order's side: a BUY price
// never ends up above the requested price, while a SELL price can end up
// below it (more aggressive than requested).
func (c *Cache) Quantize(pair string, price, amount decimal.Decimal) (qPrice, qAmount decimal.Decimal, err error) {
	rule, ok := c.Rule(pair)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("quantize: no trading rule cached for %s", pair)
	}

	qPrice = roundToStep(price, rule.TickSize)
	qAmount = roundToStep(amount, rule.LotStep)

	if !rule.MinNotional.IsZero() && qPrice.Mul(qAmount).LessThan(rule.MinNotional) {
		return qPrice, qAmount, ErrBelowMinNotional
	}
	return qPrice, qAmount, nil
}

// roundToStep floors v to the nearest multiple of step. A zero step means
// the pair has no quantization in that dimension.
func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}
