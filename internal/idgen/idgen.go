// Package idgen generates client order ids (C1).
//
// The id is opaque to callers but deterministic per call order within a
// process: "<prefix>-<epoch_ms>-<monotonic_u64>". The monotonic suffix is
// a process-wide atomic counter — explicitly process-lifetime state, not
// "just a static" (spec.md §9 design notes).
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"hlconnector/pkg/types"
)

// Generator produces strictly monotonic, globally unique client order ids
// for the lifetime of the process that owns it. The fast path
// (NextClientOrderId) is lock-free: a single atomic increment.
type Generator struct {
	prefix  string
	counter atomic.Uint64
	clock   clockwork.Clock
}

// New creates a Generator with the given id prefix (spec.md §6
// client_order_id_prefix, default "LS").
func New(prefix string) *Generator {
	return NewWithClock(prefix, clockwork.NewRealClock())
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(prefix string, clock clockwork.Clock) *Generator {
	return &Generator{prefix: prefix, clock: clock}
}

// NextClientOrderId returns a fresh, unique id. Safe for concurrent use
// from any number of goroutines; never blocks.
func (g *Generator) NextClientOrderId() types.ClientOrderId {
	seq := g.counter.Add(1)
	epochMs := g.clock.Now().UnixMilli()
	return types.ClientOrderId(fmt.Sprintf("%s-%d-%d", g.prefix, epochMs, seq))
}

// Count returns the number of ids issued so far. Exposed for tests that
// verify the uniqueness property (spec.md §8 property 4).
func (g *Generator) Count() uint64 {
	return g.counter.Load()
}
