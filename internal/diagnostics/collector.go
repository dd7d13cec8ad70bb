// Package diagnostics implements the append-only diagnostic event stream
// (spec §4.8): a bounded ring buffer per session, thread-safe across
// producers, feeding near-miss / rationale analysis.
package diagnostics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/pkg/types"
)

const defaultCapacity = 10000

// Collector is a fixed-size, thread-safe ring buffer of DiagnosticEvents.
// Oldest events are overwritten once capacity is reached, mirroring the
// bounded per-metric rings spec §4.8 requires for diagnostics and metrics
// alike.
type Collector struct {
	logger *zap.Logger

	mu       sync.Mutex
	buf      []types.DiagnosticEvent
	next     int
	size     int
	capacity int
}

// New constructs a Collector with the given ring capacity (spec §4.8
// default is 10,000 points per metric/event stream).
func New(logger *zap.Logger, capacity int) *Collector {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Collector{
		logger:   logger,
		buf:      make([]types.DiagnosticEvent, capacity),
		capacity: capacity,
	}
}

// Record appends a generic diagnostic event, overwriting the oldest slot
// once the ring is full.
func (c *Collector) Record(e types.DiagnosticEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf[c.next] = e
	c.next = (c.next + 1) % c.capacity
	if c.size < c.capacity {
		c.size++
	}
}

// RecordFilter records one scanner filter pass/fail (spec §4.2, §4.8
// "record_filter").
func (c *Collector) RecordFilter(symbol, stage string, passed bool, details map[string]any) {
	p := passed
	c.Record(types.DiagnosticEvent{
		Component: "scanner",
		Stage:     stage,
		Symbol:    symbol,
		Payload:   details,
		Passed:    &p,
	})
}

// RecordSignalCondition implements the strategy.Diagnostics interface
// (spec §4.3, §4.8 "record_signal_condition") so near-miss analysis can
// compute median threshold adjustments.
func (c *Collector) RecordSignalCondition(symbol, stage, condition string, value, threshold any, passed bool) {
	p := passed
	c.Record(types.DiagnosticEvent{
		Component: "strategy",
		Stage:     stage,
		Symbol:    symbol,
		Payload: map[string]any{
			"condition": condition,
			"value":     value,
			"threshold": threshold,
		},
		Passed: &p,
	})
}

// RecordTransition logs an FSM state transition as a diagnostic event.
func (c *Collector) RecordTransition(t types.FSMTransition) {
	c.Record(types.DiagnosticEvent{
		Timestamp: t.Ts,
		Component: "orchestrator",
		Stage:     "transition",
		Reason:    t.Reason,
		Payload:   map[string]any{"from": t.From, "to": t.To, "metadata": t.Metadata},
	})
}

// Snapshot returns a copy of every currently buffered event, oldest first.
// Callers must not mutate the live ring, so this always returns a fresh
// slice (spec §4.7-style "consumer contract" applied to diagnostics).
func (c *Collector) Snapshot() []types.DiagnosticEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.DiagnosticEvent, c.size)
	if c.size < c.capacity {
		copy(out, c.buf[:c.size])
		return out
	}
	// Ring is full: oldest entry is at c.next, walk forward from there.
	copy(out, c.buf[c.next:])
	copy(out[c.capacity-c.next:], c.buf[:c.next])
	return out
}

// Shrink trims the ring to a smaller capacity under memory pressure (spec
// §4.8 "triggers cache shrink ... diagnostic ring trim"). Only shrinks;
// never grows past the capacity set at construction.
func (c *Collector) Shrink(newCapacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newCapacity <= 0 || newCapacity >= c.capacity {
		return
	}
	recent := c.snapshotLocked()
	if len(recent) > newCapacity {
		recent = recent[len(recent)-newCapacity:]
	}
	c.buf = make([]types.DiagnosticEvent, newCapacity)
	c.capacity = newCapacity
	c.size = copy(c.buf, recent)
	c.next = c.size % c.capacity
	c.logger.Info("diagnostic ring shrunk", zap.Int("new_capacity", newCapacity))
}

func (c *Collector) snapshotLocked() []types.DiagnosticEvent {
	out := make([]types.DiagnosticEvent, c.size)
	if c.size < c.capacity {
		copy(out, c.buf[:c.size])
		return out
	}
	copy(out, c.buf[c.next:])
	copy(out[c.capacity-c.next:], c.buf[:c.next])
	return out
}
