// Package metrics provides in-memory runtime statistics for the sync engine,
// optionally mirrored to Prometheus.
package metrics

import (
	"maps"
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated timing for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Errors      int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// Snapshot represents the full engine statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Apply         *OperationSnapshot
	Seed          *OperationSnapshot
	Submit        *OperationSnapshot
	Counters      map[string]int64
	OpenChannels  int64
}

// Operation names for the collector.
const (
	OpApply  = "apply"
	OpSeed   = "seed"
	OpSubmit = "submit"
)

// Counter names for the collector.
const (
	CounterEventsApplied   = "events_applied"
	CounterEventsDuplicate = "events_duplicate"
	CounterEventsIgnored   = "events_ignored"
	CounterDecodeErrors    = "decode_errors"
	CounterTransportErrors = "transport_errors"
	CounterChannelsOpened  = "channels_opened"
	CounterChannelsClosed  = "channels_closed"
	CounterDecays          = "decays"
	CounterStreamsDone     = "streams_done"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe; a nil *Collector is a no-op.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	counters  map[string]int64
	open      int64
	prom      *promMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		counters:  make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation; err marks it failed.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if err != nil {
		m.Errors++
	}
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
	prom := c.prom
	c.mu.Unlock()

	prom.observe(op, duration, err)
}

// Inc increments a named counter.
func (c *Collector) Inc(counter string) {
	c.Add(counter, 1)
}

// Add increments a named counter by n.
func (c *Collector) Add(counter string, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.mu.Lock()
	c.counters[counter] += n
	switch counter {
	case CounterChannelsOpened:
		c.open += n
	case CounterChannelsClosed:
		c.open -= n
	}
	open := c.open
	prom := c.prom
	c.mu.Unlock()

	prom.add(counter, n, open)
}

// Counter returns the current value of a named counter.
func (c *Collector) Counter(counter string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[counter]
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Apply:         snapshotOp(c.ops[OpApply]),
		Seed:          snapshotOp(c.ops[OpSeed]),
		Submit:        snapshotOp(c.ops[OpSubmit]),
		Counters:      maps.Clone(c.counters),
		OpenChannels:  c.open,
	}
}
