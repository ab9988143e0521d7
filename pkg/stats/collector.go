// Package stats counts hits, misses, evictions and latency per layer.
//
// A Collector is created by the caller and injected where it is needed; it
// starts zeroed and only Reset clears it.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder receives every event the Collector counts. The Prometheus
// metrics in pkg/metrics implement it.
type Recorder interface {
	RecordLookup(layer, op string, hit bool, d time.Duration)
	RecordEviction(layer string, n int)
	SetEntries(layer string, n int)
}

type counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	errors      atomic.Int64
	operations  atomic.Int64
	latencyNano atomic.Int64
	entries     atomic.Int64
	lastAccess  atomic.Int64
}

// Collector is safe for concurrent use.
type Collector struct {
	mu        sync.RWMutex
	layers    map[string]*counters
	recorder  Recorder
	startedAt time.Time
	resetAt   atomic.Int64
}

// New creates a zeroed collector. recorder may be nil.
func New(recorder Recorder) *Collector {
	now := time.Now()
	c := &Collector{
		layers:    make(map[string]*counters),
		recorder:  recorder,
		startedAt: now,
	}
	c.resetAt.Store(now.UnixNano())
	return c
}

func (c *Collector) layer(name string) *counters {
	c.mu.RLock()
	lc, ok := c.layers[name]
	c.mu.RUnlock()
	if ok {
		return lc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lc, ok = c.layers[name]; ok {
		return lc
	}
	lc = &counters{}
	c.layers[name] = lc
	return lc
}

// Register makes a layer visible in snapshots before its first event.
func (c *Collector) Register(layers ...string) {
	for _, l := range layers {
		c.layer(l)
	}
}

// Hit counts a lookup that produced a result.
func (c *Collector) Hit(layer, op string, d time.Duration) {
	lc := c.layer(layer)
	lc.hits.Add(1)
	c.observe(lc, d)
	lc.lastAccess.Store(time.Now().UnixNano())
	if c.recorder != nil {
		c.recorder.RecordLookup(layer, op, true, d)
	}
}

// Miss counts a lookup that produced nothing.
func (c *Collector) Miss(layer, op string, d time.Duration) {
	lc := c.layer(layer)
	lc.misses.Add(1)
	c.observe(lc, d)
	if c.recorder != nil {
		c.recorder.RecordLookup(layer, op, false, d)
	}
}

// Op counts a non-lookup operation (set, delete, clear).
func (c *Collector) Op(layer string, d time.Duration) {
	c.observe(c.layer(layer), d)
}

// Error counts a failed operation.
func (c *Collector) Error(layer string, d time.Duration) {
	lc := c.layer(layer)
	lc.errors.Add(1)
	c.observe(lc, d)
}

func (c *Collector) observe(lc *counters, d time.Duration) {
	lc.operations.Add(1)
	lc.latencyNano.Add(int64(d))
}

// Evicted counts entries removed by the size cap.
func (c *Collector) Evicted(layer string, n int) {
	if n <= 0 {
		return
	}
	c.layer(layer).evictions.Add(int64(n))
	if c.recorder != nil {
		c.recorder.RecordEviction(layer, n)
	}
}

// AddEntries adjusts the entry count by delta.
func (c *Collector) AddEntries(layer string, delta int) {
	if delta == 0 {
		return
	}
	n := c.layer(layer).entries.Add(int64(delta))
	if n < 0 {
		c.layer(layer).entries.Store(0)
		n = 0
	}
	if c.recorder != nil {
		c.recorder.SetEntries(layer, int(n))
	}
}

// SetEntries replaces the entry count with an authoritative value.
func (c *Collector) SetEntries(layer string, n int) {
	c.layer(layer).entries.Store(int64(n))
	if c.recorder != nil {
		c.recorder.SetEntries(layer, n)
	}
}

// LayerStats is a point-in-time copy of one layer's counters.
type LayerStats struct {
	Layer        string    `json:"layer"`
	Hits         int64     `json:"hits"`
	Misses       int64     `json:"misses"`
	Evictions    int64     `json:"evictions"`
	Errors       int64     `json:"errors"`
	Operations   int64     `json:"operations"`
	TotalLatency int64     `json:"total_latency_ns"`
	Entries      int64     `json:"entries"`
	LastHit      time.Time `json:"last_hit,omitempty"`
}

// HitRate returns hits / (hits + misses), or 0 without lookups.
func (s LayerStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// AvgLatency returns the mean latency of all counted operations.
func (s LayerStats) AvgLatency() time.Duration {
	if s.Operations == 0 {
		return 0
	}
	return time.Duration(s.TotalLatency / s.Operations)
}

// Snapshot is a copy of every layer's counters.
type Snapshot struct {
	Layers    map[string]LayerStats `json:"layers"`
	StartedAt time.Time             `json:"started_at"`
	ResetAt   time.Time             `json:"reset_at"`
}

// Total sums all layers.
func (s Snapshot) Total() LayerStats {
	t := LayerStats{Layer: "all"}
	for _, l := range s.Layers {
		t.Hits += l.Hits
		t.Misses += l.Misses
		t.Evictions += l.Evictions
		t.Errors += l.Errors
		t.Operations += l.Operations
		t.TotalLatency += l.TotalLatency
		t.Entries += l.Entries
		if l.LastHit.After(t.LastHit) {
			t.LastHit = l.LastHit
		}
	}
	return t
}

// Names returns the layer names in lexical order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Layers))
	for n := range s.Layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the counters without resetting them.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		Layers:    make(map[string]LayerStats, len(c.layers)),
		StartedAt: c.startedAt,
		ResetAt:   time.Unix(0, c.resetAt.Load()),
	}
	for name, lc := range c.layers {
		ls := LayerStats{
			Layer:        name,
			Hits:         lc.hits.Load(),
			Misses:       lc.misses.Load(),
			Evictions:    lc.evictions.Load(),
			Errors:       lc.errors.Load(),
			Operations:   lc.operations.Load(),
			TotalLatency: lc.latencyNano.Load(),
			Entries:      lc.entries.Load(),
		}
		if ns := lc.lastAccess.Load(); ns != 0 {
			ls.LastHit = time.Unix(0, ns)
		}
		out.Layers[name] = ls
	}
	return out
}

// Reset zeroes the event counters. Entry counts describe storage rather
// than events and are kept.
func (c *Collector) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, lc := range c.layers {
		lc.hits.Store(0)
		lc.misses.Store(0)
		lc.evictions.Store(0)
		lc.errors.Store(0)
		lc.operations.Store(0)
		lc.latencyNano.Store(0)
		lc.lastAccess.Store(0)
	}
	c.resetAt.Store(time.Now().UnixNano())
}
