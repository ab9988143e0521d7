package router

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/stats"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// DeleteResult lists the layers that held the key.
type DeleteResult struct {
	Deleted bool     `json:"deleted"`
	Layers  []string `json:"layers"`
}

// Delete removes key from name, or from every enabled layer when name is
// empty. Layers are independent: deleting from one never touches another.
func (r *Router) Delete(ctx context.Context, key, name string, timeout time.Duration) (DeleteResult, error) {
	ctx, cancel, err := r.begin(ctx, timeout)
	if err != nil {
		return DeleteResult{}, err
	}
	defer cancel()

	ctx, span := r.tracer.StartOperation(ctx, "delete", name)
	defer span.End()

	targets, err := r.targets(name)
	if err != nil {
		return DeleteResult{}, err
	}

	removed := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range targets {
		g.Go(func() error {
			start := time.Now()
			ok, err := l.Delete(gctx, key)
			if err != nil {
				r.stats.Error(l.Name(), time.Since(start))
				return err
			}
			r.stats.Op(l.Name(), time.Since(start))
			removed[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = r.finish(ctx, "delete", err)
		telemetry.RecordError(span, err)
		return DeleteResult{}, err
	}

	res := DeleteResult{Layers: []string{}}
	for i, ok := range removed {
		if ok {
			res.Deleted = true
			res.Layers = append(res.Layers, targets[i].Name())
		}
	}
	return res, nil
}

// Clear empties name, or every enabled layer when name is empty, and
// returns the removed count per layer.
func (r *Router) Clear(ctx context.Context, name string, timeout time.Duration) (map[string]int, error) {
	ctx, cancel, err := r.begin(ctx, timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	ctx, span := r.tracer.StartOperation(ctx, "clear", name)
	defer span.End()

	targets, err := r.targets(name)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(map[string]int, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range targets {
		g.Go(func() error {
			start := time.Now()
			n, err := l.Clear(gctx)
			if err != nil {
				r.stats.Error(l.Name(), time.Since(start))
				return err
			}
			r.stats.Op(l.Name(), time.Since(start))
			mu.Lock()
			out[l.Name()] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = r.finish(ctx, "clear", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

func (r *Router) targets(name string) ([]layer.Layer, error) {
	if name == "" {
		return r.Layers(), nil
	}
	l, err := r.Layer(name)
	if err != nil {
		return nil, err
	}
	return []layer.Layer{l}, nil
}

// LayerReport joins the storage view of a layer with its counters.
type LayerReport struct {
	Storage  layer.Stats      `json:"storage"`
	Counters stats.LayerStats `json:"counters"`
	HitRate  float64          `json:"hit_rate"`
}

// StatsReport is the result of cache_stats.
type StatsReport struct {
	Layers  map[string]LayerReport `json:"layers"`
	Chain   []string               `json:"fallback_chain"`
	Totals  stats.LayerStats       `json:"totals"`
	HitRate float64                `json:"hit_rate"`
}

// Stats scans every enabled layer and joins the result with the counters.
func (r *Router) Stats(ctx context.Context) (StatsReport, error) {
	ctx, cancel, err := r.begin(ctx, 0)
	if err != nil {
		return StatsReport{}, err
	}
	defer cancel()

	ctx, span := r.tracer.StartOperation(ctx, "stats", "")
	defer span.End()

	targets := r.Layers()
	storage := make([]layer.Stats, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range targets {
		g.Go(func() error {
			st, err := l.Stats(gctx)
			if err != nil {
				return err
			}
			storage[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = r.finish(ctx, "stats", err)
		telemetry.RecordError(span, err)
		return StatsReport{}, err
	}

	snap := r.stats.Snapshot()
	report := StatsReport{
		Layers: make(map[string]LayerReport, len(targets)),
		Chain:  r.Chain(),
		Totals: snap.Total(),
	}
	report.HitRate = report.Totals.HitRate()
	for i, l := range targets {
		c := snap.Layers[l.Name()]
		report.Layers[l.Name()] = LayerReport{Storage: storage[i], Counters: c, HitRate: c.HitRate()}
	}
	return report, nil
}

// LayerPerformance is the per-layer part of cache_performance.
type LayerPerformance struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Evictions    int64   `json:"evictions"`
	Errors       int64   `json:"errors"`
	Operations   int64   `json:"operations"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Entries      int64   `json:"entries"`
}

// PerformanceReport is the result of cache_performance. It reads counters
// only and never touches storage.
type PerformanceReport struct {
	Layers        map[string]LayerPerformance `json:"layers"`
	Overall       LayerPerformance            `json:"overall"`
	UptimeSeconds float64                     `json:"uptime_seconds"`
	SinceReset    float64                     `json:"seconds_since_reset"`
}

func performanceOf(s stats.LayerStats) LayerPerformance {
	return LayerPerformance{
		Hits:         s.Hits,
		Misses:       s.Misses,
		HitRate:      s.HitRate(),
		Evictions:    s.Evictions,
		Errors:       s.Errors,
		Operations:   s.Operations,
		AvgLatencyMs: float64(s.AvgLatency()) / float64(time.Millisecond),
		Entries:      s.Entries,
	}
}

// Performance summarises the counters.
func (r *Router) Performance() PerformanceReport {
	snap := r.stats.Snapshot()
	out := PerformanceReport{
		Layers:        make(map[string]LayerPerformance, len(snap.Layers)),
		Overall:       performanceOf(snap.Total()),
		UptimeSeconds: time.Since(snap.StartedAt).Seconds(),
		SinceReset:    time.Since(snap.ResetAt).Seconds(),
	}
	for name, s := range snap.Layers {
		out.Layers[name] = performanceOf(s)
	}
	return out
}

// ClearStats zeroes the counters. It is the only way they are reset.
func (r *Router) ClearStats() {
	r.stats.Reset()
}
