// Package expiry reclaims expired entries in the background.
//
// The sweeper talks to layers only through their own conditional deletes,
// so it holds no lock shared with foreground reads and writes.
package expiry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Hour

// Target is a layer the sweeper can clean.
type Target interface {
	Name() string
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Observer receives the outcome of each pass, for metrics.
type Observer interface {
	ObserveSweep(layer string, removed int, err error, d time.Duration)
}

// LayerReport is the outcome of one layer in one pass.
type LayerReport struct {
	Layer    string        `json:"layer"`
	Removed  int           `json:"removed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of one pass over every target.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Layers    []LayerReport `json:"layers"`
}

// Removed sums the entries removed across layers.
func (r Report) Removed() int {
	n := 0
	for _, l := range r.Layers {
		n += l.Removed
	}
	return n
}

// Failed reports whether any layer returned an error.
func (r Report) Failed() bool {
	for _, l := range r.Layers {
		if l.Error != "" {
			return true
		}
	}
	return false
}

// Config holds sweeper settings.
type Config struct {
	Interval time.Duration

	// Timeout bounds each layer's pass. Zero means Interval.
	Timeout time.Duration
}

// Sweeper runs SweepOnce on a fixed interval until stopped.
type Sweeper struct {
	targets  []Target
	interval time.Duration
	timeout  time.Duration
	observer Observer
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    Report
	lastSet bool
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithObserver reports each pass to o.
func WithObserver(o Observer) Option {
	return func(s *Sweeper) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper over targets.
func New(cfg Config, targets []Target, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	s := &Sweeper{
		targets:  targets,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepOnce runs one pass. A failing layer is logged and skipped; the next
// pass retries it.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	report := Report{StartedAt: s.now(), Layers: make([]LayerReport, 0, len(s.targets))}

	for _, t := range s.targets {
		if ctx.Err() != nil {
			break
		}
		report.Layers = append(report.Layers, s.sweepLayer(ctx, t))
	}

	s.mu.Lock()
	s.last, s.lastSet = report, true
	s.mu.Unlock()

	if removed := report.Removed(); removed > 0 || report.Failed() {
		s.log.Info("expiry sweep finished",
			zap.Int("removed", removed),
			zap.Bool("failed", report.Failed()),
			zap.Duration("elapsed", time.Since(report.StartedAt)))
	}
	return report
}

func (s *Sweeper) sweepLayer(ctx context.Context, t Target) LayerReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	removed, err := t.SweepExpired(ctx, s.now())
	lr := LayerReport{Layer: t.Name(), Removed: removed, Duration: time.Since(start)}
	if err != nil {
		lr.Error = err.Error()
		s.log.Warn("expiry sweep failed",
			zap.String("layer", t.Name()),
			zap.Int("removed", removed),
			zap.Error(err))
	} else if removed > 0 {
		s.log.Debug("expired entries removed",
			zap.String("layer", t.Name()),
			zap.Int("removed", removed))
	}
	if s.observer != nil {
		s.observer.ObserveSweep(t.Name(), removed, err, lr.Duration)
	}
	return lr
}

// Start launches the periodic loop. It returns immediately; the loop ends
// when ctx is cancelled or Stop is called. Starting twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("layers", len(s.targets)))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Last returns the most recent report, if a pass has run.
func (s *Sweeper) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastSet
}
