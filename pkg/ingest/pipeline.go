// Package ingest bulk-loads cache entries through the router.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/router"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// maxReportedErrors bounds Stats.Errors.
const maxReportedErrors = 20

// Writer absorbs one entry. *router.Router satisfies it.
type Writer interface {
	Set(ctx context.Context, req router.SetRequest) (layer.Written, error)
}

// Recorder receives the outcome of a finished import.
type Recorder interface {
	RecordImport(layer string, imported, failed int)
}

// Config holds ingestion pipeline configuration.
type Config struct {
	// Layer is written when a record names none. Empty lets the router
	// pick by payload shape.
	Layer string

	// Intent is applied to records without one.
	Intent string

	// BatchSize is the number of records per worker task.
	BatchSize int

	// Workers is the worker pool size.
	Workers int

	// ChannelBuffer is the buffer between the reader and the batcher.
	ChannelBuffer int

	// MaxRetries bounds retries of the records in a batch that failed with
	// a retryable error.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ProgressInterval is how often the progress callback fires.
	ProgressInterval time.Duration
}

// DefaultConfig returns sensible defaults for ingestion.
func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		Workers:          runtime.NumCPU() * 2,
		ChannelBuffer:    1000,
		MaxRetries:       5,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// RecordError describes one record that could not be imported.
type RecordError struct {
	Key     string     `json:"key,omitempty"`
	Line    int        `json:"line,omitempty"`
	Kind    cache.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Stats tracks ingestion progress.
type Stats struct {
	Total    int64         `json:"total"`
	Imported int64         `json:"imported"`
	Created  int64         `json:"created"`
	Failed   int64         `json:"failed"`
	Retried  int64         `json:"retried"`
	Batches  int64         `json:"batches"`
	Errors   []RecordError `json:"errors,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Duration returns the total processing duration.
func (s Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// RecordsPerSecond returns the throughput.
func (s Stats) RecordsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.Imported) / d
}

// ProgressCallback is called periodically with current stats.
type ProgressCallback func(stats Stats)

// Pipeline orchestrates reading, batching and writing records. A Pipeline
// runs one import at a time.
type Pipeline struct {
	cfg      Config
	writer   Writer
	recorder Recorder
	tracer   *telemetry.Provider
	log      *zap.Logger

	total, imported, created, failed, retried, batches atomic.Int64

	mu     sync.Mutex
	errs   []RecordError
	start  time.Time
	finish time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithRecorder reports each finished import to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithTracer traces imports with t.
func WithTracer(t *telemetry.Provider) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(w Writer, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = def.ChannelBuffer
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}

	p := &Pipeline{
		cfg:    cfg,
		writer: w,
		tracer: telemetry.Noop(),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) reset() {
	p.total.Store(0)
	p.imported.Store(0)
	p.created.Store(0)
	p.failed.Store(0)
	p.retried.Store(0)
	p.batches.Store(0)
	p.mu.Lock()
	p.errs = nil
	p.start = time.Now()
	p.finish = time.Time{}
	p.mu.Unlock()
}

// Run imports every record src yields. It returns the final stats together
// with the first source or pool error; per-record failures are counted in
// Stats, not returned.
func (p *Pipeline) Run(ctx context.Context, src Source, progress ProgressCallback) (Stats, error) {
	p.reset()

	label := p.cfg.Layer
	if label == "" {
		label = "auto"
	}
	ctx, span := p.tracer.StartImport(ctx, label)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := ants.NewPool(p.cfg.Workers, ants.WithPanicHandler(func(v any) {
		p.log.Error("import worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return p.Stats(), fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	// Stage 1: reader
	recordCh := make(chan Record, p.cfg.ChannelBuffer)
	readErr := make(chan error, 1)
	go func() {
		defer close(recordCh)
		readErr <- src.Records(ctx, func(r Record) error {
			p.total.Add(1)
			select {
			case recordCh <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(r Record, err error) {
			p.total.Add(1)
			p.reject(r, err)
		})
	}()

	done := make(chan struct{})
	if progress != nil {
		go func() {
			ticker := time.NewTicker(p.cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					progress(p.Stats())
				}
			}
		}()
	}

	// Stage 2: batcher, feeding stage 3 through the pool.
	var wg sync.WaitGroup
	var runErr error
	submit := func(batch []Record) {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			p.writeBatch(ctx, batch)
		}); err != nil {
			wg.Done()
			runErr = fmt.Errorf("submit batch: %w", err)
			cancel()
		}
	}

	batch := make([]Record, 0, p.cfg.BatchSize)
	for r := range recordCh {
		if runErr != nil {
			continue
		}
		batch = append(batch, r)
		if len(batch) >= p.cfg.BatchSize {
			submit(batch)
			batch = make([]Record, 0, p.cfg.BatchSize)
		}
	}
	if len(batch) > 0 && runErr == nil {
		submit(batch)
	}
	wg.Wait()
	close(done)

	p.mu.Lock()
	p.finish = time.Now()
	p.mu.Unlock()

	if err := <-readErr; err != nil && runErr == nil {
		runErr = err
	}
	stats := p.Stats()
	if progress != nil {
		progress(stats)
	}
	if p.recorder != nil {
		p.recorder.RecordImport(label, int(stats.Imported), int(stats.Failed))
	}
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		p.log.Warn("import stopped early", zap.String("layer", label), zap.Error(runErr))
	} else {
		p.log.Info("import finished",
			zap.String("layer", label),
			zap.Int64("imported", stats.Imported),
			zap.Int64("failed", stats.Failed),
			zap.Duration("took", stats.Duration()))
	}
	return stats, runErr
}

// writeBatch writes every record of batch. Records that fail with a
// retryable error are retried with exponential backoff; the rest fail
// immediately.
func (p *Pipeline) writeBatch(ctx context.Context, batch []Record) {
	defer p.batches.Add(1)

	pending := batch
	attempt := 0
	op := func() error {
		if attempt > 0 {
			p.retried.Add(int64(len(pending)))
		}
		attempt++

		var retry []Record
		var last error
		for i, r := range pending {
			if err := ctx.Err(); err != nil {
				pending = append(retry, pending[i:]...)
				return backoff.Permanent(err)
			}
			w, err := p.writer.Set(ctx, p.request(r))
			switch {
			case err == nil:
				p.imported.Add(1)
				if w.Created {
					p.created.Add(1)
				}
			case cache.IsRetryable(err):
				retry = append(retry, r)
				last = err
			default:
				p.reject(r, err)
			}
		}
		pending = retry
		return last
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries)), ctx))
	if err == nil {
		return
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	for _, r := range pending {
		p.reject(r, err)
	}
}

func (p *Pipeline) request(r Record) router.SetRequest {
	req := r.SetRequest()
	if req.Layer == "" {
		req.Layer = p.cfg.Layer
	}
	if req.Intent == "" && req.Layer == "" {
		req.Intent = p.cfg.Intent
	}
	return req
}

// reject counts r as failed and remembers the first few reasons.
func (p *Pipeline) reject(r Record, err error) {
	p.failed.Add(1)
	p.log.Debug("import record rejected",
		zap.String("key", r.Key), zap.Int("line", r.Line), zap.Error(err))

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) < maxReportedErrors {
		p.errs = append(p.errs, RecordError{
			Key:     r.Key,
			Line:    r.Line,
			Kind:    cache.KindOf(err),
			Message: err.Error(),
		})
	}
}

// Stats returns current statistics.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	errs := append([]RecordError(nil), p.errs...)
	start, finish := p.start, p.finish
	p.mu.Unlock()

	return Stats{
		Total:     p.total.Load(),
		Imported:  p.imported.Load(),
		Created:   p.created.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Batches:   p.batches.Load(),
		Errors:    errs,
		StartTime: start,
		EndTime:   finish,
	}
}
