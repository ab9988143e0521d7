// Package router is the single entry point for cache operations. It picks
// the layer or layers that serve or absorb each request, walks the fallback
// chain, and records per-layer statistics.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/embedding"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/stats"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// DefaultTimeout bounds an operation when neither the caller nor the
// configuration sets one.
const DefaultTimeout = 5 * time.Second

// Layers holds the enabled layer variants. A nil field is a disabled layer.
type Layers struct {
	Predictive *layer.PredictiveLayer
	Semantic   *layer.SemanticLayer
	Vector     *layer.VectorLayer
	Global     *layer.GlobalLayer
	Diary      *layer.DiaryLayer
}

func (ls Layers) byName() map[string]layer.Layer {
	out := make(map[string]layer.Layer, 5)
	if ls.Predictive != nil {
		out[layer.Predictive] = ls.Predictive
	}
	if ls.Semantic != nil {
		out[layer.Semantic] = ls.Semantic
	}
	if ls.Vector != nil {
		out[layer.Vector] = ls.Vector
	}
	if ls.Global != nil {
		out[layer.Global] = ls.Global
	}
	if ls.Diary != nil {
		out[layer.Diary] = ls.Diary
	}
	return out
}

// Config holds routing settings.
type Config struct {
	// FallbackChain is the order layers are consulted without a layer hint.
	// Empty means layer.Names.
	FallbackChain []string

	// Timeout is the default per-operation deadline.
	Timeout time.Duration
}

// Router coordinates the layers. Safe for concurrent use.
type Router struct {
	typed    Layers
	layers   map[string]layer.Layer
	chain    []string
	timeout  time.Duration
	stats    *stats.Collector
	embedder embedding.Provider
	tracer   *telemetry.Provider
	log      *zap.Logger
}

// Option customises a Router.
type Option func(*Router)

// WithStats records every routed operation in c.
func WithStats(c *stats.Collector) Option {
	return func(r *Router) { r.stats = c }
}

// WithEmbedder lets the router turn query text into vectors.
func WithEmbedder(p embedding.Provider) Option {
	return func(r *Router) { r.embedder = p }
}

// WithTracer traces operations with p.
func WithTracer(p *telemetry.Provider) Option {
	return func(r *Router) {
		if p != nil {
			r.tracer = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a router over the enabled layers.
func New(ls Layers, cfg Config, opts ...Option) (*Router, error) {
	layers := ls.byName()
	if len(layers) == 0 {
		return nil, errors.New("router: no layers enabled")
	}

	order := cfg.FallbackChain
	if len(order) == 0 {
		order = layer.Names
	}
	seen := make(map[string]bool, len(order))
	chain := make([]string, 0, len(order))
	for _, name := range order {
		if !layer.Valid(name) {
			return nil, fmt.Errorf("router: unknown layer %q in fallback chain", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("router: layer %q listed twice in fallback chain", name)
		}
		seen[name] = true
		if _, ok := layers[name]; ok {
			chain = append(chain, name)
		}
	}

	if cfg.Timeout < 0 {
		return nil, errors.New("router: timeout must not be negative")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	r := &Router{
		typed:   ls,
		layers:  layers,
		chain:   chain,
		timeout: timeout,
		tracer:  telemetry.Noop(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.stats == nil {
		r.stats = stats.New(nil)
	}
	for name := range layers {
		r.stats.Register(name)
	}
	return r, nil
}

// Chain returns the effective fallback chain.
func (r *Router) Chain() []string {
	out := make([]string, len(r.chain))
	copy(out, r.chain)
	return out
}

// Layer returns an enabled layer by name.
func (r *Router) Layer(name string) (layer.Layer, error) {
	if !layer.Valid(name) {
		return nil, cache.Validationf("unknown layer %q", name)
	}
	l, ok := r.layers[name]
	if !ok {
		return nil, cache.Validationf("layer %q is not enabled", name)
	}
	return l, nil
}

// Layers returns the enabled layers in fallback-chain order, followed by
// any enabled layer left out of the chain.
func (r *Router) Layers() []layer.Layer {
	out := make([]layer.Layer, 0, len(r.layers))
	seen := make(map[string]bool, len(r.layers))
	for _, name := range r.chain {
		out = append(out, r.layers[name])
		seen[name] = true
	}
	for _, name := range layer.Names {
		if l, ok := r.layers[name]; ok && !seen[name] {
			out = append(out, l)
		}
	}
	return out
}

// Collector returns the stats collector the router records into.
func (r *Router) Collector() *stats.Collector {
	return r.stats
}

// Close closes every layer.
func (r *Router) Close() error {
	var errs []error
	for _, l := range r.Layers() {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// begin derives the operation context.
func (r *Router) begin(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if timeout < 0 {
		return nil, nil, cache.Validationf("timeout must not be negative")
	}
	if timeout == 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}

// finish maps an exceeded deadline onto ErrTimeout and attaches op.
func (r *Router) finish(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, cache.ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", cache.ErrTimeout, err)
	}
	return cache.Wrap(op, "", err)
}

// vector resolves a query to an embedding, embedding text when needed.
// It returns nil without error when there is nothing to embed.
func (r *Router) vector(ctx context.Context, text string, emb []float32) ([]float32, error) {
	if len(emb) > 0 {
		return emb, nil
	}
	if text == "" || r.embedder == nil {
		return nil, nil
	}

	ctx, span := r.tracer.StartEmbedding(ctx, r.embedder.ModelName())
	defer span.End()

	v, err := r.embedder.Embed(ctx, text)
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, embedding.ErrEmptyInput) || errors.Is(err, embedding.ErrContextTooLong) {
			return nil, cache.Validationf("embed query: %v", err)
		}
		return nil, cache.Classify(fmt.Errorf("embed query: %w", err))
	}
	return v, nil
}

func (r *Router) record(name, op string, hit bool, err error, d time.Duration) {
	switch {
	case err != nil:
		r.stats.Error(name, d)
	case hit:
		r.stats.Hit(name, op, d)
	default:
		r.stats.Miss(name, op, d)
	}
}
