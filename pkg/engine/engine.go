// Package engine assembles a running cache from configuration: backends,
// layers, the embedding provider, the router, the expiry sweeper, metrics
// and tracing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/cache/pinecone"
	"github.com/Siddhant-K-code/ctxcache/pkg/cache/postgres"
	"github.com/Siddhant-K-code/ctxcache/pkg/cache/qdrant"
	"github.com/Siddhant-K-code/ctxcache/pkg/config"
	"github.com/Siddhant-K-code/ctxcache/pkg/embedding"
	"github.com/Siddhant-K-code/ctxcache/pkg/embedding/openai"
	"github.com/Siddhant-K-code/ctxcache/pkg/expiry"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/metrics"
	"github.com/Siddhant-K-code/ctxcache/pkg/router"
	"github.com/Siddhant-K-code/ctxcache/pkg/stats"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

const connectTimeout = 15 * time.Second

// Engine is a wired cache.
type Engine struct {
	Config   *config.Config
	Router   *router.Router
	Sweeper  *expiry.Sweeper
	Metrics  *metrics.Metrics
	Tracer   *telemetry.Provider
	Embedder embedding.Provider
	Stats    *stats.Collector

	log *zap.Logger
}

// Opener opens the backend for one layer. Tests replace it to avoid
// network backends.
type Opener func(ctx context.Context, cfg *config.Config, name string, lc config.LayerConfig, log *zap.Logger) (cache.Backend, error)

// Option customises Build.
type Option func(*options)

type options struct {
	opener   Opener
	embedder embedding.Provider
	tracing  bool
}

// WithOpener replaces the default backend opener.
func WithOpener(o Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithEmbedder uses p instead of the configured provider.
func WithEmbedder(p embedding.Provider) Option {
	return func(opts *options) { opts.embedder = p }
}

// WithoutTracing skips tracer setup, for short-lived commands.
func WithoutTracing() Option {
	return func(opts *options) { opts.tracing = false }
}

// Build opens every enabled layer and wires the router around them. On
// error, whatever was opened is closed again.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{opener: OpenBackend, tracing: true}
	for _, fn := range opts {
		fn(&o)
	}

	e := &Engine{
		Config:  cfg,
		Metrics: metrics.New(),
		Tracer:  telemetry.Noop(),
		log:     log,
	}
	e.Stats = stats.New(e.Metrics)

	if o.tracing && cfg.Telemetry.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     true,
			Exporter:    cfg.Telemetry.Tracing.Exporter,
			Endpoint:    cfg.Telemetry.Tracing.Endpoint,
			SampleRate:  cfg.Telemetry.Tracing.SampleRate,
			ServiceName: "ctxcache",
			Insecure:    cfg.Telemetry.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		e.Tracer = tp
	}

	e.Embedder = o.embedder
	if e.Embedder == nil {
		p, err := NewEmbedder(cfg.Embedding)
		if err != nil {
			_ = e.Tracer.Shutdown(ctx)
			return nil, err
		}
		e.Embedder = p
	}

	ls, err := e.openLayers(ctx, o.opener)
	if err != nil {
		_ = e.Tracer.Shutdown(ctx)
		return nil, err
	}

	var ropts []router.Option
	ropts = append(ropts,
		router.WithStats(e.Stats),
		router.WithTracer(e.Tracer),
		router.WithLogger(log.Named("router")),
	)
	if e.Embedder != nil {
		ropts = append(ropts, router.WithEmbedder(e.Embedder))
	}
	r, err := router.New(ls, router.Config{
		FallbackChain: cfg.Router.FallbackChain,
		Timeout:       cfg.Router.Timeout,
	}, ropts...)
	if err != nil {
		closeLayers(ls)
		_ = e.Tracer.Shutdown(ctx)
		return nil, err
	}
	e.Router = r

	targets := make([]expiry.Target, 0, 5)
	for _, l := range r.Layers() {
		targets = append(targets, l)
	}
	e.Sweeper = expiry.New(expiry.Config{
		Interval: cfg.Expiry.Interval,
		Timeout:  cfg.Expiry.Timeout,
	}, targets, expiry.WithObserver(e.Metrics), expiry.WithLogger(log.Named("expiry")))

	log.Info("cache engine ready",
		zap.Strings("layers", cfg.Layers.Enabled()),
		zap.Strings("fallback_chain", r.Chain()),
		zap.Bool("embeddings", e.Embedder != nil))
	return e, nil
}

func (e *Engine) openLayers(ctx context.Context, open Opener) (router.Layers, error) {
	var ls router.Layers
	for _, name := range e.Config.Layers.Enabled() {
		lc, _ := e.Config.Layers.Get(name)

		backend, err := open(ctx, e.Config, name, *lc, e.log)
		if err != nil {
			closeLayers(ls)
			return router.Layers{}, fmt.Errorf("open %s backend (%s): %w", name, lc.Backend, err)
		}

		if br, ok := backend.(*cache.Breaker); ok {
			br.Observe(e.Metrics.SetBreakerState)
		}

		if err := e.addLayer(&ls, name, *lc, backend); err != nil {
			_ = backend.Close()
			closeLayers(ls)
			return router.Layers{}, fmt.Errorf("configure %s layer: %w", name, err)
		}
	}
	return ls, nil
}

func (e *Engine) addLayer(ls *router.Layers, name string, lc config.LayerConfig, backend cache.Backend) error {
	caps, _ := layer.CapabilitiesOf(name)
	opts := layer.Options{
		Name:        name,
		BackendName: lc.Backend,
		DefaultTTL:  lc.TTL(),
		MaxSize:     lc.MaxCacheSize,
		Eviction:    lc.Eviction,
		Dimension:   lc.EmbeddingDimensionality,
		HalfLife:    lc.ImportanceHalfLife,
		Stats:       e.Stats,
		Logger:      e.log.Named("layer"),
	}
	if caps.Searchable {
		threshold := lc.SimilarityThreshold
		opts.Threshold = &threshold
	}

	var err error
	switch name {
	case layer.Predictive:
		ls.Predictive, err = layer.NewPredictive(backend, opts)
	case layer.Semantic:
		ls.Semantic, err = layer.NewSemantic(backend, opts)
	case layer.Vector:
		lambda := lc.MMRLambda
		opts.MMRLambda = &lambda
		ls.Vector, err = layer.NewVector(backend, opts)
	case layer.Global:
		ls.Global, err = layer.NewGlobal(backend, opts)
	case layer.Diary:
		ls.Diary, err = layer.NewDiary(backend, opts)
	default:
		err = fmt.Errorf("unknown layer %q", name)
	}
	return err
}

func closeLayers(ls router.Layers) {
	if ls.Predictive != nil {
		_ = ls.Predictive.Close()
	}
	if ls.Semantic != nil {
		_ = ls.Semantic.Close()
	}
	if ls.Vector != nil {
		_ = ls.Vector.Close()
	}
	if ls.Global != nil {
		_ = ls.Global.Close()
	}
	if ls.Diary != nil {
		_ = ls.Diary.Close()
	}
}

// OpenBackend opens the backend configured for a layer. Remote backends
// are wrapped in a circuit breaker.
func OpenBackend(ctx context.Context, cfg *config.Config, name string, lc config.LayerConfig, log *zap.Logger) (cache.Backend, error) {
	if lc.Backend == config.BackendMemory || lc.Backend == "" {
		return cache.NewMemory(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var (
		b   cache.Backend
		err error
	)
	switch lc.Backend {
	case config.BackendRedis:
		b, err = cache.OpenRedis(ctx, cache.RedisConfig{
			URL:          cfg.Redis.URL,
			Password:     cfg.Redis.Password,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, name)
	case config.BackendPostgres:
		b, err = postgres.Open(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			TablePrefix:  cfg.Postgres.TablePrefix,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
			AutoMigrate:  cfg.Postgres.AutoMigrate,
		}, name)
	case config.BackendQdrant:
		qc := qdrant.DefaultConfig()
		qc.Host = cfg.Qdrant.Host
		qc.GRPCPort = cfg.Qdrant.GRPCPort
		qc.APIKey = cfg.Qdrant.APIKey
		qc.UseTLS = cfg.Qdrant.UseTLS
		qc.Collection = cfg.Qdrant.Collection
		qc.Dimension = lc.EmbeddingDimensionality
		b, err = qdrant.Open(ctx, qc, name)
	case config.BackendPinecone:
		b, err = OpenPinecone(ctx, cfg.Pinecone, name)
	default:
		return nil, fmt.Errorf("unsupported backend %q", lc.Backend)
	}
	if err != nil {
		return nil, err
	}

	return cache.NewBreaker(b, lc.Backend+"/"+name, cache.BreakerConfig{
		MaxRequests:         cfg.Breaker.MaxRequests,
		Interval:            cfg.Breaker.Interval,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
	}, log), nil
}

// OpenPinecone opens the Pinecone namespace of a layer, or an arbitrary
// namespace when name is prefixed with "ns:".
func OpenPinecone(ctx context.Context, pc config.PineconeConfig, name string) (*pinecone.Store, error) {
	c := pinecone.DefaultConfig()
	c.APIKey = pc.APIKey
	c.IndexName = pc.Index
	if pc.NamespacePrefix != "" {
		c.NamespacePrefix = pc.NamespacePrefix
	}
	if ns, ok := strings.CutPrefix(name, "ns:"); ok {
		return pinecone.Open(ctx, c, ns)
	}
	return pinecone.OpenLayer(ctx, c, name)
}

// NewEmbedder builds the configured provider, memoised in an LRU. It
// returns nil when no provider is configured.
func NewEmbedder(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	var p embedding.Provider
	switch cfg.Provider {
	case "":
		return nil, nil
	case "hash":
		p = embedding.NewHashProvider(cfg.Dimensions)
	case "openai":
		c, err := openai.NewClient(openai.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding provider: %w", err)
		}
		p = c
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return embedding.NewCachedProvider(p, cfg.CacheSize), nil
	}
	return p, nil
}

// Log returns the engine's logger.
func (e *Engine) Log() *zap.Logger { return e.log }

// Start runs the expiry sweeper when enabled.
func (e *Engine) Start(ctx context.Context) {
	if e.Config.Expiry.Enabled {
		e.Sweeper.Start(ctx)
	}
}

// Close stops the sweeper, closes every layer and flushes traces.
func (e *Engine) Close(ctx context.Context) error {
	e.Sweeper.Stop()
	var errs []error
	if err := e.Router.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	_ = e.log.Sync()
	return errors.Join(errs...)
}
