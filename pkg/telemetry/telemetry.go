// Package telemetry provides OpenTelemetry distributed tracing for ctxcache.
// It instruments routed cache operations, per-layer calls, expiry sweeps and
// bulk imports, supports W3C Trace Context propagation, and exports to OTLP
// or stderr.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

const tracerName = "github.com/Siddhant-K-code/ctxcache"

// Version is reported as service.version.
var Version = "0.1.0"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	// The stdout exporter writes to stderr so the MCP stdio transport
	// keeps its channel.
	Exporter string `yaml:"exporter" mapstructure:"exporter"`

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`

	// ServiceName overrides the default service name.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool `yaml:"insecure" mapstructure:"insecure"`
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "ctxcache",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes ctxcache span helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Noop returns a provider whose spans record nothing.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// Init builds the exporter named in cfg and installs the provider as the
// global one. Disabled tracing, or exporter "none", yields Noop.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil || exporter == nil {
		return Noop(), err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	p := newProvider(cfg, sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// NewWithExporter builds a provider that hands every span to exporter as
// soon as it ends. It does not touch the global provider.
func NewWithExporter(cfg Config, exporter sdktrace.SpanExporter) *Provider {
	return newProvider(cfg, sdktrace.WithSyncer(exporter))
}

func newProvider(cfg Config, opts ...sdktrace.TracerProviderOption) *Provider {
	opts = append(opts, sdktrace.WithSampler(sampler(cfg.SampleRate)))
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}
}

// sampler respects the parent decision so a traced HTTP caller keeps its
// whole trace.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q (use otlp, stdout or none)", cfg.Exporter)
	}
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the ctxcache tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers ---

// StartRequest creates a root span for an incoming HTTP request or tool call.
func (p *Provider) StartRequest(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ctxcache.request",
		trace.WithAttributes(attribute.String("ctxcache.endpoint", endpoint)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartOperation creates a span for a routed operation. layer is empty when
// the router chooses.
func (p *Provider) StartOperation(ctx context.Context, op, layer string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ctxcache.router."+op,
		trace.WithAttributes(
			attribute.String("ctxcache.op", op),
			attribute.String("ctxcache.layer.requested", layer),
		),
	)
}

// StartLayer creates a span for one layer consulted by the router.
func (p *Provider) StartLayer(ctx context.Context, layer, op string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ctxcache.layer."+op,
		trace.WithAttributes(
			attribute.String("ctxcache.layer", layer),
			attribute.String("ctxcache.op", op),
		),
	)
}

// StartEmbedding creates a span for turning query text into a vector.
func (p *Provider) StartEmbedding(ctx context.Context, model string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ctxcache.embedding",
		trace.WithAttributes(attribute.String("ctxcache.embedding.model", model)),
	)
}

// StartSweep creates a span for an expiry pass.
func (p *Provider) StartSweep(ctx context.Context, layers int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ctxcache.sweep",
		trace.WithAttributes(attribute.Int("ctxcache.sweep.layers", layers)),
	)
}

// StartImport creates a span for a bulk import into layer.
func (p *Provider) StartImport(ctx context.Context, layer string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ctxcache.import",
		trace.WithAttributes(attribute.String("ctxcache.layer", layer)),
	)
}

// RecordLookup adds the outcome of a lookup to a span.
func RecordLookup(span trace.Span, servedBy string, hit bool, results int, latency time.Duration) {
	span.SetAttributes(
		attribute.Bool("ctxcache.hit", hit),
		attribute.String("ctxcache.served_by", servedBy),
		attribute.Int("ctxcache.results", results),
		attribute.Int64("ctxcache.latency_us", latency.Microseconds()),
	)
}

// RecordError records err on span with its kind. Misses are expected
// outcomes and leave the span status unset.
func RecordError(span trace.Span, err error) {
	kind := cache.KindOf(err)
	span.RecordError(err)
	span.SetAttributes(attribute.String("ctxcache.error.kind", string(kind)))
	if kind == cache.KindNotFound {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
