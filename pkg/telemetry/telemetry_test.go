package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

func recording(t *testing.T) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	p := NewWithExporter(DefaultConfig(), exp)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exp
}

func attrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestInit(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		exporter string
		wantSDK  bool
		wantErr  bool
	}{
		{"disabled", false, "otlp", false, false},
		{"none", true, "none", false, false},
		{"stdout", true, "stdout", true, false},
		{"unknown", true, "zipkin", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Enabled = tt.enabled
			cfg.Exporter = tt.exporter

			p, err := Init(context.Background(), cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = p.Shutdown(context.Background()) }()

			assert.NotNil(t, p.Tracer())
			assert.Equal(t, tt.wantSDK, p.tp != nil)
		})
	}
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestNoop(t *testing.T) {
	p := Noop()
	_, span := p.StartOperation(context.Background(), "get", "")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpanNames(t *testing.T) {
	p, exp := recording(t)
	ctx := context.Background()

	starts := []func() (context.Context, trace.Span){
		func() (context.Context, trace.Span) { return p.StartRequest(ctx, "/v1/cache/get") },
		func() (context.Context, trace.Span) { return p.StartOperation(ctx, "search", "vector") },
		func() (context.Context, trace.Span) { return p.StartLayer(ctx, "semantic", "get") },
		func() (context.Context, trace.Span) { return p.StartEmbedding(ctx, "hash-bow") },
		func() (context.Context, trace.Span) { return p.StartSweep(ctx, 5) },
		func() (context.Context, trace.Span) { return p.StartImport(ctx, "global") },
	}
	for _, start := range starts {
		_, span := start()
		span.End()
	}

	var names []string
	for _, s := range exp.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"ctxcache.request",
		"ctxcache.router.search",
		"ctxcache.layer.get",
		"ctxcache.embedding",
		"ctxcache.sweep",
		"ctxcache.import",
	}, names)

	spans := exp.GetSpans()
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind)
	assert.Equal(t, "vector", attrs(spans[1])["ctxcache.layer.requested"].AsString())
	assert.Equal(t, int64(5), attrs(spans[4])["ctxcache.sweep.layers"].AsInt64())
}

func TestChildSpans(t *testing.T) {
	p, exp := recording(t)

	ctx, parent := p.StartOperation(context.Background(), "get", "")
	_, child := p.StartLayer(ctx, "predictive", "get")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestRecordLookup(t *testing.T) {
	p, exp := recording(t)

	_, span := p.StartOperation(context.Background(), "get", "")
	RecordLookup(span, "semantic", true, 1, 1500*time.Microsecond)
	span.End()

	a := attrs(exp.GetSpans()[0])
	assert.True(t, a["ctxcache.hit"].AsBool())
	assert.Equal(t, "semantic", a["ctxcache.served_by"].AsString())
	assert.Equal(t, int64(1500), a["ctxcache.latency_us"].AsInt64())
}

func TestRecordError(t *testing.T) {
	p, exp := recording(t)
	ctx := context.Background()

	_, span := p.StartRequest(ctx, "/v1/cache/set")
	RecordError(span, cache.Unavailable(errors.New("redis: connection refused")))
	span.End()

	_, span = p.StartRequest(ctx, "/v1/cache/get")
	RecordError(span, cache.ErrNotFound)
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "storage_unavailable", attrs(spans[0])["ctxcache.error.kind"].AsString())
	assert.Len(t, spans[0].Events, 1)

	assert.Equal(t, codes.Unset, spans[1].Status.Code, "misses are not failures")
	assert.Equal(t, "not_found", attrs(spans[1])["ctxcache.error.kind"].AsString())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "otlp", cfg.Exporter)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, "ctxcache", cfg.ServiceName)
}
