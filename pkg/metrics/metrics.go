// Package metrics provides Prometheus instrumentation for ctxcache.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for ctxcache.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	CacheOperations *prometheus.CounterVec
	CacheLatency    *prometheus.HistogramVec
	Evictions       *prometheus.CounterVec
	Entries         *prometheus.GaugeVec

	SweepRuns    *prometheus.CounterVec
	SweepRemoved *prometheus.CounterVec

	ImportRecords *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates and registers all ctxcache metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcache_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxcache_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctxcache_active_requests",
				Help: "Number of requests currently being processed.",
			},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcache_lookups_total",
				Help: "Cache lookups by layer, operation and result (hit/miss).",
			},
			[]string{"layer", "op", "result"},
		),
		CacheLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxcache_lookup_duration_seconds",
				Help:    "Cache lookup latency by layer.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"layer"},
		),
		Evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcache_evictions_total",
				Help: "Entries evicted by the size cap, per layer.",
			},
			[]string{"layer"},
		),
		Entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxcache_entries",
				Help: "Stored entries per layer, expired rows not yet reclaimed included.",
			},
			[]string{"layer"},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcache_sweeps_total",
				Help: "Expiry sweep passes by layer and outcome.",
			},
			[]string{"layer", "outcome"},
		),
		SweepRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcache_sweep_removed_total",
				Help: "Expired entries removed by the sweeper, per layer.",
			},
			[]string{"layer"},
		),
		ImportRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcache_import_records_total",
				Help: "Records processed by bulk import, by layer and outcome.",
			},
			[]string{"layer", "outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxcache_backend_breaker_state",
				Help: "Remote backend circuit breaker state (0 closed, 1 half-open, 2 open).",
			},
			[]string{"backend"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheOperations,
		m.CacheLatency,
		m.Evictions,
		m.Entries,
		m.SweepRuns,
		m.SweepRemoved,
		m.ImportRecords,
		m.BreakerState,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordLookup implements stats.Recorder.
func (m *Metrics) RecordLookup(layer, op string, hit bool, d time.Duration) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheOperations.WithLabelValues(layer, op, result).Inc()
	m.CacheLatency.WithLabelValues(layer).Observe(d.Seconds())
}

// RecordEviction implements stats.Recorder.
func (m *Metrics) RecordEviction(layer string, n int) {
	m.Evictions.WithLabelValues(layer).Add(float64(n))
}

// SetEntries implements stats.Recorder.
func (m *Metrics) SetEntries(layer string, n int) {
	m.Entries.WithLabelValues(layer).Set(float64(n))
}

// ObserveSweep implements expiry.Observer.
func (m *Metrics) ObserveSweep(layer string, removed int, err error, _ time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SweepRuns.WithLabelValues(layer, outcome).Inc()
	if removed > 0 {
		m.SweepRemoved.WithLabelValues(layer).Add(float64(removed))
	}
}

// RecordImport counts imported and failed records.
func (m *Metrics) RecordImport(layer string, imported, failed int) {
	if imported > 0 {
		m.ImportRecords.WithLabelValues(layer, "imported").Add(float64(imported))
	}
	if failed > 0 {
		m.ImportRecords.WithLabelValues(layer, "failed").Add(float64(failed))
	}
}

// SetBreakerState records a breaker transition. Unknown states are
// reported as open.
func (m *Metrics) SetBreakerState(backend, state string) {
	v := 2.0
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	}
	m.BreakerState.WithLabelValues(backend).Set(v)
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Flush lets SSE handlers stream through the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
