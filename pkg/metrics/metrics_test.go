package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry is nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/cache/get", 200, 50*time.Millisecond)
	m.RecordRequest("/v1/cache/get", 200, 100*time.Millisecond)
	m.RecordRequest("/v1/cache/get", 400, 5*time.Millisecond)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/cache/get", "status", "200")
	if val != 2 {
		t.Errorf("expected 2 requests with status 200, got %f", val)
	}

	val = counterValue(t, m.RequestsTotal, "endpoint", "/v1/cache/get", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestRecordLookup(t *testing.T) {
	m := New()
	m.RecordLookup("semantic", "get", true, time.Millisecond)
	m.RecordLookup("semantic", "get", false, time.Millisecond)
	m.RecordLookup("semantic", "get", false, time.Millisecond)

	if got := counterValue(t, m.CacheOperations, "layer", "semantic", "op", "get", "result", "hit"); got != 1 {
		t.Errorf("expected 1 hit, got %f", got)
	}
	if got := counterValue(t, m.CacheOperations, "layer", "semantic", "op", "get", "result", "miss"); got != 2 {
		t.Errorf("expected 2 misses, got %f", got)
	}
}

func TestRecordEvictionAndEntries(t *testing.T) {
	m := New()
	m.RecordEviction("vector", 3)
	m.SetEntries("vector", 42)

	if got := counterValue(t, m.Evictions, "layer", "vector"); got != 3 {
		t.Errorf("expected 3 evictions, got %f", got)
	}

	g, err := m.Entries.GetMetricWithLabelValues("vector")
	if err != nil {
		t.Fatalf("failed to get gauge: %v", err)
	}
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 42 {
		t.Errorf("expected 42 entries, got %f", metric.GetGauge().GetValue())
	}
}

func TestObserveSweep(t *testing.T) {
	m := New()
	m.ObserveSweep("diary", 5, nil, time.Second)
	m.ObserveSweep("diary", 0, errors.New("connection refused"), time.Second)

	if got := counterValue(t, m.SweepRuns, "layer", "diary", "outcome", "ok"); got != 1 {
		t.Errorf("expected 1 ok sweep, got %f", got)
	}
	if got := counterValue(t, m.SweepRuns, "layer", "diary", "outcome", "error"); got != 1 {
		t.Errorf("expected 1 failed sweep, got %f", got)
	}
	if got := counterValue(t, m.SweepRemoved, "layer", "diary"); got != 5 {
		t.Errorf("expected 5 removed, got %f", got)
	}
}

func TestRecordImport(t *testing.T) {
	m := New()
	m.RecordImport("global", 10, 2)
	m.RecordImport("global", 0, 0)

	if got := counterValue(t, m.ImportRecords, "layer", "global", "outcome", "imported"); got != 10 {
		t.Errorf("expected 10 imported, got %f", got)
	}
	if got := counterValue(t, m.ImportRecords, "layer", "global", "outcome", "failed"); got != 2 {
		t.Errorf("expected 2 failed, got %f", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	m := New()
	for state, want := range map[string]float64{"closed": 0, "half-open": 1, "open": 2, "bogus": 2} {
		m.SetBreakerState("redis/global", state)
		var metric dto.Metric
		if err := m.BreakerState.WithLabelValues("redis/global").Write(&metric); err != nil {
			t.Fatal(err)
		}
		if got := metric.GetGauge().GetValue(); got != want {
			t.Errorf("state %q: got %v, want %v", state, got, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/cache/set", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/set", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/cache/set", "status", "200")
	if val != 1 {
		t.Errorf("expected 1 request recorded, got %f", val)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/cache/set", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/set", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/cache/set", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/cache/get", 200, 10*time.Millisecond)
	m.RecordLookup("predictive", "get", true, time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"ctxcache_requests_total",
		"ctxcache_request_duration_seconds",
		"ctxcache_lookups_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestActiveRequests(t *testing.T) {
	m := New()

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	handler := m.Middleware("/v1/cache/search", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		defer close(finished)
		req := httptest.NewRequest(http.MethodPost, "/v1/cache/search", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}()

	<-started

	var metric dto.Metric
	if err := m.ActiveRequests.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected 1 active request, got %f", metric.GetGauge().GetValue())
	}

	close(release)
	<-finished
}

// counterValue extracts the value of a counter with the given label pairs.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labelPairs ...string) float64 {
	t.Helper()
	labels := prometheus.Labels{}
	for i := 0; i < len(labelPairs); i += 2 {
		labels[labelPairs[i]] = labelPairs[i+1]
	}
	counter, err := cv.GetMetricWith(labels)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
