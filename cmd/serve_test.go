package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/ctxcache/pkg/api"
	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/config"
	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
	"github.com/Siddhant-K-code/ctxcache/pkg/ingest"
)

func newTestServer(t *testing.T, keys ...string) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimensions = 32
	cfg.Auth.APIKeys = keys

	ctx := context.Background()
	e, err := engine.Build(ctx, cfg, nil, engine.WithoutTracing())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })

	ts := httptest.NewServer(NewServer(e).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_SetAndGet(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts, "/v1/cache/set", `{"key":"greeting","value":{"text":"hello"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var written struct {
		Layer   string `json:"layer"`
		Created bool   `json:"created"`
	}
	decode(t, resp, &written)
	assert.Equal(t, "predictive", written.Layer)
	assert.True(t, written.Created)

	resp = post(t, ts, "/v1/cache/get", `{"key":"greeting"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Found bool           `json:"found"`
		Layer string         `json:"layer"`
		Value map[string]any `json:"value"`
	}
	decode(t, resp, &got)
	assert.True(t, got.Found)
	assert.Equal(t, "predictive", got.Layer)
	assert.Equal(t, "hello", got.Value["text"])
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts, "/v1/cache/get", `{"nope":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body api.ErrorBody
	decode(t, resp, &body)
	assert.Equal(t, cache.KindValidation, body.Kind)

	resp = post(t, ts, "/v1/cache/set", `{"key":"v","value":1,"layer":"vector","embedding":[1,0]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, ts, "/v1/cache/search", `{"layer":"vector","embedding":[1,0,0]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err := ts.Client().Get(ts.URL + "/v1/cache/set")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_BodyLimit(t *testing.T) {
	ts := newTestServer(t)

	big := `{"key":"k","value":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	resp := post(t, ts, "/v1/cache/set", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	ts := newTestServer(t, "secret-1", " ")

	resp := post(t, ts, "/v1/cache/get", `{"key":"k"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts, "/v1/cache/get", `{"key":"k"}`, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts, "/v1/cache/get", `{"key":"k"}`, "Authorization", "Bearer secret-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts, "/v1/cache/get", `{"key":"k"}`, "X-API-Key", "secret-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode, "health stays open")
}

func TestServer_HealthStatsMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Status     string   `json:"status"`
		Layers     []string `json:"layers"`
		Embeddings bool     `json:"embeddings"`
	}
	decode(t, resp, &health)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Len(t, health.Layers, 5)
	assert.True(t, health.Embeddings)

	post(t, ts, "/v1/cache/get", `{"key":"missing"}`)

	resp, err = ts.Client().Get(ts.URL + "/v1/cache/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "ctxcache_")
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/cache/get", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

const importBody = `{"key":"a","value":1}
{"key":"b","value":2,"session_id":"s1"}
{broken
`

func TestServer_ImportJSON(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts, "/v1/import", importBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats ingest.Stats
	decode(t, resp, &stats)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Imported)
	assert.Equal(t, int64(1), stats.Failed)

	resp = post(t, ts, "/v1/cache/get", `{"key":"b","layer":"diary"}`)
	var got struct {
		Found bool `json:"found"`
	}
	decode(t, resp, &got)
	assert.True(t, got.Found)

	resp = post(t, ts, "/v1/import?layer=l7", importBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ImportSSE(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts, "/v1/import?layer=global", `{"key":"fact","value":"x","embedding":[1,0]}`+"\n",
		"Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	out := buf.String()
	assert.Contains(t, out, "event: progress")
	assert.Contains(t, out, "event: complete")
	assert.Contains(t, out, `"imported":1`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{cache.Validationf("bad"), http.StatusBadRequest},
		{cache.DimensionMismatch(2, 3), http.StatusUnprocessableEntity},
		{cache.ErrNotFound, http.StatusNotFound},
		{cache.Unavailable(errors.New("down")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, statusClientClosed},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
