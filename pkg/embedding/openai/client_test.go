package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/ctxcache/pkg/embedding"
)

// fakeEndpoint answers with a 3-dimensional vector per input, listed in
// reverse so clients must honour the index field.
func fakeEndpoint(t *testing.T, calls *atomic.Int32, failFirst int, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "/embeddings", r.URL.Path)

		if int(n) <= failFirst {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"try later","code":"x"}}`))
			return
		}

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(len(req.Input[i])), 0, 1}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{APIKey: "sk-test", BaseURL: url, Dimensions: 3, MaxRetries: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: "k", Dimensions: -1})
	assert.Error(t, err)

	c, err := NewClient(Config{APIKey: "k", Model: "text-embedding-3-large"})
	require.NoError(t, err)
	assert.Equal(t, 3072, c.Dimension())
	assert.Equal(t, "text-embedding-3-large", c.ModelName())

	c, err = NewClient(Config{APIKey: "k", Dimensions: 256})
	require.NoError(t, err)
	assert.Equal(t, 256, c.Dimension())
	assert.Equal(t, defaultModel, c.ModelName())
}

func TestEmbedBatch_OrderAndChunks(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, &calls, 0, 0)
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxBatch = 2 })

	out, err := c.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, float32(1), out[0][0])
	assert.Equal(t, float32(2), out[1][0])
	assert.Equal(t, float32(3), out[2][0])
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbed_EmptyInput(t *testing.T) {
	c := newTestClient(t, "http://unused", nil)

	_, err := c.Embed(context.Background(), "")
	assert.ErrorIs(t, err, embedding.ErrEmptyInput)

	_, err = c.EmbedBatch(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, embedding.ErrEmptyInput)
}

func TestEmbed_RetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, &calls, 2, http.StatusTooManyRequests)
	c := newTestClient(t, srv.URL, nil)

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbed_PermanentErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, embedding.ErrInvalidAPIKey},
		{http.StatusNotFound, embedding.ErrModelNotFound},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := fakeEndpoint(t, &calls, 100, tt.status)
			c := newTestClient(t, srv.URL, nil)

			_, err := c.Embed(context.Background(), "hello")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")
		})
	}
}

func TestEmbed_ServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, &calls, 100, http.StatusBadGateway)
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 1 })

	_, err := c.Embed(context.Background(), "hello")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "try later", se.Message)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbed_DimensionCheck(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, &calls, 0, 0)
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Dimensions = 8 })

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "expected 8")
}
