// Package openai embeds query text with the OpenAI embeddings endpoint, or
// any server that speaks the same wire format.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Siddhant-K-code/ctxcache/pkg/embedding"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultModel    = "text-embedding-3-small"
	defaultTimeout  = 30 * time.Second
	defaultMaxBatch = 512

	// maxErrorBody bounds how much of a failed response is read.
	maxErrorBody = 64 << 10
)

var nativeDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Config holds client settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration

	// MaxRetries bounds retries of rate-limited and 5xx responses.
	MaxRetries int

	// Dimensions shortens text-embedding-3 vectors so they match a layer's
	// embedding_dimensionality. Zero keeps the model's native size.
	Dimensions int

	// MaxBatch is the most inputs sent in one request.
	MaxBatch int

	HTTPClient *http.Client
}

// StatusError is a non-200 response that maps to none of the embedding
// package errors.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("embeddings endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("embeddings endpoint returned %d: %s", e.StatusCode, e.Message)
}

// Client implements embedding.Provider.
type Client struct {
	cfg  Config
	http *http.Client
	dims int
}

// NewClient checks cfg and fills defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("openai: dimensions must be >= 0, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}

	dims := cfg.Dimensions
	if dims == 0 {
		dims = nativeDimensions[cfg.Model]
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc, dims: dims}, nil
}

type request struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type response struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Embed embeds one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in order, splitting them into MaxBatch-sized
// requests. Any empty text fails the whole batch with ErrEmptyInput.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, embedding.ErrEmptyInput
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("input %d: %w", i, embedding.ErrEmptyInput)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.MaxBatch {
		end := min(start+c.cfg.MaxBatch, len(texts))
		vecs, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(request{Input: texts, Model: c.cfg.Model, Dimensions: c.cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var resp *response
	op := func() error {
		var err error
		resp, err = c.post(ctx, body)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || out[d.Index] != nil {
			return nil, fmt.Errorf("embeddings endpoint returned bad index %d", d.Index)
		}
		if c.dims > 0 && len(d.Embedding) != c.dims {
			return nil, fmt.Errorf("embeddings endpoint returned %d dimensions, expected %d", len(d.Embedding), c.dims)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func retryable(err error) bool {
	if errors.Is(err, embedding.ErrRateLimited) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	// Transport failures.
	return !errors.Is(err, embedding.ErrInvalidAPIKey) &&
		!errors.Is(err, embedding.ErrContextTooLong) &&
		!errors.Is(err, embedding.ErrModelNotFound) &&
		!errors.Is(err, context.Canceled)
}

func (c *Client) post(ctx context.Context, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return embedding.ErrInvalidAPIKey
	case resp.StatusCode == http.StatusTooManyRequests:
		return embedding.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound || eb.Error.Code == "model_not_found":
		return embedding.ErrModelNotFound
	case eb.Error.Code == "context_length_exceeded":
		return embedding.ErrContextTooLong
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: eb.Error.Message}
}

// Dimension returns the configured size, or the model's native size.
func (c *Client) Dimension() int { return c.dims }

// ModelName returns the model.
func (c *Client) ModelName() string { return c.cfg.Model }
