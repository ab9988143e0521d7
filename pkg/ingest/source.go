package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/router"
)

// Record is one JSONL line.
type Record struct {
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Embedding []float32      `json:"embedding,omitempty"`
	Text      string         `json:"text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// TTLSeconds nil applies the layer default; zero means no expiry.
	TTLSeconds *float64 `json:"ttl_seconds,omitempty"`

	SessionID   string   `json:"session_id,omitempty"`
	Importance  *float64 `json:"importance,omitempty"`
	ContextType string   `json:"context_type,omitempty"`

	Layer  string `json:"layer,omitempty"`
	Intent string `json:"intent,omitempty"`

	// Line is the 1-based source line, when known.
	Line int `json:"-"`
}

// SetRequest converts r for the router. Negative or non-finite TTLs are
// passed through so the layer rejects them.
func (r Record) SetRequest() router.SetRequest {
	req := router.SetRequest{
		Key:         r.Key,
		Value:       r.Value,
		Embedding:   r.Embedding,
		Text:        r.Text,
		Layer:       r.Layer,
		Intent:      r.Intent,
		Metadata:    r.Metadata,
		SessionID:   r.SessionID,
		Importance:  r.Importance,
		ContextType: r.ContextType,
	}
	if r.TTLSeconds != nil {
		ttl := time.Duration(*r.TTLSeconds * float64(time.Second))
		if math.IsNaN(*r.TTLSeconds) || math.IsInf(*r.TTLSeconds, 0) {
			ttl = -1
		}
		req.TTL = &ttl
	}
	return req
}

// Source yields records. Records it cannot parse go to reject; emit errors
// stop the source.
type Source interface {
	Records(ctx context.Context, emit func(Record) error, reject func(Record, error)) error
}

// JSONL reads one record per line.
type JSONL struct {
	r io.Reader
}

// NewJSONL reads records from r.
func NewJSONL(r io.Reader) *JSONL {
	return &JSONL{r: r}
}

// OpenJSONL opens path. The caller closes the returned file.
func OpenJSONL(path string) (*JSONL, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	return NewJSONL(f), f, nil
}

// Records implements Source. Malformed lines are rejected and skipped.
func (j *JSONL) Records(ctx context.Context, emit func(Record) error, reject func(Record, error)) error {
	scanner := bufio.NewScanner(j.r)

	// Increase buffer for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			reject(Record{Line: line}, cache.Validationf("line %d: %v", line, err))
			continue
		}
		r.Line = line

		if err := emit(r); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	return nil
}

// RawLister walks stored vectors. *pinecone.Store satisfies it.
type RawLister interface {
	Raw(ctx context.Context, fn func(id string, values []float32, metadata map[string]any) error) error
}

// VectorSource imports an existing vector namespace. The vector id becomes
// the key and TextField, when present in metadata, becomes the value; the
// remaining metadata is kept.
type VectorSource struct {
	lister    RawLister
	TextField string
}

// NewVectorSource reads vectors from l.
func NewVectorSource(l RawLister) *VectorSource {
	return &VectorSource{lister: l, TextField: "text"}
}

// Records implements Source.
func (s *VectorSource) Records(ctx context.Context, emit func(Record) error, _ func(Record, error)) error {
	return s.lister.Raw(ctx, func(id string, values []float32, metadata map[string]any) error {
		r := Record{Key: id, Embedding: values}

		md := make(map[string]any, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
		if text, ok := md[s.TextField].(string); ok && s.TextField != "" {
			r.Value = text
			delete(md, s.TextField)
		} else {
			r.Value = metadata
		}
		if len(md) > 0 {
			r.Metadata = md
		}
		return emit(r)
	})
}
