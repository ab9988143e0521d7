// Package cache defines the entry model, error kinds and storage backends
// shared by every cache layer. A backend owns the rows of exactly one layer;
// policy (TTL defaults, eviction, similarity) lives in pkg/layer.
package cache

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// MaxKeyLength is the largest key accepted by any layer.
const MaxKeyLength = 512

// Entry is the unit stored in a layer.
//
// Value and Metadata are JSON data. The memory backend keeps them as given;
// remote backends store them as JSON, so Go integers and other non-JSON
// types come back as float64, map[string]any and []any. Values that arrive
// through MCP or HTTP are already JSON-shaped and round-trip unchanged on
// every backend.
type Entry struct {
	// ID is an opaque unique identifier assigned on first insert and kept
	// across overwrites.
	ID string

	Key       string
	Value     any
	Embedding []float32
	Metadata  map[string]any

	CreatedAt time.Time

	// ExpiresAt is zero when the entry has no TTL.
	ExpiresAt time.Time

	LastAccessedAt time.Time

	// AccessCount is bumped by successful reads only.
	AccessCount int64

	// Diary fields.
	SessionID   string
	Importance  float64
	ContextType string
}

// ExpiredAt reports whether the entry is logically absent at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

// IsExpired checks expiry against the wall clock.
func (e *Entry) IsExpired() bool {
	return e.ExpiredAt(time.Now())
}

// HasEmbedding reports whether the entry carries a vector.
func (e *Entry) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// Clone returns a copy that shares no slices or maps with e. Metadata values
// are copied shallowly.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Embedding != nil {
		c.Embedding = make([]float32, len(e.Embedding))
		copy(c.Embedding, e.Embedding)
	}
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}

type entryJSON struct {
	ID             string         `json:"id"`
	Key            string         `json:"key"`
	Value          any            `json:"value"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int64          `json:"access_count"`
	SessionID      string         `json:"session_id,omitempty"`
	Importance     *float64       `json:"importance_score,omitempty"`
	ContextType    string         `json:"context_type,omitempty"`
}

// MarshalJSON renders the persisted layout, with a null expires_at for
// entries without TTL.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		ID:             e.ID,
		Key:            e.Key,
		Value:          e.Value,
		Embedding:      e.Embedding,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		SessionID:      e.SessionID,
		ContextType:    e.ContextType,
	}
	if !e.ExpiresAt.IsZero() {
		t := e.ExpiresAt
		out.ExpiresAt = &t
	}
	if e.SessionID != "" {
		imp := e.Importance
		out.Importance = &imp
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var in entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Entry{
		ID:             in.ID,
		Key:            in.Key,
		Value:          in.Value,
		Embedding:      in.Embedding,
		Metadata:       in.Metadata,
		CreatedAt:      in.CreatedAt,
		LastAccessedAt: in.LastAccessedAt,
		AccessCount:    in.AccessCount,
		SessionID:      in.SessionID,
		ContextType:    in.ContextType,
	}
	if in.ExpiresAt != nil {
		e.ExpiresAt = *in.ExpiresAt
	}
	if in.Importance != nil {
		e.Importance = *in.Importance
	}
	return nil
}

// Backend is the storage contract of one layer. Implementations must make
// Put, Touch and DeleteExpired atomic for a single key.
type Backend interface {
	// Get returns the stored row, expired or not. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put upserts e. An existing row keeps its ID and AccessCount; every
	// other field is replaced. created reports whether the key was new.
	Put(ctx context.Context, e *Entry) (created bool, err error)

	// Touch increments AccessCount and sets LastAccessedAt on an existing
	// row and returns the updated row. It never creates a row.
	Touch(ctx context.Context, key string, at time.Time) (*Entry, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteExpired removes key only if the stored row is expired at now.
	DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error)

	// Scan calls fn for every row until fn returns false.
	Scan(ctx context.Context, fn func(*Entry) bool) error

	// Count returns the number of stored rows, expired rows included.
	Count(ctx context.Context) (int, error)

	// Clear removes every row and returns how many were removed.
	Clear(ctx context.Context) (int, error)

	Close() error
}

// NearestSearcher is implemented by backends that can prefilter candidates
// server side. Results are candidates only; scoring happens in the caller.
type NearestSearcher interface {
	Nearest(ctx context.Context, query []float32, limit int) ([]*Entry, error)
}

// ExpiredPurger is implemented by backends that delete expired rows in bulk.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
