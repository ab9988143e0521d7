// Package layer implements the five cache layers on top of a cache.Backend.
//
// Every layer shares the Store policy (validation, default TTL, lazy expiry,
// access bookkeeping, size cap eviction and similarity search); the variants
// add their own retrieval strategy on top.
package layer

import (
	"context"
	"time"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
)

// Layer names.
const (
	Predictive = "predictive"
	Semantic   = "semantic"
	Vector     = "vector"
	Global     = "global"
	Diary      = "diary"
)

// Names lists the layers in default fallback order.
var Names = []string{Predictive, Semantic, Vector, Global, Diary}

// Capabilities describes what a layer accepts and serves.
type Capabilities struct {
	// Searchable layers answer similarity searches.
	Searchable bool

	// Embeddings may be stored on the layer's entries.
	Embeddings bool

	// RequireEmbedding rejects writes without a vector.
	RequireEmbedding bool

	// Sessions marks the session-scoped Diary layer.
	Sessions bool

	// DefaultThreshold is the min_similarity used when a caller sets none.
	DefaultThreshold float64
}

var capabilityTable = map[string]Capabilities{
	Predictive: {},
	Semantic:   {Searchable: true, Embeddings: true, DefaultThreshold: 0.85},
	Vector:     {Searchable: true, Embeddings: true, RequireEmbedding: true, DefaultThreshold: 0.7},
	Global:     {Searchable: true, Embeddings: true, RequireEmbedding: true, DefaultThreshold: 0.75},
	Diary:      {Searchable: true, Embeddings: true, Sessions: true, DefaultThreshold: 0.7},
}

// CapabilitiesOf returns the capability set of a layer name.
func CapabilitiesOf(name string) (Capabilities, bool) {
	c, ok := capabilityTable[name]
	return c, ok
}

// Valid reports whether name is a known layer.
func Valid(name string) bool {
	_, ok := capabilityTable[name]
	return ok
}

// Item is a write request for one entry.
type Item struct {
	Key       string
	Value     any
	Embedding []float32
	Metadata  map[string]any

	// TTL nil applies the layer default; zero means no expiry.
	TTL *time.Duration

	SessionID string

	// Importance nil applies DefaultImportance on the Diary layer.
	Importance  *float64
	ContextType string
}

// Written describes a committed Set.
type Written struct {
	Layer     string     `json:"layer"`
	Key       string     `json:"key"`
	Created   bool       `json:"created"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Query is a similarity search request.
type Query struct {
	Embedding []float32
	TopN      int

	// MinSimilarity nil applies the layer threshold.
	MinSimilarity *float64

	// Filter keeps entries whose metadata equals every pair.
	Filter map[string]any
}

// Stats is the storage-side view of one layer.
type Stats struct {
	Layer          string     `json:"layer"`
	Backend        string     `json:"backend"`
	Total          int        `json:"total"`
	Active         int        `json:"active"`
	Expired        int        `json:"expired"`
	AvgAccessCount float64    `json:"avg_access_count"`
	LastAccessed   *time.Time `json:"last_accessed"`
	MaxSize        int        `json:"max_cache_size"`
	Eviction       string     `json:"eviction"`
}

// Layer is the capability set every layer variant satisfies. Callers pick
// variants by configuration and never type-switch on them.
type Layer interface {
	Name() string
	Capabilities() Capabilities
	Threshold() float64

	Get(ctx context.Context, key string) (*cache.Entry, error)
	Set(ctx context.Context, item Item) (Written, error)
	Delete(ctx context.Context, key string) (bool, error)
	Search(ctx context.Context, q Query) ([]similarity.Result, error)

	// Rank is Search without read bookkeeping; RecordReads applies it to
	// the results a caller actually returns.
	Rank(ctx context.Context, q Query) ([]similarity.Result, error)
	RecordReads(ctx context.Context, results []similarity.Result) ([]similarity.Result, error)

	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) (int, error)

	// SweepExpired physically removes entries expired at now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
