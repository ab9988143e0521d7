// Package pinecone stores a cache layer in a Pinecone namespace. The vector
// id is the entry key and the entry fields travel as vector metadata.
package pinecone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

// Config holds Pinecone client configuration.
type Config struct {
	APIKey    string
	IndexName string

	// NamespacePrefix is joined with the layer name.
	NamespacePrefix string

	// PageSize bounds list and fetch pages.
	PageSize uint32

	// Retry settings for bulk reads.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NamespacePrefix: "ctxcache-",
		PageSize:        100,
		MaxRetries:      5,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
	}
}

// Metadata field names.
const (
	mEntryID     = "ctx_entry_id"
	mValue       = "ctx_value"
	mMetadata    = "ctx_metadata"
	mCreated     = "ctx_created_at"
	mExpires     = "ctx_expires_at"
	mExpiresSec  = "ctx_expires_at_s"
	mAccessed    = "ctx_last_accessed_at"
	mAccessCount = "ctx_access_count"
	mSession     = "ctx_session_id"
	mImportance  = "ctx_importance"
	mContextType = "ctx_context_type"
)

// Store is a cache.Backend over one Pinecone namespace.
type Store struct {
	cfg       Config
	idxConn   *pinecone.IndexConnection
	namespace string
}

// Open connects to the index and binds the layer namespace.
func Open(ctx context.Context, cfg Config, namespace string) (*Store, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone API key is required")
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("pinecone index name is required")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create pinecone client: %w", err)
	}

	idx, err := pc.DescribeIndex(ctx, cfg.IndexName)
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("describe index %q: %w", cfg.IndexName, err))
	}

	idxConn, err := pc.Index(pinecone.NewIndexConnParams{
		Host:      idx.Host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("connect to index: %w", err))
	}

	return &Store{cfg: cfg, idxConn: idxConn, namespace: namespace}, nil
}

// OpenLayer opens the namespace used by layer.
func OpenLayer(ctx context.Context, cfg Config, layer string) (*Store, error) {
	return Open(ctx, cfg, cfg.NamespacePrefix+layer)
}

// Get fetches the vector whose id is key.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	resp, err := s.idxConn.FetchVectors(ctx, []string{key})
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("fetch vectors: %w", err))
	}
	v, ok := resp.Vectors[key]
	if !ok || v == nil {
		return nil, cache.ErrNotFound
	}
	return decodeVector(v)
}

// Put upserts the vector. id and access_count come from a preceding fetch.
func (s *Store) Put(ctx context.Context, e *cache.Entry) (bool, error) {
	if !e.HasEmbedding() {
		return false, cache.Validationf("pinecone backend requires an embedding")
	}

	stored := e.Clone()
	created := true
	old, err := s.Get(ctx, e.Key)
	switch {
	case err == nil:
		created = false
		stored.ID = old.ID
		stored.AccessCount = old.AccessCount
	case !errors.Is(err, cache.ErrNotFound):
		return false, err
	default:
		stored.AccessCount = 0
	}

	meta, err := encodeMetadata(stored)
	if err != nil {
		return false, err
	}
	values := stored.Embedding
	_, err = s.idxConn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       stored.Key,
		Values:   &values,
		Metadata: meta,
	}})
	if err != nil {
		return false, cache.Unavailable(fmt.Errorf("upsert vectors: %w", err))
	}
	return created, nil
}

// Touch updates the access metadata in place.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) (*cache.Entry, error) {
	e, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	e.AccessCount++
	e.LastAccessedAt = at

	patch, err := structpb.NewStruct(map[string]any{
		mAccessCount: float64(e.AccessCount),
		mAccessed:    formatTime(at),
	})
	if err != nil {
		return nil, fmt.Errorf("encode access metadata: %w", err)
	}
	if err := s.idxConn.UpdateVector(ctx, &pinecone.UpdateVectorRequest{
		Id:       key,
		Metadata: patch,
	}); err != nil {
		return nil, cache.Unavailable(fmt.Errorf("update vector: %w", err))
	}
	return e, nil
}

// Delete removes the vector for key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.Get(ctx, key); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.idxConn.DeleteVectorsById(ctx, []string{key}); err != nil {
		return false, cache.Unavailable(fmt.Errorf("delete vectors: %w", err))
	}
	return true, nil
}

// DeleteExpired re-reads key and deletes it when still expired. Pinecone has
// no conditional delete, so a write landing between the read and the delete
// is lost.
func (s *Store) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	e, err := s.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !e.ExpiredAt(now) {
		return false, nil
	}
	if err := s.idxConn.DeleteVectorsById(ctx, []string{key}); err != nil {
		return false, cache.Unavailable(fmt.Errorf("delete vectors: %w", err))
	}
	return true, nil
}

// Scan lists ids page by page and fetches each page.
func (s *Store) Scan(ctx context.Context, fn func(*cache.Entry) bool) error {
	stop := false
	err := s.walk(ctx, func(vectors map[string]*pinecone.Vector, ids []string) error {
		for _, id := range ids {
			v, ok := vectors[id]
			if !ok || v == nil {
				continue
			}
			e, err := decodeVector(v)
			if err != nil {
				return err
			}
			if !fn(e) {
				stop = true
				return nil
			}
		}
		return nil
	}, &stop)
	if err != nil {
		return cache.Unavailable(err)
	}
	return nil
}

// Raw walks the namespace and yields vectors as stored, for import from
// namespaces that were not written by this package.
func (s *Store) Raw(ctx context.Context, fn func(id string, values []float32, metadata map[string]any) error) error {
	stop := false
	return s.walk(ctx, func(vectors map[string]*pinecone.Vector, ids []string) error {
		for _, id := range ids {
			v, ok := vectors[id]
			if !ok || v == nil {
				continue
			}
			var values []float32
			if v.Values != nil {
				values = *v.Values
			}
			var meta map[string]any
			if v.Metadata != nil {
				meta = v.Metadata.AsMap()
			}
			if err := fn(id, values, meta); err != nil {
				return err
			}
		}
		return nil
	}, &stop)
}

// walk pages through ListVectors and FetchVectors with retries on each call.
func (s *Store) walk(ctx context.Context, page func(map[string]*pinecone.Vector, []string) error, stop *bool) error {
	limit := s.cfg.PageSize
	var token *string

	for !*stop {
		var listed *pinecone.ListVectorsResponse
		err := s.retry(ctx, func() error {
			var err error
			listed, err = s.idxConn.ListVectors(ctx, &pinecone.ListVectorsRequest{
				Limit:           &limit,
				PaginationToken: token,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("list vectors: %w", err)
		}

		ids := make([]string, 0, len(listed.VectorIds))
		for _, id := range listed.VectorIds {
			if id != nil {
				ids = append(ids, *id)
			}
		}
		if len(ids) > 0 {
			var fetched *pinecone.FetchVectorsResponse
			err := s.retry(ctx, func() error {
				var err error
				fetched, err = s.idxConn.FetchVectors(ctx, ids)
				return err
			})
			if err != nil {
				return fmt.Errorf("fetch vectors: %w", err)
			}
			if err := page(fetched.Vectors, ids); err != nil {
				return err
			}
		}

		if listed.NextPaginationToken == nil || *listed.NextPaginationToken == "" {
			return nil
		}
		token = listed.NextPaginationToken
	}
	return nil
}

// retry runs op with exponential backoff on rate limiting and transient
// unavailability.
func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultConfig().MaxRetries
	}

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
}

// Count reads the namespace size from index stats.
func (s *Store) Count(ctx context.Context) (int, error) {
	stats, err := s.idxConn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, cache.Unavailable(fmt.Errorf("describe index stats: %w", err))
	}
	ns, ok := stats.Namespaces[s.namespace]
	if !ok || ns == nil {
		return 0, nil
	}
	return int(ns.VectorCount), nil
}

// Clear drops every vector in the namespace.
func (s *Store) Clear(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.idxConn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return 0, cache.Unavailable(fmt.Errorf("delete namespace vectors: %w", err))
	}
	return n, nil
}

// Nearest queries the namespace by vector values.
func (s *Store) Nearest(ctx context.Context, query []float32, limit int) ([]*cache.Entry, error) {
	resp, err := s.idxConn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          query,
		TopK:            uint32(limit),
		IncludeValues:   true,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("query: %w", err))
	}

	out := make([]*cache.Entry, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		e, err := decodeVector(m.Vector)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the index connection.
func (s *Store) Close() error {
	if s.idxConn != nil {
		return s.idxConn.Close()
	}
	return nil
}

func encodeMetadata(e *cache.Entry) (*structpb.Struct, error) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return nil, cache.Validationf("value is not serializable: %v", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, cache.Validationf("metadata is not serializable: %v", err)
	}

	expiresSec := 0.0
	if !e.ExpiresAt.IsZero() {
		expiresSec = float64(e.ExpiresAt.Unix())
	}

	s, err := structpb.NewStruct(map[string]any{
		mEntryID:     e.ID,
		mValue:       string(value),
		mMetadata:    string(meta),
		mCreated:     formatTime(e.CreatedAt),
		mExpires:     formatTime(e.ExpiresAt),
		mExpiresSec:  expiresSec,
		mAccessed:    formatTime(e.LastAccessedAt),
		mAccessCount: float64(e.AccessCount),
		mSession:     e.SessionID,
		mImportance:  e.Importance,
		mContextType: e.ContextType,
	})
	if err != nil {
		return nil, cache.Validationf("metadata is not representable: %v", err)
	}
	return s, nil
}

func decodeVector(v *pinecone.Vector) (*cache.Entry, error) {
	e := &cache.Entry{Key: v.Id}
	if v.Values != nil {
		e.Embedding = append([]float32(nil), (*v.Values)...)
	}
	if v.Metadata == nil {
		return e, nil
	}
	m := v.Metadata.AsMap()

	e.ID, _ = m[mEntryID].(string)
	e.SessionID, _ = m[mSession].(string)
	e.ContextType, _ = m[mContextType].(string)
	e.Importance, _ = m[mImportance].(float64)
	if n, ok := m[mAccessCount].(float64); ok {
		e.AccessCount = int64(n)
	}

	var err error
	if e.CreatedAt, err = parseTime(m[mCreated]); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseTime(m[mExpires]); err != nil {
		return nil, err
	}
	if e.LastAccessedAt, err = parseTime(m[mAccessed]); err != nil {
		return nil, err
	}
	if raw, ok := m[mValue].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if raw, ok := m[mMetadata].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) (time.Time, error) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}
	return t, nil
}

// isRetryableError checks if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "temporarily")
}
