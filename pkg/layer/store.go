package layer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	ctxmath "github.com/Siddhant-K-code/ctxcache/pkg/math"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
	"github.com/Siddhant-K-code/ctxcache/pkg/stats"
)

// Eviction policies applied when a layer exceeds MaxSize.
const (
	EvictLRU        = "lru"
	EvictLFU        = "lfu"
	EvictImportance = "importance"
)

// DefaultImportance is stored on Diary entries written without a score.
const DefaultImportance = 0.5

const (
	reclaimTimeout = 5 * time.Second

	// nearestFactor widens backend prefilters so expired and filtered
	// candidates do not starve the result.
	nearestFactor = 4
	nearestMin    = 32
)

// Options configure one layer.
type Options struct {
	Name string

	// BackendName is reported in Stats.
	BackendName string

	// DefaultTTL applies when a write has no TTL. Zero means no expiry.
	DefaultTTL time.Duration

	// MaxSize is the soft cap on stored entries. Zero disables eviction.
	MaxSize int

	// Eviction is one of EvictLRU (default), EvictLFU or EvictImportance.
	Eviction string

	// Threshold overrides the layer's default min_similarity when set.
	Threshold *float64

	// Dimension, when positive, is enforced on every stored and query vector.
	Dimension int

	// HalfLife is the Diary importance decay half-life.
	HalfLife time.Duration

	// MMRLambda is the Vector relevance/diversity balance.
	MMRLambda *float64

	Stats  *stats.Collector
	Logger *zap.Logger

	// Now replaces the wall clock in tests.
	Now func() time.Time
}

// Store applies one layer's policy to a Backend.
type Store struct {
	name    string
	caps    Capabilities
	opts    Options
	backend cache.Backend
	matcher similarity.Matcher
	stats   *stats.Collector
	log     *zap.Logger
	now     func() time.Time

	evictMu sync.Mutex
	pending sync.Map
	wg      sync.WaitGroup
}

// NewStore validates opts and wraps backend.
func NewStore(backend cache.Backend, opts Options) (*Store, error) {
	caps, ok := CapabilitiesOf(opts.Name)
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", opts.Name)
	}
	if backend == nil {
		return nil, fmt.Errorf("layer %s: backend is nil", opts.Name)
	}
	if opts.Eviction == "" {
		opts.Eviction = EvictLRU
	}
	switch opts.Eviction {
	case EvictLRU, EvictLFU:
	case EvictImportance:
		if !caps.Sessions {
			return nil, fmt.Errorf("layer %s: importance eviction is only available on the diary layer", opts.Name)
		}
	default:
		return nil, fmt.Errorf("layer %s: unknown eviction policy %q", opts.Name, opts.Eviction)
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("layer %s: default ttl must not be negative", opts.Name)
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("layer %s: max size must not be negative", opts.Name)
	}
	if opts.BackendName == "" {
		opts.BackendName = "memory"
	}

	threshold := caps.DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if threshold < -1 || threshold > 1 {
		return nil, fmt.Errorf("layer %s: similarity threshold %.3f outside [-1, 1]", opts.Name, threshold)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Stats != nil {
		opts.Stats.Register(opts.Name)
	}

	return &Store{
		name:    opts.Name,
		caps:    caps,
		opts:    opts,
		backend: backend,
		matcher: similarity.Matcher{Dimension: opts.Dimension, DefaultMin: threshold},
		stats:   opts.Stats,
		log:     logger.With(zap.String("layer", opts.Name)),
		now:     now,
	}, nil
}

// Name returns the layer name.
func (s *Store) Name() string { return s.name }

// Capabilities returns what the layer accepts and serves.
func (s *Store) Capabilities() Capabilities { return s.caps }

// Threshold returns the default min_similarity.
func (s *Store) Threshold() float64 { return s.matcher.DefaultMin }

// Backend returns the underlying storage.
func (s *Store) Backend() cache.Backend { return s.backend }

func (s *Store) fail(op string, err error) error {
	return cache.Wrap(op, s.name, cache.Classify(err))
}

// Get returns the live entry for key and records the read. Expired entries
// are misses and are reclaimed in the background.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, cache.Wrap("get", s.name, err)
	}

	e, err := s.backend.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", err)
	}

	now := s.now()
	if e.ExpiredAt(now) {
		s.reclaim(key, now)
		return nil, cache.ErrNotFound
	}

	touched, err := s.backend.Touch(ctx, key, now)
	if errors.Is(err, cache.ErrNotFound) {
		// Deleted between the read and the bookkeeping.
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	if touched.ExpiredAt(now) {
		return nil, cache.ErrNotFound
	}
	return touched, nil
}

// Set validates item and upserts it. An overwrite keeps the stored ID and
// access count.
func (s *Store) Set(ctx context.Context, item Item) (Written, error) {
	e, err := s.build(item)
	if err != nil {
		return Written{}, cache.Wrap("set", s.name, err)
	}

	created, err := s.backend.Put(ctx, e)
	if err != nil {
		return Written{}, s.fail("set", err)
	}
	if created && s.stats != nil {
		s.stats.AddEntries(s.name, 1)
	}

	if s.opts.MaxSize > 0 {
		if err := s.enforceCap(ctx, e.Key); err != nil {
			s.log.Warn("eviction pass failed", zap.Error(err))
		}
	}

	w := Written{Layer: s.name, Key: e.Key, Created: created, CreatedAt: e.CreatedAt}
	if !e.ExpiresAt.IsZero() {
		t := e.ExpiresAt
		w.ExpiresAt = &t
	}
	return w, nil
}

func (s *Store) build(item Item) (*cache.Entry, error) {
	if err := cache.ValidateKey(item.Key); err != nil {
		return nil, err
	}

	ttl := s.opts.DefaultTTL
	if item.TTL != nil {
		if *item.TTL < 0 {
			return nil, cache.Validationf("ttl must not be negative")
		}
		ttl = *item.TTL
	}

	if len(item.Embedding) > 0 {
		if !s.caps.Embeddings {
			return nil, cache.Validationf("%s layer does not store embeddings", s.name)
		}
		if !ctxmath.IsFinite(item.Embedding) {
			return nil, cache.Validationf("embedding contains NaN or Inf")
		}
		if s.opts.Dimension > 0 && len(item.Embedding) != s.opts.Dimension {
			return nil, cache.DimensionMismatch(s.opts.Dimension, len(item.Embedding))
		}
	} else if s.caps.RequireEmbedding {
		return nil, cache.Validationf("%s layer requires an embedding", s.name)
	}

	now := s.now()
	e := &cache.Entry{
		ID:             ulid.Make().String(),
		Key:            item.Key,
		Value:          item.Value,
		Embedding:      item.Embedding,
		Metadata:       item.Metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	if s.caps.Sessions {
		if item.SessionID == "" {
			return nil, cache.Validationf("diary entries require a session_id")
		}
		importance := DefaultImportance
		if item.Importance != nil {
			importance = *item.Importance
		}
		if math.IsNaN(importance) || importance < 0 || importance > 1 {
			return nil, cache.Validationf("importance_score %v outside [0, 1]", importance)
		}
		e.SessionID = item.SessionID
		e.Importance = importance
		e.ContextType = item.ContextType
	}
	return e, nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return false, cache.Wrap("delete", s.name, err)
	}
	removed, err := s.backend.Delete(ctx, key)
	if err != nil {
		return false, s.fail("delete", err)
	}
	if removed && s.stats != nil {
		s.stats.AddEntries(s.name, -1)
	}
	return removed, nil
}

// Clear removes every entry of the layer.
func (s *Store) Clear(ctx context.Context) (int, error) {
	n, err := s.backend.Clear(ctx)
	if err != nil {
		return 0, s.fail("clear", err)
	}
	if s.stats != nil {
		s.stats.SetEntries(s.name, 0)
	}
	s.log.Info("layer cleared", zap.Int("removed", n))
	return n, nil
}

// Search returns live entries scoring at least the threshold, best first.
// Every returned entry is counted as read.
func (s *Store) Search(ctx context.Context, q Query) ([]similarity.Result, error) {
	results, err := s.Rank(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.RecordReads(ctx, results)
}

// Rank scores candidates like Search without recording any reads. Callers
// merging several layers rank first and pass the survivors to RecordReads,
// so ties break on access times from before the search.
func (s *Store) Rank(ctx context.Context, q Query) ([]similarity.Result, error) {
	if !s.caps.Searchable {
		return nil, cache.Wrap("search", s.name, cache.Validationf("%s layer does not support similarity search", s.name))
	}
	if err := s.matcher.CheckQuery(q.Embedding); err != nil {
		return nil, cache.Wrap("search", s.name, err)
	}

	candidates, err := s.candidates(ctx, q, s.now())
	if err != nil {
		return nil, s.fail("search", err)
	}

	results, err := s.matcher.Rank(q.Embedding, candidates, q.TopN, s.matcher.Threshold(q.MinSimilarity))
	if err != nil {
		return nil, cache.Wrap("search", s.name, err)
	}
	for i := range results {
		results[i].Layer = s.name
	}
	return results, nil
}

// RecordReads records a read on every result and returns the refreshed
// entries in the same order. A result deleted since it was ranked keeps its
// snapshot.
func (s *Store) RecordReads(ctx context.Context, results []similarity.Result) ([]similarity.Result, error) {
	now := s.now()
	for i := range results {
		touched, err := s.backend.Touch(ctx, results[i].Entry.Key, now)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, s.fail("search", err)
		}
		results[i].Entry = touched
	}
	return results, nil
}

func (s *Store) candidates(ctx context.Context, q Query, now time.Time) ([]*cache.Entry, error) {
	keep := func(e *cache.Entry) bool {
		if e.ExpiredAt(now) {
			s.reclaim(e.Key, now)
			return false
		}
		return e.HasEmbedding() && MatchMetadata(e.Metadata, q.Filter)
	}

	if q.TopN > 0 && cache.CanSearchNearest(s.backend) {
		limit := q.TopN * nearestFactor
		if limit < nearestMin {
			limit = nearestMin
		}
		found, err := s.backend.(cache.NearestSearcher).Nearest(ctx, q.Embedding, limit)
		if err != nil {
			return nil, err
		}
		out := found[:0]
		for _, e := range found {
			if keep(e) {
				out = append(out, e)
			}
		}
		return out, nil
	}

	var out []*cache.Entry
	err := s.backend.Scan(ctx, func(e *cache.Entry) bool {
		if keep(e) {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// live calls fn for every unexpired entry.
func (s *Store) live(ctx context.Context, fn func(*cache.Entry) bool) error {
	now := s.now()
	err := s.backend.Scan(ctx, func(e *cache.Entry) bool {
		if e.ExpiredAt(now) {
			s.reclaim(e.Key, now)
			return true
		}
		return fn(e)
	})
	if err != nil {
		return s.fail("scan", err)
	}
	return nil
}

// Stats scans the layer and summarises it.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Layer:    s.name,
		Backend:  s.opts.BackendName,
		MaxSize:  s.opts.MaxSize,
		Eviction: s.opts.Eviction,
	}

	now := s.now()
	var accesses int64
	var last time.Time
	err := s.backend.Scan(ctx, func(e *cache.Entry) bool {
		st.Total++
		if e.ExpiredAt(now) {
			st.Expired++
			return true
		}
		st.Active++
		accesses += e.AccessCount
		if e.AccessCount > 0 && e.LastAccessedAt.After(last) {
			last = e.LastAccessedAt
		}
		return true
	})
	if err != nil {
		return Stats{}, s.fail("stats", err)
	}

	if st.Active > 0 {
		st.AvgAccessCount = float64(accesses) / float64(st.Active)
	}
	if !last.IsZero() {
		st.LastAccessed = &last
	}
	if s.stats != nil {
		s.stats.SetEntries(s.name, st.Total)
	}
	return st, nil
}

// SweepExpired removes entries expired at now. Individual failures do not
// stop the pass; they are joined into the returned error.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	var errs []error

	if cache.CanPurge(s.backend) {
		n, err := s.backend.(cache.ExpiredPurger).PurgeExpired(ctx, now)
		if err != nil {
			return 0, s.fail("sweep", err)
		}
		removed = n
	} else {
		var expired []string
		err := s.backend.Scan(ctx, func(e *cache.Entry) bool {
			if e.ExpiredAt(now) {
				expired = append(expired, e.Key)
			}
			return true
		})
		if err != nil {
			return 0, s.fail("sweep", err)
		}
		for _, key := range expired {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			ok, err := s.backend.DeleteExpired(ctx, key, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("delete %q: %w", key, err))
				continue
			}
			if ok {
				removed++
			}
		}
	}

	if s.stats != nil {
		if n, err := s.backend.Count(ctx); err == nil {
			s.stats.SetEntries(s.name, n)
		}
	}
	if len(errs) > 0 {
		return removed, s.fail("sweep", errors.Join(errs...))
	}
	return removed, nil
}

// reclaim deletes an expired key without blocking the caller. The delete is
// conditional, so a concurrent Set of the same key survives it.
func (s *Store) reclaim(key string, now time.Time) {
	if _, busy := s.pending.LoadOrStore(key, struct{}{}); busy {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Delete(key)

		ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
		defer cancel()

		removed, err := s.backend.DeleteExpired(ctx, key, now)
		if err != nil {
			s.log.Debug("lazy expiry delete failed", zap.String("key", key), zap.Error(err))
			return
		}
		if removed && s.stats != nil {
			s.stats.AddEntries(s.name, -1)
		}
	}()
}

// Wait blocks until background reclaims have finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Close waits for background work and closes the backend.
func (s *Store) Close() error {
	s.wg.Wait()
	return s.backend.Close()
}

// enforceCap evicts entries while the layer holds more than MaxSize rows.
// Expired rows go first, then victims in policy order. keep is never evicted.
func (s *Store) enforceCap(ctx context.Context, keep string) error {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	count, err := s.backend.Count(ctx)
	if err != nil {
		return err
	}
	excess := count - s.opts.MaxSize
	if excess <= 0 {
		return nil
	}

	now := s.now()
	var expired []string
	var live []*cache.Entry
	err = s.backend.Scan(ctx, func(e *cache.Entry) bool {
		switch {
		case e.Key == keep:
		case e.ExpiredAt(now):
			expired = append(expired, e.Key)
		default:
			live = append(live, e)
		}
		return true
	})
	if err != nil {
		return err
	}

	var reclaimed, evicted int
	for _, key := range expired {
		if reclaimed >= excess {
			break
		}
		ok, err := s.backend.DeleteExpired(ctx, key, now)
		if err != nil {
			return err
		}
		if ok {
			reclaimed++
		}
	}

	sortVictims(live, s.opts.Eviction)
	for _, e := range live {
		if reclaimed+evicted >= excess {
			break
		}
		ok, err := s.backend.Delete(ctx, e.Key)
		if err != nil {
			return err
		}
		if ok {
			evicted++
			s.log.Debug("evicted", zap.String("key", e.Key), zap.String("policy", s.opts.Eviction))
		}
	}

	if s.stats != nil {
		s.stats.AddEntries(s.name, -(reclaimed + evicted))
		s.stats.Evicted(s.name, evicted)
	}
	return nil
}

// sortVictims orders entries so the first one is evicted first.
func sortVictims(entries []*cache.Entry, policy string) {
	byRecency := func(a, b *cache.Entry) bool {
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch policy {
		case EvictLFU:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
		case EvictImportance:
			if a.Importance != b.Importance {
				return a.Importance < b.Importance
			}
		}
		return byRecency(a, b)
	})
}
