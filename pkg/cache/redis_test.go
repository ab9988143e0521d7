package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T, layer string) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultRedisConfig()
	cfg.ScanCount = 2
	return NewRedis(client, cfg, layer), mr
}

func TestRedis_PutGet(t *testing.T) {
	r, mr := setupRedis(t, "global")
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	in := &Entry{
		ID:          "id-1",
		Key:         "doc",
		Value:       map[string]any{"title": "Go"},
		Embedding:   []float32{0.1, 0.2},
		Metadata:    map[string]any{"topic": "lang"},
		CreatedAt:   now,
		SessionID:   "s1",
		Importance:  0.8,
		ContextType: "decision",
	}

	created, err := r.Put(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, mr.Exists("ctxcache:global:doc"))

	out, err := r.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "id-1", out.ID)
	assert.Equal(t, map[string]any{"title": "Go"}, out.Value)
	assert.Equal(t, []float32{0.1, 0.2}, out.Embedding)
	assert.Equal(t, "lang", out.Metadata["topic"])
	assert.True(t, out.CreatedAt.Equal(now))
	assert.True(t, out.ExpiresAt.IsZero())
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, 0.8, out.Importance)
	assert.Equal(t, "decision", out.ContextType)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_OverwriteKeepsIdentity(t *testing.T) {
	r, _ := setupRedis(t, "semantic")
	ctx := context.Background()

	_, err := r.Put(ctx, &Entry{ID: "first", Key: "k", Value: "a"})
	require.NoError(t, err)
	_, err = r.Touch(ctx, "k", time.Now())
	require.NoError(t, err)

	created, err := r.Put(ctx, &Entry{ID: "second", Key: "k", Value: "b"})
	require.NoError(t, err)
	assert.False(t, created)

	out, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", out.ID)
	assert.Equal(t, int64(1), out.AccessCount)
	assert.Equal(t, "b", out.Value)
}

func TestRedis_TTL(t *testing.T) {
	r, mr := setupRedis(t, "predictive")
	ctx := context.Background()

	_, err := r.Put(ctx, &Entry{Key: "short", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Greater(t, mr.TTL("ctxcache:predictive:short"), time.Duration(0))

	// Overwriting without TTL clears the expiry.
	_, err = r.Put(ctx, &Entry{Key: "short"})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL("ctxcache:predictive:short"))
}

func TestRedis_Touch(t *testing.T) {
	r, _ := setupRedis(t, "predictive")
	ctx := context.Background()

	_, err := r.Touch(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "touch must not create rows")

	_, err = r.Put(ctx, &Entry{Key: "k"})
	require.NoError(t, err)

	at := time.Unix(1700000000, 42)
	out, err := r.Touch(ctx, "k", at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.AccessCount)
	assert.True(t, out.LastAccessedAt.Equal(at))

	out, err = r.Touch(ctx, "k", at)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.AccessCount)
}

func TestRedis_DeleteExpired(t *testing.T) {
	r, _ := setupRedis(t, "diary")
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	_, err := r.Put(ctx, &Entry{Key: "k", ExpiresAt: expires})
	require.NoError(t, err)

	deleted, err := r.DeleteExpired(ctx, "k", time.Now())
	require.NoError(t, err)
	assert.False(t, deleted, "live entry must survive")

	deleted, err = r.DeleteExpired(ctx, "k", expires.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = r.DeleteExpired(ctx, "k", expires.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRedis_ScanCountClear(t *testing.T) {
	r, mr := setupRedis(t, "vector")
	ctx := context.Background()

	// A different layer under the same prefix must be untouched.
	otherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = otherClient.Close() }()
	other := NewRedis(otherClient, DefaultRedisConfig(), "global")
	_, err := other.Put(ctx, &Entry{Key: "keep"})
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := r.Put(ctx, &Entry{Key: k, Value: k})
		require.NoError(t, err)
	}

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	seen := map[string]bool{}
	require.NoError(t, r.Scan(ctx, func(e *Entry) bool {
		seen[e.Key] = true
		return true
	}))
	assert.Len(t, seen, 5)

	removed, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	n, err = r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, mr.Exists("ctxcache:global:keep"))
}

func TestRedis_Unavailable(t *testing.T) {
	r, mr := setupRedis(t, "global")
	mr.Close()

	_, err := r.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.URL = "redis://" + mr.Addr() + "/0"

	r, err := OpenRedis(context.Background(), cfg, "global")
	require.NoError(t, err)
	assert.NoError(t, r.Close())

	cfg.URL = "not a url"
	_, err = OpenRedis(context.Background(), cfg, "global")
	assert.Error(t, err)
}

func TestRedis_ConcurrentPutIsWholeEntry(t *testing.T) {
	r, _ := setupRedis(t, "semantic")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		var wg sync.WaitGroup
		for _, w := range []string{"A", "B"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Put(ctx, &Entry{ID: "id-" + w, Key: "k", Value: w, Metadata: map[string]any{"writer": w}, CreatedAt: time.Now()})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		e, err := r.Get(ctx, "k")
		require.NoError(t, err)
		require.Contains(t, []any{"A", "B"}, e.Value)
		assert.Equal(t, e.Value, e.Metadata["writer"], "value and metadata come from the same write")
	}
}

func TestRedis_MetadataIsJSONData(t *testing.T) {
	r, _ := setupRedis(t, "semantic")
	ctx := context.Background()

	_, err := r.Put(ctx, &Entry{Key: "json", Value: "v", Metadata: map[string]any{"a": 1.0, "b": "x"}})
	require.NoError(t, err)
	e, err := r.Get(ctx, "json")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": "x"}, e.Metadata)

	// Go integers come back as JSON numbers.
	_, err = r.Put(ctx, &Entry{Key: "int", Value: 7, Metadata: map[string]any{"a": 1}})
	require.NoError(t, err)
	e, err = r.Get(ctx, "int")
	require.NoError(t, err)
	assert.Equal(t, 7.0, e.Value)
	assert.Equal(t, 1.0, e.Metadata["a"])
}
