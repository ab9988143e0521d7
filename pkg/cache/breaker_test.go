package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend fails every call while down is set.
type flakyBackend struct {
	*Memory
	down  bool
	calls int
}

func (f *flakyBackend) Get(ctx context.Context, key string) (*Entry, error) {
	f.calls++
	if f.down {
		return nil, Unavailable(errors.New("connection refused"))
	}
	return f.Memory.Get(ctx, key)
}

func TestBreaker_TripsOnStorageFaults(t *testing.T) {
	inner := &flakyBackend{Memory: NewMemory(), down: true}
	b := NewBreaker(inner, "redis/global", BreakerConfig{
		MaxRequests:         1,
		Timeout:             time.Hour,
		ConsecutiveFailures: 3,
	}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, ErrStorageUnavailable)
	}
	assert.Equal(t, "open", b.State())

	// Open breaker fails fast without calling the backend.
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestBreaker_MissesDoNotTrip(t *testing.T) {
	inner := &flakyBackend{Memory: NewMemory()}
	b := NewBreaker(inner, "redis/global", BreakerConfig{ConsecutiveFailures: 2}, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_Forwards(t *testing.T) {
	mem := NewMemory()
	b := NewBreaker(mem, "memory/test", DefaultBreakerConfig(), nil)
	ctx := context.Background()

	created, err := b.Put(ctx, &Entry{Key: "k", ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	assert.True(t, created)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, CanPurge(b))
	assert.False(t, CanSearchNearest(b))

	purged, err := b.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	res, err := b.Nearest(ctx, []float32{1}, 5)
	assert.NoError(t, err)
	assert.Nil(t, res)

	assert.Same(t, mem, b.Unwrap())
}

func TestBreaker_Observe(t *testing.T) {
	inner := &flakyBackend{Memory: NewMemory(), down: true}
	b := NewBreaker(inner, "redis/global", BreakerConfig{Timeout: time.Hour, ConsecutiveFailures: 1}, nil)

	var seen []string
	b.Observe(func(name, state string) {
		assert.Equal(t, "redis/global", name)
		seen = append(seen, state)
	})
	b.Observe(nil)

	_, err := b.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, []string{"closed", "open"}, seen)
}
