package embedding

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 10000

// CachedProvider memoises a Provider in a bounded LRU. Concurrent misses
// for the same text share one upstream call.
type CachedProvider struct {
	provider Provider
	cache    *lru.Cache[string, []float32]
	group    singleflight.Group
}

// NewCachedProvider wraps provider. maxSize <= 0 uses 10000 entries.
func NewCachedProvider(provider Provider, maxSize int) *CachedProvider {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	c, _ := lru.New[string, []float32](maxSize) // only fails on size <= 0
	return &CachedProvider{provider: provider, cache: c}
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Embed returns a copy of the cached vector, embedding text on a miss.
// Errors are not cached.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return clone(v), nil
	}

	v, err, _ := c.group.Do(text, func() (any, error) {
		v, err := c.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(text, clone(v))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]float32)), nil
}

// EmbedBatch sends only the uncached texts upstream, in one batch.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var at []int
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = clone(v)
			continue
		}
		missing = append(missing, t)
		at = append(at, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		out[at[i]] = v
		c.cache.Add(missing[i], clone(v))
	}
	return out, nil
}

func (c *CachedProvider) Dimension() int    { return c.provider.Dimension() }
func (c *CachedProvider) ModelName() string { return c.provider.ModelName() }

// CacheSize is the number of memoised texts.
func (c *CachedProvider) CacheSize() int { return c.cache.Len() }

// ClearCache drops every memoised vector.
func (c *CachedProvider) ClearCache() { c.cache.Purge() }
