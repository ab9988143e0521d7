package similarity

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

func entry(key string, emb ...float32) *cache.Entry {
	return &cache.Entry{Key: key, Embedding: emb}
}

func TestScore(t *testing.T) {
	s, err := Score([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)

	s, err = Score([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, s, 1e-9)

	_, err = Score([]float32{1, 0}, []float32{1, 0, 0})
	assert.ErrorIs(t, err, cache.ErrDimensionMismatch)

	_, err = Score(nil, []float32{1})
	assert.ErrorIs(t, err, cache.ErrValidation)
}

func TestAccept(t *testing.T) {
	assert.True(t, Accept(0.85, 0.85), "threshold is inclusive")
	assert.False(t, Accept(0.849, 0.85))
	assert.True(t, Accept(-0.2, -1))
}

func TestLess(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	a := Result{Entry: &cache.Entry{Key: "a", LastAccessedAt: older}, Score: 0.9}
	b := Result{Entry: &cache.Entry{Key: "b", LastAccessedAt: newer}, Score: 0.9}
	c := Result{Entry: &cache.Entry{Key: "c", LastAccessedAt: older}, Score: 0.9}
	top := Result{Entry: &cache.Entry{Key: "z", LastAccessedAt: older}, Score: 0.95}

	assert.True(t, Less(top, b), "higher score first")
	assert.True(t, Less(b, a), "more recent access breaks score ties")
	assert.True(t, Less(a, c), "key breaks remaining ties")

	sem := Result{Entry: a.Entry, Score: 0.9, Layer: "semantic"}
	vec := Result{Entry: a.Entry, Score: 0.9, Layer: "vector"}
	assert.True(t, Less(sem, vec))
}

func TestMatcher_CheckQuery(t *testing.T) {
	m := Matcher{Dimension: 3}

	assert.NoError(t, m.CheckQuery([]float32{1, 2, 3}))
	assert.ErrorIs(t, m.CheckQuery(nil), cache.ErrValidation)
	assert.ErrorIs(t, m.CheckQuery([]float32{1, 2}), cache.ErrDimensionMismatch)

	nan := float32(math.NaN())
	assert.ErrorIs(t, m.CheckQuery([]float32{1, nan, 3}), cache.ErrValidation)

	assert.NoError(t, Matcher{}.CheckQuery([]float32{1, 2}), "zero dimension accepts any size")
}

func TestMatcher_Threshold(t *testing.T) {
	m := Matcher{DefaultMin: 0.7}
	assert.Equal(t, 0.7, m.Threshold(nil))

	zero := 0.0
	assert.Equal(t, 0.0, m.Threshold(&zero), "an explicit zero overrides the default")
}

func TestMatcher_Rank(t *testing.T) {
	m := Matcher{DefaultMin: 0.5}
	candidates := []*cache.Entry{
		entry("exact", 1, 0),
		entry("close", 0.9, 0.1),
		entry("orthogonal", 0, 1),
		{Key: "no-embedding"},
		entry("opposite", -1, 0),
	}

	results, err := m.Rank([]float32{1, 0}, candidates, 0, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Entry.Key)
	assert.Equal(t, "close", results[1].Entry.Key)

	results, err = m.Rank([]float32{1, 0}, candidates, 1, -1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exact", results[0].Entry.Key)

	_, err = m.Rank([]float32{1, 0}, []*cache.Entry{entry("wide", 1, 0, 0)}, 0, 0)
	assert.True(t, errors.Is(err, cache.ErrDimensionMismatch))
}

func TestMerge(t *testing.T) {
	semantic := []Result{
		{Entry: entry("s1"), Score: 0.9, Layer: "semantic"},
		{Entry: entry("s2"), Score: 0.6, Layer: "semantic"},
	}
	global := []Result{
		{Entry: entry("g1"), Score: 0.8, Layer: "global"},
	}

	merged := Merge(0, semantic, global)
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"s1", "g1", "s2"}, keys(merged))

	assert.Len(t, Merge(2, semantic, global), 2)
	assert.Empty(t, Merge(5))
}

func keys(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Entry.Key
	}
	return out
}

func mmrInput() []Result {
	return []Result{
		{Entry: entry("a", 1, 0), Score: 0.9},
		{Entry: entry("a-dup", 1, 0.01), Score: 0.89},
		{Entry: entry("b", 0, 1), Score: 0.5},
	}
}

func TestMMR_Rerank(t *testing.T) {
	relevance := NewMMR(MMRConfig{Lambda: 1, TargetK: 2}).Rerank(mmrInput())
	assert.Equal(t, []string{"a", "a-dup"}, keys(relevance))

	balanced := NewMMR(MMRConfig{Lambda: 0.5, TargetK: 2}).Rerank(mmrInput())
	assert.Equal(t, []string{"a", "b"}, keys(balanced))

	assert.Greater(t, Diversity(balanced), Diversity(relevance))
}

func TestMMR_Bounds(t *testing.T) {
	assert.Nil(t, NewMMR(DefaultMMRConfig()).Rerank(nil))

	m := NewMMR(MMRConfig{Lambda: 3, TargetK: -1})
	assert.Equal(t, 1.0, m.cfg.Lambda)
	assert.Equal(t, DefaultMMRConfig().TargetK, m.cfg.TargetK)

	m = NewMMR(MMRConfig{Lambda: -1, TargetK: 10})
	assert.Equal(t, 0.0, m.cfg.Lambda)
	assert.Len(t, m.Rerank(mmrInput()), 3, "target is capped by the input size")
}

func TestDiversity(t *testing.T) {
	assert.Equal(t, 0.0, Diversity(nil))
	assert.Equal(t, 0.0, Diversity([]Result{{Entry: entry("a", 1, 0)}}))

	d := Diversity([]Result{{Entry: entry("a", 1, 0)}, {Entry: entry("b", 0, 1)}})
	assert.InDelta(t, 1.0, d, 1e-9)
}
