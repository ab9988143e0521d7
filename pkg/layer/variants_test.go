package layer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

func TestPredictive_Predict(t *testing.T) {
	clk := newClock()
	p, err := NewPredictive(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	ctx := context.Background()

	for _, k := range []string{"user:1:profile", "user:1:prefs", "doc:readme"} {
		_, err := p.Set(ctx, Item{Key: k})
		require.NoError(t, err)
	}

	// profile is usually followed by prefs.
	for i := 0; i < 3; i++ {
		_, err := p.Get(ctx, "user:1:profile")
		require.NoError(t, err)
		_, err = p.Get(ctx, "user:1:prefs")
		require.NoError(t, err)
	}

	preds, err := p.Predict(ctx, "user:1:profile", 5)
	require.NoError(t, err)
	require.NotEmpty(t, preds)
	assert.Equal(t, "user:1:prefs", preds[0].Key)
	assert.Equal(t, "transition", preds[0].Reason)
	for _, pr := range preds {
		assert.NotEqual(t, "user:1:profile", pr.Key, "the recent key is never predicted")
	}
}

func TestPredictive_PrefixWithoutHistory(t *testing.T) {
	clk := newClock()
	p, err := NewPredictive(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	ctx := context.Background()

	_, _ = p.Set(ctx, Item{Key: "repo:a:main.go"})
	_, _ = p.Set(ctx, Item{Key: "other"})

	preds, err := p.Predict(ctx, "repo:a:README", 5)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "repo:a:main.go", preds[0].Key)
	assert.Equal(t, "prefix", preds[0].Reason)
}

func TestPredictive_ClearForgetsHistory(t *testing.T) {
	clk := newClock()
	p, err := NewPredictive(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	ctx := context.Background()

	_, _ = p.Set(ctx, Item{Key: "a"})
	_, _ = p.Set(ctx, Item{Key: "b"})
	assert.NotEmpty(t, p.transitionScores("a", clk.Now()))

	n, err := p.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, p.transitionScores("a", clk.Now()))
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "user:42:", keyPrefix("user:42:profile"))
	assert.Equal(t, "docs/", keyPrefix("docs/intro"))
	assert.Equal(t, "", keyPrefix("plain"))
	assert.Equal(t, "", keyPrefix(":leading"))
}

func TestSemantic_Similar(t *testing.T) {
	clk := newClock()
	l, err := NewSemantic(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	_, _ = l.Set(ctx, Item{Key: "q1", Value: "answer", Embedding: []float32{1, 0, 0}})
	_, _ = l.Set(ctx, Item{Key: "q2", Value: "other", Embedding: []float32{0, 1, 0}})

	res, err := l.Similar(ctx, []float32{0.99, 0.05, 0}, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "answer", res[0].Entry.Value)

	res, err = l.Similar(ctx, []float32{0.99, 0.05, 0}, 0, ptr(0.9999))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestVector_SelectContext(t *testing.T) {
	clk := newClock()
	l, err := NewVector(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	_, _ = l.Set(ctx, Item{Key: "a", Embedding: []float32{1, 0}})
	_, _ = l.Set(ctx, Item{Key: "a-dup", Embedding: []float32{1, 0.05}})
	_, _ = l.Set(ctx, Item{Key: "b", Embedding: []float32{0.8, 0.6}})

	query := []float32{1, 0}

	relevant, err := l.SelectContext(ctx, query, 2, nil, ptr(1))
	require.NoError(t, err)
	require.Len(t, relevant.Results, 2)
	assert.Equal(t, "a", relevant.Results[0].Entry.Key)
	assert.Equal(t, "a-dup", relevant.Results[1].Entry.Key)
	assert.Equal(t, 3, relevant.Candidates)

	diverse, err := l.SelectContext(ctx, query, 2, nil, ptr(0))
	require.NoError(t, err)
	require.Len(t, diverse.Results, 2)
	assert.Equal(t, "a", diverse.Results[0].Entry.Key)
	assert.Equal(t, "b", diverse.Results[1].Entry.Key)
	assert.Greater(t, diverse.Diversity, relevant.Diversity)

	_, err = l.SelectContext(ctx, query, 2, nil, ptr(1.5))
	assert.ErrorIs(t, err, cache.ErrValidation)

	empty, err := l.SelectContext(ctx, []float32{-1, 0}, 2, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, empty.Results)
	assert.Empty(t, empty.Results)
	assert.Equal(t, DefaultMMRLambda, empty.Lambda)
}

func TestVector_RejectsBadLambda(t *testing.T) {
	_, err := NewVector(cache.NewMemory(), Options{MMRLambda: ptr(-0.1)})
	assert.ErrorIs(t, err, cache.ErrValidation)
}

func TestGlobal_SearchKnowledge(t *testing.T) {
	clk := newClock()
	l, err := NewGlobal(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	_, _ = l.Set(ctx, Item{Key: "certain", Embedding: []float32{0.9, 0.436}, Metadata: map[string]any{"confidence": 1.0, "topic": "go"}})
	_, _ = l.Set(ctx, Item{Key: "doubtful", Embedding: []float32{1, 0}, Metadata: map[string]any{"confidence": 0.5, "topic": "go"}})
	_, _ = l.Set(ctx, Item{Key: "unrated", Embedding: []float32{1, 0}, Metadata: map[string]any{"topic": "rust"}})

	res, err := l.SearchKnowledge(ctx, []float32{1, 0}, 5, ptr(0.4), map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "certain", res[0].Entry.Key)
	assert.InDelta(t, 0.9, res[0].Relevance, 0.01)
	assert.Equal(t, "doubtful", res[1].Entry.Key)
	assert.InDelta(t, 0.5, res[1].Relevance, 0.001)
	assert.Equal(t, 0.5, res[1].Confidence)

	// Default threshold drops the low-confidence fact.
	res, err = l.SearchKnowledge(ctx, []float32{1, 0}, 5, nil, map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "certain", res[0].Entry.Key)

	// Missing confidence counts as certain.
	res, err = l.SearchKnowledge(ctx, []float32{1, 0}, 5, nil, map[string]any{"topic": "rust"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 1.0, res[0].Confidence)
}

func TestGlobal_SearchKnowledgeWeighsEveryCandidate(t *testing.T) {
	l, err := NewGlobal(cache.NewMemory(), Options{})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	for _, k := range []string{"weak-a", "weak-b", "weak-c"} {
		_, err := l.Set(ctx, Item{Key: k, Embedding: []float32{1, 0}, Metadata: map[string]any{"confidence": 0.1}})
		require.NoError(t, err)
	}
	_, err = l.Set(ctx, Item{Key: "good", Embedding: []float32{0.95, 0.31225}, Metadata: map[string]any{"confidence": 1.0}})
	require.NoError(t, err)

	res, err := l.SearchKnowledge(ctx, []float32{1, 0}, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "good", res[0].Entry.Key)
	assert.InDelta(t, 0.95, res[0].Relevance, 0.001)
}

func TestConfidenceClamp(t *testing.T) {
	assert.Equal(t, 1.0, confidence(nil))
	assert.Equal(t, 0.0, confidence(map[string]any{"confidence": -3}))
	assert.Equal(t, 1.0, confidence(map[string]any{"confidence": 7}))
	assert.Equal(t, 1.0, confidence(map[string]any{"confidence": "high"}))
}

func TestDiary_Validation(t *testing.T) {
	clk := newClock()
	d, err := NewDiary(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	_, err = d.Set(ctx, Item{Key: "m"})
	assert.ErrorIs(t, err, cache.ErrValidation, "session_id is required")

	_, err = d.Set(ctx, Item{Key: "m", SessionID: "s", Importance: ptr(1.2)})
	assert.ErrorIs(t, err, cache.ErrValidation)

	_, err = d.Set(ctx, Item{Key: "m", SessionID: "s"})
	require.NoError(t, err)
	e, err := d.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, DefaultImportance, e.Importance)

	_, err = d.SessionMemories(ctx, "", "", 0)
	assert.ErrorIs(t, err, cache.ErrValidation)
}

func TestDiary_SessionMemories(t *testing.T) {
	clk := newClock()
	d, err := NewDiary(cache.NewMemory(), Options{Now: clk.Now, HalfLife: 24 * time.Hour})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	_, _ = d.Set(ctx, Item{Key: "old-important", SessionID: "s1", Importance: ptr(0.9), ContextType: "decision"})
	clk.Advance(72 * time.Hour)
	_, _ = d.Set(ctx, Item{Key: "fresh", SessionID: "s1", Importance: ptr(0.5), ContextType: "note"})
	_, _ = d.Set(ctx, Item{Key: "weak", SessionID: "s1", Importance: ptr(0.1), ContextType: "note"})
	_, _ = d.Set(ctx, Item{Key: "elsewhere", SessionID: "s2", Importance: ptr(1)})

	mems, err := d.SessionMemories(ctx, "s1", "", 10)
	require.NoError(t, err)
	require.Len(t, mems, 3)
	// 0.9 decayed over three half-lives is 0.1125.
	assert.Equal(t, "fresh", mems[0].Entry.Key)
	assert.Equal(t, "old-important", mems[1].Entry.Key)
	assert.Equal(t, "weak", mems[2].Entry.Key)
	assert.InDelta(t, 0.1125, mems[1].Recall, 1e-9)
	assert.Equal(t, int64(1), mems[0].Entry.AccessCount)

	notes, err := d.SessionMemories(ctx, "s1", "note", 1)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "fresh", notes[0].Entry.Key)

	none, err := d.SessionMemories(ctx, "nobody", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestDiary_RecallFloor(t *testing.T) {
	clk := newClock()
	d, err := NewDiary(cache.NewMemory(), Options{Now: clk.Now, HalfLife: time.Hour})
	require.NoError(t, err)

	e := &cache.Entry{Importance: 0.8, LastAccessedAt: clk.Now()}
	assert.Equal(t, 0.8, d.Recall(e, clk.Now()))
	assert.InDelta(t, 0.4, d.Recall(e, clk.Now().Add(time.Hour)), 1e-9)
	assert.InDelta(t, 0.08, d.Recall(e, clk.Now().Add(100*time.Hour)), 1e-9)
}

func TestDiary_Insights(t *testing.T) {
	clk := newClock()
	d, err := NewDiary(cache.NewMemory(), Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	start := clk.Now()
	_, _ = d.Set(ctx, Item{Key: "m1", SessionID: "s1", Importance: ptr(0.9), ContextType: "decision",
		Metadata: map[string]any{"tags": []any{"db", "perf"}}})
	clk.Advance(time.Hour)
	_, _ = d.Set(ctx, Item{Key: "m2", SessionID: "s1", Importance: ptr(0.3),
		Metadata: map[string]any{"tags": "db"}})
	_, _ = d.Set(ctx, Item{Key: "m3", SessionID: "s2", Importance: ptr(0.6), ContextType: "decision"})

	in, err := d.Insights(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, in.TotalMemories)
	assert.Equal(t, 1, in.Sessions)
	assert.Equal(t, map[string]int{"decision": 1, "general": 1}, in.ByContextType)
	assert.InDelta(t, 0.6, in.AvgImportance, 1e-9)
	assert.Equal(t, 0.9, in.PeakImportance)
	assert.Equal(t, 1, in.HighImportance)
	assert.Equal(t, []TagCount{{Tag: "db", Count: 2}, {Tag: "perf", Count: 1}}, in.FrequentTags)
	require.NotNil(t, in.FirstAt)
	assert.True(t, in.FirstAt.Equal(start))
	assert.Equal(t, 3600.0, in.SpanSeconds)
	assert.Len(t, in.TopMemories, 2)

	all, err := d.Insights(ctx, "", "decision")
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalMemories)
	assert.Equal(t, 2, all.Sessions)

	// Insights are not reads.
	e, err := d.Backend().Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.AccessCount)

	empty, err := d.Insights(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalMemories)
	assert.NotNil(t, empty.TopMemories)
}

func TestDiary_ImportanceEviction(t *testing.T) {
	clk := newClock()
	d, err := NewDiary(cache.NewMemory(), Options{Now: clk.Now, MaxSize: 2, Eviction: EvictImportance})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	_, _ = d.Set(ctx, Item{Key: "keep", SessionID: "s", Importance: ptr(0.9)})
	_, _ = d.Set(ctx, Item{Key: "drop", SessionID: "s", Importance: ptr(0.1)})
	clk.Advance(time.Second)
	_, _ = d.Set(ctx, Item{Key: "new", SessionID: "s", Importance: ptr(0.5)})

	_, err = d.Get(ctx, "drop")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = d.Get(ctx, "keep")
	assert.NoError(t, err)
}
