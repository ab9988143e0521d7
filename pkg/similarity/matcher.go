// Package similarity scores candidate entries against a query embedding and
// decides which of them count as matches.
//
// Scores are cosine similarity in [-1, 1] for every layer, so thresholds are
// comparable across layers.
package similarity

import (
	"sort"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	ctxmath "github.com/Siddhant-K-code/ctxcache/pkg/math"
)

// Result is a scored entry.
type Result struct {
	Entry *cache.Entry `json:"entry"`
	Score float64      `json:"score"`
	Layer string       `json:"layer,omitempty"`
}

// Score compares query with a candidate embedding. Differing lengths fail
// with cache.ErrDimensionMismatch.
func Score(query, candidate []float32) (float64, error) {
	if len(query) == 0 {
		return 0, cache.Validationf("query embedding is empty")
	}
	if len(query) != len(candidate) {
		return 0, cache.DimensionMismatch(len(query), len(candidate))
	}
	sim, _ := ctxmath.Cosine(query, candidate)
	return sim, nil
}

// Accept applies the acceptance rule.
func Accept(score, minSimilarity float64) bool {
	return score >= minSimilarity
}

// Less orders results: higher score, then more recent LastAccessedAt, then
// ascending key.
func Less(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Entry.LastAccessedAt.Equal(b.Entry.LastAccessedAt) {
		return a.Entry.LastAccessedAt.After(b.Entry.LastAccessedAt)
	}
	if a.Entry.Key != b.Entry.Key {
		return a.Entry.Key < b.Entry.Key
	}
	return a.Layer < b.Layer
}

// Sort orders results in place with Less.
func Sort(results []Result) {
	sort.SliceStable(results, func(i, j int) bool { return Less(results[i], results[j]) })
}

// Matcher ranks candidates for one layer.
type Matcher struct {
	// Dimension, when positive, is the size every query must have.
	Dimension int

	// DefaultMin is used when the caller passes no threshold.
	DefaultMin float64
}

// Threshold resolves the caller override against the default.
func (m Matcher) Threshold(override *float64) float64 {
	if override != nil {
		return *override
	}
	return m.DefaultMin
}

// CheckQuery validates the query against the layer dimension.
func (m Matcher) CheckQuery(query []float32) error {
	if len(query) == 0 {
		return cache.Validationf("query embedding is empty")
	}
	if !ctxmath.IsFinite(query) {
		return cache.Validationf("query embedding contains NaN or Inf")
	}
	if m.Dimension > 0 && len(query) != m.Dimension {
		return cache.DimensionMismatch(m.Dimension, len(query))
	}
	return nil
}

// Rank scores candidates, keeps those at or above minSimilarity and returns
// at most topN of them in Less order. topN <= 0 keeps all. Candidates
// without an embedding are skipped; a candidate of the wrong size is an error.
func (m Matcher) Rank(query []float32, candidates []*cache.Entry, topN int, minSimilarity float64) ([]Result, error) {
	if err := m.CheckQuery(query); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !c.HasEmbedding() {
			continue
		}
		score, err := Score(query, c.Embedding)
		if err != nil {
			return nil, err
		}
		if !Accept(score, minSimilarity) {
			continue
		}
		results = append(results, Result{Entry: c, Score: score})
	}

	Sort(results)
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

// Merge combines ranked lists from several layers and re-sorts them.
func Merge(topN int, lists ...[]Result) []Result {
	var merged []Result
	for _, l := range lists {
		merged = append(merged, l...)
	}
	Sort(merged)
	if topN > 0 && len(merged) > topN {
		merged = merged[:topN]
	}
	return merged
}
