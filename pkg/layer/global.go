package layer

import (
	"context"
	"sort"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
)

// ConfidenceKey is the metadata field weighting knowledge relevance.
const ConfidenceKey = "confidence"

// KnowledgeResult is a fact with its similarity and confidence-weighted
// relevance.
type KnowledgeResult struct {
	similarity.Result
	Confidence float64 `json:"confidence"`
	Relevance  float64 `json:"relevance"`
}

// GlobalLayer stores durable facts shared across sessions.
type GlobalLayer struct {
	*Store
}

// NewGlobal builds the global knowledge layer.
func NewGlobal(backend cache.Backend, opts Options) (*GlobalLayer, error) {
	opts.Name = Global
	store, err := NewStore(backend, opts)
	if err != nil {
		return nil, err
	}
	return &GlobalLayer{Store: store}, nil
}

// SearchKnowledge returns up to n facts matching filter whose relevance,
// similarity times metadata confidence, reaches minRelevance.
func (l *GlobalLayer) SearchKnowledge(ctx context.Context, query []float32, n int, minRelevance *float64, filter map[string]any) ([]KnowledgeResult, error) {
	if n <= 0 {
		n = 5
	}
	floor := l.matcher.Threshold(minRelevance)

	// Every candidate is weighted before truncating: a lower similarity with
	// higher confidence can outrank the nearest vectors. For a non-negative
	// floor relevance never exceeds similarity, so the floor still applies
	// to similarity.
	cut := floor
	if cut < 0 {
		cut = -1
	}
	ranked, err := l.Rank(ctx, Query{Embedding: query, MinSimilarity: &cut, Filter: filter})
	if err != nil {
		return nil, err
	}

	out := make([]KnowledgeResult, 0, len(ranked))
	for _, r := range ranked {
		conf := confidence(r.Entry.Metadata)
		rel := r.Score * conf
		if rel < floor {
			continue
		}
		out = append(out, KnowledgeResult{Result: r, Confidence: conf, Relevance: rel})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return similarity.Less(out[i].Result, out[j].Result)
	})
	if len(out) > n {
		out = out[:n]
	}

	plain := make([]similarity.Result, len(out))
	for i := range out {
		plain[i] = out[i].Result
	}
	plain, err = l.RecordReads(ctx, plain)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Result = plain[i]
	}
	return out, nil
}

func confidence(md map[string]any) float64 {
	c, ok := metadataFloat(md, ConfidenceKey)
	if !ok {
		return 1
	}
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
