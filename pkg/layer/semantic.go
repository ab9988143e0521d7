package layer

import (
	"context"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
)

// SemanticLayer reuses prior answers whose query embedding is close to a
// new one. Its default threshold is the strictest of all layers.
type SemanticLayer struct {
	*Store
}

// NewSemantic builds the semantic layer.
func NewSemantic(backend cache.Backend, opts Options) (*SemanticLayer, error) {
	opts.Name = Semantic
	store, err := NewStore(backend, opts)
	if err != nil {
		return nil, err
	}
	return &SemanticLayer{Store: store}, nil
}

// Similar returns up to n stored answers whose query is similar to query.
func (l *SemanticLayer) Similar(ctx context.Context, query []float32, n int, minSimilarity *float64) ([]similarity.Result, error) {
	if n <= 0 {
		n = 5
	}
	return l.Search(ctx, Query{Embedding: query, TopN: n, MinSimilarity: minSimilarity})
}
