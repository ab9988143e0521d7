package layer

import (
	"context"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
)

// candidatePool is how many ranked candidates feed each selected slot.
const candidatePool = 3

// DefaultMMRLambda balances relevance and diversity equally.
const DefaultMMRLambda = 0.5

// ContextSelection is the outcome of SelectContext.
type ContextSelection struct {
	Results    []similarity.Result `json:"results"`
	Diversity  float64             `json:"diversity"`
	Candidates int                 `json:"candidates"`
	Lambda     float64             `json:"lambda"`
}

// VectorLayer selects relevant, non-redundant context snippets.
type VectorLayer struct {
	*Store
	lambda float64
}

// NewVector builds the vector layer.
func NewVector(backend cache.Backend, opts Options) (*VectorLayer, error) {
	opts.Name = Vector
	lambda := DefaultMMRLambda
	if opts.MMRLambda != nil {
		lambda = *opts.MMRLambda
		if lambda < 0 || lambda > 1 {
			return nil, cache.Validationf("mmr lambda %v outside [0, 1]", lambda)
		}
	}
	store, err := NewStore(backend, opts)
	if err != nil {
		return nil, err
	}
	return &VectorLayer{Store: store, lambda: lambda}, nil
}

// SelectContext ranks candidates above the threshold and re-ranks them with
// MMR so the n snippets returned cover different ground. Only the selected
// snippets are counted as read.
func (l *VectorLayer) SelectContext(ctx context.Context, query []float32, n int, minSimilarity, lambda *float64) (ContextSelection, error) {
	if n <= 0 {
		n = 5
	}
	lam := l.lambda
	if lambda != nil {
		if *lambda < 0 || *lambda > 1 {
			return ContextSelection{}, cache.Wrap("select_context", l.name, cache.Validationf("mmr lambda %v outside [0, 1]", *lambda))
		}
		lam = *lambda
	}

	pool, err := l.Rank(ctx, Query{Embedding: query, TopN: n * candidatePool, MinSimilarity: minSimilarity})
	if err != nil {
		return ContextSelection{}, err
	}

	selected := similarity.NewMMR(similarity.MMRConfig{Lambda: lam, TargetK: n}).Rerank(pool)
	selected, err = l.RecordReads(ctx, selected)
	if err != nil {
		return ContextSelection{}, err
	}

	if selected == nil {
		selected = []similarity.Result{}
	}
	return ContextSelection{
		Results:    selected,
		Diversity:  similarity.Diversity(selected),
		Candidates: len(pool),
		Lambda:     lam,
	}, nil
}
