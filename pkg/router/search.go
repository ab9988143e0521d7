package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// SearchRequest ranks entries by similarity to a query.
type SearchRequest struct {
	Query     string
	Embedding []float32

	// Layer restricts the search to one layer.
	Layer string

	// CrossLayer fans out to every enabled similarity layer and merges.
	// Without it the chain is walked until a layer returns results.
	CrossLayer bool

	TopN          int
	MinSimilarity *float64
	Filter        map[string]any

	Timeout time.Duration
}

// SearchResult is a ranked list, possibly empty.
type SearchResult struct {
	Results   []similarity.Result `json:"results"`
	Consulted []string            `json:"consulted"`

	// Unavailable lists layers skipped on the implicit path because their
	// storage could not be reached.
	Unavailable []string `json:"unavailable,omitempty"`
}

// Search ranks entries from req.Layer, from every similarity layer when
// CrossLayer is set, or from the first layer in the chain with results.
// Only the implicit paths skip unreachable layers, after logging them.
func (r *Router) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	ctx, cancel, err := r.begin(ctx, req.Timeout)
	if err != nil {
		return SearchResult{}, err
	}
	defer cancel()

	ctx, span := r.tracer.StartOperation(ctx, "search", req.Layer)
	defer span.End()
	start := time.Now()

	res, err := r.search(ctx, req)
	if err != nil {
		err = r.finish(ctx, "search", err)
		telemetry.RecordError(span, err)
		return SearchResult{}, err
	}
	served := ""
	if len(res.Results) > 0 {
		served = res.Results[0].Layer
	}
	telemetry.RecordLookup(span, served, len(res.Results) > 0, len(res.Results), time.Since(start))
	return res, nil
}

func (r *Router) search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if req.TopN <= 0 {
		req.TopN = 5
	}

	var explicit layer.Layer
	if req.Layer != "" {
		l, err := r.Layer(req.Layer)
		if err != nil {
			return SearchResult{}, err
		}
		if !l.Capabilities().Searchable {
			return SearchResult{}, cache.Validationf("%s layer does not support similarity search", l.Name())
		}
		explicit = l
	}

	query, err := r.vector(ctx, req.Query, req.Embedding)
	if err != nil {
		return SearchResult{}, err
	}
	if len(query) == 0 {
		if req.Query != "" {
			return SearchResult{}, cache.Validationf("query text given but no embedding provider is configured")
		}
		return SearchResult{}, cache.Validationf("query or embedding is required")
	}
	q := layer.Query{Embedding: query, TopN: req.TopN, MinSimilarity: req.MinSimilarity, Filter: req.Filter}

	switch {
	case explicit != nil:
		results, err := r.searchLayer(ctx, explicit, q)
		if err != nil {
			return SearchResult{}, err
		}
		return SearchResult{Results: nonNil(results), Consulted: []string{explicit.Name()}}, nil
	case req.CrossLayer:
		return r.fanOut(ctx, q)
	default:
		return r.walk(ctx, q)
	}
}

func (r *Router) searchable() []layer.Layer {
	var out []layer.Layer
	for _, name := range r.chain {
		if l := r.layers[name]; l.Capabilities().Searchable {
			out = append(out, l)
		}
	}
	return out
}

// walk consults similarity layers in chain order until one has results.
func (r *Router) walk(ctx context.Context, q layer.Query) (SearchResult, error) {
	res := SearchResult{Results: []similarity.Result{}}
	for _, l := range r.searchable() {
		res.Consulted = append(res.Consulted, l.Name())
		results, err := r.searchLayer(ctx, l, q)
		if r.skippable(l.Name(), err) {
			res.Unavailable = append(res.Unavailable, l.Name())
			continue
		}
		if err != nil {
			return SearchResult{}, err
		}
		if len(results) > 0 {
			res.Results = results
			return res, nil
		}
	}
	return res, nil
}

// fanOut ranks every similarity layer concurrently, merges the snapshots
// and records reads only on the merged winners. Ranking before any read
// keeps recency ties on the access times callers produced, not on this
// search's own bookkeeping.
func (r *Router) fanOut(ctx context.Context, q layer.Query) (SearchResult, error) {
	targets := r.searchable()
	lists := make([][]similarity.Result, len(targets))

	var mu sync.Mutex
	var unavailable []string
	skip := func(name string) {
		mu.Lock()
		unavailable = append(unavailable, name)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range targets {
		g.Go(func() error {
			results, err := r.rankLayer(gctx, l, q)
			if r.skippable(l.Name(), err) {
				skip(l.Name())
				return nil
			}
			if err != nil {
				return err
			}
			lists[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SearchResult{}, err
	}

	merged := similarity.Merge(q.TopN, lists...)
	byLayer := make(map[string][]int, len(targets))
	for i, res := range merged {
		byLayer[res.Layer] = append(byLayer[res.Layer], i)
	}

	consulted := make([]string, len(targets))
	for i, l := range targets {
		consulted[i] = l.Name()
		idx := byLayer[l.Name()]
		if len(idx) == 0 {
			continue
		}
		picked := make([]similarity.Result, len(idx))
		for j, at := range idx {
			picked[j] = merged[at]
		}
		touched, err := l.RecordReads(ctx, picked)
		if r.skippable(l.Name(), err) {
			skip(l.Name())
			continue
		}
		if err != nil {
			return SearchResult{}, err
		}
		for j, at := range idx {
			merged[at] = touched[j]
		}
	}

	return SearchResult{
		Results:     nonNil(merged),
		Consulted:   consulted,
		Unavailable: orderLike(consulted, unavailable),
	}, nil
}

func (r *Router) searchLayer(ctx context.Context, l layer.Layer, q layer.Query) ([]similarity.Result, error) {
	return r.consultLayer(ctx, l, q, l.Search)
}

func (r *Router) rankLayer(ctx context.Context, l layer.Layer, q layer.Query) ([]similarity.Result, error) {
	return r.consultLayer(ctx, l, q, l.Rank)
}

func (r *Router) consultLayer(ctx context.Context, l layer.Layer, q layer.Query, fn func(context.Context, layer.Query) ([]similarity.Result, error)) ([]similarity.Result, error) {
	name := l.Name()
	ctx, span := r.tracer.StartLayer(ctx, name, "search")
	defer span.End()
	start := time.Now()

	results, err := fn(ctx, q)
	r.record(name, "search", len(results) > 0, err, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return results, nil
}

// skippable reports whether the implicit path may move past err, logging
// the failure when it does.
func (r *Router) skippable(name string, err error) bool {
	if err == nil || !errors.Is(err, cache.ErrStorageUnavailable) {
		return false
	}
	r.log.Warn("layer unavailable, continuing search without it",
		zap.String("layer", name), zap.Error(err))
	return true
}

func nonNil(results []similarity.Result) []similarity.Result {
	if results == nil {
		return []similarity.Result{}
	}
	return results
}

// orderLike sorts subset into the order of full.
func orderLike(full, subset []string) []string {
	if len(subset) == 0 {
		return nil
	}
	in := make(map[string]bool, len(subset))
	for _, s := range subset {
		in[s] = true
	}
	out := make([]string, 0, len(subset))
	for _, s := range full {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}
