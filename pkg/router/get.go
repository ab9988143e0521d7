package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// GetRequest looks up a value by exact key or natural-language query.
type GetRequest struct {
	// KeyOrQuery is tried as an exact key first, then embedded for the
	// similarity layers.
	KeyOrQuery string

	// Embedding skips embedding KeyOrQuery.
	Embedding []float32

	// Layer restricts the lookup to one layer.
	Layer string

	// MinSimilarity overrides each similarity layer's threshold.
	MinSimilarity *float64

	Timeout time.Duration
}

// GetResult is a hit or a miss. A miss is not an error.
type GetResult struct {
	Found     bool         `json:"found"`
	Layer     string       `json:"layer,omitempty"`
	Key       string       `json:"key,omitempty"`
	Value     any          `json:"value,omitempty"`
	Entry     *cache.Entry `json:"entry,omitempty"`
	Score     *float64     `json:"score,omitempty"`
	Consulted []string     `json:"consulted"`
}

// Get returns the first hit along the fallback chain, or only from
// req.Layer when set. A storage fault in a consulted layer is returned,
// never turned into a miss.
func (r *Router) Get(ctx context.Context, req GetRequest) (GetResult, error) {
	ctx, cancel, err := r.begin(ctx, req.Timeout)
	if err != nil {
		return GetResult{}, err
	}
	defer cancel()

	ctx, span := r.tracer.StartOperation(ctx, "get", req.Layer)
	defer span.End()
	start := time.Now()

	res, err := r.get(ctx, req)
	if err != nil {
		err = r.finish(ctx, "get", err)
		telemetry.RecordError(span, err)
		return GetResult{}, err
	}
	telemetry.RecordLookup(span, res.Layer, res.Found, boolCount(res.Found), time.Since(start))
	return res, nil
}

func (r *Router) get(ctx context.Context, req GetRequest) (GetResult, error) {
	if req.KeyOrQuery == "" && len(req.Embedding) == 0 {
		return GetResult{}, cache.Validationf("key or query is required")
	}

	if req.Layer != "" {
		l, err := r.Layer(req.Layer)
		if err != nil {
			return GetResult{}, err
		}
		res := GetResult{Consulted: []string{l.Name()}}
		hit, err := r.lookup(ctx, l, req, true)
		if err != nil || hit == nil {
			return res, err
		}
		hit.Consulted = res.Consulted
		return *hit, nil
	}

	res := GetResult{Consulted: make([]string, 0, len(r.chain))}
	var query []float32
	embedded := false
	for _, name := range r.chain {
		l := r.layers[name]
		res.Consulted = append(res.Consulted, name)

		// Embed once, and only when a similarity layer is reached.
		if l.Capabilities().Searchable && !embedded {
			v, err := r.vector(ctx, req.KeyOrQuery, req.Embedding)
			if err != nil {
				return res, err
			}
			query, embedded = v, true
		}

		lr := req
		lr.Embedding = query
		hit, err := r.lookup(ctx, l, lr, false)
		if err != nil {
			return res, err
		}
		if hit != nil {
			hit.Consulted = res.Consulted
			return *hit, nil
		}
	}
	return res, nil
}

// lookup consults one layer and records exactly one hit, miss or error for
// it. A nil result with nil error is a miss.
func (r *Router) lookup(ctx context.Context, l layer.Layer, req GetRequest, explicit bool) (*GetResult, error) {
	name := l.Name()
	ctx, span := r.tracer.StartLayer(ctx, name, "get")
	defer span.End()
	start := time.Now()

	hit, err := r.consult(ctx, l, req, explicit)
	r.record(name, "get", hit != nil, err, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		r.log.Debug("layer lookup failed", zap.String("layer", name), zap.Error(err))
		return nil, err
	}
	return hit, nil
}

func (r *Router) consult(ctx context.Context, l layer.Layer, req GetRequest, explicit bool) (*GetResult, error) {
	name := l.Name()

	// Long free-text queries are not valid keys; on the implicit path they
	// go straight to similarity.
	exact := req.KeyOrQuery != "" && (explicit || cache.ValidateKey(req.KeyOrQuery) == nil)
	if exact {
		e, err := l.Get(ctx, req.KeyOrQuery)
		switch {
		case err == nil:
			return &GetResult{Found: true, Layer: name, Key: e.Key, Value: e.Value, Entry: e}, nil
		case errors.Is(err, cache.ErrNotFound):
		case explicit && errors.Is(err, cache.ErrValidation) && l.Capabilities().Searchable:
			// Not usable as a key; the query may still match by similarity.
		default:
			return nil, err
		}
	}

	if !l.Capabilities().Searchable {
		return nil, nil
	}
	query := req.Embedding
	if len(query) == 0 && explicit {
		v, err := r.vector(ctx, req.KeyOrQuery, nil)
		if err != nil {
			return nil, err
		}
		query = v
	}
	if len(query) == 0 {
		return nil, nil
	}

	results, err := l.Search(ctx, layer.Query{Embedding: query, TopN: 1, MinSimilarity: req.MinSimilarity})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	top := results[0]
	score := top.Score
	return &GetResult{Found: true, Layer: name, Key: top.Entry.Key, Value: top.Entry.Value, Entry: top.Entry, Score: &score}, nil
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
