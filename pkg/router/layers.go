package router

import (
	"context"
	"time"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// VectorQuery is query text, or a ready embedding, for layer-specific
// operations.
type VectorQuery struct {
	Text      string
	Embedding []float32
}

func (r *Router) resolve(ctx context.Context, q VectorQuery) ([]float32, error) {
	v, err := r.vector(ctx, q.Text, q.Embedding)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		if q.Text != "" {
			return nil, cache.Validationf("query text given but no embedding provider is configured")
		}
		return nil, cache.Validationf("query or embedding is required")
	}
	return v, nil
}

func disabled(name string) error {
	return cache.Validationf("layer %q is not enabled", name)
}

// run applies the deadline, span and stats bookkeeping to a layer-specific
// operation. A zero timeout uses the router default. hit reports whether fn
// produced anything; a nil hit records an operation instead of a lookup.
func (r *Router) run(ctx context.Context, name, op string, timeout time.Duration, fn func(ctx context.Context) (hit *bool, err error)) error {
	ctx, cancel, err := r.begin(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()

	ctx, span := r.tracer.StartLayer(ctx, name, op)
	defer span.End()
	start := time.Now()

	hit, err := fn(ctx)
	d := time.Since(start)
	switch {
	case err != nil:
		r.stats.Error(name, d)
		err = r.finish(ctx, op, err)
		telemetry.RecordError(span, err)
		return err
	case hit == nil:
		r.stats.Op(name, d)
	case *hit:
		r.stats.Hit(name, op, d)
	default:
		r.stats.Miss(name, op, d)
	}
	return nil
}

func found(n int) *bool {
	b := n > 0
	return &b
}

// Predict ranks the keys likely to follow recent.
func (r *Router) Predict(ctx context.Context, recent string, n int, timeout time.Duration) ([]layer.Prediction, error) {
	if r.typed.Predictive == nil {
		return nil, disabled(layer.Predictive)
	}
	var out []layer.Prediction
	err := r.run(ctx, layer.Predictive, "predict", timeout, func(ctx context.Context) (*bool, error) {
		var err error
		out, err = r.typed.Predictive.Predict(ctx, recent, n)
		return found(len(out)), err
	})
	if out == nil && err == nil {
		out = []layer.Prediction{}
	}
	return out, err
}

// SemanticSimilar returns stored answers for queries similar to q.
func (r *Router) SemanticSimilar(ctx context.Context, q VectorQuery, n int, minSimilarity *float64, timeout time.Duration) ([]similarity.Result, error) {
	if r.typed.Semantic == nil {
		return nil, disabled(layer.Semantic)
	}
	var out []similarity.Result
	err := r.run(ctx, layer.Semantic, "similar", timeout, func(ctx context.Context) (*bool, error) {
		v, err := r.resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		out, err = r.typed.Semantic.Similar(ctx, v, n, minSimilarity)
		return found(len(out)), err
	})
	return nonNil(out), err
}

// SelectContext picks diverse relevant snippets from the vector layer.
func (r *Router) SelectContext(ctx context.Context, q VectorQuery, n int, minSimilarity, lambda *float64, timeout time.Duration) (layer.ContextSelection, error) {
	if r.typed.Vector == nil {
		return layer.ContextSelection{}, disabled(layer.Vector)
	}
	var out layer.ContextSelection
	err := r.run(ctx, layer.Vector, "select_context", timeout, func(ctx context.Context) (*bool, error) {
		v, err := r.resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		out, err = r.typed.Vector.SelectContext(ctx, v, n, minSimilarity, lambda)
		return found(len(out.Results)), err
	})
	return out, err
}

// SearchKnowledge searches the global knowledge layer.
func (r *Router) SearchKnowledge(ctx context.Context, q VectorQuery, n int, minRelevance *float64, filter map[string]any, timeout time.Duration) ([]layer.KnowledgeResult, error) {
	if r.typed.Global == nil {
		return nil, disabled(layer.Global)
	}
	var out []layer.KnowledgeResult
	err := r.run(ctx, layer.Global, "search_knowledge", timeout, func(ctx context.Context) (*bool, error) {
		v, err := r.resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		out, err = r.typed.Global.SearchKnowledge(ctx, v, n, minRelevance, filter)
		return found(len(out)), err
	})
	if out == nil && err == nil {
		out = []layer.KnowledgeResult{}
	}
	return out, err
}

// SessionMemories recalls a session's memories from the diary.
func (r *Router) SessionMemories(ctx context.Context, sessionID, contextType string, limit int, timeout time.Duration) ([]layer.Memory, error) {
	if r.typed.Diary == nil {
		return nil, disabled(layer.Diary)
	}
	var out []layer.Memory
	err := r.run(ctx, layer.Diary, "session_memories", timeout, func(ctx context.Context) (*bool, error) {
		var err error
		out, err = r.typed.Diary.SessionMemories(ctx, sessionID, contextType, limit)
		return found(len(out)), err
	})
	return out, err
}

// Insights aggregates diary memories.
func (r *Router) Insights(ctx context.Context, sessionID, category string, timeout time.Duration) (layer.Insights, error) {
	if r.typed.Diary == nil {
		return layer.Insights{}, disabled(layer.Diary)
	}
	var out layer.Insights
	err := r.run(ctx, layer.Diary, "insights", timeout, func(ctx context.Context) (*bool, error) {
		var err error
		out, err = r.typed.Diary.Insights(ctx, sessionID, category)
		return nil, err
	})
	return out, err
}
