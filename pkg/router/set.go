package router

import (
	"context"
	"time"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

// Write intents select a similarity layer for payloads with an embedding.
const (
	IntentReuse     = "reuse"
	IntentContext   = "context"
	IntentKnowledge = "knowledge"
)

// SetRequest writes one entry.
type SetRequest struct {
	Key       string
	Value     any
	Embedding []float32

	// Text is embedded when Embedding is empty and the target layer
	// stores vectors.
	Text string

	// Layer bypasses the dispatch table.
	Layer string

	// Intent picks among similarity layers: reuse (default), context or
	// knowledge.
	Intent string

	// TTL nil applies the layer default; zero means no expiry.
	TTL      *time.Duration
	Metadata map[string]any

	SessionID   string
	Importance  *float64
	ContextType string

	Timeout time.Duration
}

type shape int

const (
	shapePlain shape = iota
	shapeSession
	shapeReuse
	shapeContext
	shapeKnowledge
)

// dispatch maps a payload shape to the layer that absorbs it.
var dispatch = map[shape]string{
	shapePlain:     layer.Predictive,
	shapeSession:   layer.Diary,
	shapeReuse:     layer.Semantic,
	shapeContext:   layer.Vector,
	shapeKnowledge: layer.Global,
}

func classify(req SetRequest) (shape, error) {
	if req.SessionID != "" {
		return shapeSession, nil
	}
	if len(req.Embedding) == 0 && req.Text == "" {
		if req.Intent != "" {
			return 0, cache.Validationf("intent %q needs an embedding or text", req.Intent)
		}
		return shapePlain, nil
	}
	switch req.Intent {
	case "", IntentReuse:
		return shapeReuse, nil
	case IntentContext:
		return shapeContext, nil
	case IntentKnowledge:
		return shapeKnowledge, nil
	default:
		return 0, cache.Validationf("unknown intent %q", req.Intent)
	}
}

// Target returns the layer a request without a layer hint is written to.
func Target(req SetRequest) (string, error) {
	if req.Layer != "" {
		if !layer.Valid(req.Layer) {
			return "", cache.Validationf("unknown layer %q", req.Layer)
		}
		return req.Layer, nil
	}
	s, err := classify(req)
	if err != nil {
		return "", err
	}
	return dispatch[s], nil
}

// Set writes the entry to req.Layer or to the layer the dispatch table
// picks for its shape. The write is a single backend upsert.
func (r *Router) Set(ctx context.Context, req SetRequest) (layer.Written, error) {
	ctx, cancel, err := r.begin(ctx, req.Timeout)
	if err != nil {
		return layer.Written{}, err
	}
	defer cancel()

	ctx, span := r.tracer.StartOperation(ctx, "set", req.Layer)
	defer span.End()

	w, err := r.set(ctx, req)
	if err != nil {
		err = r.finish(ctx, "set", err)
		telemetry.RecordError(span, err)
		return layer.Written{}, err
	}
	return w, nil
}

func (r *Router) set(ctx context.Context, req SetRequest) (layer.Written, error) {
	name, err := Target(req)
	if err != nil {
		return layer.Written{}, err
	}
	l, err := r.Layer(name)
	if err != nil {
		return layer.Written{}, err
	}

	emb := req.Embedding
	if len(emb) == 0 && req.Text != "" && l.Capabilities().Embeddings {
		if r.embedder == nil {
			return layer.Written{}, cache.Validationf("text given but no embedding provider is configured")
		}
		emb, err = r.vector(ctx, req.Text, nil)
		if err != nil {
			return layer.Written{}, err
		}
	}

	key := req.Key
	if key == "" && req.Text != "" && l.Capabilities().Searchable {
		key = cache.QueryKey(name, req.Text)
	}

	ctx, span := r.tracer.StartLayer(ctx, name, "set")
	defer span.End()
	start := time.Now()

	w, err := l.Set(ctx, layer.Item{
		Key:         key,
		Value:       req.Value,
		Embedding:   emb,
		Metadata:    req.Metadata,
		TTL:         req.TTL,
		SessionID:   req.SessionID,
		Importance:  req.Importance,
		ContextType: req.ContextType,
	})
	if err != nil {
		r.stats.Error(name, time.Since(start))
		telemetry.RecordError(span, err)
		return layer.Written{}, err
	}
	r.stats.Op(name, time.Since(start))
	return w, nil
}
