// Package api is the transport-neutral operation surface of the cache.
// The MCP server and the HTTP API both decode arguments into the request
// types here and dispatch through Service.Call.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/router"
	"github.com/Siddhant-K-code/ctxcache/pkg/similarity"
)

// Operation names.
const (
	OpGet         = "cache_get"
	OpSet         = "cache_set"
	OpDelete      = "cache_delete"
	OpSearch      = "cache_search"
	OpStats       = "cache_stats"
	OpClear       = "cache_clear"
	OpPerformance = "cache_performance"
	OpClearStats  = "cache_clear_stats"

	OpPredict         = "predictive_predict"
	OpSemanticSimilar = "semantic_similar"
	OpSelectContext   = "vector_select_context"
	OpSearchKnowledge = "global_search_knowledge"
	OpSessionMemories = "diary_get_session_memories"
	OpInsights        = "diary_generate_insights"
)

// Operations lists every operation in a stable order.
var Operations = []string{
	OpGet, OpSet, OpDelete, OpSearch, OpStats, OpClear, OpPerformance, OpClearStats,
	OpPredict, OpSemanticSimilar, OpSelectContext, OpSearchKnowledge, OpSessionMemories, OpInsights,
}

// GetRequest is the argument of cache_get.
type GetRequest struct {
	Key           string    `json:"key" validate:"required"`
	Layer         string    `json:"layer,omitempty" validate:"omitempty,layer"`
	Embedding     []float32 `json:"embedding,omitempty"`
	MinSimilarity *float64  `json:"min_similarity,omitempty" validate:"omitempty,gte=-1,lte=1"`
	TimeoutMs     int       `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// SetRequest is the argument of cache_set.
type SetRequest struct {
	Key         string         `json:"key,omitempty" validate:"required_without=Text"`
	Value       any            `json:"value"`
	Layer       string         `json:"layer,omitempty" validate:"omitempty,layer"`
	Intent      string         `json:"intent,omitempty" validate:"omitempty,oneof=reuse context knowledge"`
	TTLSeconds  *float64       `json:"ttl_seconds,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Embedding   []float32      `json:"embedding,omitempty"`
	Text        string         `json:"text,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Importance  *float64       `json:"importance,omitempty"`
	ContextType string         `json:"context_type,omitempty"`
	TimeoutMs   int            `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// DeleteRequest is the argument of cache_delete.
type DeleteRequest struct {
	Key       string `json:"key" validate:"required"`
	Layer     string `json:"layer,omitempty" validate:"omitempty,layer"`
	TimeoutMs int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// SearchRequest is the argument of cache_search.
type SearchRequest struct {
	Query         string         `json:"query,omitempty" validate:"required_without=Embedding"`
	Embedding     []float32      `json:"embedding,omitempty"`
	Layer         string         `json:"layer,omitempty" validate:"omitempty,layer"`
	CrossLayer    bool           `json:"cross_layer,omitempty"`
	NResults      int            `json:"n_results,omitempty" validate:"gte=0,lte=1000"`
	MinSimilarity *float64       `json:"min_similarity,omitempty" validate:"omitempty,gte=-1,lte=1"`
	Filter        map[string]any `json:"filter,omitempty"`
	TimeoutMs     int            `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// ClearRequest is the argument of cache_clear.
type ClearRequest struct {
	Layer     string `json:"layer,omitempty" validate:"omitempty,layer"`
	TimeoutMs int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// PredictRequest is the argument of predictive_predict.
type PredictRequest struct {
	Context      string `json:"context" validate:"required"`
	NPredictions int    `json:"n_predictions,omitempty" validate:"gte=0,lte=1000"`
	TimeoutMs    int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// SimilarRequest is the argument of semantic_similar.
type SimilarRequest struct {
	Query         string    `json:"query,omitempty" validate:"required_without=Embedding"`
	Embedding     []float32 `json:"embedding,omitempty"`
	NResults      int       `json:"n_results,omitempty" validate:"gte=0,lte=1000"`
	MinSimilarity *float64  `json:"min_similarity,omitempty" validate:"omitempty,gte=-1,lte=1"`
	TimeoutMs     int       `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// ContextRequest is the argument of vector_select_context.
type ContextRequest struct {
	Query         string    `json:"query,omitempty" validate:"required_without=Embedding"`
	Embedding     []float32 `json:"embedding,omitempty"`
	NContext      int       `json:"n_context,omitempty" validate:"gte=0,lte=1000"`
	MinSimilarity *float64  `json:"min_similarity,omitempty" validate:"omitempty,gte=-1,lte=1"`
	Lambda        *float64  `json:"lambda,omitempty" validate:"omitempty,gte=0,lte=1"`
	TimeoutMs     int       `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// KnowledgeRequest is the argument of global_search_knowledge.
type KnowledgeRequest struct {
	Query        string         `json:"query,omitempty" validate:"required_without=Embedding"`
	Embedding    []float32      `json:"embedding,omitempty"`
	NResults     int            `json:"n_results,omitempty" validate:"gte=0,lte=1000"`
	MinRelevance *float64       `json:"min_relevance,omitempty" validate:"omitempty,gte=-1,lte=1"`
	Filter       map[string]any `json:"filter,omitempty"`
	TimeoutMs    int            `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// MemoriesRequest is the argument of diary_get_session_memories.
type MemoriesRequest struct {
	SessionID   string `json:"session_id" validate:"required"`
	ContextType string `json:"context_type,omitempty"`
	Limit       int    `json:"limit,omitempty" validate:"gte=0,lte=10000"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// InsightsRequest is the argument of diary_generate_insights.
type InsightsRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Category  string `json:"category,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// ClearResult reports how many entries each layer dropped.
type ClearResult struct {
	Cleared map[string]int `json:"cleared"`
	Total   int            `json:"total"`
}

// Predictions wraps predictive_predict output.
type Predictions struct {
	Context     string             `json:"context"`
	Predictions []layer.Prediction `json:"predictions"`
}

// Results wraps semantic_similar output.
type Results struct {
	Results []similarity.Result `json:"results"`
}

// KnowledgeResults wraps global_search_knowledge output.
type KnowledgeResults struct {
	Results []layer.KnowledgeResult `json:"results"`
}

// Memories wraps diary_get_session_memories output.
type Memories struct {
	SessionID string         `json:"session_id"`
	Memories  []layer.Memory `json:"memories"`
}

// StatsCleared is the result of cache_clear_stats.
type StatsCleared struct {
	Cleared bool      `json:"cleared"`
	At      time.Time `json:"at"`
}

// ErrorBody is the wire form of a failed operation.
type ErrorBody struct {
	Error string     `json:"error"`
	Kind  cache.Kind `json:"kind"`
}

// NewErrorBody classifies err.
func NewErrorBody(err error) ErrorBody {
	return ErrorBody{Error: err.Error(), Kind: cache.KindOf(err)}
}

// Service validates requests and dispatches them to the router.
type Service struct {
	router   *router.Router
	validate *validator.Validate
}

// New creates a Service over r.
func New(r *router.Router) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("layer", func(fl validator.FieldLevel) bool {
		return layer.Valid(fl.Field().String())
	})
	return &Service{router: r, validate: v}
}

// Router returns the underlying router.
func (s *Service) Router() *router.Router {
	return s.router
}

// Call decodes args for op and runs it. Empty args decode as {}.
func (s *Service) Call(ctx context.Context, op string, args []byte) (any, error) {
	switch op {
	case OpGet:
		return call(ctx, s, args, s.Get)
	case OpSet:
		return call(ctx, s, args, s.Set)
	case OpDelete:
		return call(ctx, s, args, s.Delete)
	case OpSearch:
		return call(ctx, s, args, s.Search)
	case OpClear:
		return call(ctx, s, args, s.Clear)
	case OpStats:
		return s.router.Stats(ctx)
	case OpPerformance:
		return s.router.Performance(), nil
	case OpClearStats:
		return s.ClearStats(), nil
	case OpPredict:
		return call(ctx, s, args, s.Predict)
	case OpSemanticSimilar:
		return call(ctx, s, args, s.SemanticSimilar)
	case OpSelectContext:
		return call(ctx, s, args, s.SelectContext)
	case OpSearchKnowledge:
		return call(ctx, s, args, s.SearchKnowledge)
	case OpSessionMemories:
		return call(ctx, s, args, s.SessionMemories)
	case OpInsights:
		return call(ctx, s, args, s.Insights)
	default:
		return nil, cache.Validationf("unknown operation %q", op)
	}
}

func call[Req, Resp any](ctx context.Context, s *Service, args []byte, fn func(context.Context, Req) (Resp, error)) (any, error) {
	var req Req
	if err := s.Decode(args, &req); err != nil {
		return nil, err
	}
	return fn(ctx, req)
}

// Decode parses args strictly into req and validates it.
func (s *Service) Decode(args []byte, req any) error {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return cache.Validationf("invalid arguments: %v", err)
	}
	return s.Validate(req)
}

// Validate runs the struct tags of req.
func (s *Service) Validate(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return cache.Validationf("invalid arguments: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return cache.Validationf("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_without":
		return fmt.Sprintf("%s or %s is required", fe.Field(), strings.ToLower(fe.Param()))
	case "layer":
		return fmt.Sprintf("unknown layer %q (use one of %s)", fe.Value(), strings.Join(layer.Names, ", "))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func timeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Get runs cache_get.
func (s *Service) Get(ctx context.Context, req GetRequest) (router.GetResult, error) {
	return s.router.Get(ctx, router.GetRequest{
		KeyOrQuery:    req.Key,
		Embedding:     req.Embedding,
		Layer:         req.Layer,
		MinSimilarity: req.MinSimilarity,
		Timeout:       timeout(req.TimeoutMs),
	})
}

// Set runs cache_set.
func (s *Service) Set(ctx context.Context, req SetRequest) (layer.Written, error) {
	r := router.SetRequest{
		Key:         req.Key,
		Value:       req.Value,
		Embedding:   req.Embedding,
		Text:        req.Text,
		Layer:       req.Layer,
		Intent:      req.Intent,
		Metadata:    req.Metadata,
		SessionID:   req.SessionID,
		Importance:  req.Importance,
		ContextType: req.ContextType,
		Timeout:     timeout(req.TimeoutMs),
	}
	if req.TTLSeconds != nil {
		ttl, err := ttlFromSeconds(*req.TTLSeconds)
		if err != nil {
			return layer.Written{}, err
		}
		r.TTL = &ttl
	}
	return s.router.Set(ctx, r)
}

// maxTTLSeconds is the longest TTL a time.Duration can hold.
var maxTTLSeconds = time.Duration(math.MaxInt64).Seconds()

// ttlFromSeconds converts ttl_seconds. Zero means no expiry, so a positive
// value that rounds to zero is rejected rather than silently made permanent.
func ttlFromSeconds(sec float64) (time.Duration, error) {
	switch {
	case math.IsNaN(sec) || math.IsInf(sec, 0):
		return 0, cache.Validationf("ttl_seconds must be a finite number")
	case sec < 0:
		return 0, cache.Validationf("ttl_seconds must not be negative")
	case sec == 0:
		return 0, nil
	}
	ns := sec * float64(time.Second)
	if ns < 1 {
		return 0, cache.Validationf("ttl_seconds %g is below the 1ns resolution; use 0 for no expiry", sec)
	}
	if ns >= math.MaxInt64 {
		return 0, cache.Validationf("ttl_seconds %g exceeds the maximum of %.0f", sec, maxTTLSeconds)
	}
	return time.Duration(ns), nil
}

// Delete runs cache_delete.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (router.DeleteResult, error) {
	return s.router.Delete(ctx, req.Key, req.Layer, timeout(req.TimeoutMs))
}

// Search runs cache_search.
func (s *Service) Search(ctx context.Context, req SearchRequest) (router.SearchResult, error) {
	return s.router.Search(ctx, router.SearchRequest{
		Query:         req.Query,
		Embedding:     req.Embedding,
		Layer:         req.Layer,
		CrossLayer:    req.CrossLayer,
		TopN:          req.NResults,
		MinSimilarity: req.MinSimilarity,
		Filter:        req.Filter,
		Timeout:       timeout(req.TimeoutMs),
	})
}

// Clear runs cache_clear.
func (s *Service) Clear(ctx context.Context, req ClearRequest) (ClearResult, error) {
	cleared, err := s.router.Clear(ctx, req.Layer, timeout(req.TimeoutMs))
	if err != nil {
		return ClearResult{}, err
	}
	out := ClearResult{Cleared: cleared}
	for _, n := range cleared {
		out.Total += n
	}
	return out, nil
}

// ClearStats runs cache_clear_stats.
func (s *Service) ClearStats() StatsCleared {
	s.router.ClearStats()
	return StatsCleared{Cleared: true, At: time.Now().UTC()}
}

// Predict runs predictive_predict.
func (s *Service) Predict(ctx context.Context, req PredictRequest) (Predictions, error) {
	p, err := s.router.Predict(ctx, req.Context, req.NPredictions, timeout(req.TimeoutMs))
	if err != nil {
		return Predictions{}, err
	}
	return Predictions{Context: req.Context, Predictions: p}, nil
}

// SemanticSimilar runs semantic_similar.
func (s *Service) SemanticSimilar(ctx context.Context, req SimilarRequest) (Results, error) {
	q := router.VectorQuery{Text: req.Query, Embedding: req.Embedding}
	res, err := s.router.SemanticSimilar(ctx, q, req.NResults, req.MinSimilarity, timeout(req.TimeoutMs))
	if err != nil {
		return Results{}, err
	}
	return Results{Results: res}, nil
}

// SelectContext runs vector_select_context.
func (s *Service) SelectContext(ctx context.Context, req ContextRequest) (layer.ContextSelection, error) {
	q := router.VectorQuery{Text: req.Query, Embedding: req.Embedding}
	return s.router.SelectContext(ctx, q, req.NContext, req.MinSimilarity, req.Lambda, timeout(req.TimeoutMs))
}

// SearchKnowledge runs global_search_knowledge.
func (s *Service) SearchKnowledge(ctx context.Context, req KnowledgeRequest) (KnowledgeResults, error) {
	q := router.VectorQuery{Text: req.Query, Embedding: req.Embedding}
	res, err := s.router.SearchKnowledge(ctx, q, req.NResults, req.MinRelevance, req.Filter, timeout(req.TimeoutMs))
	if err != nil {
		return KnowledgeResults{}, err
	}
	return KnowledgeResults{Results: res}, nil
}

// SessionMemories runs diary_get_session_memories.
func (s *Service) SessionMemories(ctx context.Context, req MemoriesRequest) (Memories, error) {
	m, err := s.router.SessionMemories(ctx, req.SessionID, req.ContextType, req.Limit, timeout(req.TimeoutMs))
	if err != nil {
		return Memories{}, err
	}
	if m == nil {
		m = []layer.Memory{}
	}
	return Memories{SessionID: req.SessionID, Memories: m}, nil
}

// Insights runs diary_generate_insights.
func (s *Service) Insights(ctx context.Context, req InsightsRequest) (layer.Insights, error) {
	return s.router.Insights(ctx, req.SessionID, req.Category, timeout(req.TimeoutMs))
}
