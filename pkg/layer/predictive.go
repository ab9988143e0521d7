package layer

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

const (
	// maxTrackedKeys bounds the transition table.
	maxTrackedKeys = 4096

	// maxSuccessors bounds the followers remembered per key.
	maxSuccessors = 32

	transitionHalfLife = time.Hour

	transitionWeight = 0.6
	prefixWeight     = 0.25
	hotWeight        = 0.15
)

// Prediction is a candidate key with its score and dominant signal.
type Prediction struct {
	Key    string  `json:"key"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type edge struct {
	count int
	last  time.Time
}

// PredictiveLayer is an exact-key TTL cache that learns which keys tend to
// follow each other and ranks likely next keys from that history.
type PredictiveLayer struct {
	*Store

	mu          sync.Mutex
	transitions *lru.Cache[string, map[string]*edge]
	previous    string
}

// NewPredictive builds the predictive layer.
func NewPredictive(backend cache.Backend, opts Options) (*PredictiveLayer, error) {
	opts.Name = Predictive
	store, err := NewStore(backend, opts)
	if err != nil {
		return nil, err
	}
	transitions, err := lru.New[string, map[string]*edge](maxTrackedKeys)
	if err != nil {
		return nil, err
	}
	return &PredictiveLayer{Store: store, transitions: transitions}, nil
}

// Get reads key and records the access in the transition history.
func (p *PredictiveLayer) Get(ctx context.Context, key string) (*cache.Entry, error) {
	e, err := p.Store.Get(ctx, key)
	if err == nil {
		p.Observe(key)
	}
	return e, err
}

// Set writes the item and records it as an access.
func (p *PredictiveLayer) Set(ctx context.Context, item Item) (Written, error) {
	w, err := p.Store.Set(ctx, item)
	if err == nil {
		p.Observe(item.Key)
	}
	return w, err
}

// Observe records that key was accessed right after the previous key.
func (p *PredictiveLayer) Observe(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.previous
	p.previous = key
	if prev == "" || prev == key {
		return
	}

	followers, ok := p.transitions.Get(prev)
	if !ok {
		followers = make(map[string]*edge)
		p.transitions.Add(prev, followers)
	}
	now := p.now()
	if e, ok := followers[key]; ok {
		e.count++
		e.last = now
		return
	}
	if len(followers) >= maxSuccessors {
		dropWeakest(followers)
	}
	followers[key] = &edge{count: 1, last: now}
}

func dropWeakest(followers map[string]*edge) {
	var victim string
	var weakest *edge
	for k, e := range followers {
		if weakest == nil || e.count < weakest.count ||
			(e.count == weakest.count && e.last.Before(weakest.last)) ||
			(e.count == weakest.count && e.last.Equal(weakest.last) && k < victim) {
			victim, weakest = k, e
		}
	}
	delete(followers, victim)
}

// transitionScores returns the recency-weighted share of each follower of
// key, normalised so the strongest is 1.
func (p *PredictiveLayer) transitionScores(key string, now time.Time) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	followers, ok := p.transitions.Peek(key)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(followers))
	var best float64
	for k, e := range followers {
		age := now.Sub(e.last)
		if age < 0 {
			age = 0
		}
		w := float64(e.count) * math.Pow(0.5, float64(age)/float64(transitionHalfLife))
		out[k] = w
		if w > best {
			best = w
		}
	}
	if best > 0 {
		for k := range out {
			out[k] /= best
		}
	}
	return out
}

// Predict ranks up to n live keys likely to be requested after recent,
// usually the key just served. Keys never seen in a transition still rank
// by prefix affinity and popularity.
func (p *PredictiveLayer) Predict(ctx context.Context, recent string, n int) ([]Prediction, error) {
	if n <= 0 {
		n = 5
	}
	now := p.now()

	type candidate struct {
		transition, prefix, hot float64
	}
	candidates := make(map[string]*candidate)

	prefix := keyPrefix(recent)
	var maxAccess int64
	var live []*cache.Entry
	err := p.live(ctx, func(e *cache.Entry) bool {
		live = append(live, e)
		if e.AccessCount > maxAccess {
			maxAccess = e.AccessCount
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, e := range live {
		if e.Key == recent {
			continue
		}
		c := &candidate{}
		if prefix != "" && strings.HasPrefix(e.Key, prefix) {
			c.prefix = 1
		}
		if maxAccess > 0 && e.AccessCount > 0 {
			pop := math.Log1p(float64(e.AccessCount)) / math.Log1p(float64(maxAccess))
			age := now.Sub(e.LastAccessedAt)
			if age < 0 {
				age = 0
			}
			c.hot = pop * math.Pow(0.5, float64(age)/float64(transitionHalfLife))
		}
		candidates[e.Key] = c
	}

	for k, w := range p.transitionScores(recent, now) {
		if c, ok := candidates[k]; ok {
			c.transition = w
		}
	}

	out := make([]Prediction, 0, len(candidates))
	for k, c := range candidates {
		t := transitionWeight * c.transition
		pr := prefixWeight * c.prefix
		h := hotWeight * c.hot
		score := t + pr + h
		if score <= 0 {
			continue
		}
		reason := "popular"
		switch {
		case t >= pr && t >= h:
			reason = "transition"
		case pr >= h:
			reason = "prefix"
		}
		out = append(out, Prediction{Key: k, Score: score, Reason: reason})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Clear drops the entries and the learned history.
func (p *PredictiveLayer) Clear(ctx context.Context) (int, error) {
	n, err := p.Store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.transitions.Purge()
	p.previous = ""
	p.mu.Unlock()
	return n, nil
}

// keyPrefix returns the namespace part of a key ("user:42:profile" ->
// "user:42:"), or "" when the key has none.
func keyPrefix(key string) string {
	i := strings.LastIndexAny(key, ":/")
	if i <= 0 {
		return ""
	}
	return key[:i+1]
}
