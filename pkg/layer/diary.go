package layer

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

const (
	// DefaultHalfLife is how long an unread memory takes to lose half its
	// recall weight.
	DefaultHalfLife = 7 * 24 * time.Hour

	// decayFloor keeps old memories recallable.
	decayFloor = 0.1

	highImportance = 0.7
	topMemories    = 5
	topTags        = 10
)

// Memory is a diary entry with its recall weight at query time.
type Memory struct {
	Entry    *cache.Entry `json:"entry"`
	Recall   float64      `json:"recall"`
	Category string       `json:"category,omitempty"`
}

// TagCount is a metadata tag and how many memories carry it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Insights summarises the memories of one session, or of all sessions.
type Insights struct {
	SessionID      string         `json:"session_id,omitempty"`
	Category       string         `json:"category,omitempty"`
	TotalMemories  int            `json:"total_memories"`
	Sessions       int            `json:"sessions"`
	ByContextType  map[string]int `json:"by_context_type"`
	AvgImportance  float64        `json:"avg_importance"`
	PeakImportance float64        `json:"peak_importance"`
	HighImportance int            `json:"high_importance"`
	TopMemories    []Memory       `json:"top_memories"`
	FrequentTags   []TagCount     `json:"frequent_tags"`
	FirstAt        *time.Time     `json:"first_at"`
	LastAt         *time.Time     `json:"last_at"`
	SpanSeconds    float64        `json:"span_seconds"`
}

// DiaryLayer keeps session-scoped memories ranked by decaying importance.
type DiaryLayer struct {
	*Store
	halfLife time.Duration
}

// NewDiary builds the diary layer.
func NewDiary(backend cache.Backend, opts Options) (*DiaryLayer, error) {
	opts.Name = Diary
	halfLife := opts.HalfLife
	if halfLife == 0 {
		halfLife = DefaultHalfLife
	}
	if halfLife < 0 {
		return nil, cache.Validationf("importance half-life must be positive")
	}
	store, err := NewStore(backend, opts)
	if err != nil {
		return nil, err
	}
	return &DiaryLayer{Store: store, halfLife: halfLife}, nil
}

// Recall weighs importance by how long ago the memory was last read.
func (d *DiaryLayer) Recall(e *cache.Entry, now time.Time) float64 {
	age := now.Sub(e.LastAccessedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, float64(age)/float64(d.halfLife))
	if decay < decayFloor {
		decay = decayFloor
	}
	return e.Importance * decay
}

func (d *DiaryLayer) memories(ctx context.Context, sessionID, contextType string, now time.Time) ([]Memory, error) {
	var out []Memory
	err := d.live(ctx, func(e *cache.Entry) bool {
		if sessionID != "" && e.SessionID != sessionID {
			return true
		}
		if contextType != "" && e.ContextType != contextType {
			return true
		}
		out = append(out, Memory{Entry: e, Recall: d.Recall(e, now), Category: e.ContextType})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Recall != b.Recall {
			return a.Recall > b.Recall
		}
		if !a.Entry.LastAccessedAt.Equal(b.Entry.LastAccessedAt) {
			return a.Entry.LastAccessedAt.After(b.Entry.LastAccessedAt)
		}
		return a.Entry.Key < b.Entry.Key
	})
	return out, nil
}

// SessionMemories returns up to limit memories of a session, strongest
// recall first. Returned memories count as read.
func (d *DiaryLayer) SessionMemories(ctx context.Context, sessionID, contextType string, limit int) ([]Memory, error) {
	if sessionID == "" {
		return nil, cache.Wrap("session_memories", d.name, cache.Validationf("session_id is required"))
	}
	if limit <= 0 {
		limit = 10
	}

	now := d.now()
	mems, err := d.memories(ctx, sessionID, contextType, now)
	if err != nil {
		return nil, err
	}
	if len(mems) > limit {
		mems = mems[:limit]
	}

	for i := range mems {
		touched, err := d.backend.Touch(ctx, mems[i].Entry.Key, now)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return nil, d.fail("session_memories", err)
		}
		mems[i].Entry = touched
	}
	if mems == nil {
		mems = []Memory{}
	}
	return mems, nil
}

// Insights aggregates memories. Empty sessionID covers every session and
// empty category every context type. It does not count as a read.
func (d *DiaryLayer) Insights(ctx context.Context, sessionID, category string) (Insights, error) {
	now := d.now()
	mems, err := d.memories(ctx, sessionID, category, now)
	if err != nil {
		return Insights{}, err
	}

	in := Insights{
		SessionID:     sessionID,
		Category:      category,
		TotalMemories: len(mems),
		ByContextType: make(map[string]int),
		TopMemories:   []Memory{},
		FrequentTags:  []TagCount{},
	}
	if len(mems) == 0 {
		return in, nil
	}

	sessions := make(map[string]struct{})
	tags := make(map[string]int)
	var sum float64
	var first, last time.Time
	for _, m := range mems {
		e := m.Entry
		sessions[e.SessionID] = struct{}{}
		ct := e.ContextType
		if ct == "" {
			ct = "general"
		}
		in.ByContextType[ct]++
		sum += e.Importance
		if e.Importance > in.PeakImportance {
			in.PeakImportance = e.Importance
		}
		if e.Importance >= highImportance {
			in.HighImportance++
		}
		for _, t := range metadataStrings(e.Metadata, "tags") {
			tags[t]++
		}
		if first.IsZero() || e.CreatedAt.Before(first) {
			first = e.CreatedAt
		}
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}

	in.Sessions = len(sessions)
	in.AvgImportance = sum / float64(len(mems))
	in.FirstAt, in.LastAt = &first, &last
	in.SpanSeconds = last.Sub(first).Seconds()

	n := topMemories
	if len(mems) < n {
		n = len(mems)
	}
	in.TopMemories = mems[:n]

	for t, c := range tags {
		in.FrequentTags = append(in.FrequentTags, TagCount{Tag: t, Count: c})
	}
	sort.Slice(in.FrequentTags, func(i, j int) bool {
		if in.FrequentTags[i].Count != in.FrequentTags[j].Count {
			return in.FrequentTags[i].Count > in.FrequentTags[j].Count
		}
		return in.FrequentTags[i].Tag < in.FrequentTags[j].Tag
	})
	if len(in.FrequentTags) > topTags {
		in.FrequentTags = in.FrequentTags[:topTags]
	}
	return in, nil
}
