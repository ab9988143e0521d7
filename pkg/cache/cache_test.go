package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestMemory_GetPut(t *testing.T) {
	m := NewMemory()
	defer func() { _ = m.Close() }()

	ctx := context.Background()

	created, err := m.Put(ctx, &Entry{ID: "id-1", Key: "key1", Value: "value1"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !created {
		t.Error("expected first Put to create the row")
	}

	e, err := m.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.Value != "value1" {
		t.Errorf("expected 'value1', got '%v'", e.Value)
	}

	// Test miss
	_, err = m.Get(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_OverwriteKeepsIdentity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, _ = m.Put(ctx, &Entry{ID: "first", Key: "k", Value: 1})
	if _, err := m.Touch(ctx, "k", time.Now()); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	created, err := m.Put(ctx, &Entry{ID: "second", Key: "k", Value: 2})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if created {
		t.Error("expected overwrite to report created=false")
	}

	e, _ := m.Get(ctx, "k")
	if e.ID != "first" {
		t.Errorf("expected ID to survive overwrite, got %q", e.ID)
	}
	if e.AccessCount != 1 {
		t.Errorf("expected access count 1 after overwrite, got %d", e.AccessCount)
	}
	if e.Value != 2 {
		t.Errorf("expected new value, got %v", e.Value)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := &Entry{Key: "k", Embedding: []float32{1, 2}, Metadata: map[string]any{"a": 1}}
	_, _ = m.Put(ctx, in)
	in.Embedding[0] = 9
	in.Metadata["a"] = 2

	out, _ := m.Get(ctx, "k")
	if out.Embedding[0] != 1 || out.Metadata["a"] != 1 {
		t.Error("stored entry aliased the caller's slices")
	}
}

func TestMemory_Touch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Touch(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}
	if n, _ := m.Count(ctx); n != 0 {
		t.Errorf("Touch must not create rows, count=%d", n)
	}

	_, _ = m.Put(ctx, &Entry{Key: "k"})
	at := time.Unix(1700000000, 0)
	e, err := m.Touch(ctx, "k", at)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if e.AccessCount != 1 || !e.LastAccessedAt.Equal(at) {
		t.Errorf("unexpected bookkeeping: count=%d last=%v", e.AccessCount, e.LastAccessedAt)
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, _ = m.Put(ctx, &Entry{Key: "key1"})

	ok, err := m.Delete(ctx, "key1")
	if err != nil || !ok {
		t.Fatalf("Delete failed: ok=%v err=%v", ok, err)
	}

	ok, err = m.Delete(ctx, "key1")
	if err != nil || ok {
		t.Errorf("expected second delete to report false, got ok=%v err=%v", ok, err)
	}
}

func TestMemory_DeleteExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	_, _ = m.Put(ctx, &Entry{Key: "old", ExpiresAt: now.Add(-time.Second)})
	_, _ = m.Put(ctx, &Entry{Key: "fresh", ExpiresAt: now.Add(time.Hour)})
	_, _ = m.Put(ctx, &Entry{Key: "forever"})

	for key, want := range map[string]bool{"old": true, "fresh": false, "forever": false, "missing": false} {
		got, err := m.DeleteExpired(ctx, key, now)
		if err != nil {
			t.Fatalf("DeleteExpired(%s) failed: %v", key, err)
		}
		if got != want {
			t.Errorf("DeleteExpired(%s) = %v, want %v", key, got, want)
		}
	}
}

func TestMemory_PurgeExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, _ = m.Put(ctx, &Entry{Key: fmt.Sprintf("exp-%d", i), ExpiresAt: now.Add(-time.Minute)})
	}
	_, _ = m.Put(ctx, &Entry{Key: "live"})

	n, err := m.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 purged, got %d", n)
	}
	if c, _ := m.Count(ctx); c != 1 {
		t.Errorf("expected 1 row left, got %d", c)
	}
}

func TestMemory_ScanOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, _ = m.Put(ctx, &Entry{Key: "a"})
	_, _ = m.Put(ctx, &Entry{Key: "b"})
	_, _ = m.Put(ctx, &Entry{Key: "c"})
	_, _ = m.Touch(ctx, "a", time.Now())

	var keys []string
	err := m.Scan(ctx, func(e *Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if strings.Join(keys, ",") != "b,c,a" {
		t.Errorf("expected least recently used first, got %v", keys)
	}

	// Early stop
	visited := 0
	_ = m.Scan(ctx, func(*Entry) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("expected scan to stop after 1, visited %d", visited)
	}
}

func TestMemory_Clear(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, _ = m.Put(ctx, &Entry{Key: "key1"})
	_, _ = m.Put(ctx, &Entry{Key: "key2"})
	_, _ = m.Put(ctx, &Entry{Key: "key3"})

	n, err := m.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 cleared, got %d", n)
	}
	if c, _ := m.Count(ctx); c != 0 {
		t.Errorf("expected size 0 after clear, got %d", c)
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	_ = m.Close()

	_, err := m.Get(context.Background(), "k")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable after close, got %v", err)
	}
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Put(ctx, &Entry{Key: "k"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEntry_ExpiredAt(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"no ttl", time.Time{}, false},
		{"future", now.Add(time.Second), false},
		{"exactly now", now, true},
		{"past", now.Add(-time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{ExpiresAt: tt.expires}
			if got := e.ExpiredAt(now); got != tt.want {
				t.Errorf("ExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_JSONLayout(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := json.Marshal(Entry{ID: "x", Key: "k", Value: "v", CreatedAt: created})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	if v, ok := raw["expires_at"]; !ok || v != nil {
		t.Errorf("expected explicit null expires_at, got %v", raw["expires_at"])
	}
	if _, ok := raw["importance_score"]; ok {
		t.Error("importance_score should be omitted outside diary entries")
	}

	diary, _ := json.Marshal(Entry{Key: "d", SessionID: "s1", Importance: 0})
	_ = json.Unmarshal(diary, &raw)
	if v, ok := raw["importance_score"]; !ok || v != float64(0) {
		t.Errorf("expected importance_score 0 for diary entry, got %v", raw["importance_score"])
	}

	var back Entry
	expires := created.Add(time.Hour)
	data, _ = json.Marshal(Entry{Key: "k", ExpiresAt: expires, SessionID: "s", Importance: 0.7})
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.ExpiresAt.Equal(expires) || back.Importance != 0.7 || back.SessionID != "s" {
		t.Errorf("unexpected decoded entry: %+v", back)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{Validationf("bad %s", "input"), KindValidation},
		{DimensionMismatch(3, 4), KindDimensionMismatch},
		{ErrNotFound, KindNotFound},
		{Unavailable(errors.New("dial tcp: refused")), KindStorageUnavailable},
		{Classify(context.DeadlineExceeded), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCanceled},
		{errors.New("boom"), KindInternal},
		{Wrap("get", "semantic", ErrNotFound), KindNotFound},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestDimensionMismatchIsValidation(t *testing.T) {
	err := DimensionMismatch(384, 1536)
	if !errors.Is(err, ErrValidation) {
		t.Error("dimension mismatch should also match ErrValidation")
	}
	if !strings.Contains(err.Error(), "expected 384, got 1536") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Unavailable(errors.New("conn reset"))) {
		t.Error("storage faults should be retryable")
	}
	if !IsRetryable(Classify(context.DeadlineExceeded)) {
		t.Error("timeouts should be retryable")
	}
	if IsRetryable(Validationf("nope")) {
		t.Error("validation errors should not be retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Error("misses should not be retryable")
	}
}

func TestUnavailable_KeepsKind(t *testing.T) {
	err := Unavailable(Validationf("bad"))
	if KindOf(err) != KindValidation {
		t.Errorf("Unavailable must not reclassify kinded errors, got %q", KindOf(err))
	}
	if Unavailable(nil) != nil {
		t.Error("Unavailable(nil) should be nil")
	}
}

func TestWrap(t *testing.T) {
	err := Wrap("set", "diary", ErrStorageUnavailable)
	if err.Error() != "diary set: storage unavailable" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Wrap("get", "other", err) != err {
		t.Error("Wrap should not double-annotate")
	}
	if Wrap("get", "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestHashText(t *testing.T) {
	h1 := HashText("hello world")
	h2 := HashText("hello world")
	h3 := HashText("different text")

	if h1 != h2 {
		t.Error("same text should produce same hash")
	}
	if h1 == h3 {
		t.Error("different text should produce different hash")
	}
	if len(h1) != 16 {
		t.Errorf("expected hash length 16, got %d", len(h1))
	}
}

func TestQueryKey(t *testing.T) {
	a := QueryKey("semantic", "What is   Go?")
	b := QueryKey("semantic", "what is go")
	if a != b {
		t.Errorf("normalized queries should share a key: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "semantic:") {
		t.Errorf("expected prefix, got %s", a)
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey("ok"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateKey("   "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for blank key, got %v", err)
	}
	if err := ValidateKey(strings.Repeat("k", MaxKeyLength+1)); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for long key, got %v", err)
	}
}
