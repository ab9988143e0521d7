package stats

import (
	"sync"
	"testing"
	"time"
)

type recorded struct {
	lookups   int
	hits      int
	evictions int
	entries   map[string]int
}

type fakeRecorder struct {
	mu sync.Mutex
	r  recorded
}

func (f *fakeRecorder) RecordLookup(layer, op string, hit bool, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.r.lookups++
	if hit {
		f.r.hits++
	}
}

func (f *fakeRecorder) RecordEviction(layer string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.r.evictions += n
}

func (f *fakeRecorder) SetEntries(layer string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.r.entries == nil {
		f.r.entries = map[string]int{}
	}
	f.r.entries[layer] = n
}

func TestCollector_Counts(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(rec)

	c.Hit("semantic", "get", 2*time.Millisecond)
	c.Hit("semantic", "search", 4*time.Millisecond)
	c.Miss("semantic", "get", 3*time.Millisecond)
	c.Op("semantic", 3*time.Millisecond)
	c.Error("vector", time.Millisecond)
	c.Evicted("semantic", 2)
	c.Evicted("semantic", 0)

	snap := c.Snapshot()
	sem := snap.Layers["semantic"]
	if sem.Hits != 2 || sem.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 2/1", sem.Hits, sem.Misses)
	}
	if sem.Operations != 4 {
		t.Errorf("operations = %d, want 4", sem.Operations)
	}
	if got := sem.AvgLatency(); got != 3*time.Millisecond {
		t.Errorf("avg latency = %v, want 3ms", got)
	}
	if got := sem.HitRate(); got < 0.666 || got > 0.667 {
		t.Errorf("hit rate = %v, want 2/3", got)
	}
	if sem.Evictions != 2 {
		t.Errorf("evictions = %d, want 2", sem.Evictions)
	}
	if sem.LastHit.IsZero() {
		t.Error("last hit not recorded")
	}
	if snap.Layers["vector"].Errors != 1 {
		t.Errorf("vector errors = %d, want 1", snap.Layers["vector"].Errors)
	}

	if rec.r.lookups != 3 || rec.r.hits != 2 || rec.r.evictions != 2 {
		t.Errorf("recorder saw %+v", rec.r)
	}
}

func TestCollector_Entries(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(rec)

	c.AddEntries("diary", 3)
	c.AddEntries("diary", -1)
	if got := c.Snapshot().Layers["diary"].Entries; got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	c.AddEntries("diary", -5)
	if got := c.Snapshot().Layers["diary"].Entries; got != 0 {
		t.Errorf("entries went negative: %d", got)
	}

	c.SetEntries("diary", 9)
	if got := c.Snapshot().Layers["diary"].Entries; got != 9 {
		t.Errorf("entries = %d, want 9", got)
	}
	if rec.r.entries["diary"] != 9 {
		t.Errorf("recorder entries = %d, want 9", rec.r.entries["diary"])
	}
}

func TestCollector_ResetKeepsEntries(t *testing.T) {
	c := New(nil)
	c.Register("predictive", "global")

	c.Hit("predictive", "get", time.Millisecond)
	c.Miss("global", "get", time.Millisecond)
	c.SetEntries("global", 4)
	before := c.Snapshot().ResetAt

	time.Sleep(time.Millisecond)
	c.Reset()

	snap := c.Snapshot()
	total := snap.Total()
	if total.Hits != 0 || total.Misses != 0 || total.Operations != 0 {
		t.Errorf("counters not reset: %+v", total)
	}
	if total.Entries != 4 {
		t.Errorf("entries = %d, want 4", total.Entries)
	}
	if !snap.ResetAt.After(before) {
		t.Error("reset time not advanced")
	}
	if !snap.Layers["predictive"].LastHit.IsZero() {
		t.Error("last hit survived reset")
	}
}

func TestSnapshot_TotalAndNames(t *testing.T) {
	c := New(nil)
	c.Register("vector", "diary", "semantic")
	c.Hit("vector", "get", time.Millisecond)
	c.Hit("diary", "get", time.Millisecond)
	c.Miss("semantic", "get", time.Millisecond)

	snap := c.Snapshot()
	names := snap.Names()
	want := []string{"diary", "semantic", "vector"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	total := snap.Total()
	if total.Layer != "all" || total.Hits != 2 || total.Misses != 1 {
		t.Errorf("total = %+v", total)
	}

	var empty LayerStats
	if empty.HitRate() != 0 || empty.AvgLatency() != 0 {
		t.Error("empty stats must report zero rates")
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Hit("semantic", "get", time.Microsecond)
				c.Miss("vector", "get", time.Microsecond)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Layers["semantic"].Hits != 800 || snap.Layers["vector"].Misses != 800 {
		t.Errorf("lost updates: %+v", snap.Layers)
	}
}
