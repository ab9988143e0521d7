package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTarget struct {
	name string
	n    int
	err  error

	mu    sync.Mutex
	calls int
	seen  time.Time
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = now
	return f.n, f.err
}

func (f *fakeTarget) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sweepObs struct {
	mu      sync.Mutex
	layers  []string
	removed int
	errs    int
}

func (o *sweepObs) ObserveSweep(layer string, removed int, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.layers = append(o.layers, layer)
	o.removed += removed
	if err != nil {
		o.errs++
	}
}

func TestSweepOnce(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	semantic := &fakeTarget{name: "semantic", n: 3}
	vector := &fakeTarget{name: "vector", n: 1, err: errors.New("storage unavailable")}
	diary := &fakeTarget{name: "diary", n: 2}
	obs := &sweepObs{}

	core, logs := observer.New(zap.WarnLevel)
	s := New(Config{Interval: time.Minute}, []Target{semantic, vector, diary},
		WithObserver(obs),
		WithLogger(zap.New(core)),
		WithClock(func() time.Time { return fixed }))

	_, ok := s.Last()
	assert.False(t, ok)

	report := s.SweepOnce(context.Background())
	require.Len(t, report.Layers, 3)
	assert.Equal(t, 6, report.Removed())
	assert.True(t, report.Failed())
	assert.Equal(t, "storage unavailable", report.Layers[1].Error)
	assert.Empty(t, report.Layers[2].Error, "a failing layer must not stop the pass")
	assert.True(t, semantic.seen.Equal(fixed))

	assert.Equal(t, []string{"semantic", "vector", "diary"}, obs.layers)
	assert.Equal(t, 1, obs.errs)
	assert.Equal(t, 1, logs.FilterMessage("expiry sweep failed").Len())

	last, ok := s.Last()
	assert.True(t, ok)
	assert.Equal(t, 6, last.Removed())
}

func TestSweepOnce_CanceledContext(t *testing.T) {
	target := &fakeTarget{name: "global"}
	s := New(Config{}, []Target{target})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := s.SweepOnce(ctx)
	assert.Empty(t, report.Layers)
	assert.Equal(t, 0, target.Calls())
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{}, nil)
	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultInterval, s.timeout)

	s = New(Config{Interval: time.Minute, Timeout: time.Second}, nil)
	assert.Equal(t, time.Second, s.timeout)
}

func TestStartStop(t *testing.T) {
	target := &fakeTarget{name: "predictive", n: 1}
	s := New(Config{Interval: 5 * time.Millisecond}, []Target{target})

	s.Start(context.Background())
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return target.Calls() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	calls := target.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, target.Calls(), "no passes after Stop")

	s.Stop()
}

func TestStart_StopsWithContext(t *testing.T) {
	s := New(Config{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}
