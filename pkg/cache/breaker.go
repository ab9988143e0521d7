package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker placed in front of remote
// backends.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval clears the closed-state counts. Zero never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker guards a Backend with a circuit breaker. While open, every call
// fails fast with ErrStorageUnavailable.
type Breaker struct {
	Backend
	cb       *gobreaker.CircuitBreaker
	observer atomic.Pointer[StateObserver]
}

// StateObserver is told about every breaker transition.
type StateObserver func(name, state string)

// NewBreaker wraps b. Misses, validation errors and caller cancellation do
// not count as failures.
func NewBreaker(b Backend, name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}

	br := &Breaker{Backend: b}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("backend circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if fn := br.observer.Load(); fn != nil {
				(*fn)(name, to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrValidation) ||
				errors.Is(err, context.Canceled)
		},
	}
	br.cb = gobreaker.NewCircuitBreaker(settings)
	return br
}

// Observe registers fn for state transitions and reports the current state
// to it right away.
func (b *Breaker) Observe(fn StateObserver) {
	if fn == nil {
		return
	}
	b.observer.Store(&fn)
	fn(b.cb.Name(), b.State())
}

// State reports the breaker state.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) run(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Unavailable(err)
	}
	return v, err
}

func (b *Breaker) Get(ctx context.Context, key string) (*Entry, error) {
	v, err := b.run(func() (any, error) { return b.Backend.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (b *Breaker) Put(ctx context.Context, e *Entry) (bool, error) {
	v, err := b.run(func() (any, error) { return b.Backend.Put(ctx, e) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) Touch(ctx context.Context, key string, at time.Time) (*Entry, error) {
	v, err := b.run(func() (any, error) { return b.Backend.Touch(ctx, key, at) })
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (b *Breaker) Delete(ctx context.Context, key string) (bool, error) {
	v, err := b.run(func() (any, error) { return b.Backend.Delete(ctx, key) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	v, err := b.run(func() (any, error) { return b.Backend.DeleteExpired(ctx, key, now) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) Scan(ctx context.Context, fn func(*Entry) bool) error {
	_, err := b.run(func() (any, error) { return nil, b.Backend.Scan(ctx, fn) })
	return err
}

func (b *Breaker) Count(ctx context.Context) (int, error) {
	v, err := b.run(func() (any, error) { return b.Backend.Count(ctx) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *Breaker) Clear(ctx context.Context) (int, error) {
	v, err := b.run(func() (any, error) { return b.Backend.Clear(ctx) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Nearest forwards to the wrapped backend when it supports server-side search.
func (b *Breaker) Nearest(ctx context.Context, query []float32, limit int) ([]*Entry, error) {
	ns, ok := b.Backend.(NearestSearcher)
	if !ok {
		return nil, nil
	}
	v, err := b.run(func() (any, error) { return ns.Nearest(ctx, query, limit) })
	if err != nil {
		return nil, err
	}
	return v.([]*Entry), nil
}

// PurgeExpired forwards to the wrapped backend when it supports bulk purge.
func (b *Breaker) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	p, ok := b.Backend.(ExpiredPurger)
	if !ok {
		return 0, errPurgeUnsupported
	}
	v, err := b.run(func() (any, error) { return p.PurgeExpired(ctx, now) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Unwrap returns the guarded backend.
func (b *Breaker) Unwrap() Backend { return b.Backend }

var errPurgeUnsupported = errors.New("bulk purge not supported")

// CanPurge reports whether b can purge expired rows in bulk, looking
// through a Breaker.
func CanPurge(b Backend) bool {
	if br, ok := b.(*Breaker); ok {
		b = br.Unwrap()
	}
	_, ok := b.(ExpiredPurger)
	return ok
}

// CanSearchNearest reports whether b can prefilter vector candidates.
func CanSearchNearest(b Backend) bool {
	if br, ok := b.(*Breaker); ok {
		b = br.Unwrap()
	}
	_, ok := b.(NearestSearcher)
	return ok
}
