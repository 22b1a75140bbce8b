package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff for worker spawn attempts.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default spawn retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages one circuit breaker per runtime kind, so a runtime
// that keeps failing to spawn stops being hammered while others proceed.
type BreakerRegistry struct {
	mu       sync.Mutex
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a breaker registry.
func NewBreakerRegistry(log *zap.Logger) *BreakerRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerRegistry{
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a runtime kind, creating it on first use.
func (r *BreakerRegistry) Get(kind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("spawn circuit breaker state change",
				zap.String("runtime", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a runtime failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[kind] = cb
	return cb
}

// SpawnWithRetry spawns through the runtime's circuit breaker with
// exponential backoff on transient failures. An open circuit or a cancelled
// context stops the retry loop immediately.
func SpawnWithRetry(ctx context.Context, rt Runtime, a Assignment, cb *gobreaker.CircuitBreaker, cfg RetryConfig) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, rt.Spawn(ctx, a)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
