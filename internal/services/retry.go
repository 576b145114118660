package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/store"
)

const maxRetryBackoff = 10 * time.Second

// RetryConfig configures a Retrier
type RetryConfig struct {
	Attempts        int           // total tries, at least 1
	Backoff         time.Duration // first wait, doubled after each try
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // how long the breaker stays open
}

// Retrier retries store calls that failed with store.ErrUnavailable and
// stops calling the store altogether while it keeps failing.
type Retrier struct {
	attempts int
	backoff  time.Duration
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewRetrier creates a retrier with its own circuit breaker
func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	settings := gobreaker.Settings{
		Name:    "radius-store",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only an unavailable store counts against the breaker
		IsSuccessful: func(err error) bool {
			return err == nil || !store.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				logger.Warn("Retrier: circuit breaker opened", zap.String("breaker", name))
			case gobreaker.StateHalfOpen:
				logger.Info("Retrier: circuit breaker half-open", zap.String("breaker", name))
			case gobreaker.StateClosed:
				logger.Info("Retrier: circuit breaker closed", zap.String("breaker", name))
			}
		},
	}

	return &Retrier{
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		cb:       gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. An open breaker fails fast with store.ErrUnavailable.
// When ctx ends between attempts the last store error is returned.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}

	var (
		attempt int
		last    error
	)
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.attempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		_, err := r.cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(&store.UnavailableError{Op: op, Err: err})
		}
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		last = err
		return err
	}, b, func(err error, wait time.Duration) {
		r.logger.Warn("Retrier: retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return last
	}
	return err
}

// newBackOff doubles the wait after every try, up to maxRetryBackoff
func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// State reports the breaker state, for health checks
func (r *Retrier) State() gobreaker.State {
	if r == nil {
		return gobreaker.StateClosed
	}
	return r.cb.State()
}
