package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/store"
)

// failing returns fn that fails with errs in order, then succeeds
func failing(calls *int, errs ...error) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= len(errs) {
			return errs[*calls-1]
		}
		return nil
	}
}

func TestRetrier_RetriesUnavailable(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 3, Backoff: time.Millisecond}, zaptest.NewLogger(t))
	calls := 0
	err := r.Do(context.Background(), "sync", failing(&calls, errDown, errDown))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_GivesUpAfterAttempts(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 2, Backoff: time.Millisecond, BreakerFailures: 10}, zaptest.NewLogger(t))
	calls := 0
	err := r.Do(context.Background(), "sync", failing(&calls, errDown, errDown, errDown))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 2, calls)
}

func TestRetrier_DoesNotRetryOtherErrors(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 5, Backoff: time.Millisecond, BreakerFailures: 1}, zaptest.NewLogger(t))
	invalid := &radius.ValidationError{Field: "package", Reason: "bad"}
	for i := 0; i < 3; i++ {
		calls := 0
		err := r.Do(context.Background(), "sync", failing(&calls, invalid))
		var ve *radius.ValidationError
		assert.ErrorAs(t, err, &ve)
		assert.Equal(t, 1, calls)
	}
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestRetrier_OpenBreakerFailsFast(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 1, BreakerFailures: 2, BreakerTimeout: time.Minute}, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		calls := 0
		assert.Error(t, r.Do(context.Background(), "sync", failing(&calls, errDown)))
	}
	require.Equal(t, gobreaker.StateOpen, r.State())

	calls := 0
	err := r.Do(context.Background(), "sync", failing(&calls))
	assert.Zero(t, calls)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, store.IsRetryable(err))
}

func TestRetrier_StopsWaitingWhenContextEnds(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 3, Backoff: time.Hour}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, "sync", failing(&calls, errDown, errDown))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestRetrier_NilCallsThrough(t *testing.T) {
	var r *Retrier
	boom := errors.New("boom")
	calls := 0
	assert.Equal(t, boom, r.Do(context.Background(), "sync", failing(&calls, boom)))
	assert.Equal(t, 1, calls)
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestRetrier_BackoffDoublesUpToCap(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 10, Backoff: time.Second}, zaptest.NewLogger(t))
	b := r.newBackOff()
	var waits []time.Duration
	for i := 0; i < 6; i++ {
		waits = append(waits, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, waits)
}

func TestRetrier_ContextEndingMidRetryReturnsStoreError(t *testing.T) {
	r := NewRetrier(RetryConfig{Attempts: 5, Backoff: time.Hour, BreakerFailures: 10}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, "sync", failing(&calls, errDown, errDown))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1, calls)
}
