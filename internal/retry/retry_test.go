package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashpipe/internal/breaker"
	"flashpipe/internal/errs"
)

func transient(msg string) error {
	return errs.New(errs.CategoryTransient, "test", msg)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	// S6-like: maxAttempts=3, initialDelay=10ms, base=2, jitter=0, two
	// transient failures then success; elapsed must be >= 10ms + 20ms.
	c := New(Policy{
		MaxAttempts:     3,
		InitialDelay:    10 * time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
	}, nil)

	calls := 0
	start := time.Now()
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transient("boom")
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestRetryExhaustedWrapsLastError(t *testing.T) {
	c := New(Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)
	last := transient("always fails")
	err := c.Do(context.Background(), func(ctx context.Context) error { return last })

	var exhausted *Exhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.ErrorIs(t, err, last)
}

func TestCircuitOpenNotRetryableByDefault(t *testing.T) {
	c := New(Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)
	calls := 0
	openErr := &breaker.OpenError{RecoverAt: time.Now().Add(time.Minute)}
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return openErr
	})

	var exhausted *Exhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, calls) // must not have retried
}

func TestNonTransientErrorNotRetried(t *testing.T) {
	c := New(Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, nil)
	calls := 0
	permanent := errors.New("plain error, not a Record")
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})

	var exhausted *Exhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, calls)
}

type retryAfterErr struct {
	d time.Duration
}

func (e *retryAfterErr) Error() string            { return "rate limited" }
func (e *retryAfterErr) RetryAfter() time.Duration { return e.d }

func TestRetryAfterHintUsedAsLowerBoundCappedToMaxDelay(t *testing.T) {
	c := New(Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}, nil)
	start := time.Now()
	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errs.Wrap(&retryAfterErr{d: time.Hour}, errs.CategoryTransient, "test")
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	// hinted delay of 1h must be capped to MaxDelay (20ms), not honored verbatim.
	assert.Less(t, elapsed, 200*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestContextCancellationStopsRetryLoop(t *testing.T) {
	c := New(Policy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := c.Do(ctx, func(ctx context.Context) error {
		calls++
		return transient("boom")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestCustomRetryOnCanAllowCircuitOpen(t *testing.T) {
	c := New(Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		RetryOn: func(err error, attempt int) bool {
			var openErr *breaker.OpenError
			return errors.As(err, &openErr)
		},
	}, nil)
	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &breaker.OpenError{RecoverAt: time.Now()}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
