package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAfterFailureThreshold(t *testing.T) {
	// S4-like: failureThreshold=0.5, minThroughput=2.
	b := New(Config{FailureThreshold: 0.5, MinThroughput: 2, SamplingDuration: time.Second, BreakDuration: Fixed(50 * time.Millisecond)}, nil, nil)

	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)

	assert.Equal(t, StateOpen, b.Snapshot().State)

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	var openErr *OpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 0.5, MinThroughput: 2, SamplingDuration: time.Second, BreakDuration: Fixed(20 * time.Millisecond)}, nil, nil)
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, StateOpen, b.Snapshot().State)

	time.Sleep(30 * time.Millisecond)
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestHalfOpenProbeFailureReopensAndGrowsBreak(t *testing.T) {
	b := New(Config{FailureThreshold: 0.5, MinThroughput: 2, SamplingDuration: time.Second, BreakDuration: Exponential(time.Second, time.Second, time.Minute)}, nil, nil)
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, StateOpen, b.Snapshot().State)
	assert.Equal(t, time.Second, b.cfg.BreakDuration(b.Snapshot().ConsecutiveFailures))

	// force transition to half-open by manipulating stateEnteredAt
	b.mu.Lock()
	b.stateEnteredAt = time.Now().Add(-2 * time.Second)
	b.mu.Unlock()

	err := b.Call(context.Background(), fail)
	assert.Error(t, err)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.InDelta(t, 1.5, b.cfg.BreakDuration(3).Seconds(), 0.01)
}

func TestOnlyOneProbeInFlight(t *testing.T) {
	b := New(Config{FailureThreshold: 0.1, MinThroughput: 1, SamplingDuration: time.Second, BreakDuration: Fixed(50 * time.Millisecond)}, nil, nil)
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	require.Equal(t, StateOpen, b.Snapshot().State)
	time.Sleep(60 * time.Millisecond)

	var probesStarted atomic.Int32
	var wg sync.WaitGroup
	blockCh := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(context.Background(), func(ctx context.Context) error {
				probesStarted.Add(1)
				<-blockCh
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), probesStarted.Load())
	close(blockCh)
	wg.Wait()
}

func TestManualIsolateAndReset(t *testing.T) {
	b := New(Config{FailureThreshold: 0.5, MinThroughput: 2}, nil, nil)
	b.Isolate("maintenance")
	assert.Equal(t, StateIsolated, b.Snapshot().State)
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	b.ManualReset()
	assert.Equal(t, StateClosed, b.Snapshot().State)
	err = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBreakDurationGenerators(t *testing.T) {
	assert.Equal(t, 2*time.Second, Fixed(2*time.Second)(5))
	assert.Equal(t, 3*time.Second, Linear(time.Second, time.Second, 10*time.Second)(3))
	assert.Equal(t, time.Second, Linear(time.Second, time.Second, 10*time.Second)(0))

	pw := Piecewise([]int{2}, []BreakDurationFunc{Fixed(time.Second), Fixed(10 * time.Second)})
	assert.Equal(t, time.Second, pw(1))
	assert.Equal(t, 10*time.Second, pw(3))
}
