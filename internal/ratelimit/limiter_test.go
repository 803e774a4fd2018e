package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardTokenInvariant(t *testing.T) {
	s := NewShard(5, 1) // 1 token/sec, burst 5
	for i := 0; i < 5; i++ {
		res := s.TryConsume(1)
		assert.True(t, res.Allowed)
	}
	denied := s.TryConsume(1)
	assert.False(t, denied.Allowed)
	tokens, capacity := s.Snapshot()
	assert.GreaterOrEqual(t, tokens, 0.0)
	assert.LessOrEqual(t, tokens, capacity)
}

func TestShardRefillOverTime(t *testing.T) {
	s := NewShard(1, 1000) // fast refill for test speed
	ok := s.TryConsume(1)
	assert.True(t, ok.Allowed)
	denied := s.TryConsume(1)
	assert.False(t, denied.Allowed)
	time.Sleep(5 * time.Millisecond)
	allowed := s.TryConsume(1)
	assert.True(t, allowed.Allowed)
}

func TestRateLimiterBurstThenRefusal(t *testing.T) {
	// S3: R=60/min, burst=5; 10 tryAcquire at t=0 -> exactly 5 allowed.
	l := New(Config{Rate: 60, Period: time.Minute, BurstSize: 5, MaxShards: 1}, nil)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.TryAcquire("k", 1).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestReserveAndExecute(t *testing.T) {
	l := New(Config{Rate: 60, Period: time.Minute, BurstSize: 1, MaxShards: 1}, nil)
	assert.True(t, l.TryAcquire("k", 1).Allowed)

	res, err := l.Reserve("k", 1, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, res)

	_, outcome := l.ExecuteReservation(res.ID)
	assert.Equal(t, ReservationNotReady, outcome)

	time.Sleep(res.ExecuteAt.Sub(time.Now()) + 5*time.Millisecond)
	result, outcome := l.ExecuteReservation(res.ID)
	assert.Equal(t, ReservationExecuted, outcome)
	assert.True(t, result.Allowed)

	_, outcome = l.ExecuteReservation(res.ID)
	assert.Equal(t, ReservationNotFound, outcome)
}

func TestReserveRefusesBeyondMaxWait(t *testing.T) {
	l := New(Config{Rate: 60, Period: time.Minute, BurstSize: 1, MaxShards: 1}, nil)
	assert.True(t, l.TryAcquire("k", 1).Allowed)
	_, err := l.Reserve("k", 1, time.Millisecond)
	assert.Error(t, err)
}

func TestCancelReservation(t *testing.T) {
	l := New(Config{Rate: 60, Period: time.Minute, BurstSize: 1, MaxShards: 1}, nil)
	res, err := l.Reserve("k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, l.CancelReservation(res.ID))
	assert.False(t, l.CancelReservation(res.ID))
}

func TestAcquireBlocksUntilAvailable(t *testing.T) {
	l := New(Config{Rate: 600, Period: time.Second, BurstSize: 1, MaxShards: 1}, nil)
	assert.True(t, l.TryAcquire("k", 1).Allowed)
	start := time.Now()
	res, err := l.Acquire(context.Background(), "k", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireTimesOut(t *testing.T) {
	l := New(Config{Rate: 1, Period: time.Hour, BurstSize: 1, MaxShards: 1}, nil)
	assert.True(t, l.TryAcquire("k", 1).Allowed)
	_, err := l.Acquire(context.Background(), "k", 1, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestShardCountSelection(t *testing.T) {
	assert.Equal(t, 1, shardCount(50, 32))
	assert.Equal(t, 1, shardCount(100, 32))
	assert.Equal(t, 1, shardCount(150, 32))
	assert.LessOrEqual(t, shardCount(1_000_000, 8), 8)
}

func TestStatusImbalanceRatio(t *testing.T) {
	l := New(Config{Rate: 1000, Period: time.Minute, BurstSize: 100, MaxShards: 4}, nil)
	for i := 0; i < 50; i++ {
		l.TryAcquire("same-key-always", 1)
	}
	status := l.Status()
	assert.GreaterOrEqual(t, status.ImbalanceRatio, 0.0)
}

func TestResetRestoresFullCapacity(t *testing.T) {
	l := New(Config{Rate: 60, Period: time.Minute, BurstSize: 2, MaxShards: 1}, nil)
	l.TryAcquire("k", 2)
	assert.False(t, l.TryAcquire("k", 1).Allowed)
	l.Reset()
	assert.True(t, l.TryAcquire("k", 1).Allowed)
}
