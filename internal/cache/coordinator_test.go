package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{
		L1MaxEntries: 100,
		L1Policy:     PolicyLRU,
		L2RootDir:    dir,
		L2Policy:     PolicyLRU,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestStampedeSuppressionSingleCompute(t *testing.T) {
	c := newTestCoordinator(t)
	var calls atomic.Int32

	fn := func() ([]byte, []string, time.Duration, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("value"), nil, 0, nil
	}

	var wg sync.WaitGroup
	results := make([]*Entry, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get("shared-key", fn)
			require.NoError(t, err)
			results[i] = e
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, e := range results {
		assert.Equal(t, "value", string(e.Value))
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCoordinator(t)
	calls := 0
	fn := func() ([]byte, []string, time.Duration, error) {
		calls++
		return []byte("v1"), []string{"tagA"}, time.Minute, nil
	}
	e, err := c.Get("k", fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(e.Value))

	e2, err := c.Get("k", fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(e2.Value))
	assert.Equal(t, 1, calls) // second Get must be a hit, not a recompute
}

func TestDeleteByTagRemovesFromBothTiers(t *testing.T) {
	c := newTestCoordinator(t)
	fn := func(v string) ComputeFn {
		return func() ([]byte, []string, time.Duration, error) {
			return []byte(v), []string{"group1"}, 0, nil
		}
	}
	_, err := c.Get("a", fn("1"))
	require.NoError(t, err)
	_, err = c.Get("b", fn("2"))
	require.NoError(t, err)

	removed := c.DeleteByTag("group1")
	assert.Equal(t, 2, removed)

	_, ok := c.l1.Get("a")
	assert.False(t, ok)
	_, ok, _ = c.l2.Get("a")
	assert.False(t, ok)
}

func TestL1EvictsUnderCapacityPressure(t *testing.T) {
	l1 := NewL1(2, 0, PolicyLRU)
	l1.Set(&Entry{Key: "a", Value: []byte("1"), CreatedAt: time.Now(), LastAccessedAt: time.Now()})
	l1.Set(&Entry{Key: "b", Value: []byte("2"), CreatedAt: time.Now(), LastAccessedAt: time.Now().Add(time.Millisecond)})
	l1.Set(&Entry{Key: "c", Value: []byte("3"), CreatedAt: time.Now(), LastAccessedAt: time.Now().Add(2 * time.Millisecond)})

	stats := l1.Stats()
	assert.LessOrEqual(t, stats.Entries, 2)
	_, ok := l1.Get("a")
	assert.False(t, ok) // oldest-accessed entry evicted under LRU
}

func TestHotEntryExemptFromEviction(t *testing.T) {
	l1 := NewL1(1, 0, PolicyLRU)
	l1.Set(&Entry{Key: "hot", Value: []byte("v"), CreatedAt: time.Now(), LastAccessedAt: time.Now()})
	for i := 0; i < hotThreshold; i++ {
		l1.Get("hot")
	}
	l1.Set(&Entry{Key: "other", Value: []byte("v2"), CreatedAt: time.Now(), LastAccessedAt: time.Now()})

	_, ok := l1.Get("hot")
	assert.True(t, ok)
}

func TestL2RoundTripsWithCompression(t *testing.T) {
	dir := t.TempDir()
	l2, err := NewL2(dir, 0, PolicyLRU, true)
	require.NoError(t, err)

	e := &Entry{Key: "k", Value: []byte("hello world, this is a cached value"), CreatedAt: time.Now()}
	require.NoError(t, l2.Set(e))

	got, ok, err := l2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Value, got.Value)
}

func TestRefreshAheadRecomputesBeforeExpiry(t *testing.T) {
	c := newTestCoordinator(t)
	var version atomic.Int32
	fn := func() ([]byte, []string, time.Duration, error) {
		v := version.Add(1)
		return []byte(fmt.Sprintf("v%d", v)), nil, 30 * time.Millisecond, nil
	}
	_, err := c.Get("refreshed", fn)
	require.NoError(t, err)

	c.StartRefreshAhead("refreshed", fn, 30*time.Millisecond, 20*time.Millisecond)
	c.runRefreshCycle() // not yet within refreshBefore window
	e, _ := c.l1.Get("refreshed")
	assert.Equal(t, "v1", string(e.Value))

	time.Sleep(15 * time.Millisecond)
	c.runRefreshCycle()
	e, _ = c.l1.Get("refreshed")
	assert.Equal(t, "v2", string(e.Value))
}

func TestWarmCacheSkipsExistingKeys(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Get("already-there", func() ([]byte, []string, time.Duration, error) {
		return []byte("x"), nil, 0, nil
	})
	require.NoError(t, err)

	var computed atomic.Int32
	c.WarmCache([]string{"already-there", "new-key"}, func(key string) ComputeFn {
		return func() ([]byte, []string, time.Duration, error) {
			computed.Add(1)
			return []byte(key), nil, 0, nil
		}
	}, 2)

	assert.Equal(t, int32(1), computed.Load())
}
