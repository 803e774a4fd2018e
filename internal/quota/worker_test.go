package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashpipe/internal/quotapersist"
)

type fakePersister struct {
	batches [][]quotapersist.CommitEntry
}

func (f *fakePersister) CommitBatch(ctx context.Context, entries []quotapersist.CommitEntry) error {
	cp := make([]quotapersist.CommitEntry, len(entries))
	copy(cp, entries)
	f.batches = append(f.batches, cp)
	return nil
}

func TestCounterConsumeAndCommit(t *testing.T) {
	c := NewCounter(100)
	remaining, over := c.Consume(40)
	require.Equal(t, int64(60), remaining)
	require.False(t, over)

	remaining, over = c.Consume(80)
	require.Equal(t, int64(-20), remaining)
	require.True(t, over)

	c.Commit(120)
	scalar, vector := c.State()
	require.Equal(t, int64(-20), scalar)
	require.Equal(t, int64(0), vector)
}

func TestWorkerCommitsOnThreshold(t *testing.T) {
	store := NewStore(1000)
	persister := &fakePersister{}
	w := NewWorker(store, persister, nil, WorkerConfig{
		CommitThreshold: 50,
		CommitInterval:  time.Hour, // don't let the ticker fire; drive manually
	})

	counter := store.GetOrCreate("key-a")
	counter.Consume(60)

	w.runCommitCycle(false)

	require.Len(t, persister.batches, 1)
	require.Equal(t, "key-a", persister.batches[0][0].Key)
	require.Equal(t, int64(60), persister.batches[0][0].Vector)

	_, vector := counter.State()
	require.Equal(t, int64(0), vector)
}

func TestWorkerHysteresisPreventsFlapping(t *testing.T) {
	store := NewStore(1000)
	persister := &fakePersister{}
	w := NewWorker(store, persister, nil, WorkerConfig{
		CommitThreshold:    50,
		LowCommitThreshold: 10,
		CommitInterval:     time.Hour,
	})

	counter := store.GetOrCreate("key-a")
	counter.Consume(55)
	w.runCommitCycle(false)
	require.Len(t, persister.batches, 1)

	// Re-consume below threshold but above low watermark: must not re-arm.
	counter.Consume(20)
	w.runCommitCycle(false)
	require.Len(t, persister.batches, 1, "should not commit again until re-armed below low watermark")
}

func TestWorkerFinalFlushCommitsRegardlessOfThreshold(t *testing.T) {
	store := NewStore(1000)
	persister := &fakePersister{}
	w := NewWorker(store, persister, nil, WorkerConfig{CommitThreshold: 1000, CommitInterval: time.Hour})

	counter := store.GetOrCreate("key-a")
	counter.Consume(5)

	w.runCommitCycle(true)

	require.Len(t, persister.batches, 1)
	require.Equal(t, int64(5), persister.batches[0][0].Vector)
}

func TestEvictionSweepDropsIdleSettledKeys(t *testing.T) {
	store := NewStore(1000)
	counter := store.GetOrCreate("idle-key")
	counter.Consume(10)
	counter.Commit(10) // vector back to 0, eligible for eviction once idle

	w := NewWorker(store, &fakePersister{}, nil, WorkerConfig{EvictionAge: time.Nanosecond})
	time.Sleep(time.Millisecond)
	w.runEvictionSweep()

	found := false
	store.ForEach(func(key string, mc *managedCounter) {
		if key == "idle-key" {
			found = true
		}
	})
	require.False(t, found, "idle settled key should have been evicted")
}
