package errs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu  sync.Mutex
	got [][]*Record
}

func (f *fakeSink) WriteErrorRecords(records []*Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, records)
	return nil
}

func TestCollectorOverflowDropsOldest(t *testing.T) {
	c := NewCollector(2, nil)
	c.Collect(New(CategoryTransient, "a", "1"))
	c.Collect(New(CategoryTransient, "a", "2"))
	c.Collect(New(CategoryTransient, "a", "3"))

	assert.EqualValues(t, 1, c.Dropped())
	assert.EqualValues(t, 3, c.Total())
	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "3", snap[1].Template)
}

func TestCollectorFlushWritesAndClears(t *testing.T) {
	sink := &fakeSink{}
	c := NewCollector(10, sink)
	c.Collect(New(CategoryBusiness, "a", "x"))
	require.NoError(t, c.Flush())
	assert.Empty(t, c.Snapshot())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 1)
	assert.Len(t, sink.got[0], 1)
}

func TestCollectorSubscribersNotifiedSynchronously(t *testing.T) {
	c := NewCollector(10, nil)
	var seen []*Record
	c.Subscribe(func(r *Record) { seen = append(seen, r) })
	c.Collect(New(CategoryDegraded, "a", "x"))
	require.Len(t, seen, 1)
	assert.Equal(t, CategoryDegraded, seen[0].Category)
}
