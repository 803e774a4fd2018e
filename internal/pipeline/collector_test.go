package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedCollectorEmitsInPositionOrder(t *testing.T) {
	var mu sync.Mutex
	var emitted []int
	doneCh := make(chan bool, 1)
	c := newOrderedCollector(5,
		func(r *ProcessingResult) {
			mu.Lock()
			emitted = append(emitted, r.Position)
			mu.Unlock()
		},
		func(cancelled bool) { doneCh <- cancelled },
	)

	// Post out of order: 3, 1, 5, 2, 4.
	for _, pos := range []int{3, 1, 5, 2, 4} {
		c.Put(&ProcessingResult{Position: pos})
	}

	cancelled := <-doneCh
	assert.False(t, cancelled)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, emitted)
}

func TestOrderedCollectorWithholdsEmissionUntilGapFilled(t *testing.T) {
	var mu sync.Mutex
	var emitted []int
	c := newOrderedCollector(3,
		func(r *ProcessingResult) {
			mu.Lock()
			emitted = append(emitted, r.Position)
			mu.Unlock()
		},
		func(bool) {},
	)

	c.Put(&ProcessingResult{Position: 2})
	mu.Lock()
	require.Empty(t, emitted)
	mu.Unlock()

	c.Put(&ProcessingResult{Position: 1})
	mu.Lock()
	assert.Equal(t, []int{1, 2}, emitted)
	mu.Unlock()

	c.Put(&ProcessingResult{Position: 3})
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, emitted)
	mu.Unlock()
}

func TestOrderedCollectorCancelEmitsCompletedPrefixOnly(t *testing.T) {
	var mu sync.Mutex
	var emitted []int
	doneCh := make(chan bool, 1)
	c := newOrderedCollector(5,
		func(r *ProcessingResult) {
			mu.Lock()
			emitted = append(emitted, r.Position)
			mu.Unlock()
		},
		func(cancelled bool) { doneCh <- cancelled },
	)

	c.Put(&ProcessingResult{Position: 1})
	c.Put(&ProcessingResult{Position: 2})
	// Position 4 is posted but 3 never arrives: leaves a gap.
	c.Put(&ProcessingResult{Position: 4})

	c.Cancel()
	cancelled := <-doneCh
	assert.True(t, cancelled)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, emitted)
	mu.Unlock()
}

func TestOrderedCollectorCompletionFiresExactlyOnce(t *testing.T) {
	var fireCount int
	var mu sync.Mutex
	c := newOrderedCollector(2, func(*ProcessingResult) {}, func(bool) {
		mu.Lock()
		fireCount++
		mu.Unlock()
	})
	c.Put(&ProcessingResult{Position: 1})
	c.Put(&ProcessingResult{Position: 2})
	c.Cancel() // must be a no-op after normal completion

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fireCount)
}
