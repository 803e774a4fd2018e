// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import "sync"

// orderedCollector is the pipeline's ordered collector: an array of size N
// indexed by position-1, plus a monotonically advancing nextToEmit cursor.
// Each worker writes its own slot (single writer per index) under the
// collector's mutex; Put itself advances nextToEmit and emits every
// now-contiguous result. The
// emit callback runs outside the lock so it can never deadlock against a
// concurrent Put, and the orchestrator's write into the collector never
// suspends.
type orderedCollector struct {
	mu         sync.Mutex
	results    []*ProcessingResult
	filled     []bool
	nextToEmit int
	n          int

	onEmit     func(*ProcessingResult)
	onComplete func(cancelled bool)

	completed bool
	cancelled bool
}

// newOrderedCollector builds a collector for n items. onEmit is invoked
// once per result, in ascending position order. onComplete fires exactly
// once, when nextToEmit reaches n.
func newOrderedCollector(n int, onEmit func(*ProcessingResult), onComplete func(cancelled bool)) *orderedCollector {
	return &orderedCollector{
		results:    make([]*ProcessingResult, n),
		filled:     make([]bool, n),
		n:          n,
		onEmit:     onEmit,
		onComplete: onComplete,
	}
}

// Put records r at its position (1-based) and drains every now-ready
// contiguous run starting at nextToEmit.
func (c *orderedCollector) Put(r *ProcessingResult) {
	idx := r.Position - 1
	c.mu.Lock()
	if idx < 0 || idx >= c.n {
		c.mu.Unlock()
		return
	}
	c.results[idx] = r
	c.filled[idx] = true
	ready := c.drainLocked()
	c.mu.Unlock()

	for _, out := range ready {
		c.onEmit(out)
	}
	c.maybeComplete(false)
}

// drainLocked must be called with mu held; it returns the contiguous run of
// newly-ready results and advances nextToEmit past them.
func (c *orderedCollector) drainLocked() []*ProcessingResult {
	var ready []*ProcessingResult
	for c.nextToEmit < c.n && c.filled[c.nextToEmit] {
		ready = append(ready, c.results[c.nextToEmit])
		c.nextToEmit++
	}
	return ready
}

// Cancel marks the batch cancelled and emits whatever was completed so far,
// firing the completion event with cancelled=true. Unfilled slots are left
// unemitted.
func (c *orderedCollector) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.maybeComplete(true)
}

func (c *orderedCollector) maybeComplete(forceCancelled bool) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	done := c.nextToEmit == c.n
	cancelled := c.cancelled
	if forceCancelled {
		cancelled = true
		// A forced cancellation completes the batch even with gaps.
		done = true
	}
	if !done {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.mu.Unlock()
	if c.onComplete != nil {
		c.onComplete(cancelled)
	}
}

// Snapshot returns the results emitted so far, in position order, omitting
// unfilled slots. Safe to call at any time, including after cancellation.
func (c *orderedCollector) Snapshot() []*ProcessingResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ProcessingResult, 0, c.nextToEmit)
	for i := 0; i < c.nextToEmit; i++ {
		out = append(out, c.results[i])
	}
	return out
}
