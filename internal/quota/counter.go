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

// Package quota tracks per-key token-usage quotas (per API key, per stage)
// against a durable budget. The hot path only ever touches an in-memory
// counter; a background worker periodically commits the accumulated delta
// to the relational store (and optional mirrors) in batches, so quota
// enforcement never waits on a database round-trip.
package quota

import "sync"

// Counter is a thread-safe scalar/vector accumulator: scalar is the last
// known durable budget, vector is the uncommitted in-memory delta. The
// quantity actually available right now is scalar-vector; committing moves
// vector into scalar once the delta has been durably persisted.
type Counter struct {
	mu     sync.RWMutex
	scalar int64
	vector int64
}

// NewCounter builds a Counter seeded from the last durable budget value.
func NewCounter(initialScalar int64) *Counter {
	return &Counter{scalar: initialScalar}
}

// Consume records usage of n tokens against the budget. Quota tracking is
// advisory bookkeeping, not an admission gate (the rate limiter is the
// admission gate), so Consume never refuses: it always records the delta
// and reports whether the budget has been exceeded.
func (c *Counter) Consume(n int64) (remaining int64, overBudget bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vector += n
	remaining = c.scalar - c.vector
	return remaining, remaining < 0
}

// Refund reverses a previously recorded consumption, e.g. when a stage call
// fails after tokens were already estimated and charged.
func (c *Counter) Refund(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vector -= n
}

// State returns the current scalar and vector, for commit-threshold checks.
func (c *Counter) State() (scalar, vector int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scalar, c.vector
}

// Remaining reports the budget left at this instant.
func (c *Counter) Remaining() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scalar - c.vector
}

// Commit moves a committed vector value into the durable scalar after the
// caller has persisted it. The caller must pass the exact value it
// persisted; committedVector may be less than the current vector if a
// partial batch (e.g. only fully-confirmed entries) was applied.
func (c *Counter) Commit(committedVector int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalar -= committedVector
	c.vector -= committedVector
}

// IncreaseBudget raises the durable scalar, e.g. on a new billing period.
func (c *Counter) IncreaseBudget(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalar += delta
}
