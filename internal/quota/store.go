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

package quota

import (
	"sync"
	"sync/atomic"
	"time"
)

// managedCounter pairs a Counter with the bookkeeping the background worker
// needs: last-access time for idle eviction, and an "armed" flag implementing
// high/low-watermark hysteresis so a key that hovers around the commit
// threshold doesn't commit on every tick.
type managedCounter struct {
	counter      *Counter
	lastAccessed int64 // UnixNano, updated on every hot-path touch
	armed        atomic.Bool
}

// Store is a sharded-by-key collection of Counters, one per quota identity
// (an API key, or a stage name for aggregate stage-level budgets). The fast
// path (key already present) never allocates.
type Store struct {
	counters      sync.Map
	initialScalar int64
}

// NewStore builds a Store whose new keys start with initialScalar tokens of
// budget (e.g. a per-period allotment).
func NewStore(initialScalar int64) *Store {
	return &Store{initialScalar: initialScalar}
}

// GetOrCreate returns the Counter for key, creating it (armed, with the
// store's initial budget) on first use.
func (s *Store) GetOrCreate(key string) *Counter {
	if actual, ok := s.counters.Load(key); ok {
		mc := actual.(*managedCounter)
		atomic.StoreInt64(&mc.lastAccessed, time.Now().UnixNano())
		return mc.counter
	}

	now := time.Now().UnixNano()
	mc := &managedCounter{counter: NewCounter(s.initialScalar), lastAccessed: now}
	mc.armed.Store(true)

	if actual, loaded := s.counters.LoadOrStore(key, mc); loaded {
		existing := actual.(*managedCounter)
		atomic.StoreInt64(&existing.lastAccessed, now)
		return existing.counter
	}
	return mc.counter
}

// ForEach iterates every tracked key. f must not block.
func (s *Store) ForEach(f func(key string, mc *managedCounter)) {
	s.counters.Range(func(k, v any) bool {
		f(k.(string), v.(*managedCounter))
		return true
	})
}

// Delete removes a key, e.g. once its idle age exceeds a retention window.
func (s *Store) Delete(key string) {
	s.counters.Delete(key)
}
