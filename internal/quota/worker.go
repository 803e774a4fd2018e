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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"flashpipe/internal/errs"
	"flashpipe/internal/quotapersist"
)

// WorkerConfig controls the commit/eviction cadence.
type WorkerConfig struct {
	// CommitThreshold is the high watermark: a key commits once
	// |vector| reaches this value.
	CommitThreshold int64
	// LowCommitThreshold re-arms a key for another threshold-triggered
	// commit only after it falls back below this value. 0 disables
	// hysteresis (every tick above threshold commits).
	LowCommitThreshold int64
	// CommitInterval is how often the worker scans for keys to commit.
	CommitInterval time.Duration
	// CommitMaxAge commits any non-zero remainder for a key that hasn't
	// been touched in this long, even below threshold. 0 disables.
	CommitMaxAge time.Duration
	// EvictionAge drops idle, fully-committed keys from memory after this
	// long without access.
	EvictionAge time.Duration
	// EvictionInterval is how often the eviction sweep runs.
	EvictionInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.CommitInterval <= 0 {
		c.CommitInterval = 5 * time.Second
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = time.Minute
	}
	if c.EvictionAge <= 0 {
		c.EvictionAge = 15 * time.Minute
	}
	return c
}

// Worker periodically commits accumulated quota deltas to a
// quotapersist.Persister and evicts idle, zero-vector keys from the store.
type Worker struct {
	store     *Store
	persister quotapersist.Persister
	sink      *errs.Collector
	cfg       WorkerConfig

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// NewWorker builds a Worker over store, committing through persister.
func NewWorker(store *Store, persister quotapersist.Persister, sink *errs.Collector, cfg WorkerConfig) *Worker {
	return &Worker{store: store, persister: persister, sink: sink, cfg: cfg.withDefaults(), stopChan: make(chan struct{})}
}

// Start launches the commit and eviction loops.
func (w *Worker) Start() {
	w.wg.Add(2)
	go func() { defer w.wg.Done(); w.commitLoop() }()
	go func() { defer w.wg.Done(); w.evictionLoop() }()
}

// Stop signals both loops to exit, running one final flush of any non-zero
// vectors before returning.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Worker) commitLoop() {
	ticker := time.NewTicker(w.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runCommitCycle(false)
		case <-w.stopChan:
			w.runCommitCycle(true)
			return
		}
	}
}

func (w *Worker) evictionLoop() {
	ticker := time.NewTicker(w.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runEvictionSweep()
		case <-w.stopChan:
			return
		}
	}
}

// runCommitCycle scans every tracked key, decides which have crossed the
// commit threshold (or are due for a max-age flush), and persists the batch
// in a single call. final, when true, commits every non-zero vector
// regardless of threshold (shutdown drain).
func (w *Worker) runCommitCycle(final bool) {
	type pending struct {
		key     string
		counter *Counter
		vector  int64
	}
	var batch []pending
	now := time.Now()

	w.store.ForEach(func(key string, mc *managedCounter) {
		_, vec := mc.counter.State()
		if vec == 0 {
			return
		}
		absVec := vec
		if absVec < 0 {
			absVec = -absVec
		}

		if final {
			batch = append(batch, pending{key, mc.counter, vec})
			return
		}

		commitByThreshold := w.cfg.CommitThreshold > 0 && absVec >= w.cfg.CommitThreshold
		last := time.Unix(0, atomic.LoadInt64(&mc.lastAccessed))
		commitByMaxAge := w.cfg.CommitMaxAge > 0 && now.Sub(last) >= w.cfg.CommitMaxAge

		shouldCommit := false
		if commitByThreshold {
			if w.cfg.LowCommitThreshold <= 0 || mc.armed.Load() {
				shouldCommit = true
			}
		} else if w.cfg.LowCommitThreshold > 0 && !mc.armed.Load() && absVec <= w.cfg.LowCommitThreshold {
			mc.armed.Store(true)
		}
		if commitByMaxAge {
			shouldCommit = true
		}

		if shouldCommit {
			batch = append(batch, pending{key, mc.counter, vec})
			mc.armed.Store(false)
		}
	})

	if len(batch) == 0 {
		return
	}

	entries := make([]quotapersist.CommitEntry, len(batch))
	for i, p := range batch {
		entries[i] = quotapersist.CommitEntry{Key: p.key, Vector: p.vector, CommitID: uuid.NewString()}
	}

	if err := w.persister.CommitBatch(context.Background(), entries); err != nil {
		if w.sink != nil {
			w.sink.Collect(errs.Wrap(err, errs.CategorySystem, "quota.worker.commit"))
		}
		return
	}
	for _, p := range batch {
		p.counter.Commit(p.vector)
	}
}

// runEvictionSweep drops keys that have been idle past EvictionAge and have
// nothing outstanding to commit.
func (w *Worker) runEvictionSweep() {
	cutoff := time.Now().Add(-w.cfg.EvictionAge)
	var stale []string
	w.store.ForEach(func(key string, mc *managedCounter) {
		last := time.Unix(0, atomic.LoadInt64(&mc.lastAccessed))
		if last.Before(cutoff) {
			if _, vec := mc.counter.State(); vec == 0 {
				stale = append(stale, key)
			}
		}
	})
	for _, key := range stale {
		w.store.Delete(key)
	}
}
