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

package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"flashpipe/internal/errs"
	"flashpipe/internal/telemetry"
)

// Config configures a Coordinator.
type Config struct {
	L1MaxEntries int
	L1MaxBytes   int64
	L1Policy     Policy

	L2RootDir  string
	L2MaxBytes int64
	L2Policy   Policy
	L2Compress bool

	SweepInterval time.Duration // default 30s
	WriteThrough  bool          // false (default) = write-behind to L2
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

type refreshSpec struct {
	fn            ComputeFn
	ttl           time.Duration
	refreshBefore time.Duration
}

// Coordinator implements L1/L2 orchestration, stampede
// suppression spanning both tiers, tag invalidation, refresh-ahead and
// warming. Lifecycle (Start/Stop/ticker loops) follows the same
// background-worker shape used by the quota worker.
type Coordinator struct {
	l1  *L1
	l2  *L2
	cfg Config

	group singleflight.Group

	mu       sync.Mutex
	refresh  map[string]refreshSpec
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	sink *errs.Collector
	tel  *telemetry.Registry

	hits, misses, evictions int64
	statsMu                 sync.Mutex
}

// New builds a Coordinator and starts its background sweeper/refresh loop.
// tel may be nil, in which case cache metrics are skipped.
func New(cfg Config, sink *errs.Collector, tel *telemetry.Registry) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	l2, err := NewL2(cfg.L2RootDir, cfg.L2MaxBytes, cfg.L2Policy, cfg.L2Compress)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		l1:       NewL1(cfg.L1MaxEntries, cfg.L1MaxBytes, cfg.L1Policy),
		l2:       l2,
		cfg:      cfg,
		refresh:  make(map[string]refreshSpec),
		stopChan: make(chan struct{}),
		sink:     sink,
		tel:      tel,
	}
	c.wg.Add(1)
	go c.backgroundLoop()
	return c, nil
}

// Stop halts the background sweeper/refresh loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

func (c *Coordinator) backgroundLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if evicted := c.l2.Sweep(64); evicted > 0 && c.tel != nil {
				c.tel.ObserveCacheEviction("l2", c.cfg.L2Policy.String())
			}
			c.runRefreshCycle()
		case <-c.stopChan:
			return
		}
	}
}

// Get implements the L1 -> L2 -> compute lookup chain with stampede
// suppression spanning both tiers: only one caller per key runs fn even if
// both tiers miss simultaneously across goroutines.
func (c *Coordinator) Get(key string, fn ComputeFn) (*Entry, error) {
	if e, ok := c.l1.Get(key); ok {
		c.recordHit("l1")
		return e, nil
	}
	if e, ok, err := c.l2.Get(key); err == nil && ok {
		c.recordHit("l2")
		c.l1.Set(cloneEntry(e))
		return e, nil
	} else if err != nil {
		c.collect(err, "cache.l2.get")
	}

	c.recordMiss("all")
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check after winning the race to enter Do, in case another
		// goroutine populated the entry between our misses above and here.
		if e, ok := c.l1.Get(key); ok {
			return e, nil
		}
		value, tags, ttl, err := fn()
		if err != nil {
			return nil, err
		}
		e := &Entry{
			Key:            key,
			Value:          value,
			CreatedAt:      time.Now(),
			LastAccessedAt: time.Now(),
			Tags:           tags,
			SizeBytes:      int64(len(value)),
		}
		if ttl > 0 {
			e.ExpiresAt = e.CreatedAt.Add(ttl)
		}
		c.l1.Set(e)
		c.persistToL2(e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Coordinator) persistToL2(e *Entry) {
	if c.cfg.WriteThrough {
		if err := c.l2.Set(cloneEntry(e)); err != nil {
			c.collect(err, "cache.l2.set")
		}
		return
	}
	go func() {
		if err := c.l2.Set(cloneEntry(e)); err != nil {
			c.collect(err, "cache.l2.set.async")
		}
	}()
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	cp.Tags = append([]string(nil), e.Tags...)
	return &cp
}

// DeleteByTag removes every entry tagged with tag from both tiers.
func (c *Coordinator) DeleteByTag(tag string) int {
	removed := c.l1.DeleteByTag(tag)
	removedL2 := c.l2.DeleteByTag(tag)
	seen := make(map[string]struct{}, len(removed)+len(removedL2))
	for _, k := range removed {
		seen[k] = struct{}{}
	}
	for _, k := range removedL2 {
		seen[k] = struct{}{}
	}
	return len(seen)
}

// StartRefreshAhead registers key for background recomputation refreshBefore
// before its TTL expires. Refresh failures leave the stale value in place.
func (c *Coordinator) StartRefreshAhead(key string, fn ComputeFn, ttl, refreshBefore time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh[key] = refreshSpec{fn: fn, ttl: ttl, refreshBefore: refreshBefore}
}

// StopRefreshAhead unregisters key from the refresh-ahead schedule.
func (c *Coordinator) StopRefreshAhead(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.refresh, key)
}

func (c *Coordinator) runRefreshCycle() {
	c.mu.Lock()
	specs := make(map[string]refreshSpec, len(c.refresh))
	for k, v := range c.refresh {
		specs[k] = v
	}
	c.mu.Unlock()

	now := time.Now()
	for key, spec := range specs {
		e, ok := c.l1.Get(key)
		if !ok {
			continue
		}
		if e.ExpiresAt.IsZero() {
			continue
		}
		if now.Before(e.ExpiresAt.Add(-spec.refreshBefore)) {
			continue
		}
		value, tags, _, err := spec.fn()
		if err != nil {
			c.collect(err, "cache.refresh_ahead")
			continue
		}
		fresh := &Entry{
			Key:            key,
			Value:          value,
			CreatedAt:      now,
			LastAccessedAt: now,
			Tags:           tags,
			SizeBytes:      int64(len(value)),
		}
		if spec.ttl > 0 {
			fresh.ExpiresAt = now.Add(spec.ttl)
		}
		c.l1.Set(fresh)
		c.persistToL2(fresh)
	}
}

// WarmCache computes and populates entries for keys not already present,
// running at most batchSize computations concurrently per batch.
func (c *Coordinator) WarmCache(keys []string, fn func(key string) ComputeFn, batchSize int) {
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		var wg sync.WaitGroup
		for _, key := range keys[start:end] {
			if _, ok := c.l1.Get(key); ok {
				continue
			}
			key := key
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Get(key, fn(key)); err != nil {
					c.collect(err, "cache.warm")
				}
			}()
		}
		wg.Wait()
	}
}

func (c *Coordinator) recordHit(tier string) {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
	if c.tel != nil {
		c.tel.ObserveCacheHit(tier)
	}
}

func (c *Coordinator) recordMiss(tier string) {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
	if c.tel != nil {
		c.tel.ObserveCacheMiss(tier)
	}
}

func (c *Coordinator) collect(err error, location string) {
	if c.sink == nil {
		return
	}
	c.sink.Collect(errs.Wrap(err, errs.CategoryDegraded, location))
}

// CoordinatorStats is the health/analytics report exposed to callers:
// aggregate hit/miss counts plus each tier's own Stats.
type CoordinatorStats struct {
	Hits, Misses int64
	L1           Stats
	L2           Stats
}

// Stats returns the current hit/miss/occupancy report.
func (c *Coordinator) Stats() CoordinatorStats {
	c.statsMu.Lock()
	hits, misses := c.hits, c.misses
	c.statsMu.Unlock()
	return CoordinatorStats{Hits: hits, Misses: misses, L1: c.l1.Stats(), L2: c.l2.Stats()}
}
