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
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const l1ShardCount = 16

// l1Shard holds one slice of the L1 keyspace: entries, the tag index for
// this shard's keys, and a singleflight group for stampede suppression.
// Sharding follows the same hash-to-bucket discipline as
// internal/ratelimit's shard routing, generalized from rate-limit buckets
// to cache entries (see core.Store's sync.Map sharding for the lineage).
type l1Shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
	tags    *tagIndex
	group   singleflight.Group

	bytes int64
}

// L1 is the bounded in-memory tier: maxEntries and maxBytes are enforced
// globally across shards, with eviction per the configured Policy.
type L1 struct {
	shards     [l1ShardCount]*l1Shard
	maxEntries int
	maxBytes   int64
	policy     Policy

	mu      sync.Mutex // guards count/bytes aggregates only
	count   int
	curByte int64
}

// NewL1 builds an empty L1 tier.
func NewL1(maxEntries int, maxBytes int64, policy Policy) *L1 {
	l := &L1{maxEntries: maxEntries, maxBytes: maxBytes, policy: policy}
	for i := range l.shards {
		l.shards[i] = &l1Shard{entries: make(map[string]*Entry), tags: newTagIndex()}
	}
	return l
}

func (l *L1) shardFor(key string) *l1Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Get returns the entry for key if present and unexpired.
func (l *L1) Get(key string) (*Entry, bool) {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		l.removeLocked(sh, key, e)
		return nil, false
	}
	e.HitCount++
	e.LastAccessedAt = time.Now()
	if e.HitCount >= hotThreshold {
		e.Hot = true
	}
	return e, true
}

// Set inserts or replaces an entry, evicting per policy if bounds are exceeded.
func (l *L1) Set(e *Entry) {
	sh := l.shardFor(e.Key)
	sh.mu.Lock()
	if old, ok := sh.entries[e.Key]; ok {
		sh.tags.remove(e.Key, old.Tags)
		l.adjustCount(-1, -old.SizeBytes)
	}
	e.Tier = TierL1
	sh.entries[e.Key] = e
	sh.tags.add(e.Key, e.Tags)
	sh.mu.Unlock()

	l.adjustCount(1, e.SizeBytes)
	l.enforceBounds()
}

// Delete removes key from L1, if present.
func (l *L1) Delete(key string) {
	sh := l.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok {
		l.removeLocked(sh, key, e)
	}
	sh.mu.Unlock()
}

// removeLocked must be called with sh.mu held.
func (l *L1) removeLocked(sh *l1Shard, key string, e *Entry) {
	delete(sh.entries, key)
	sh.tags.remove(key, e.Tags)
	l.adjustCount(-1, -e.SizeBytes)
}

// DeleteByTag removes every key carrying tag across all shards and returns
// the removed keys (so the caller, the coordinator, can mirror into L2).
func (l *L1) DeleteByTag(tag string) []string {
	var removed []string
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, key := range sh.tags.keysForTag(tag) {
			if e, ok := sh.entries[key]; ok {
				l.removeLocked(sh, key, e)
				removed = append(removed, key)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (l *L1) adjustCount(deltaCount int, deltaBytes int64) {
	l.mu.Lock()
	l.count += deltaCount
	l.curByte += deltaBytes
	l.mu.Unlock()
}

// enforceBounds evicts entries, one at a time, until both bounds are satisfied.
func (l *L1) enforceBounds() {
	for {
		l.mu.Lock()
		over := (l.maxEntries > 0 && l.count > l.maxEntries) || (l.maxBytes > 0 && l.curByte > l.maxBytes)
		l.mu.Unlock()
		if !over {
			return
		}
		if !l.evictOne() {
			return
		}
	}
}

// evictOne selects a victim across all shards per the configured policy and
// removes it. Hot entries are skipped unless nothing else is evictable.
func (l *L1) evictOne() bool {
	var victimShard *l1Shard
	var victimKey string
	var victim *Entry
	var fallbackShard *l1Shard
	var fallbackKey string
	var fallback *Entry

	now := time.Now()
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.Hot {
				if fallback == nil || better(l.policy, e, fallback, now) {
					fallbackShard, fallbackKey, fallback = sh, key, e
				}
				continue
			}
			if victim == nil || better(l.policy, e, victim, now) {
				victimShard, victimKey, victim = sh, key, e
			}
		}
		sh.mu.Unlock()
	}

	target, targetShard, targetKey := victim, victimShard, victimKey
	if target == nil {
		target, targetShard, targetKey = fallback, fallbackShard, fallbackKey
	}
	if target == nil {
		return false
	}

	targetShard.mu.Lock()
	if cur, ok := targetShard.entries[targetKey]; ok && cur == target {
		l.removeLocked(targetShard, targetKey, target)
	}
	targetShard.mu.Unlock()
	return true
}

// better reports whether candidate is a stronger eviction target than
// current under policy.
func better(policy Policy, candidate, current *Entry, now time.Time) bool {
	switch policy {
	case PolicyLFU:
		if candidate.HitCount != current.HitCount {
			return candidate.HitCount < current.HitCount
		}
		return candidate.LastAccessedAt.Before(current.LastAccessedAt)
	case PolicyFIFO:
		return candidate.CreatedAt.Before(current.CreatedAt)
	case PolicyTTL:
		cExp, curExp := candidate.expired(now), current.expired(now)
		if cExp != curExp {
			return cExp
		}
		if candidate.ExpiresAt.IsZero() {
			return false
		}
		if current.ExpiresAt.IsZero() {
			return true
		}
		return candidate.ExpiresAt.Before(current.ExpiresAt)
	default: // PolicyLRU
		return candidate.LastAccessedAt.Before(current.LastAccessedAt)
	}
}

// ComputeFn produces a value for a cache miss.
type ComputeFn func() ([]byte, []string, time.Duration, error)

// GetOrCompute implements stampede suppression: concurrent
// callers for the same key share one invocation of fn via singleflight,
// so a cache miss under load triggers exactly one upstream compute.
func (l *L1) GetOrCompute(key string, fn ComputeFn) (*Entry, error, bool) {
	if e, ok := l.Get(key); ok {
		return e, nil, true
	}

	sh := l.shardFor(key)
	v, err, shared := sh.group.Do(key, func() (any, error) {
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
		l.Set(e)
		return e, nil
	})
	if err != nil {
		return nil, err, shared
	}
	return v.(*Entry), nil, shared
}

// Stats summarizes L1 occupancy for telemetry.
type Stats struct {
	Entries int
	Bytes   int64
}

func (l *L1) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Entries: l.count, Bytes: l.curByte}
}
