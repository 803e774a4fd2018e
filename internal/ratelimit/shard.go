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

// Package ratelimit provides a sharded token-bucket rate limiter with
// reservation semantics and adaptive rebalancing. Contention is reduced by
// splitting the aggregate rate across independent shards, each guarded by its
// own small mutex; every consume takes that mutex (there is no lock-free fast
// path).
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Shard is a single token bucket: capacity, a float token level, and a
// refill rate. Refill is lazy — no background timer is needed, matching the
// pkg/vsa style of only doing work on the observation path.
type Shard struct {
	mu                  sync.Mutex
	capacity            float64
	tokens              float64
	refillRatePerSecond float64
	lastRefillAt        time.Time

	// approxTokens is an atomic copy of tokens (scaled by 1e6 to preserve
	// sub-integer precision), stored after each successful consume and on
	// Reset so ApproxTokens can read it without the mutex. TryConsume does
	// not read it.
	approxTokens atomic.Int64

	readOnlyForReservations atomic.Bool // set during shard-rebalance drain

	calls atomic.Int64 // for imbalance tracking by the owning Limiter
}

const tokenScale = 1_000_000

// NewShard constructs a shard with the given capacity (burst size) and
// refill rate. The bucket starts full.
func NewShard(capacity, refillRatePerSecond float64) *Shard {
	s := &Shard{
		capacity:            capacity,
		tokens:              capacity,
		refillRatePerSecond: refillRatePerSecond,
		lastRefillAt:        time.Now(),
	}
	s.approxTokens.Store(int64(capacity * tokenScale))
	return s
}

// refill recomputes tokens based on elapsed time. Caller must hold mu.
func (s *Shard) refill(now time.Time) {
	elapsed := now.Sub(s.lastRefillAt).Seconds()
	if elapsed <= 0 {
		return
	}
	s.tokens += elapsed * s.refillRatePerSecond
	if s.tokens > s.capacity {
		s.tokens = s.capacity
	}
	s.lastRefillAt = now
}

// ConsumeResult is the shape returned by TryConsume.
type ConsumeResult struct {
	Allowed         bool
	TokensRemaining float64
}

// TryConsume attempts to consume count tokens, never blocking.
func (s *Shard) TryConsume(count float64) ConsumeResult {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refill(time.Now())
	if s.tokens < count {
		return ConsumeResult{Allowed: false, TokensRemaining: s.tokens}
	}
	s.tokens -= count
	s.approxTokens.Store(int64(s.tokens * tokenScale))
	return ConsumeResult{Allowed: true, TokensRemaining: s.tokens}
}

// Snapshot returns the current token level without mutating state.
func (s *Shard) Snapshot() (tokens, capacity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refill(time.Now())
	return s.tokens, s.capacity
}

// ApproxTokens returns a lock-free token estimate: the level stored at the
// last successful consume or Reset, without refill accrued since. Status and
// the adaptive rebalancer do not use it; they read Snapshot and Calls.
func (s *Shard) ApproxTokens() float64 { return float64(s.approxTokens.Load()) / tokenScale }

// Calls returns the number of TryConsume calls since the last ResetCalls
// (reservations are not counted), used by the Limiter's adaptive rebalancer
// to compute imbalance.
func (s *Shard) Calls() int64 { return s.calls.Load() }

// ResetCalls zeroes the call counter (Limiter does this on rebalance).
func (s *Shard) ResetCalls() { s.calls.Store(0) }

// computeExecuteAt returns the time at which `count` tokens would be
// available, given the current (refilled) state. Caller must hold mu.
func (s *Shard) computeExecuteAt(count float64, now time.Time) time.Time {
	if s.tokens >= count {
		return now
	}
	deficit := count - s.tokens
	waitSeconds := deficit / s.refillRatePerSecond
	return now.Add(time.Duration(waitSeconds * float64(time.Second)))
}

// reserveLocked computes an executeAt for count tokens without mutating the
// token level (the grant happens at ExecuteReservation time). Caller must
// hold mu; refill must already have been applied.
func (s *Shard) reserveLocked(count float64, now time.Time) time.Time {
	return s.computeExecuteAt(count, now)
}

// setReservationDrainOnly marks the shard read-only for new reservations,
// used during adaptive-rebalance seed rotation.
func (s *Shard) setReservationDrainOnly(v bool) { s.readOnlyForReservations.Store(v) }

func (s *Shard) isReservationDrainOnly() bool { return s.readOnlyForReservations.Load() }
