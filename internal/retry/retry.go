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

// Package retry implements a policy-driven retry/backoff/jitter coordinator,
// composable with the rate limiter, circuit breaker, cache
// and connection pool.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"flashpipe/internal/breaker"
	"flashpipe/internal/errs"
)

// RetryHinter is implemented by errors that carry a server-provided
// Retry-After hint (e.g. HTTP 429 responses from the LLM client).
type RetryHinter interface {
	RetryAfter() time.Duration
}

// Predicate decides whether an error is retryable for the given attempt
// number (1-based).
type Predicate func(err error, attempt int) bool

// Policy configures a Coordinator.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFraction  float64 // 0..1
	RetryOn         Predicate
	Rand            *rand.Rand // nil uses a package-level source
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ExponentialBase <= 0 {
		p.ExponentialBase = 2.0
	}
	if p.RetryOn == nil {
		p.RetryOn = DefaultRetryOn
	}
	return p
}

// DefaultRetryOn retries errs.Record instances categorized transient, and
// explicitly excludes *breaker.OpenError (retry storms must not keep the
// breaker open) unless the caller supplies a custom predicate that lists it.
func DefaultRetryOn(err error, attempt int) bool {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return false
	}
	var rec *errs.Record
	if errors.As(err, &rec) {
		return rec.Category == errs.CategoryTransient
	}
	return false
}

// Exhausted wraps the last error when Do gives up: after MaxAttempts, on a
// non-retryable error, or on cancellation. Attempts is the number of calls
// actually made.
type Exhausted struct {
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() error { return e.Last }

// Coordinator runs operations under a Policy.
type Coordinator struct {
	policy Policy
	sink   *errs.Collector
}

// New builds a Coordinator.
func New(policy Policy, sink *errs.Collector) *Coordinator {
	return &Coordinator{policy: policy.withDefaults(), sink: sink}
}

// Do attempts operation up to MaxAttempts times, sleeping between attempts
// per the exponential-backoff-with-jitter formula, honoring any RetryHinter
// on the failing error as a lower bound (capped to MaxDelay).
func (c *Coordinator) Do(ctx context.Context, operation func(context.Context) error) error {
	p := c.policy
	var last error
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attemptStart := time.Now()
		err := operation(ctx)
		attempts = attempt
		if err == nil {
			return nil
		}
		last = err
		if attempt == p.MaxAttempts || !p.RetryOn(err, attempt) {
			break
		}

		delay := backoffDelay(p, attempt)
		if hinter, ok := asRetryHinter(err); ok {
			hinted := hinter.RetryAfter()
			if hinted > p.MaxDelay {
				hinted = p.MaxDelay
			}
			if hinted > delay {
				delay = hinted
			}
		}

		// operation may itself have slept (e.g. waiting on the rate limiter
		// before making its call) — that wait and this backoff are both
		// "slow down" signals for the same condition, so the worker sleeps
		// only the larger of the two rather than paying both in full.
		if elapsed := time.Since(attemptStart); elapsed < delay {
			delay -= elapsed
		} else {
			delay = 0
		}

		select {
		case <-ctx.Done():
			last = fmt.Errorf("retry cancelled: %w", ctx.Err())
			attempt = p.MaxAttempts // stop looping
		case <-time.After(delay):
		}
	}
	exhausted := &Exhausted{Attempts: attempts, Last: last}
	if c.sink != nil {
		c.sink.Collect(errs.Wrap(exhausted, categoryOf(last), "retry.exhausted"))
	}
	return exhausted
}

func categoryOf(err error) errs.Category {
	var rec *errs.Record
	if errors.As(err, &rec) {
		return rec.Category
	}
	return errs.CategoryTransient
}

func asRetryHinter(err error) (RetryHinter, bool) {
	var h RetryHinter
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}

// backoffDelay computes min(maxDelay, initialDelay * base^(attempt-1)) * (1 ± jitter).
func backoffDelay(p Policy, attempt int) time.Duration {
	raw := float64(p.InitialDelay) * pow(p.ExponentialBase, attempt-1)
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.JitterFraction <= 0 {
		return time.Duration(raw)
	}
	// A Coordinator is shared across concurrent pipeline workers, so the
	// jitter source must tolerate concurrent use. A caller-supplied *rand.Rand
	// is not safe for that (math/rand.Rand has no internal locking), so it is
	// only honored when explicitly set for deterministic single-goroutine
	// tests; the concurrent default is the package-level rand functions,
	// whose global source is safe for concurrent use.
	var f float64
	if p.Rand != nil {
		f = p.Rand.Float64()
	} else {
		f = rand.Float64()
	}
	jitter := 1 + (f*2-1)*p.JitterFraction
	return time.Duration(raw * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
