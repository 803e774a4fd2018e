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

// Package breaker implements a state-monitored circuit breaker with dynamic
// break duration, half-open probing and manual control.
package breaker

import (
	"container/ring"
	"time"
)

type outcome struct {
	at      time.Time
	success bool
}

// slidingWindow is a rolling deque of (timestamp, outcome) pairs, evicted
// lazily before every threshold evaluation.
type slidingWindow struct {
	duration time.Duration
	items    []outcome // append-only; evicted from the front
}

func newSlidingWindow(duration time.Duration) *slidingWindow {
	return &slidingWindow{duration: duration, items: make([]outcome, 0, 64)}
}

func (w *slidingWindow) record(success bool, now time.Time) {
	w.evict(now)
	w.items = append(w.items, outcome{at: now, success: success})
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.duration)
	idx := 0
	for idx < len(w.items) && w.items[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.items = append(w.items[:0], w.items[idx:]...)
	}
}

// counts returns (total, success, failed) within the window as of now.
func (w *slidingWindow) counts(now time.Time) (total, success, failed int) {
	w.evict(now)
	for _, it := range w.items {
		total++
		if it.success {
			success++
		} else {
			failed++
		}
	}
	return
}

func (w *slidingWindow) reset() { w.items = w.items[:0] }

// timeline is a bounded ring of state transitions for observability.
type timeline struct {
	r *ring.Ring
	n int
}

// Transition records one state change.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

func newTimeline(capacity int) *timeline {
	return &timeline{r: ring.New(capacity)}
}

func (t *timeline) record(tr Transition) {
	t.r.Value = tr
	t.r = t.r.Next()
	if t.n < t.r.Len() {
		t.n++
	}
}

func (t *timeline) snapshot() []Transition {
	out := make([]Transition, 0, t.n)
	t.r.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(Transition))
	})
	return out
}
