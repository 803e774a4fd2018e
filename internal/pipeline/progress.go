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

import (
	"sync"
	"sync/atomic"
	"time"
)

// Progress is a point-in-time counters snapshot, handed to registered
// callbacks at the configured cadence.
type Progress struct {
	Total     int
	Started   int64
	Completed int64
	Failed    int64
	FromCache int64
}

// progressReporter maintains atomic counters and throttles callback
// invocation to at most once per cadence or once per percentStep fraction
// of Total, whichever comes first, and never synchronously in the hot
// path: maybeReport only starts the callback on its own goroutine, it never
// calls back inline.
type progressReporter struct {
	total       int
	cadence     time.Duration
	percentStep float64 // fraction of total, e.g. 0.01 for 1%

	started, completed, failed, fromCache atomic.Int64

	mu              sync.Mutex
	lastReportAt    time.Time
	lastReportCount int64
	callback        func(Progress)
}

func newProgressReporter(total int, cadence time.Duration, percentStep float64, callback func(Progress)) *progressReporter {
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	if percentStep <= 0 {
		percentStep = 0.01
	}
	return &progressReporter{total: total, cadence: cadence, percentStep: percentStep, callback: callback}
}

func (p *progressReporter) snapshot() Progress {
	return Progress{
		Total:     p.total,
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		FromCache: p.fromCache.Load(),
	}
}

func (p *progressReporter) MarkStarted() {
	p.started.Add(1)
	p.maybeReport()
}

func (p *progressReporter) MarkCompleted(failed, fromCache bool) {
	p.completed.Add(1)
	if failed {
		p.failed.Add(1)
	}
	if fromCache {
		p.fromCache.Add(1)
	}
	p.maybeReport()
}

// maybeReport fires the callback off the caller's goroutine so a slow
// subscriber never stalls a worker's hot path.
func (p *progressReporter) maybeReport() {
	if p.callback == nil {
		return
	}
	now := time.Now()
	completed := p.completed.Load()
	step := int64(float64(p.total) * p.percentStep)
	if step < 1 {
		step = 1
	}

	p.mu.Lock()
	due := now.Sub(p.lastReportAt) >= p.cadence || completed-p.lastReportCount >= step
	if !due {
		p.mu.Unlock()
		return
	}
	p.lastReportAt = now
	p.lastReportCount = completed
	p.mu.Unlock()

	snap := p.snapshot()
	go p.callback(snap)
}

// Flush reports the final state synchronously at batch end, bypassing the
// cadence gate so callers always see a terminal progress report.
func (p *progressReporter) Flush() {
	if p.callback == nil {
		return
	}
	p.callback(p.snapshot())
}
