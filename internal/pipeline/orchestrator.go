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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flashpipe/internal/breaker"
	"flashpipe/internal/cache"
	"flashpipe/internal/db"
	"flashpipe/internal/errs"
	"flashpipe/internal/llm"
	"flashpipe/internal/quota"
	"flashpipe/internal/ratelimit"
	"flashpipe/internal/retry"
	"flashpipe/internal/telemetry"
)

// PipelineContext bundles the independently-constructed, independently
// testable components the orchestrator wires together. All
// of these are built once by the caller and passed in explicitly; the
// orchestrator owns no module-level singletons. DB is optional: when nil,
// stage_output/api_usage bookkeeping is skipped.
type PipelineContext struct {
	Limiter *ratelimit.Limiter
	Breaker *breaker.Breaker
	Retry   *retry.Coordinator
	Cache   *cache.Coordinator
	LLM     llm.Client
	DB      *db.Executor
	Sink    *errs.Collector

	// Quota is optional: when nil, stage calls are never charged against a
	// budget. When set, every stage call that actually reaches the LLM
	// (cache hits never consume quota) is recorded against the stage's
	// counter.
	Quota *quota.Store
	// Telemetry is optional: when nil, pipeline-level Prometheus observers
	// are skipped.
	Telemetry *telemetry.Registry

	AuthHeaders map[string]string
}

// Config configures an Orchestrator.
type Config struct {
	Concurrency   int // default 20
	AcquireWait   time.Duration
	Stage1TTL     time.Duration
	Stage2TTL     time.Duration
	RequestCost   func(item VocabularyItem) float64 // default: constant 1
	ProgressEvery time.Duration                     // default 100ms
	ProgressStep  float64                           // default 0.01 (1%)
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 20
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = 10 * time.Second
	}
	if c.RequestCost == nil {
		c.RequestCost = func(VocabularyItem) float64 { return 1 }
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100 * time.Millisecond
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 0.01
	}
	return c
}

// BatchResult is Run's return value: the in-order results collected before
// completion or cancellation, and whether the batch was cut short.
type BatchResult struct {
	Results   []*ProcessingResult
	Cancelled bool
}

// Orchestrator runs a bounded-concurrency batch over VocabularyItems.
type Orchestrator struct {
	pctx *PipelineContext
	cfg  Config
}

// New builds an Orchestrator over the given context and config.
func New(pctx *PipelineContext, cfg Config) *Orchestrator {
	return &Orchestrator{pctx: pctx, cfg: cfg.withDefaults()}
}

// Run processes items with bounded concurrency, returning results in input
// order. onProgress, if non-nil, is invoked at the configured cadence (and
// once more at completion) — never synchronously inside a worker.
func (o *Orchestrator) Run(ctx context.Context, items []VocabularyItem, onProgress func(Progress)) (*BatchResult, error) {
	n := len(items)
	if n == 0 {
		return &BatchResult{}, nil
	}
	batchStart := time.Now()

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporter := newProgressReporter(n, o.cfg.ProgressEvery, o.cfg.ProgressStep, onProgress)

	var orderedMu sync.Mutex
	ordered := make([]*ProcessingResult, 0, n)
	doneCh := make(chan bool, 1)
	collector := newOrderedCollector(n,
		func(r *ProcessingResult) {
			orderedMu.Lock()
			ordered = append(ordered, r)
			orderedMu.Unlock()
		},
		func(cancelled bool) { doneCh <- cancelled },
	)

	sem := make(chan struct{}, o.cfg.Concurrency)
	var drainMode atomic.Bool
	var wg sync.WaitGroup

spawnLoop:
	for _, item := range items {
		if drainMode.Load() {
			break spawnLoop
		}
		select {
		case <-workerCtx.Done():
			break spawnLoop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(it VocabularyItem) {
			defer func() { <-sem; wg.Done() }()
			o.processItem(workerCtx, it, collector, reporter, &drainMode)
		}(item)
	}

	go func() {
		wg.Wait()
		// No-op if the collector already completed normally; forces a
		// completion event when the spawn loop broke early.
		collector.Cancel()
	}()

	cancelled := <-doneCh
	reporter.Flush()
	if o.pctx.Telemetry != nil {
		o.pctx.Telemetry.ObserveBatchDuration(time.Since(batchStart))
	}

	orderedMu.Lock()
	results := make([]*ProcessingResult, len(ordered))
	copy(results, ordered)
	orderedMu.Unlock()

	return &BatchResult{Results: results, Cancelled: cancelled}, nil
}

// processItem runs the two-stage composition for one item
// and posts its result to the collector exactly once.
func (o *Orchestrator) processItem(ctx context.Context, item VocabularyItem, collector *orderedCollector, reporter *progressReporter, drainMode *atomic.Bool) {
	reporter.MarkStarted()
	if o.pctx.Telemetry != nil {
		o.pctx.Telemetry.ObserveItemStarted()
	}
	result := &ProcessingResult{Position: item.Position, Term: item.Term}
	var computed1, computed2 bool
	defer func() {
		result.FromCache = !computed1 && !computed2 && result.Err == nil
		collector.Put(result)
		reporter.MarkCompleted(result.Failed(), result.FromCache)
		if o.pctx.Telemetry != nil {
			switch {
			case result.Cancelled:
				o.pctx.Telemetry.ObserveItemCancelled()
			case result.Failed():
				o.pctx.Telemetry.ObserveItemFailed()
			default:
				o.pctx.Telemetry.ObserveItemCompleted()
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Err = err
		result.Cancelled = true
		return
	}

	stage1Started := time.Now()
	stage1Key := fmt.Sprintf("stage1:%s:%s", item.Term, item.Type)
	entry1, err := o.pctx.Cache.Get(stage1Key, func() ([]byte, []string, time.Duration, error) {
		computed1 = true
		resp, callErr := o.callStage(ctx, llm.Stage1, stage1Payload(item))
		if callErr != nil {
			return nil, nil, 0, callErr
		}
		o.recordStage(ctx, item.Position, llm.Stage1, resp, time.Since(stage1Started))
		return []byte(resp.Raw), []string{"type:" + item.Type}, o.cfg.Stage1TTL, nil
	})
	result.Timings.Stage1Ms = time.Since(stage1Started).Milliseconds()
	if err != nil {
		result.Err = err
		o.maybeEnterDrain(err, drainMode)
		return
	}

	if err := ctx.Err(); err != nil {
		result.Err = err
		result.Cancelled = true
		return
	}

	stage2Started := time.Now()
	stage2Key := fmt.Sprintf("stage2:%s:%s:%s", item.Term, item.Type, hashBytes(entry1.Value))
	entry2, err := o.pctx.Cache.Get(stage2Key, func() ([]byte, []string, time.Duration, error) {
		computed2 = true
		resp, callErr := o.callStage(ctx, llm.Stage2, stage2Payload(item, entry1.Value))
		if callErr != nil {
			return nil, nil, 0, callErr
		}
		o.recordStage(ctx, item.Position, llm.Stage2, resp, time.Since(stage2Started))
		return []byte(resp.Raw), []string{"type:" + item.Type}, o.cfg.Stage2TTL, nil
	})
	result.Timings.Stage2Ms = time.Since(stage2Started).Milliseconds()
	if err != nil {
		result.Err = err
		o.maybeEnterDrain(err, drainMode)
		return
	}

	result.FlashcardPayload = json.RawMessage(entry2.Value)
}

// callStage runs one external call through the retry coordinator, rate
// limiter, and circuit breaker, in that order of composition: retry wraps
// both the limiter and the breaker so every retry attempt re-contends for
// rate-limit capacity and is itself subject to breaker admit. A CircuitOpen
// error (non-retryable by default) stops the retry loop rather than
// spinning against an open circuit; back-pressure on an open breaker falls
// out of retry.Coordinator honoring OpenError's RetryAfter as a sleep lower
// bound when the caller's RetryOn predicate explicitly allows it. When an
// attempt already blocked inside Limiter.Acquire, retry.Coordinator sleeps
// only the remainder of its own backoff beyond that wait, so a coincident
// limiter wait and retry backoff cost the worker the maximum of the two,
// not their sum.
func (o *Orchestrator) callStage(ctx context.Context, stage llm.Stage, payload any) (llm.Response, error) {
	var resp llm.Response
	err := o.pctx.Retry.Do(ctx, func(ctx context.Context) error {
		if _, err := o.pctx.Limiter.Acquire(ctx, "global", 1, o.cfg.AcquireWait); err != nil {
			return err
		}
		return o.pctx.Breaker.Call(ctx, func(ctx context.Context) error {
			r, callErr := o.pctx.LLM.Call(ctx, stage, payload, o.pctx.AuthHeaders)
			if callErr != nil {
				return callErr
			}
			resp = r
			return nil
		})
	})
	return resp, err
}

func stage1Payload(item VocabularyItem) any {
	return map[string]string{"term": item.Term, "type": item.Type}
}

func stage2Payload(item VocabularyItem, stage1Result []byte) any {
	return map[string]any{"term": item.Term, "type": item.Type, "stage1_result": json.RawMessage(stage1Result)}
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:8])
}

// maybeEnterDrain puts the orchestrator into drain mode (no further workers
// spawned) when a system-category error (disk/memory exhaustion) is
// observed.
func (o *Orchestrator) maybeEnterDrain(err error, drainMode *atomic.Bool) {
	var rec *errs.Record
	if errors.As(err, &rec) && rec.Category == errs.CategorySystem {
		drainMode.Store(true)
	}
}

// recordStage charges the stage's quota counter for the tokens just spent
// and appends a stage_output row and an api_usage row, matching the
// append-only stage_output/api_usage tables. Best-effort: a write failure is
// reported to the error collector but never fails the item itself, since
// the external call already succeeded.
func (o *Orchestrator) recordStage(ctx context.Context, position int, stage llm.Stage, resp llm.Response, dur time.Duration) {
	if o.pctx.Quota != nil {
		tokens := int64(resp.InputTokens + resp.OutputTokens)
		if _, overBudget := o.pctx.Quota.GetOrCreate(stage.String()).Consume(tokens); overBudget && o.pctx.Sink != nil {
			o.pctx.Sink.Collect(errs.New(errs.CategoryDegraded, "pipeline.quota",
				"stage %s over budget after consuming %d tokens", stage.String(), tokens).WithSeverity(errs.SeverityLow))
		}
	}
	if o.pctx.DB == nil {
		return
	}
	if _, err := o.pctx.DB.Execute(ctx,
		`INSERT INTO stage_output (position, stage, raw, parsed_json, tokens, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		position, stage.String(), string(resp.Raw), string(resp.Raw), resp.InputTokens+resp.OutputTokens, dur.Milliseconds(),
	); err != nil && o.pctx.Sink != nil {
		o.pctx.Sink.Collect(errs.Wrap(err, errs.CategoryDegraded, "pipeline.stage_output"))
	}
	if _, err := o.pctx.DB.Execute(ctx,
		`INSERT INTO api_usage (request_id, stage, input_tokens, output_tokens, cost, created_at) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		fmt.Sprintf("%d:%s", position, stage.String()), stage.String(), resp.InputTokens, resp.OutputTokens, 0.0,
	); err != nil && o.pctx.Sink != nil {
		o.pctx.Sink.Collect(errs.Wrap(err, errs.CategoryDegraded, "pipeline.api_usage"))
	}
}
