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

// Package pipeline is the bounded-concurrency orchestrator driving the
// flashcard batch: it pulls vocabulary items, drives the two-stage LLM
// composition through the cache, limiter, breaker and retry coordinator, and
// hands results to an ordered collector that emits them in input order
// regardless of completion order.
package pipeline

import (
	"time"

	"flashpipe/internal/errs"
	"flashpipe/internal/ingress"
)

// VocabularyItem is the input record. Reused from
// ingress.Item rather than duplicated; aliased here so pipeline callers
// don't need to import ingress directly for the common case.
type VocabularyItem = ingress.Item

// Timings records stage-1/stage-2 wall-clock duration for one item.
type Timings struct {
	Stage1Ms int64
	Stage2Ms int64
}

// ProcessingResult is the output record: one per
// VocabularyItem, posted to the ordered collector by its worker.
type ProcessingResult struct {
	Position         int
	Term             string
	FlashcardPayload any
	Err              error
	FromCache        bool
	Timings          Timings
	Cancelled        bool
}

// Failed reports whether this result represents a failed item.
func (r ProcessingResult) Failed() bool { return r.Err != nil }

// asRecord wraps err into the errs taxonomy (as CategoryBusiness) when it
// isn't already a *errs.Record.
func asRecord(err error, location string) *errs.Record {
	if err == nil {
		return nil
	}
	if rec, ok := err.(*errs.Record); ok {
		return rec
	}
	return errs.Wrap(err, errs.CategoryBusiness, location)
}
