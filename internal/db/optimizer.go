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

package db

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Severity ranks an optimizer finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Finding is one optimizer observation: an N+1 pattern or a suggested index.
type Finding struct {
	Kind        string // "n_plus_one" | "suggested_index"
	Pattern     string
	Severity    Severity
	Occurrences int
	Suggestion  string
	ObservedAt  time.Time
}

var (
	literalRe = regexp.MustCompile(`'[^']*'|\b\d+\b`)
	wsRe      = regexp.MustCompile(`\s+`)
	whereRe   = regexp.MustCompile(`(?i)WHERE\s+(.+?)(ORDER BY|GROUP BY|LIMIT|$)`)
	colRe     = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_.]*)\s*(=|>|<|>=|<=|LIKE)`)
	orderByRe = regexp.MustCompile(`(?i)ORDER BY\s+([a-zA-Z0-9_,.\s]+)`)
	keywordRe = regexp.MustCompile(`(?i)\b(select|from|where|and|or|not|in|is|null|like|insert|into|values|update|set|delete|order|group|by|limit|join|on|as)\b`)
)

// Optimizer is a stateless normalizer/fingerprinter
// plus a bounded call-history ring for N+1 detection, grounded on
// internal/ratelimiter/telemetry/churn's windowed-aggregate style.
type Optimizer struct {
	mu          sync.Mutex
	history     []string // normalized, WHERE-skeleton patterns, bounded ring
	historyCap  int
	n1Threshold int

	findings []Finding
}

// NewOptimizer builds an Optimizer with the given history window size and
// N+1 occurrence threshold.
func NewOptimizer(historyCap, n1Threshold int) *Optimizer {
	if historyCap <= 0 {
		historyCap = 50
	}
	if n1Threshold <= 0 {
		n1Threshold = 5
	}
	return &Optimizer{historyCap: historyCap, n1Threshold: n1Threshold}
}

// Normalize collapses whitespace, replaces literals with placeholders,
// uppercases keywords, and returns (normalized, fingerprint).
func (o *Optimizer) Normalize(sqlText string) (normalized, fingerprint string) {
	n := literalRe.ReplaceAllString(sqlText, "?")
	n = wsRe.ReplaceAllString(strings.TrimSpace(n), " ")
	n = keywordRe.ReplaceAllStringFunc(n, strings.ToUpper)
	return n, hashString(n)
}

func hashString(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// whereSkeleton strips a normalized query down to its table + WHERE column
// skeleton, used for structural N+1 comparison.
func whereSkeleton(normalized string) string {
	table := tableFromSQL(normalized)
	m := whereRe.FindStringSubmatch(normalized)
	if len(m) < 2 {
		return table
	}
	cols := colRe.FindAllStringSubmatch(m[1], -1)
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c[1])
	}
	return table + "|" + strings.Join(names, ",")
}

// Record observes one executed query, appending its structural skeleton to
// the sliding window and emitting an N+1 finding if the threshold is met.
func (o *Optimizer) Record(normalized string) {
	skeleton := whereSkeleton(normalized)
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, skeleton)
	if len(o.history) > o.historyCap {
		o.history = o.history[len(o.history)-o.historyCap:]
	}

	count := 0
	for _, h := range o.history {
		if h == skeleton {
			count++
		}
	}
	if count >= o.n1Threshold {
		o.findings = append(o.findings, Finding{
			Kind: "n_plus_one", Pattern: skeleton, Severity: SeverityWarning,
			Occurrences: count, ObservedAt: time.Now(),
		})
		// Reset the count for this pattern so we don't re-fire every call.
		filtered := o.history[:0]
		for _, h := range o.history {
			if h != skeleton {
				filtered = append(filtered, h)
			}
		}
		o.history = filtered
	}
}

// RecordSlow logs a slow-query finding with an index suggestion heuristic:
// equality predicates first, then range predicates, then ORDER BY columns.
func (o *Optimizer) RecordSlow(normalized string, duration time.Duration) {
	table := tableFromSQL(normalized)
	cols := suggestedColumns(normalized)
	var suggestion string
	if table != "" && len(cols) > 0 {
		suggestion = fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s (%s)", table, strings.Join(cols, "_"), table, strings.Join(cols, ", "))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.findings = append(o.findings, Finding{
		Kind: "slow_query", Pattern: normalized, Severity: SeverityWarning,
		Suggestion: suggestion, ObservedAt: time.Now(),
	})
}

// suggestedColumns orders WHERE equality columns, then range columns, then
// ORDER BY columns, de-duplicated.
func suggestedColumns(normalized string) []string {
	seen := make(map[string]struct{})
	var equality, ranged, order []string

	if m := whereRe.FindStringSubmatch(normalized); len(m) >= 2 {
		for _, c := range colRe.FindAllStringSubmatch(m[1], -1) {
			col, op := c[1], c[2]
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			if op == "=" {
				equality = append(equality, col)
			} else {
				ranged = append(ranged, col)
			}
		}
	}
	if m := orderByRe.FindStringSubmatch(normalized); len(m) >= 2 {
		for _, col := range strings.Split(m[1], ",") {
			col = strings.TrimSpace(col)
			if col == "" {
				continue
			}
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			order = append(order, col)
		}
	}

	out := append([]string{}, equality...)
	out = append(out, ranged...)
	out = append(out, order...)
	return out
}

// Report returns all findings accumulated so far. Advisory only — the
// executor never mutates schema based on this.
func (o *Optimizer) Report() []Finding {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Finding, len(o.findings))
	copy(out, o.findings)
	return out
}
