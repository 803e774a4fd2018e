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

// Package quotapersist provides idempotent commit adapters for quota.Store:
// a primary SQLite-backed persister (the api_usage table), plus optional
// Redis and Kafka adapters for a distributed mirror and an append-only
// audit stream respectively. Every adapter accepts a CommitEntry carrying
// an idempotency key, so a retried commit (timeout, duplicate delivery)
// applies exactly once.
package quotapersist

import "context"

// CommitEntry is the adapter-facing shape for one key's committed delta.
//
//   - Key: the quota identity (API key, or a stage name such as "stage1" for
//     aggregate budgets).
//   - Vector: signed token delta being committed; by convention the durable
//     scalar is updated as scalar -= Vector, matching quota.Counter.Commit.
//   - CommitID: globally unique idempotency key. Re-applying the same
//     CommitID is a no-op.
//   - FencingToken: optional monotonic token guarding against out-of-order
//     application when more than one writer exists; nil disables the check.
type CommitEntry struct {
	Key          string
	Vector       int64
	CommitID     string
	FencingToken *int64
}

// Persister applies a batch of commits atomically with respect to each
// entry's idempotency key. Implementations must be safe to retry: applying
// the same CommitID for the same Key twice must not double-charge.
type Persister interface {
	CommitBatch(ctx context.Context, entries []CommitEntry) error
}
