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

package quotapersist

import (
	"context"
	"fmt"

	"flashpipe/internal/db"
)

// SQLitePersister is the primary quota persister: it appends one row per
// commit into api_usage, keyed by CommitID so a retried commit batch is a
// no-op on replay (INSERT OR IGNORE against the primary key). Each row
// stores the committed vector in input_tokens; the quota key itself is not
// recorded in the row, so rows cannot be summed per key, and nothing in
// this module reads them back.
type SQLitePersister struct {
	exec *db.Executor
}

// NewSQLitePersister builds a persister backed by the shared query executor.
func NewSQLitePersister(exec *db.Executor) *SQLitePersister {
	return &SQLitePersister{exec: exec}
}

// CommitBatch inserts each entry as an api_usage row within a single
// transaction, ignoring rows whose request_id (CommitID) already exists.
func (p *SQLitePersister) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return p.exec.Transaction(ctx, func(tx *db.Tx) error {
		for _, e := range entries {
			if e.CommitID == "" {
				return fmt.Errorf("quotapersist: CommitEntry.CommitID must be set for key %q", e.Key)
			}
			if _, err := tx.Exec(ctx,
				`INSERT OR IGNORE INTO api_usage(request_id, stage, input_tokens, output_tokens, cost)
				 VALUES (?, 0, ?, 0, 0)`,
				e.CommitID, e.Vector); err != nil {
				return fmt.Errorf("quotapersist sqlite commit key=%s commit=%s: %w", e.Key, e.CommitID, err)
			}
		}
		return nil
	})
}
