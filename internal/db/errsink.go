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
	"context"
	"encoding/json"

	"flashpipe/internal/errs"
)

// ErrorSink persists flushed errs.Record batches into the error_records
// table through the same Executor every other query goes through, so a
// collector flush is subject to the same slow-query and prepared-statement
// bookkeeping as any other write.
type ErrorSink struct {
	exec *Executor
}

// NewErrorSink builds an ErrorSink over exec.
func NewErrorSink(exec *Executor) *ErrorSink {
	return &ErrorSink{exec: exec}
}

// WriteErrorRecords implements errs.Sink.
func (s *ErrorSink) WriteErrorRecords(records []*errs.Record) error {
	ctx := context.Background()
	return s.exec.Transaction(ctx, func(tx *Tx) error {
		for _, r := range records {
			ctxJSON, err := json.Marshal(r.Context)
			if err != nil {
				ctxJSON = []byte("{}")
			}
			if _, err := tx.Exec(ctx,
				`INSERT OR REPLACE INTO error_records (id, fingerprint, category, severity, timestamp, context_json) VALUES (?, ?, ?, ?, ?, ?)`,
				r.ID, r.Fingerprint, string(r.Category), string(r.Severity), r.Timestamp, string(ctxJSON),
			); err != nil {
				return err
			}
		}
		return nil
	})
}
