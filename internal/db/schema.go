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
	"database/sql"
)

// CurrentSchemaVersion is the schema_version value this module expects.
const CurrentSchemaVersion = "1"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS vocabulary (
	position    INTEGER PRIMARY KEY,
	term        TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'unknown',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS stage_output (
	position     INTEGER NOT NULL,
	stage        INTEGER NOT NULL,
	raw          TEXT,
	parsed_json  TEXT,
	tokens       INTEGER NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (position, stage)
);

CREATE TABLE IF NOT EXISTS flashcards (
	position    INTEGER NOT NULL,
	term_number INTEGER NOT NULL,
	tab         TEXT,
	front       TEXT NOT NULL,
	back        TEXT NOT NULL,
	tags        TEXT,
	honorific   TEXT,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (position, term_number)
);

CREATE TABLE IF NOT EXISTS cache_metadata (
	key         TEXT PRIMARY KEY,
	tier        TEXT NOT NULL,
	tags        TEXT,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at  TIMESTAMP,
	hit_count   INTEGER NOT NULL DEFAULT 0,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	hot         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_usage (
	request_id    TEXT PRIMARY KEY,
	stage         INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost          REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS error_records (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	category     TEXT NOT NULL,
	severity     TEXT NOT NULL,
	timestamp    TIMESTAMP NOT NULL,
	context_json TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// EnsureSchema creates the seven logical tables if absent and records the
// current schema_version, within a single transaction.
func EnsureSchema(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version(key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		CurrentSchemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}
