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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"flashpipe/internal/errs"
	"flashpipe/internal/telemetry"
)

// QueryResult is the outcome of Execute/ExecuteMany.
type QueryResult struct {
	Columns    []string
	Rows       [][]any
	RowCount   int64
	DurationMs int64
	Cached     bool
	QueryHash  string
}

type cachedResult struct {
	result    *QueryResult
	table     string
	expiresAt time.Time
}

// Executor implements execute/executeMany, transactions with
// savepoints, a prepared-statement cache, a read-query cache invalidated by
// table, and slow-query logging. Transaction discipline (BeginTx, deferred
// rollback, explicit commit) is the same pattern used throughout this
// module's stores, generalized here to nested savepoints.
type Executor struct {
	pool          *Pool
	optimizer     *Optimizer
	slowThreshold time.Duration
	cacheTTL      time.Duration
	sink          *errs.Collector
	tel           *telemetry.Registry

	cacheMu    sync.Mutex
	queryCache map[string]*cachedResult
}

// NewExecutor builds an Executor over pool. tel may be nil, in which case
// slow-query metrics are skipped.
func NewExecutor(pool *Pool, optimizer *Optimizer, slowThreshold, cacheTTL time.Duration, sink *errs.Collector, tel *telemetry.Registry) *Executor {
	return &Executor{
		pool:          pool,
		optimizer:     optimizer,
		slowThreshold: slowThreshold,
		cacheTTL:      cacheTTL,
		sink:          sink,
		tel:           tel,
		queryCache:    make(map[string]*cachedResult),
	}
}

// Execute runs sqlText against an acquired pooled connection, recording
// query metadata and honoring the read-query cache for SELECTs.
func (e *Executor) Execute(ctx context.Context, sqlText string, params ...any) (*QueryResult, error) {
	normalized, fingerprint := e.optimizer.Normalize(sqlText)
	isSelect := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(normalized)), "SELECT")
	cacheKey := fingerprint + "|" + paramsKey(params)

	if isSelect && e.cacheTTL > 0 {
		if cached, ok := e.lookupCache(cacheKey); ok {
			return cached, nil
		}
	}

	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(pc)

	start := time.Now()
	result, err := e.run(ctx, pc, sqlText, params)
	duration := time.Since(start)
	pc.Stats.TotalQueries++
	pc.Stats.TotalTimeMs += duration.Milliseconds()
	if err != nil {
		pc.Stats.Errors++
		e.optimizer.Record(normalized)
		return nil, classifyDriverError(err)
	}
	result.DurationMs = duration.Milliseconds()
	result.QueryHash = fingerprint

	if e.slowThreshold > 0 && duration > e.slowThreshold {
		pc.Stats.SlowQueries++
		e.optimizer.RecordSlow(normalized, duration)
		if e.tel != nil {
			e.tel.ObservePoolSlowQuery()
		}
	}
	e.optimizer.Record(normalized)

	if isSelect && e.cacheTTL > 0 {
		e.storeCache(cacheKey, result, tableFromSQL(normalized))
	} else if !isSelect {
		e.invalidateTable(tableFromSQL(normalized))
	}

	return result, nil
}

func (e *Executor) run(ctx context.Context, pc *PooledConnection, sqlText string, params []any) (*QueryResult, error) {
	stmt, err := e.prepared(ctx, pc, sqlText)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
		result.RowCount++
	}
	return result, rows.Err()
}

// ExecuteMany runs sqlText once per entry in paramsList, reusing a single
// prepared statement and connection where the driver allows it.
func (e *Executor) ExecuteMany(ctx context.Context, sqlText string, paramsList [][]any) ([]*QueryResult, error) {
	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(pc)

	stmt, err := e.prepared(ctx, pc, sqlText)
	if err != nil {
		return nil, err
	}

	results := make([]*QueryResult, 0, len(paramsList))
	for _, params := range paramsList {
		start := time.Now()
		res, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			pc.Stats.Errors++
			return results, classifyDriverError(err)
		}
		affected, _ := res.RowsAffected()
		results = append(results, &QueryResult{RowCount: affected, DurationMs: time.Since(start).Milliseconds()})
		pc.Stats.TotalQueries++
	}
	normalized, _ := e.optimizer.Normalize(sqlText)
	e.invalidateTable(tableFromSQL(normalized))
	e.optimizer.Record(normalized)
	return results, nil
}

// prepared returns a cached statement scoped to pc (see PooledConnection's
// own stmt cache: a *sql.Stmt is bound to the connection it was prepared
// against, so the cache cannot be shared across connections).
func (e *Executor) prepared(ctx context.Context, pc *PooledConnection, sqlText string) (*sql.Stmt, error) {
	return pc.connStmt(ctx, sqlText)
}

func (e *Executor) lookupCache(key string) (*QueryResult, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	c, ok := e.queryCache[key]
	if !ok || time.Now().After(c.expiresAt) {
		return nil, false
	}
	cp := *c.result
	cp.Cached = true
	cp.DurationMs = 0
	return &cp, true
}

func (e *Executor) storeCache(key string, result *QueryResult, table string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.queryCache[key] = &cachedResult{result: result, table: table, expiresAt: time.Now().Add(e.cacheTTL)}
}

func (e *Executor) invalidateTable(table string) {
	if table == "" {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for k, c := range e.queryCache {
		if c.table == table {
			delete(e.queryCache, k)
		}
	}
}

func paramsKey(params []any) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%v", p)
	}
	return b.String()
}

// tableFromSQL extracts the primary table referenced by a normalized
// statement: the token following FROM, INTO or UPDATE.
func tableFromSQL(normalized string) string {
	upper := strings.ToUpper(normalized)
	for _, kw := range []string{"FROM ", "INTO ", "UPDATE "} {
		if idx := strings.Index(upper, kw); idx >= 0 {
			rest := strings.TrimSpace(normalized[idx+len(kw):])
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				name := strings.Trim(fields[0], "`\"'();,")
				if i := strings.IndexByte(name, '('); i >= 0 {
					name = name[:i]
				}
				return name
			}
		}
	}
	return ""
}

// classifyDriverError wraps a raw driver error into the errs taxonomy:
// lock/connection errors are transient, syntax/constraint violations are
// permanent.
func classifyDriverError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy") || strings.Contains(msg, "timeout"):
		return errs.New(errs.CategoryTransient, "db.executor", "%s", err.Error())
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "unique"):
		return errs.New(errs.CategoryPermanent, "db.executor", "%s", err.Error()).WithContext("constraint", extractConstraint(msg))
	case strings.Contains(msg, "syntax"):
		return errs.New(errs.CategoryPermanent, "db.executor", "%s", err.Error())
	default:
		return errs.Wrap(err, errs.CategoryTransient, "db.executor")
	}
}

func extractConstraint(msg string) string {
	idx := strings.Index(msg, "constraint")
	if idx < 0 {
		return ""
	}
	rest := msg[idx:]
	fields := strings.Fields(rest)
	if len(fields) > 1 {
		return fields[1]
	}
	return ""
}

// --- Transactions with savepoints ---

// Tx wraps a *sql.Tx with a savepoint counter for nested Transaction calls.
type Tx struct {
	tx          *sql.Tx
	savepointID int
	mu          sync.Mutex
}

// Transaction begins a transaction, runs block, and commits on a nil
// return or rolls back otherwise. Nested units of work inside block go
// through the Tx's Savepoint method, which uses a SAVEPOINT instead of a
// nested BEGIN; calling Transaction again from within block opens a
// separate transaction on another pooled connection.
func (e *Executor) Transaction(ctx context.Context, block func(*Tx) error) error {
	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Release(pc)

	sqlTx, err := pc.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &Tx{tx: sqlTx}
	defer func() { _ = t.tx.Rollback() }()

	if err := block(t); err != nil {
		return err
	}
	return t.tx.Commit()
}

// Savepoint runs block inside a SAVEPOINT scoped to this transaction,
// releasing on success and rolling back to the savepoint on failure —
// the transaction itself remains open either way.
func (t *Tx) Savepoint(ctx context.Context, block func(*Tx) error) error {
	t.mu.Lock()
	t.savepointID++
	name := "sp_" + strconv.Itoa(t.savepointID)
	t.mu.Unlock()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := block(t); err != nil {
		_, _ = t.tx.ExecContext(ctx, "ROLLBACK TO "+name)
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE "+name)
	return err
}

// Exec runs sqlText within the transaction.
func (t *Tx) Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, sqlText, params...)
}
