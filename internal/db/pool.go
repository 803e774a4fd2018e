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

// Package db implements the connection-pooled relational store: pool, query
// executor, query optimizer, and the seven logical tables backing the
// pipeline's single file-backed database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"flashpipe/internal/errs"
	"flashpipe/internal/telemetry"
)

// ConnState is the lifecycle state of a PooledConnection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateInUse
	StateInvalid
)

// ConnStats tracks per-connection usage for health reporting.
type ConnStats struct {
	TotalQueries int64
	TotalTimeMs  int64
	SlowQueries  int64
	Errors       int64
}

// PooledConnection wraps a *sql.Conn with lifecycle bookkeeping for pool
// accounting. Only StateIdle connections may be acquired; a connection
// has exactly one owner between Acquire and Release.
type PooledConnection struct {
	ID         string
	conn       *sql.Conn
	State      ConnState
	CreatedAt  time.Time
	LastUsedAt time.Time
	Stats      ConnStats

	// stmts caches prepared statements bound to this connection. A *sql.Stmt
	// returned by (*sql.Conn).PrepareContext stays bound to that connection
	// forever, so the cache must live here rather than globally — sharing it
	// across PooledConnections would let two callers drive the same
	// underlying conn concurrently, violating the pool's single-owner rule.
	stmtOrder []string
	stmts     map[string]*sql.Stmt
}

// PoolTimeoutError is ConnectionPoolTimeout: raised when Acquire cannot be
// satisfied within acquireTimeout, carrying current pool stats in context.
type PoolTimeoutError struct {
	Waited time.Duration
	Stats  PoolStats
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("connection pool acquire timed out after %s (size=%d/%d, in_use=%d)",
		e.Waited, e.Stats.CurrentSize, e.Stats.MaxSize, e.Stats.InUse)
}

// Config configures a Pool.
type Config struct {
	MinSize             int
	MaxSize             int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// PoolStats is the observable state of a Pool.
type PoolStats struct {
	CurrentSize int
	MaxSize     int
	MinSize     int
	InUse       int
	Idle        int
}

// Pool is a min/max-sized connection pool layered above database/sql's
// own connection management to expose explicit acquire/release semantics,
// health checks and idle eviction. Its Start/Stop/background-loop shape
// follows internal/ratelimiter/core/worker.go.
type Pool struct {
	db  *sql.DB
	cfg Config

	mu      sync.Mutex
	conns   map[string]*PooledConnection
	waiters []chan struct{}

	sink *errs.Collector
	tel  *telemetry.Registry

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool wraps db with the pool's lifecycle management, pre-warming MinSize
// connections. tel may be nil, in which case pool metrics are skipped.
func NewPool(ctx context.Context, db *sql.DB, cfg Config, sink *errs.Collector, tel *telemetry.Registry) (*Pool, error) {
	cfg = cfg.withDefaults()
	db.SetMaxOpenConns(cfg.MaxSize)
	p := &Pool{db: db, cfg: cfg, conns: make(map[string]*PooledConnection), sink: sink, tel: tel, stopChan: make(chan struct{})}

	for i := 0; i < cfg.MinSize; i++ {
		pc, err := p.create(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[pc.ID] = pc
		p.mu.Unlock()
	}

	p.reportTelemetry()
	p.wg.Add(1)
	go p.backgroundLoop()
	return p, nil
}

// reportTelemetry pushes the current pool occupancy to the gauges. Called
// after every state change instead of on a separate ticker, so /metrics
// reflects pool pressure at the same resolution as Stats()/HealthReport().
func (p *Pool) reportTelemetry() {
	if p.tel == nil {
		return
	}
	stats := p.Stats()
	p.tel.SetPoolSize(stats.CurrentSize, stats.InUse)
}

// Stop closes every connection and halts the background loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		pc.closeStmts()
		_ = pc.conn.Close()
	}
}

func (p *Pool) create(ctx context.Context) (*PooledConnection, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &PooledConnection{ID: uuid.NewString(), conn: conn, State: StateIdle, CreatedAt: now, LastUsedAt: now, stmts: make(map[string]*sql.Stmt)}, nil
}

// Acquire returns an idle connection passing a fast health check, creates a
// new one if under MaxSize, or waits up to AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	start := time.Now()

	for {
		p.mu.Lock()
		for _, pc := range p.conns {
			if pc.State == StateIdle && p.fastHealthCheck(pc) {
				pc.State = StateInUse
				pc.LastUsedAt = time.Now()
				p.mu.Unlock()
				p.reportTelemetry()
				return pc, nil
			}
		}
		if len(p.conns) < p.cfg.MaxSize {
			p.mu.Unlock()
			pc, err := p.create(ctx)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			pc.State = StateInUse
			p.conns[pc.ID] = pc
			p.mu.Unlock()
			p.reportTelemetry()
			return pc, nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if p.tel != nil {
				p.tel.ObservePoolTimeout()
			}
			return nil, &PoolTimeoutError{Waited: time.Since(start), Stats: p.Stats()}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			if p.tel != nil {
				p.tel.ObservePoolTimeout()
			}
			return nil, &PoolTimeoutError{Waited: time.Since(start), Stats: p.Stats()}
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// maxPreparedPerConn bounds each connection's own prepared-statement cache.
const maxPreparedPerConn = 64

// connStmt returns a statement for sqlText prepared against this specific
// connection, preparing and caching it on first use. The cache is
// per-connection (see PooledConnection.stmts) and evicts LRU-oldest once
// maxPreparedPerConn is exceeded. Callers own pc exclusively between
// Acquire and Release, so no locking is needed here.
func (pc *PooledConnection) connStmt(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	if stmt, ok := pc.stmts[sqlText]; ok {
		for i, s := range pc.stmtOrder {
			if s == sqlText {
				copy(pc.stmtOrder[i:], pc.stmtOrder[i+1:])
				pc.stmtOrder[len(pc.stmtOrder)-1] = sqlText
				break
			}
		}
		return stmt, nil
	}
	stmt, err := pc.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	if len(pc.stmtOrder) >= maxPreparedPerConn {
		oldest := pc.stmtOrder[0]
		pc.stmtOrder = pc.stmtOrder[1:]
		if old, ok := pc.stmts[oldest]; ok {
			_ = old.Close()
			delete(pc.stmts, oldest)
		}
	}
	pc.stmts[sqlText] = stmt
	pc.stmtOrder = append(pc.stmtOrder, sqlText)
	return stmt, nil
}

// closeStmts releases every statement prepared against this connection.
// Called before the underlying *sql.Conn is closed so no *sql.Stmt outlives
// its connection.
func (pc *PooledConnection) closeStmts() {
	for _, stmt := range pc.stmts {
		_ = stmt.Close()
	}
	pc.stmts = nil
	pc.stmtOrder = nil
}

// fastHealthCheck must be called with p.mu held: idle and recently used.
func (p *Pool) fastHealthCheck(pc *PooledConnection) bool {
	return time.Since(pc.LastUsedAt) < p.cfg.HealthCheckInterval
}

// fullHealthCheck executes a no-op query to verify the connection is alive.
func (p *Pool) fullHealthCheck(ctx context.Context, pc *PooledConnection) bool {
	err := pc.conn.PingContext(ctx)
	return err == nil
}

// Release validates pc and returns it to idle, or closes it if invalid.
func (p *Pool) Release(pc *PooledConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p.mu.Lock()
	if !p.fullHealthCheck(ctx, pc) {
		pc.State = StateInvalid
		delete(p.conns, pc.ID)
		p.mu.Unlock()
		pc.closeStmts()
		_ = pc.conn.Close()
		p.notifyWaiter()
		p.reportTelemetry()
		return
	}
	pc.State = StateIdle
	pc.LastUsedAt = time.Now()
	p.mu.Unlock()
	p.notifyWaiter()
	p.reportTelemetry()
}

func (p *Pool) notifyWaiter() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	close(w)
}

func (p *Pool) backgroundLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdleConnections()
		case <-p.stopChan:
			return
		}
	}
}

// evictIdleConnections closes idle connections past IdleTimeout, never
// dropping below MinSize.
func (p *Pool) evictIdleConnections() {
	p.mu.Lock()
	var victims []*PooledConnection
	now := time.Now()
	for _, pc := range p.conns {
		if len(p.conns)-len(victims) <= p.cfg.MinSize {
			break
		}
		if pc.State == StateIdle && now.Sub(pc.LastUsedAt) > p.cfg.IdleTimeout {
			victims = append(victims, pc)
		}
	}
	for _, pc := range victims {
		delete(p.conns, pc.ID)
	}
	p.mu.Unlock()

	for _, pc := range victims {
		pc.closeStmts()
		_ = pc.conn.Close()
	}
	if len(victims) > 0 {
		p.reportTelemetry()
	}
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{CurrentSize: len(p.conns), MaxSize: p.cfg.MaxSize, MinSize: p.cfg.MinSize}
	for _, pc := range p.conns {
		if pc.State == StateInUse {
			stats.InUse++
		} else if pc.State == StateIdle {
			stats.Idle++
		}
	}
	return stats
}

// ConnectionHealth is a per-connection diagnostic snapshot: age and query
// counters, consumed by the status API and the doctor subcommand.
type ConnectionHealth struct {
	ID           string
	AgeSeconds   float64
	State        ConnState
	TotalQueries int64
	SlowQueries  int64
	Errors       int64
}

func (p *Pool) HealthReport() []ConnectionHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]ConnectionHealth, 0, len(p.conns))
	for _, pc := range p.conns {
		out = append(out, ConnectionHealth{
			ID:           pc.ID,
			AgeSeconds:   now.Sub(pc.CreatedAt).Seconds(),
			State:        pc.State,
			TotalQueries: pc.Stats.TotalQueries,
			SlowQueries:  pc.Stats.SlowQueries,
			Errors:       pc.Stats.Errors,
		})
	}
	return out
}
