package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(context.Background(), conn))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestExecutor(t *testing.T) (*Executor, *Pool) {
	t.Helper()
	conn := openTestDB(t)
	pool, err := NewPool(context.Background(), conn, Config{MinSize: 1, MaxSize: 3, AcquireTimeout: 200 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Stop)
	opt := NewOptimizer(50, 3)
	return NewExecutor(pool, opt, 0, time.Minute, nil, nil), pool
}

func TestSchemaCreatesAllTables(t *testing.T) {
	conn := openTestDB(t)
	rows, err := conn.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	expected := []string{"vocabulary", "stage_output", "flashcards", "cache_metadata", "api_usage", "error_records", "schema_version"}
	for _, e := range expected {
		assert.Contains(t, names, e)
	}
}

func TestExecuteInsertAndSelect(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, "INSERT INTO vocabulary(position, term, type) VALUES (?, ?, ?)", 1, "hola", "greeting")
	require.NoError(t, err)

	res, err := e.Execute(ctx, "SELECT position, term FROM vocabulary WHERE position = ?", 1)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "hola", res.Rows[0][1])
}

func TestQueryCacheHitsOnRepeatedSelect(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()
	_, err := e.Execute(ctx, "INSERT INTO vocabulary(position, term, type) VALUES (?, ?, ?)", 1, "adios", "farewell")
	require.NoError(t, err)

	first, err := e.Execute(ctx, "SELECT term FROM vocabulary WHERE position = ?", 1)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.Execute(ctx, "SELECT term FROM vocabulary WHERE position = ?", 1)
	require.NoError(t, err)
	assert.True(t, second.Cached)
}

func TestMutationInvalidatesQueryCacheForTable(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()
	_, err := e.Execute(ctx, "INSERT INTO vocabulary(position, term, type) VALUES (?, ?, ?)", 1, "one", "t")
	require.NoError(t, err)
	_, err = e.Execute(ctx, "SELECT term FROM vocabulary WHERE position = ?", 1)
	require.NoError(t, err)

	_, err = e.Execute(ctx, "UPDATE vocabulary SET term = ? WHERE position = ?", "ONE", 1)
	require.NoError(t, err)

	res, err := e.Execute(ctx, "SELECT term FROM vocabulary WHERE position = ?", 1)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "ONE", res.Rows[0][0])
}

func TestTransactionRollsBackOnError(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	err := e.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO vocabulary(position, term, type) VALUES (?, ?, ?)", 2, "fails", "t"); err != nil {
			return err
		}
		return assertErr("forced rollback")
	})
	require.Error(t, err)

	res, err := e.Execute(ctx, "SELECT position FROM vocabulary WHERE position = ?", 2)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 0)
}

func TestSavepointRollsBackWithoutAbortingOuterTx(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	err := e.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO vocabulary(position, term, type) VALUES (?, ?, ?)", 3, "outer", "t"); err != nil {
			return err
		}
		_ = tx.Savepoint(ctx, func(inner *Tx) error {
			if _, err := inner.Exec(ctx, "INSERT INTO vocabulary(position, term, type) VALUES (?, ?, ?)", 4, "inner", "t"); err != nil {
				return err
			}
			return assertErr("inner fails")
		})
		return nil
	})
	require.NoError(t, err)

	res, err := e.Execute(ctx, "SELECT position FROM vocabulary ORDER BY position")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, int64(3), res.Rows[0][0])
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	conn := openTestDB(t)
	pool, err := NewPool(context.Background(), conn, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 50 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Stop)

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
	var timeoutErr *PoolTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	pool.Release(pc)
}

func TestNPlusOneDetection(t *testing.T) {
	opt := NewOptimizer(20, 3)
	for i := 0; i < 3; i++ {
		n, _ := opt.Normalize("SELECT * FROM flashcards WHERE position = 1")
		opt.Record(n)
	}
	findings := opt.Report()
	require.NotEmpty(t, findings)
	assert.Equal(t, "n_plus_one", findings[0].Kind)
}

func TestSlowQuerySuggestsIndex(t *testing.T) {
	opt := NewOptimizer(20, 100)
	n, _ := opt.Normalize("SELECT * FROM flashcards WHERE term_number = 5 ORDER BY created_at")
	opt.RecordSlow(n, 500*time.Millisecond)
	findings := opt.Report()
	require.NotEmpty(t, findings)
	assert.Contains(t, findings[0].Suggestion, "CREATE INDEX")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
