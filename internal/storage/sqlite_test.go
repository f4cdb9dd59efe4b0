package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "taskd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "taskd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"tasks", "task_locks", "task_executions"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskd.db")

	db1, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestPartialUniqueLeaseIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	insert := func(status string) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO task_locks(task_key, node_id, status, acquired_at, expires_at) VALUES(?,?,?,?,?)`,
			"X", "n1", status, now, now+1000)
		return err
	}

	require.NoError(t, insert("acquired"))
	err := insert("acquired")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// released rows never collide
	require.NoError(t, insert("released"))
	require.NoError(t, insert("released"))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_locks(task_key, node_id, status, acquired_at, expires_at) VALUES('k','n','acquired',1,2)`)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM task_locks`).Scan(&n))
	assert.Zero(t, n)
}

func TestMillisRoundTrip(t *testing.T) {
	assert.Zero(t, Millis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())

	ts := time.UnixMilli(1_700_000_000_123)
	assert.True(t, ts.Equal(FromMillis(Millis(ts))))
}

func TestIsUniqueViolationText(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("disk I/O error")))
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: task_locks.task_key")))
}
