package lease

import (
	"context"
	"database/sql"
	"time"

	"taskd/internal/storage"

	"github.com/cockroachdb/errors"
)

type Status string

const (
	StatusAcquired Status = "acquired"
	StatusReleased Status = "released"
)

// Lease is one row of task_locks.
type Lease struct {
	ID         int64     `json:"id"`
	TaskKey    string    `json:"task_key"`
	NodeID     string    `json:"node_id"`
	Status     Status    `json:"status"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ReleasedAt time.Time `json:"released_at,omitempty"`
	Context    string    `json:"context,omitempty"`
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sweepExpired transitions every acquired lease whose expiry has passed.
func sweepExpired(ctx context.Context, q queryer, nowMs int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE task_locks SET status = 'released', released_at = ?
		 WHERE status = 'acquired' AND expires_at <= ?`, nowMs, nowMs)
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired leases")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired leases rows")
	}
	return n, nil
}

func hasValid(ctx context.Context, q queryer, key string, nowMs int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_locks WHERE task_key = ? AND status = 'acquired' AND expires_at > ?`,
		key, nowMs).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "check lease")
	}
	return n > 0, nil
}

func insertAcquired(ctx context.Context, q queryer, l Lease) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO task_locks(task_key, node_id, status, acquired_at, expires_at, context)
		 VALUES(?,?,'acquired',?,?,?)`,
		l.TaskKey, l.NodeID, storage.Millis(l.AcquiredAt), storage.Millis(l.ExpiresAt), l.Context)
	return err
}

func releaseOwned(ctx context.Context, q queryer, key, node string, nowMs int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE task_locks SET status = 'released', released_at = ?
		 WHERE task_key = ? AND node_id = ? AND status = 'acquired'`, nowMs, key, node)
	if err != nil {
		return 0, errors.Wrap(err, "release lease")
	}
	return res.RowsAffected()
}

func extendOwned(ctx context.Context, q queryer, key, node string, nowMs, expiresMs int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE task_locks SET expires_at = ?
		 WHERE task_key = ? AND node_id = ? AND status = 'acquired' AND expires_at > ?`,
		expiresMs, key, node, nowMs)
	if err != nil {
		return 0, errors.Wrap(err, "extend lease")
	}
	return res.RowsAffected()
}

func currentHolder(ctx context.Context, q queryer, key string, nowMs int64) (Lease, bool, error) {
	var (
		l                      Lease
		status                 string
		acquired, exp, release int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, task_key, node_id, status, acquired_at, expires_at, released_at, context
		 FROM task_locks WHERE task_key = ? AND status = 'acquired' AND expires_at > ?`, key, nowMs).
		Scan(&l.ID, &l.TaskKey, &l.NodeID, &status, &acquired, &exp, &release, &l.Context)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, errors.Wrap(err, "lease holder")
	}
	l.Status = Status(status)
	l.AcquiredAt = storage.FromMillis(acquired)
	l.ExpiresAt = storage.FromMillis(exp)
	l.ReleasedAt = storage.FromMillis(release)
	return l, true, nil
}
