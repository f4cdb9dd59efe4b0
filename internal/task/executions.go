package task

import (
	"context"
	"database/sql"
	"time"

	"taskd/internal/storage"

	"github.com/cockroachdb/errors"
)

const execColumns = `id, task_id, task_key, status, started_at, finished_at, duration_ms, trigger_kind,
	node_id, error_message, log, attempt`

// ExecutionStore persists one row per attempt in task_executions.
type ExecutionStore struct {
	db *sql.DB
}

func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func scanExecution(r rowScanner) (Execution, error) {
	var (
		e                 Execution
		status, trig      string
		started, finished int64
	)
	if err := r.Scan(&e.ID, &e.TaskID, &e.TaskKey, &status, &started, &finished, &e.DurationMs, &trig,
		&e.NodeID, &e.ErrorMessage, &e.Log, &e.Attempt); err != nil {
		return Execution{}, err
	}
	e.Status = ExecStatus(status)
	e.Trigger = Trigger(trig)
	e.StartedAt = storage.FromMillis(started)
	e.FinishedAt = storage.FromMillis(finished)
	return e, nil
}

// Create inserts a record in running state and returns its id.
func (s *ExecutionStore) Create(ctx context.Context, e Execution) (int64, error) {
	if e.Attempt <= 0 {
		e.Attempt = 1
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_executions(task_id, task_key, status, started_at, trigger_kind, node_id, attempt)
		 VALUES(?,?,?,?,?,?,?)`,
		e.TaskID, e.TaskKey, string(ExecRunning), storage.Millis(e.StartedAt), string(e.Trigger), e.NodeID, e.Attempt,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert execution")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "insert execution id")
	}
	return id, nil
}

// Finish sets the terminal status of a running record. It reports false when
// the record was already finalized, so a terminal status is written once.
func (s *ExecutionStore) Finish(ctx context.Context, id int64, st ExecStatus, finishedAt time.Time, errMsg, logText string) (bool, error) {
	if st == ExecRunning || st == "" {
		return false, errors.Newf("finish execution %d: %q is not terminal", id, st)
	}
	fin := storage.Millis(finishedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions
		 SET status = ?, finished_at = ?, duration_ms = MAX(0, ? - started_at), error_message = ?, log = ?
		 WHERE id = ? AND status = 'running'`,
		string(st), fin, fin, errMsg, logText, id,
	)
	if err != nil {
		return false, errors.Wrap(err, "finish execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "finish execution rows")
	}
	return n == 1, nil
}

func (s *ExecutionStore) Get(ctx context.Context, id int64) (Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM task_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, errors.Newf("execution %d not found", id)
	}
	if err != nil {
		return Execution{}, errors.Wrap(err, "get execution")
	}
	return e, nil
}

// MaxHistoryPage caps the page size of ListByTask.
const MaxHistoryPage = 1000

// ListByTask returns a page of a task's records, newest first, and the total count.
func (s *ExecutionStore) ListByTask(ctx context.Context, taskID int64, limit, offset int) ([]Execution, int, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > MaxHistoryPage:
		limit = MaxHistoryPage
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_executions WHERE task_id = ?`, taskID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count executions")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM task_executions WHERE task_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, taskID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	out := make([]Execution, 0, max(0, min(limit, total-offset)))
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate executions")
	}
	return out, total, nil
}

// Prune deletes finished records that started before cutoff.
func (s *ExecutionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_executions WHERE status <> 'running' AND started_at < ?`, storage.Millis(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
