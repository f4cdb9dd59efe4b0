package task

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"taskd/internal/storage"

	"github.com/cockroachdb/errors"
)

const taskColumns = `id, name, task_key, cron_expression, handler, status, retry_count, retry_interval,
	last_execution_time, next_execution_time, description, built_in, created_at, updated_at`

// TaskStore persists tasks in the tasks table.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (s *TaskStore) WithClock(now func() time.Time) *TaskStore {
	if now != nil {
		s.now = now
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                        Task
		handlerJSON, status      string
		last, next, created, upd int64
		builtIn                  int
	)
	if err := r.Scan(&t.ID, &t.Name, &t.TaskKey, &t.CronExpression, &handlerJSON, &status,
		&t.RetryCount, &t.RetryInterval, &last, &next, &t.Description, &builtIn, &created, &upd); err != nil {
		return Task{}, err
	}
	// Keep rows with a broken descriptor readable; dispatch reports the
	// descriptor error per attempt.
	t.Handler = decodeHandler(handlerJSON)
	t.Status = Status(status)
	t.BuiltIn = builtIn != 0
	t.LastExecution = storage.FromMillis(last)
	t.NextExecution = storage.FromMillis(next)
	t.CreatedAt = storage.FromMillis(created)
	t.UpdatedAt = storage.FromMillis(upd)
	return t, nil
}

// Create inserts t. Status defaults to enabled.
func (s *TaskStore) Create(ctx context.Context, t Task) (Task, error) {
	if t.Status == "" {
		t.Status = StatusEnabled
	}
	if t.Status == StatusDeleted {
		return Task{}, wrapInvalid("cannot create a deleted task")
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	hj, err := t.Handler.encode()
	if err != nil {
		return Task{}, err
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(name, task_key, cron_expression, handler, status, retry_count, retry_interval,
			last_execution_time, next_execution_time, description, built_in, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Name, t.TaskKey, t.CronExpression, hj, string(t.Status), t.RetryCount, t.RetryInterval,
		storage.Millis(t.LastExecution), storage.Millis(t.NextExecution), t.Description, boolInt(t.BuiltIn),
		storage.Millis(now), storage.Millis(now),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return Task{}, errors.Wrapf(ErrDuplicateTaskKey, "%q", t.TaskKey)
		}
		return Task{}, errors.Wrap(err, "insert task")
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return Task{}, errors.Wrap(err, "insert task id")
	}
	return t, nil
}

// Get returns the task by id, including soft-deleted rows.
func (s *TaskStore) Get(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "id %d", id)
	}
	if err != nil {
		return Task{}, errors.Wrap(err, "get task")
	}
	return t, nil
}

// GetByKey returns the live (non-deleted) task with key.
func (s *TaskStore) GetByKey(ctx context.Context, key string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_key = ? AND status <> 'deleted'`, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "key %q", key)
	}
	if err != nil {
		return Task{}, errors.Wrap(err, "get task by key")
	}
	return t, nil
}

// KeyUsed reports whether any row, deleted included, ever carried key.
func (s *TaskStore) KeyUsed(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE task_key = ?`, key).Scan(&n); err != nil {
		return false, errors.Wrap(err, "check task key")
	}
	return n > 0, nil
}

func (s *TaskStore) List(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else if !f.IncludeDeleted {
		where = append(where, "status <> 'deleted'")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	return s.query(ctx, q, args...)
}

// ChangedSince returns every row (deleted included) whose updated_at is at or
// after since. The scheduler uses it to pick up other processes' edits.
func (s *TaskStore) ChangedSince(ctx context.Context, since time.Time) ([]Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE updated_at >= ? ORDER BY updated_at, id`,
		storage.Millis(since))
}

func (s *TaskStore) query(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tasks")
	}
	return out, nil
}

// Update writes every mutable field of t (matched by id). task_key and
// created_at are never rewritten; deleted rows cannot be updated.
func (s *TaskStore) Update(ctx context.Context, t Task) (Task, error) {
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	if t.Status == StatusDeleted {
		return Task{}, wrapInvalid("use Delete to remove a task")
	}
	hj, err := t.Handler.encode()
	if err != nil {
		return Task{}, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name = ?, cron_expression = ?, handler = ?, status = ?, retry_count = ?,
			retry_interval = ?, next_execution_time = ?, description = ?, updated_at = ?
		 WHERE id = ? AND status <> 'deleted'`,
		t.Name, t.CronExpression, hj, string(t.Status), t.RetryCount, t.RetryInterval,
		storage.Millis(t.NextExecution), t.Description, storage.Millis(now), t.ID,
	)
	if err != nil {
		return Task{}, errors.Wrap(err, "update task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "id %d", t.ID)
	}
	return s.Get(ctx, t.ID)
}

// SetStatus transitions a live task. Setting StatusDeleted is the soft delete.
func (s *TaskStore) SetStatus(ctx context.Context, id int64, st Status) (Task, error) {
	if !st.Valid() {
		return Task{}, wrapInvalid("unknown status " + string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status <> 'deleted'`,
		string(st), storage.Millis(s.now()), id)
	if err != nil {
		return Task{}, errors.Wrap(err, "set task status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "id %d", id)
	}
	return s.Get(ctx, id)
}

// RecordRun stores execution timestamps. A zero last leaves
// last_execution_time untouched. updated_at is not bumped: run bookkeeping is
// not a definition change.
func (s *TaskStore) RecordRun(ctx context.Context, id int64, last, next time.Time) error {
	var err error
	if last.IsZero() {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET next_execution_time = ? WHERE id = ?`, storage.Millis(next), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET last_execution_time = ?, next_execution_time = ? WHERE id = ?`,
			storage.Millis(last), storage.Millis(next), id)
	}
	if err != nil {
		return errors.Wrap(err, "record run times")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
