package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/handler"
	"taskd/internal/task/lease"
	logx "taskd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingScheduler struct {
	mu      sync.Mutex
	synced  []string
	removed []string
}

func (r *recordingScheduler) Sync(t task.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, t.TaskKey+"="+string(t.Status))
	return t.Status == task.StatusEnabled
}

func (r *recordingScheduler) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, key)
	return true
}

func (r *recordingScheduler) Location() *time.Location { return time.UTC }

type env struct {
	db    *sql.DB
	svc   *Service
	sched *recordingScheduler
	funcs *handler.Registry
}

var clock = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "taskd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks := task.NewTaskStore(db)
	execs := task.NewExecutionStore(db)
	funcs := handler.NewRegistry()
	exec := engine.New(engine.Config{Location: time.UTC}, lease.NewManager(db, "node-1"), tasks, execs,
		handler.NewDispatcher(funcs, nil, nil))
	sched := &recordingScheduler{}
	svc := New(tasks, execs, exec, sched, WithClock(func() time.Time { return clock }))
	return &env{db: db, svc: svc, sched: sched, funcs: funcs}
}

func fnTask(key string) task.Task {
	return task.Task{
		Name:           "Task " + key,
		TaskKey:        key,
		CronExpression: "0 */15 * * * *",
		Handler:        task.Handler{Type: task.HandlerFunction, Function: &task.FunctionSpec{Name: "work", Params: map[string]any{"batch": float64(10)}}},
		RetryCount:     1,
		RetryInterval:  1,
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestCreateTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.svc.CreateTask(ctx, fnTask("sync-mail"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, task.StatusEnabled, created.Status)
	assert.Equal(t, time.Date(2026, 5, 1, 8, 15, 0, 0, time.UTC), created.NextExecution.UTC())
	assert.Equal(t, []string{"sync-mail=enabled"}, e.sched.synced)

	_, err = e.svc.CreateTask(ctx, fnTask("sync-mail"))
	assert.True(t, errors.Is(err, task.ErrDuplicateTaskKey))

	bad := fnTask("bad-cron")
	bad.CronExpression = "every tuesday"
	_, err = e.svc.CreateTask(ctx, bad)
	assert.True(t, errors.Is(err, task.ErrInvalidCron))

	noHandler := fnTask("no-handler")
	noHandler.Handler = task.Handler{Type: task.HandlerHTTP}
	_, err = e.svc.CreateTask(ctx, noHandler)
	assert.True(t, errors.Is(err, task.ErrInvalidHandler))
}

func TestUpdateTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.svc.CreateTask(ctx, fnTask("report"))
	require.NoError(t, err)

	cronExpr := "@daily"
	retries := 4
	updated, err := e.svc.UpdateTask(ctx, created.ID, TaskPatch{CronExpression: &cronExpr, RetryCount: &retries})
	require.NoError(t, err)
	assert.Equal(t, "@daily", updated.CronExpression)
	assert.Equal(t, 4, updated.RetryCount)
	assert.Equal(t, "report", updated.TaskKey)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), updated.NextExecution.UTC())

	// Non built-in tasks may swap handlers entirely.
	h := task.Handler{Type: task.HandlerHTTP, HTTP: &task.HTTPSpec{URL: "https://example.com/hook"}}
	_, err = e.svc.UpdateTask(ctx, created.ID, TaskPatch{Handler: &h})
	require.NoError(t, err)

	deleted := task.StatusDeleted
	_, err = e.svc.UpdateTask(ctx, created.ID, TaskPatch{Status: &deleted})
	assert.True(t, errors.Is(err, task.ErrInvalidTask))

	badCron := "61 * * * *"
	_, err = e.svc.UpdateTask(ctx, created.ID, TaskPatch{CronExpression: &badCron})
	assert.True(t, errors.Is(err, task.ErrInvalidCron))

	_, err = e.svc.UpdateTask(ctx, 999, TaskPatch{})
	assert.True(t, errors.Is(err, task.ErrTaskNotFound))
}

func TestUpdateBuiltInKeepsHandlerIdentity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	def := fnTask("builtin-cleanup")
	n, err := e.svc.BootstrapBuiltins(ctx, []task.Task{def})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	cur, err := e.svc.Lookup(ctx, "builtin-cleanup")
	require.NoError(t, err)
	require.True(t, cur.BuiltIn)

	other := task.Handler{Type: task.HandlerFunction, Function: &task.FunctionSpec{Name: "something-else"}}
	_, err = e.svc.UpdateTask(ctx, cur.ID, TaskPatch{Handler: &other})
	assert.True(t, errors.Is(err, task.ErrBuiltInImmutable))

	sameIdentity := task.Handler{Type: task.HandlerFunction, Function: &task.FunctionSpec{Name: "work", Params: map[string]any{"batch": float64(50)}}}
	updated, err := e.svc.UpdateTask(ctx, cur.ID, TaskPatch{Handler: &sameIdentity})
	require.NoError(t, err)
	assert.Equal(t, float64(50), updated.Handler.Function.Params["batch"])

	disabled := task.StatusDisabled
	updated, err = e.svc.UpdateTask(ctx, cur.ID, TaskPatch{Status: &disabled})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDisabled, updated.Status)
}

func TestDeleteTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.svc.CreateTask(ctx, fnTask("temp"))
	require.NoError(t, err)

	require.NoError(t, e.svc.DeleteTask(ctx, created.ID))
	assert.Equal(t, []string{"temp"}, e.sched.removed)

	got, err := e.svc.GetTask(ctx, created.ID)
	require.NoError(t, err, "soft-deleted rows stay readable")
	assert.Equal(t, task.StatusDeleted, got.Status)

	_, err = e.svc.Lookup(ctx, "temp")
	assert.True(t, errors.Is(err, task.ErrTaskNotFound))

	assert.True(t, errors.Is(e.svc.DeleteTask(ctx, created.ID), task.ErrTaskNotFound))

	// key is free again once the old row is deleted
	_, err = e.svc.CreateTask(ctx, fnTask("temp"))
	require.NoError(t, err)
}

func TestTriggerDisabledTaskIsRejectedBeforeAnyRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	called := false
	e.funcs.Register("work", func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	})
	created, err := e.svc.CreateTask(ctx, fnTask("paused"))
	require.NoError(t, err)
	_, err = e.svc.DisableTask(ctx, created.ID)
	require.NoError(t, err)

	_, err = e.svc.TriggerTask(ctx, created.ID)
	assert.True(t, errors.Is(err, task.ErrTaskNotEnabled))
	assert.False(t, called)
	assert.Zero(t, countRows(t, e.db, "task_executions"))
	assert.Zero(t, countRows(t, e.db, "task_locks"))
}

func TestTriggerEnabledTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.funcs.Register("work", func(_ context.Context, p map[string]any) (any, error) { return p["batch"], nil })
	created, err := e.svc.CreateTask(ctx, fnTask("now"))
	require.NoError(t, err)

	res, err := e.svc.TriggerTask(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, float64(10), res.Data)

	hist, total, err := e.svc.GetTaskExecutionHistory(ctx, created.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hist, 1)
	assert.Equal(t, task.TriggerManual, hist[0].Trigger)
	assert.Equal(t, task.ExecSuccess, hist[0].Status)
}

func TestExecutionHistoryPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.funcs.Register("work", func(context.Context, map[string]any) (any, error) { return nil, nil })
	created, err := e.svc.CreateTask(ctx, fnTask("paged"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		res, err := e.svc.TriggerTask(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	page, total, err := e.svc.GetTaskExecutionHistory(ctx, created.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	last, _, err := e.svc.GetTaskExecutionHistory(ctx, created.ID, 2, 4)
	require.NoError(t, err)
	assert.Len(t, last, 1)
	assert.Greater(t, page[0].ID, last[0].ID, "newest first")

	_, _, err = e.svc.GetTaskExecutionHistory(ctx, 12345, 10, 0)
	assert.True(t, errors.Is(err, task.ErrTaskNotFound))
}

func TestEnableDisable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.svc.CreateTask(ctx, fnTask("toggle"))
	require.NoError(t, err)

	off, err := e.svc.DisableTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDisabled, off.Status)

	on, err := e.svc.EnableTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusEnabled, on.Status)
	assert.False(t, on.NextExecution.IsZero())

	assert.Equal(t, []string{"toggle=enabled", "toggle=disabled", "toggle=enabled"}, e.sched.synced)

	enabled, err := e.svc.ListTasks(ctx, task.TaskFilter{Status: task.StatusEnabled})
	require.NoError(t, err)
	assert.Len(t, enabled, 1)
}

func TestBootstrapBuiltins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	defs := []task.Task{fnTask("b1"), fnTask("b2")}

	n, err := e.svc.BootstrapBuiltins(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.svc.BootstrapBuiltins(ctx, defs)
	require.NoError(t, err)
	assert.Zero(t, n, "existing keys are left alone")

	b1, err := e.svc.Lookup(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, e.svc.DeleteTask(ctx, b1.ID))
	n, err = e.svc.BootstrapBuiltins(ctx, defs)
	require.NoError(t, err)
	assert.Zero(t, n, "a deleted built-in is not resurrected")

	bad := fnTask("b3")
	bad.CronExpression = "nope"
	n, err = e.svc.BootstrapBuiltins(ctx, []task.Task{bad, fnTask("b4")})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestLookupByID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.svc.CreateTask(ctx, fnTask("by-id"))
	require.NoError(t, err)

	got, err := e.svc.Lookup(ctx, " 1 ")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}
