package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	runs  []string
	fired chan string
}

func newFakeRunner() *fakeRunner { return &fakeRunner{fired: make(chan string, 16)} }

func (r *fakeRunner) Run(_ context.Context, t task.Task, trig task.Trigger) engine.Result {
	r.mu.Lock()
	r.runs = append(r.runs, t.TaskKey+":"+string(trig))
	r.mu.Unlock()
	select {
	case r.fired <- t.TaskKey:
	default:
	}
	return engine.Result{Success: true, Attempts: 1}
}

func (r *fakeRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSweeper) CleanupExpired(context.Context) (int64, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return 2, nil
}

func newStore(t *testing.T) *task.TaskStore {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "taskd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return task.NewTaskStore(db)
}

func mkTask(t *testing.T, s *task.TaskStore, key, cronExpr string, st task.Status) task.Task {
	t.Helper()
	tk, err := s.Create(context.Background(), task.Task{
		Name:           key,
		TaskKey:        key,
		CronExpression: cronExpr,
		Handler:        task.Handler{Type: task.HandlerFunction, Function: &task.FunctionSpec{Name: "noop"}},
		Status:         st,
	})
	require.NoError(t, err)
	return tk
}

func keys(snap Snapshot) []string {
	out := make([]string, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		out = append(out, e.TaskKey)
	}
	return out
}

func startService(t *testing.T, store *task.TaskStore, runner engine.Runner, sweeper LeaseSweeper) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, store, runner, sweeper)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestStartRegistersEnabledTasks(t *testing.T) {
	store := newStore(t)
	mkTask(t, store, "hourly", "@hourly", task.StatusEnabled)
	mkTask(t, store, "five", "*/5 * * * *", task.StatusEnabled)
	mkTask(t, store, "off", "@hourly", task.StatusDisabled)
	mkTask(t, store, "bad", "0 0 0 0 0 0 0", task.StatusEnabled)

	sweeper := &countingSweeper{}
	s := startService(t, store, newFakeRunner(), sweeper)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.Equal(t, []string{"five", "hourly"}, keys(snap), "disabled and invalid tasks are not scheduled")
	for _, e := range snap.Entries {
		assert.False(t, e.Next.IsZero(), e.TaskKey)
	}
	assert.Equal(t, 1, sweeper.calls)
}

func TestFireRunsScheduledTrigger(t *testing.T) {
	store := newStore(t)
	mkTask(t, store, "tick", "* * * * * *", task.StatusEnabled)
	runner := newFakeRunner()
	startService(t, store, runner, nil)

	select {
	case key := <-runner.fired:
		assert.Equal(t, "tick", key)
	case <-time.After(3 * time.Second):
		t.Fatal("every-second task did not fire")
	}
	assert.Contains(t, runner.calls(), "tick:scheduled")
}

func TestFireUnschedulesDisabledRow(t *testing.T) {
	store := newStore(t)
	tk := mkTask(t, store, "job", "@hourly", task.StatusEnabled)
	runner := newFakeRunner()
	s := startService(t, store, runner, nil)
	require.Equal(t, []string{"job"}, keys(s.Snapshot()))

	_, err := store.SetStatus(context.Background(), tk.ID, task.StatusDisabled)
	require.NoError(t, err)

	s.fire(tk.ID, "job")
	assert.Empty(t, runner.calls())
	assert.Empty(t, s.Snapshot().Entries)
}

func TestFireReloadsDefinition(t *testing.T) {
	store := newStore(t)
	tk := mkTask(t, store, "job", "@hourly", task.StatusEnabled)
	runner := newFakeRunner()
	s := startService(t, store, runner, nil)

	s.fire(tk.ID, "job")
	assert.Equal(t, []string{"job:scheduled"}, runner.calls())
}

func TestSyncAndRemove(t *testing.T) {
	store := newStore(t)
	a := mkTask(t, store, "a", "@hourly", task.StatusEnabled)
	s := startService(t, store, newFakeRunner(), nil)

	b := mkTask(t, store, "b", "*/10 * * * * *", task.StatusEnabled)
	assert.True(t, s.Sync(b))
	assert.Equal(t, []string{"a", "b"}, keys(s.Snapshot()))

	b.CronExpression = "not a cron"
	assert.False(t, s.Sync(b), "invalid cron leaves the task unscheduled")
	assert.Equal(t, []string{"a"}, keys(s.Snapshot()))

	a.Status = task.StatusDisabled
	assert.False(t, s.Sync(a))
	assert.Empty(t, s.Snapshot().Entries)

	assert.False(t, s.Remove("a"))
	a.Status = task.StatusEnabled
	require.True(t, s.Sync(a))
	assert.True(t, s.Remove("a"))
}

func TestReconcilePicksUpExternalChanges(t *testing.T) {
	store := newStore(t)
	keep := mkTask(t, store, "keep", "@hourly", task.StatusEnabled)
	gone := mkTask(t, store, "gone", "@hourly", task.StatusEnabled)
	s := startService(t, store, newFakeRunner(), nil)
	require.Equal(t, []string{"gone", "keep"}, keys(s.Snapshot()))

	// Another process: new task, deleted task, cron change.
	time.Sleep(5 * time.Millisecond)
	mkTask(t, store, "fresh", "*/2 * * * *", task.StatusEnabled)
	_, err := store.SetStatus(context.Background(), gone.ID, task.StatusDeleted)
	require.NoError(t, err)
	keep.CronExpression = "@daily"
	_, err = store.Update(context.Background(), keep)
	require.NoError(t, err)

	require.NoError(t, s.Reconcile(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, []string{"fresh", "keep"}, keys(snap))
	for _, e := range snap.Entries {
		if e.TaskKey == "keep" {
			assert.Equal(t, "@daily", e.Spec)
		}
	}

	// Nothing changed since: a second pass is a no-op.
	require.NoError(t, s.Reconcile(context.Background()))
	assert.Equal(t, []string{"fresh", "keep"}, keys(s.Snapshot()))
}

func TestReconcileToleratesLaggingPeerClock(t *testing.T) {
	store := newStore(t)
	mkTask(t, store, "early", "@hourly", task.StatusEnabled)

	// This node runs ahead; edits from the peer carry older timestamps.
	ahead := func() time.Time { return time.Now().Add(10 * time.Second) }
	s := New(Config{Timezone: "UTC"}, store, newFakeRunner(), nil, WithClock(ahead))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.NoError(t, s.Reconcile(context.Background()))

	mkTask(t, store, "late", "@daily", task.StatusEnabled)
	require.NoError(t, s.Reconcile(context.Background()))
	assert.Equal(t, []string{"early", "late"}, keys(s.Snapshot()))
}

func TestReconcileDeletedRowDoesNotEvictReusedKey(t *testing.T) {
	store := newStore(t)
	old := mkTask(t, store, "dup", "@hourly", task.StatusEnabled)
	s := startService(t, store, newFakeRunner(), nil)

	_, err := store.SetStatus(context.Background(), old.ID, task.StatusDeleted)
	require.NoError(t, err)
	reborn := mkTask(t, store, "dup", "@daily", task.StatusEnabled)
	require.True(t, s.Sync(reborn))

	require.NoError(t, s.Reconcile(context.Background()))
	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, reborn.ID, snap.Entries[0].TaskID)
}

func TestApplyTimezoneRestartsCron(t *testing.T) {
	store := newStore(t)
	mkTask(t, store, "daily", "0 9 * * *", task.StatusEnabled)
	s := startService(t, store, newFakeRunner(), nil)

	s.Apply(Config{Timezone: "Asia/Jakarta"})
	snap := s.Snapshot()
	assert.Equal(t, "Asia/Jakarta", snap.Timezone)
	require.Len(t, snap.Entries, 1)
	next := snap.Entries[0].Next.In(s.Location())
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestSyncBeforeStartIsNoop(t *testing.T) {
	store := newStore(t)
	tk := mkTask(t, store, "x", "@hourly", task.StatusEnabled)
	s := New(Config{}, store, newFakeRunner(), nil)
	assert.False(t, s.Sync(tk))
	assert.False(t, s.Snapshot().Running)
	require.NoError(t, s.Reconcile(context.Background()))
}
