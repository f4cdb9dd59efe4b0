package scheduler

import (
	"context"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Sync re-registers t: any entry for its key is removed, and a new one is
// added when t is enabled. It is a no-op while the scheduler is stopped;
// Start loads the current rows itself.
func (s *Service) Sync(t task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return false
	}
	s.removeLocked(t.TaskKey)
	if t.Status != task.StatusEnabled {
		s.log.Debug("schedule cleared", logx.String("task", t.TaskKey), logx.String("status", string(t.Status)))
		return false
	}
	return s.registerLocked(t)
}

// Remove stops the entry for key only. It reports whether one existed.
func (s *Service) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(key)
	if removed {
		s.log.Debug("schedule removed", logx.String("task", key))
	}
	return removed
}

// Reconcile applies task rows changed since the previous pass, including
// changes made by other processes.
// reconcileSkew widens each Reconcile window to tolerate peers whose clocks
// run behind this one. Rows seen twice are skipped by their updated_at.
const reconcileSkew = 30 * time.Second

func (s *Service) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return nil
	}
	since := s.syncedAt
	s.mu.Unlock()

	mark := s.now()
	changed, err := s.tasks.ChangedSince(ctx, since.Add(-reconcileSkew))
	if err != nil {
		return errors.Wrap(err, "load changed tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	applied := 0
	for _, t := range changed {
		d := s.defs[t.TaskKey]
		if t.Status != task.StatusEnabled {
			// A deleted row may share its key with a newer live task.
			if d != nil && d.taskID == t.ID {
				s.removeLocked(t.TaskKey)
				applied++
			}
			continue
		}
		if d != nil && d.taskID == t.ID && d.updatedAt.Equal(t.UpdatedAt) {
			continue
		}
		s.removeLocked(t.TaskKey)
		s.registerLocked(t)
		applied++
	}
	s.syncedAt = mark
	if applied > 0 {
		s.log.Info("schedules reconciled", logx.Int("changed", applied))
	}
	return nil
}

func (s *Service) registerLocked(t task.Task) bool {
	d := &scheduleDef{
		taskID:    t.ID,
		key:       t.TaskKey,
		spec:      t.CronExpression,
		updatedAt: t.UpdatedAt,
	}
	if !s.addEntryLocked(d) {
		return false
	}
	s.defs[t.TaskKey] = d
	return true
}

// addEntryLocked registers d with cron. Invalid expressions are logged and
// left unscheduled.
func (s *Service) addEntryLocked(d *scheduleDef) bool {
	sched, err := task.ParseSchedule(d.spec)
	if err != nil {
		s.log.Warn("invalid cron expression; task not scheduled", logx.String("task", d.key), logx.String("spec", d.spec), logx.Err(err))
		d.entryID = 0
		return false
	}
	taskID, key := d.taskID, d.key
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(taskID, key) }))

	args := []logx.Field{logx.String("task", d.key), logx.String("spec", d.spec)}
	if next := s.previewNextRunsLocked(sched, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return true
}

func (s *Service) removeLocked(key string) bool {
	d := s.defs[key]
	if d == nil {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, key)
	return true
}

// fire reloads the row so a fire never runs a stale definition.
func (s *Service) fire(taskID int64, key string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			s.removeIfOwned(key, taskID)
			return
		}
		s.log.Warn("fire skipped: task reload failed", logx.String("task", key), logx.Err(err))
		return
	}
	if t.Status != task.StatusEnabled {
		s.removeIfOwned(key, taskID)
		s.log.Info("task no longer enabled; unscheduled", logx.String("task", key), logx.String("status", string(t.Status)))
		return
	}

	res := s.runner.Run(ctx, t, task.TriggerScheduled)
	if res.Success {
		s.log.Debug("scheduled run finished", logx.String("task", key), logx.Int("attempts", res.Attempts), logx.Int64("ms", res.ExecutionTimeMs))
	} else {
		s.log.Debug("scheduled run failed", logx.String("task", key), logx.Int("attempts", res.Attempts), logx.String("error", res.Error))
	}
}

func (s *Service) removeIfOwned(key string, taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.defs[key]; d != nil && d.taskID == taskID {
		s.removeLocked(key)
	}
}

// previewNextRunsLocked returns upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if s.log.IsZero() || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
