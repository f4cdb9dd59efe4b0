// Package service is the task façade: CRUD over task definitions, manual
// triggers and execution history, keeping the scheduler in step.
package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Scheduler is the part of the cron scheduler the façade drives.
type Scheduler interface {
	Sync(t task.Task) bool
	Remove(key string) bool
	Location() *time.Location
}

type Service struct {
	tasks  *task.TaskStore
	execs  *task.ExecutionStore
	runner engine.Runner
	sched  Scheduler
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(tasks *task.TaskStore, execs *task.ExecutionStore, runner engine.Runner, sched Scheduler, opts ...Option) *Service {
	s := &Service{tasks: tasks, execs: execs, runner: runner, sched: sched, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "tasks"))
	return s
}

// TaskPatch carries the fields UpdateTask may change. Nil means unchanged.
// task_key is never updatable.
type TaskPatch struct {
	Name           *string
	CronExpression *string
	Handler        *task.Handler
	Status         *task.Status
	RetryCount     *int
	RetryInterval  *int
	Description    *string
}

func (s *Service) location() *time.Location {
	if s.sched != nil {
		if loc := s.sched.Location(); loc != nil {
			return loc
		}
	}
	return time.Local
}

func (s *Service) sync(t task.Task) {
	if s.sched != nil {
		s.sched.Sync(t)
	}
}

// nextRun validates expr and returns its next fire time after now.
func (s *Service) nextRun(expr string) (time.Time, error) {
	return task.NextRun(expr, s.now(), s.location())
}

// CreateTask validates and inserts t, then schedules it when enabled.
func (s *Service) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	t.TaskKey = strings.TrimSpace(t.TaskKey)
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	next, err := s.nextRun(t.CronExpression)
	if err != nil {
		return task.Task{}, err
	}
	t.ID = 0
	t.LastExecution = time.Time{}
	t.NextExecution = next

	created, err := s.tasks.Create(ctx, t)
	if err != nil {
		return task.Task{}, err
	}
	s.sync(created)
	s.log.Info("task created", logx.Int64("id", created.ID), logx.String("task", created.TaskKey), logx.Bool("built_in", created.BuiltIn))
	return created, nil
}

// UpdateTask applies p to the live task id. Built-in tasks keep their
// handler identity.
func (s *Service) UpdateTask(ctx context.Context, id int64, p TaskPatch) (task.Task, error) {
	cur, err := s.tasks.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if cur.Status == task.StatusDeleted {
		return task.Task{}, errors.Wrapf(task.ErrTaskNotFound, "id %d", id)
	}

	next := cur
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.CronExpression != nil {
		next.CronExpression = strings.TrimSpace(*p.CronExpression)
	}
	if p.Handler != nil {
		if cur.BuiltIn && p.Handler.Identity() != cur.Handler.Identity() {
			return task.Task{}, errors.WithHint(
				errors.Wrapf(task.ErrBuiltInImmutable, "handler of built-in task %q", cur.TaskKey),
				"only params, headers, body and timeout may change on a built-in task")
		}
		next.Handler = *p.Handler
	}
	if p.Status != nil {
		if *p.Status == task.StatusDeleted {
			return task.Task{}, errors.Wrap(task.ErrInvalidTask, "use DeleteTask to delete")
		}
		next.Status = *p.Status
	}
	if p.RetryCount != nil {
		next.RetryCount = *p.RetryCount
	}
	if p.RetryInterval != nil {
		next.RetryInterval = *p.RetryInterval
	}
	if p.Description != nil {
		next.Description = *p.Description
	}

	if err := next.Validate(); err != nil {
		return task.Task{}, err
	}
	if next.NextExecution, err = s.nextRun(next.CronExpression); err != nil {
		return task.Task{}, err
	}

	updated, err := s.tasks.Update(ctx, next)
	if err != nil {
		return task.Task{}, err
	}
	s.sync(updated)
	s.log.Info("task updated", logx.Int64("id", id), logx.String("task", updated.TaskKey))
	return updated, nil
}

// DeleteTask soft-deletes id and stops its schedule.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	t, err := s.tasks.SetStatus(ctx, id, task.StatusDeleted)
	if err != nil {
		return err
	}
	if s.sched != nil {
		s.sched.Remove(t.TaskKey)
	}
	s.log.Info("task deleted", logx.Int64("id", id), logx.String("task", t.TaskKey))
	return nil
}

func (s *Service) EnableTask(ctx context.Context, id int64) (task.Task, error) {
	return s.setStatus(ctx, id, task.StatusEnabled)
}

func (s *Service) DisableTask(ctx context.Context, id int64) (task.Task, error) {
	return s.setStatus(ctx, id, task.StatusDisabled)
}

func (s *Service) setStatus(ctx context.Context, id int64, st task.Status) (task.Task, error) {
	t, err := s.tasks.SetStatus(ctx, id, st)
	if err != nil {
		return task.Task{}, err
	}
	if st == task.StatusEnabled {
		if next, err := s.nextRun(t.CronExpression); err == nil {
			if err := s.tasks.RecordRun(ctx, t.ID, time.Time{}, next); err != nil {
				s.log.Warn("next execution time not stored", logx.String("task", t.TaskKey), logx.Err(err))
			} else {
				t.NextExecution = next
			}
		}
	}
	s.sync(t)
	s.log.Info("task status changed", logx.Int64("id", id), logx.String("task", t.TaskKey), logx.String("status", string(st)))
	return t, nil
}

// TriggerTask runs id now with trigger kind manual. A task that is not
// enabled is rejected before any lease attempt or execution record.
func (s *Service) TriggerTask(ctx context.Context, id int64) (engine.Result, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return engine.Result{}, err
	}
	if t.Status != task.StatusEnabled {
		return engine.Result{}, errors.Wrapf(task.ErrTaskNotEnabled, "%q is %s", t.TaskKey, t.Status)
	}
	return s.runner.Run(ctx, t, task.TriggerManual), nil
}

// GetTaskExecutionHistory pages id's records newest first and returns the total.
func (s *Service) GetTaskExecutionHistory(ctx context.Context, id int64, limit, offset int) ([]task.Execution, int, error) {
	if _, err := s.tasks.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.execs.ListByTask(ctx, id, limit, offset)
}

func (s *Service) GetTask(ctx context.Context, id int64) (task.Task, error) {
	return s.tasks.Get(ctx, id)
}

// Lookup resolves a numeric id or a live task key.
func (s *Service) Lookup(ctx context.Context, ref string) (task.Task, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.tasks.Get(ctx, id)
	}
	return s.tasks.GetByKey(ctx, ref)
}

func (s *Service) ListTasks(ctx context.Context, f task.TaskFilter) ([]task.Task, error) {
	return s.tasks.List(ctx, f)
}

// BootstrapBuiltins inserts the given built-in definitions whose key has
// never been used. A built-in that an operator deleted stays deleted.
func (s *Service) BootstrapBuiltins(ctx context.Context, defs []task.Task) (int, error) {
	var errs []error
	created := 0
	for _, d := range defs {
		used, err := s.tasks.KeyUsed(ctx, d.TaskKey)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if used {
			continue
		}
		d.BuiltIn = true
		if _, err := s.CreateTask(ctx, d); err != nil {
			if errors.Is(err, task.ErrDuplicateTaskKey) {
				// another process won the insert
				continue
			}
			errs = append(errs, errors.Wrapf(err, "built-in %q", d.TaskKey))
			continue
		}
		created++
	}
	if created > 0 {
		s.log.Info("built-in tasks bootstrapped", logx.Int("created", created))
	}
	return created, errors.Join(errs...)
}
