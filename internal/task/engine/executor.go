package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	msgLockDenied = "lease held by another node"
	msgLeaseLost  = "lease lost"
)

// Executor runs a task's execution chain: lease, dispatch, record and retry.
// Run never panics and never returns an error; everything is in Result.
type Executor struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	leases   Locker
	runs     RunRecorder
	execs    ExecutionRecorder
	dispatch Dispatcher

	sem  chan struct{}
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

func WithLogger(log logx.Logger) Option {
	return func(e *Executor) { e.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithWait replaces the retry wait. Tests use it to observe waits without sleeping.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if wait != nil {
			e.wait = wait
		}
	}
}

func New(cfg Config, leases Locker, runs RunRecorder, execs ExecutionRecorder, dispatch Dispatcher, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		log:      logx.Nop(),
		leases:   leases,
		runs:     runs,
		execs:    execs,
		dispatch: dispatch,
		now:      time.Now,
		wait:     sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	if cfg.MaxConcurrent > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	e.log = e.log.With(logx.String("comp", "engine"))
	return e
}

// Apply swaps lease TTL and location. MaxConcurrent is fixed at construction.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	cfg.MaxConcurrent = e.cfg.MaxConcurrent
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Run executes t once plus up to t.RetryCount retries.
func (e *Executor) Run(ctx context.Context, t task.Task, trig task.Trigger) (res Result) {
	start := e.now()
	cfg := e.config()
	log := e.log.With(logx.String("task", t.TaskKey), logx.String("trigger", string(trig)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("task.panic", logx.Any("panic", r))
			res.Success = false
			res.Error = fmt.Sprintf("executor panic: %v", r)
		}
		res.ExecutionTimeMs = e.now().Sub(start).Milliseconds()
	}()

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		}
	}

	// Bookkeeping must outlive a cancelled run context.
	bg := context.WithoutCancel(ctx)
	ttl := cfg.leaseTTL()
	plan := retryPlan{attempt: 1, at: start}
	held := false
	// Released after the final record and run times are written.
	defer func() {
		if held && !e.leases.Release(bg, t.TaskKey) {
			log.Warn("lease release failed")
		}
	}()

	log.Debug("task.started")
	for {
		res.Attempts = plan.attempt
		recID := e.begin(bg, t, trig, plan.attempt, log)
		if recID > 0 {
			res.ExecutionIDs = append(res.ExecutionIDs, recID)
		}

		if plan.attempt == 1 {
			if !e.leases.AcquireNote(bg, t.TaskKey, ttl, string(trig)) {
				e.finish(bg, recID, task.ExecCanceled, msgLockDenied, "", log)
				res.Error = errors.Wrap(task.ErrLockDenied, t.TaskKey).Error()
				res.Logs = append(res.Logs, msgLockDenied)
				log.Info("task.skipped", logx.String("reason", msgLockDenied))
				return res
			}
			held = true
		}

		out, err := e.dispatch.Dispatch(ctx, t.Handler)
		res.Logs = append(res.Logs, out.Logs...)
		if err == nil {
			e.finish(bg, recID, task.ExecSuccess, "", strings.Join(out.Logs, "\n"), log)
			finished := e.now()
			e.recordRun(bg, t, finished, cfg.location(), log)
			res.Success = true
			res.Data = out.Data
			res.Error = ""
			log.Info("task.completed", logx.Int("attempts", plan.attempt), logx.Duration("dur", finished.Sub(start)))
			return res
		}

		msg := err.Error()
		e.finish(bg, recID, task.ExecFailed, msg, strings.Join(out.Logs, "\n"), log)
		res.Error = msg
		res.Logs = append(res.Logs, fmt.Sprintf("attempt %d failed: %s", plan.attempt, msg))

		if plan.attempt >= t.MaxAttempts() {
			e.recordRun(bg, t, time.Time{}, cfg.location(), log)
			log.Warn("task.failed", logx.Int("attempts", plan.attempt), logx.Err(err))
			return res
		}

		wait := t.RetryWait()
		if !e.leases.Extend(bg, t.TaskKey, wait+ttl) {
			held = false
			plan = plan.next(e.now(), wait)
			res.Attempts = plan.attempt
			lostID := e.begin(bg, t, trig, plan.attempt, log)
			if lostID > 0 {
				res.ExecutionIDs = append(res.ExecutionIDs, lostID)
			}
			e.finish(bg, lostID, task.ExecCanceled, msgLeaseLost, "", log)
			e.recordRun(bg, t, time.Time{}, cfg.location(), log)
			res.Error = errors.Wrap(task.ErrLeaseLost, t.TaskKey).Error()
			res.Logs = append(res.Logs, msgLeaseLost)
			log.Warn("task.failed", logx.String("reason", msgLeaseLost), logx.Int("attempts", plan.attempt))
			return res
		}

		plan = plan.next(e.now(), wait)
		log.Debug("task retry scheduled", logx.Int("attempt", plan.attempt), logx.Duration("delay", wait), logx.Err(err))
		if werr := e.wait(ctx, plan.at.Sub(e.now())); werr != nil {
			e.recordRun(bg, t, time.Time{}, cfg.location(), log)
			res.Error = werr.Error()
			log.Warn("task.failed", logx.String("reason", "retry wait aborted"), logx.Err(werr))
			return res
		}
	}
}

func (e *Executor) begin(ctx context.Context, t task.Task, trig task.Trigger, attempt int, log logx.Logger) int64 {
	id, err := e.execs.Create(ctx, task.Execution{
		TaskID:    t.ID,
		TaskKey:   t.TaskKey,
		StartedAt: e.now(),
		Trigger:   trig,
		NodeID:    e.leases.NodeID(),
		Attempt:   attempt,
	})
	if err != nil {
		log.Error("execution record insert failed", logx.Int("attempt", attempt), logx.Err(err))
		return 0
	}
	return id
}

func (e *Executor) finish(ctx context.Context, id int64, st task.ExecStatus, errMsg, logText string, log logx.Logger) {
	if id <= 0 {
		return
	}
	if _, err := e.execs.Finish(ctx, id, st, e.now(), errMsg, logText); err != nil {
		log.Error("execution record update failed", logx.Int64("execution_id", id), logx.Err(err))
	}
}

// recordRun stores last (when non-zero) and the next fire time after now.
func (e *Executor) recordRun(ctx context.Context, t task.Task, last time.Time, loc *time.Location, log logx.Logger) {
	next, err := task.NextRun(t.CronExpression, e.now(), loc)
	if err != nil {
		log.Warn("next execution time not computed", logx.Err(err))
	}
	if err := e.runs.RecordRun(ctx, t.ID, last, next); err != nil {
		log.Error("task run times not stored", logx.Err(err))
	}
}
