package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopCommandDone StopReason = "command_done"
)

// Done closes once the app stops running, on Stop or a fatal loop error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the fatal error that ended the run, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start bootstraps built-in tasks, starts the scheduler when enabled and
// launches the lease sweeper, reconcile loop and config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.bootstrap(runCtx, a.cfgm.Get().Tasks)

	if a.res.SchedulerEnabled {
		if err := a.sched.Start(runCtx); err != nil {
			return err
		}
		if a.log.Enabled(logx.LevelDebug) {
			for _, e := range a.sched.Snapshot().Entries {
				a.log.Debug("scheduled", logx.String("task", e.TaskKey), logx.String("spec", e.Spec), logx.Time("next", e.Next))
			}
		}
	} else {
		a.log.Info("scheduler disabled; tasks run only on manual trigger")
	}

	a.sup.GoEvery("lease.sweep", a.res.SweepInterval, func(c context.Context) error {
		n, err := a.leases.CleanupExpired(c)
		if err == nil && n > 0 {
			a.log.Info("expired leases released", logx.Int64("count", n))
		}
		return err
	})
	a.sup.GoEvery("scheduler.reconcile", a.res.ResyncInterval, a.sched.Reconcile)

	updates, unsubscribe := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubscribe()
		current := a.cfgm.Get()
		for {
			var next *config.Config
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				next = latest(cfg, updates)
			}
			a.applyConfig(c, current, next)
			current = next
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("node", a.NodeID()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, builtinKeys := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config file touched; nothing to apply")
		return
	}

	res, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	for _, s := range sections {
		switch s {
		case "storage", "node", "handlers":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(logConfig(newCfg))
	a.exec.Apply(executorConfig(res))
	a.sched.Apply(scheduler.Config{Timezone: res.Timezone})

	switch {
	case a.res.SchedulerEnabled && !res.SchedulerEnabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !a.res.SchedulerEnabled && res.SchedulerEnabled:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
			res.SchedulerEnabled = false
		}
	}

	if len(builtinKeys) > 0 {
		a.log.Debug("built-in task definitions changed", logx.Strings("keys", builtinKeys))
		a.bootstrap(ctx, newCfg.Tasks)
	}

	// Fields that need a restart keep their running values.
	res.NodeID = a.res.NodeID
	res.DBPath = a.res.DBPath
	res.BusyTimeout = a.res.BusyTimeout
	res.HTTPTimeout = a.res.HTTPTimeout
	res.HTTPRatePerSec = a.res.HTTPRatePerSec
	res.SystemdUnits = a.res.SystemdUnits
	res.HistoryRetention = a.res.HistoryRetention
	res.SweepInterval = a.res.SweepInterval
	res.ResyncInterval = a.res.ResyncInterval
	a.res = res

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels every loop, then gives the scheduler and the supervised
// goroutines a bounded time to finish before closing storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.stopStep(ctx, "scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Any("goroutines", a.sup.Counters()))
	return a.Close()
}

// stopStep runs fn with at most limit to spare. A step that overruns is
// abandoned and shutdown moves on.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	began := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn(stepCtx)
	}()

	select {
	case err := <-result:
		if err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(began)))
	case <-stepCtx.Done():
		a.log.Warn("stop step timed out", logx.String("step", name), logx.Duration("limit", limit))
	}
}

// latest drains queued configs and returns the newest one.
func latest(cfg *config.Config, queue <-chan *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-queue:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}
