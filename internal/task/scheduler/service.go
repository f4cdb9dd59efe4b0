package scheduler

import (
	"context"
	"strings"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source used for the reconcile watermark.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, tasks TaskSource, runner engine.Runner, sweeper LeaseSweeper, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		log:     logx.Nop(),
		tasks:   tasks,
		runner:  runner,
		sweeper: sweeper,
		defs:    map[string]*scheduleDef{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

// Apply swaps the config. A timezone change restarts cron with every entry
// re-registered in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Location is the timezone cron expressions are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start sweeps expired leases, loads enabled tasks and starts cron.
// Fires run under a context derived from ctx; Stop cancels it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	if s.sweeper != nil {
		if n, err := s.sweeper.CleanupExpired(ctx); err != nil {
			s.log.Warn("startup lease sweep failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("expired leases released", logx.Int64("count", n))
		}
	}

	mark := s.now()
	list, err := s.tasks.List(ctx, task.TaskFilter{Status: task.StatusEnabled})
	if err != nil {
		return errors.Wrap(err, "load enabled tasks")
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.defs = map[string]*scheduleDef{}
	s.syncedAt = mark

	for _, t := range list {
		s.registerLocked(t)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("tasks", len(list)), logx.Int("schedules", len(s.defs)))
	return nil
}

// Stop stops cron and cancels in-flight chains, then waits for running fires
// to return or ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.defs = map[string]*scheduleDef{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	s.log.Info("stop requested")
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running tasks", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	// Running fires keep going; they may need s.mu, so do not wait for them here.
	if s.c != nil {
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for key, d := range s.defs {
		if !s.addEntryLocked(d) {
			delete(s.defs, key)
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
