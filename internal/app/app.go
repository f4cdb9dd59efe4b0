package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"

	"taskd/internal/config"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/handler"
	"taskd/internal/task/lease"
	"taskd/internal/task/scheduler"
	"taskd/internal/task/service"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemdmanager"

	"github.com/google/uuid"
)

type App struct {
	cfgm *config.ConfigManager
	res  config.Resolved

	log  logx.Logger
	logs *logx.Service
	db   *sql.DB

	tasks  *task.TaskStore
	execs  *task.ExecutionStore
	leases *lease.Manager
	units  *systemdmanager.Manager
	funcs  *handler.Registry

	exec  *engine.Executor
	sched *scheduler.Service
	svc   *service.Service

	sup *supervisor.Supervisor
}

// NewApp loads the config, opens the database and wires every component.
// Nothing runs in the background until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	nodeID := res.NodeID
	if nodeID == "" {
		nodeID = generateNodeID()
	}

	db, err := storage.Open(storage.Config{Path: res.DBPath, BusyTimeout: res.BusyTimeout}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	tasks := task.NewTaskStore(db)
	execs := task.NewExecutionStore(db)
	leases := lease.NewManager(db, nodeID, lease.WithLogger(log))

	funcs := handler.NewRegistry()
	registerBuiltinFunctions(funcs)

	units := systemdmanager.New(res.SystemdUnits)
	services := handler.NewServices(handler.ServiceDeps{
		Leases:           leases,
		History:          execs,
		Units:            units,
		HistoryRetention: res.HistoryRetention,
	})
	httpCaller := handler.NewHTTPCaller(&http.Client{}, res.HTTPTimeout, res.HTTPRatePerSec)
	dispatch := handler.NewDispatcher(funcs, httpCaller, services)

	exec := engine.New(executorConfig(res), leases, tasks, execs, dispatch, engine.WithLogger(log))
	sched := scheduler.New(scheduler.Config{Timezone: res.Timezone}, tasks, exec, leases, scheduler.WithLogger(log))
	svc := service.New(tasks, execs, exec, sched, service.WithLogger(log))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := config.Resolve(c)
		return err
	})

	appLog.Info("app initialized",
		logx.String("node", nodeID),
		logx.String("db", res.DBPath),
		logx.Bool("scheduler", res.SchedulerEnabled),
		logx.Int("lease_seconds", res.LeaseSeconds))

	return &App{
		cfgm:   cfgm,
		res:    res,
		log:    appLog,
		logs:   logSvc,
		db:     db,
		tasks:  tasks,
		execs:  execs,
		leases: leases,
		units:  units,
		funcs:  funcs,
		exec:   exec,
		sched:  sched,
		svc:    svc,
	}, nil
}

// Tasks is the task façade used by the CLI and by embedding programs.
func (a *App) Tasks() *service.Service { return a.svc }

func (a *App) Leases() *lease.Manager { return a.leases }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) NodeID() string { return a.leases.NodeID() }

func (a *App) Logger() logx.Logger { return a.log }

// RegisterFunction binds a function handler name. Call it before Start so
// the first scheduled fire can find it.
func (a *App) RegisterFunction(name string, fn handler.Func) {
	a.funcs.Register(name, fn)
}

// Close releases the database and log sinks. Use it for one-shot commands
// that never called Start; Stop calls it itself.
func (a *App) Close() error {
	var err error
	if a.units != nil {
		err = a.units.Close()
	}
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		a.db = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func executorConfig(res config.Resolved) engine.Config {
	return engine.Config{
		LeaseSeconds:  res.LeaseSeconds,
		MaxConcurrent: res.MaxConcurrent,
		Location:      res.Location,
	}
}

// generateNodeID returns "<hostname>-<8 hex>" so lease holders stay readable.
func generateNodeID() string {
	host, err := os.Hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		host = "taskd"
	}
	return host + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func registerBuiltinFunctions(r *handler.Registry) {
	r.Register("noop", func(context.Context, map[string]any) (any, error) { return nil, nil })
}
