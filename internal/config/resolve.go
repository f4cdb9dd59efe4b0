package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLeaseSeconds     = 300
	DefaultResyncInterval   = 30 * time.Second
	DefaultSweepInterval    = time.Minute
	DefaultHistoryRetention = 30 * 24 * time.Hour
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultBusyTimeout      = 5 * time.Second
)

// Resolved is the typed view of Config with defaults applied.
// Components consume this instead of re-parsing duration strings.
type Resolved struct {
	NodeID string

	DBPath      string
	BusyTimeout time.Duration

	SchedulerEnabled bool
	Timezone         string
	Location         *time.Location
	ResyncInterval   time.Duration
	SweepInterval    time.Duration

	LeaseSeconds     int
	MaxConcurrent    int
	HistoryRetention time.Duration

	HTTPTimeout    time.Duration
	HTTPRatePerSec int
	SystemdUnits   []string
}

// Resolve validates cfg and applies defaults. It never mutates cfg.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var r Resolved
	var errs []error

	r.NodeID = strings.TrimSpace(cfg.Node.ID)

	r.DBPath = strings.TrimSpace(cfg.Storage.Path)
	if r.DBPath == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	var err error
	if r.BusyTimeout, err = parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, DefaultBusyTimeout); err != nil {
		errs = append(errs, err)
	}

	r.SchedulerEnabled = cfg.Scheduler.Enabled
	r.Timezone = strings.TrimSpace(cfg.Scheduler.Timezone)
	r.Location = time.Local
	if r.Timezone != "" {
		loc, lerr := time.LoadLocation(r.Timezone)
		if lerr != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", lerr))
		} else {
			r.Location = loc
		}
	}
	if r.ResyncInterval, err = parseDurationOrDefault("scheduler.resync_interval", cfg.Scheduler.ResyncInterval, DefaultResyncInterval); err != nil {
		errs = append(errs, err)
	}
	if r.SweepInterval, err = parseDurationOrDefault("scheduler.sweep_interval", cfg.Scheduler.SweepInterval, DefaultSweepInterval); err != nil {
		errs = append(errs, err)
	}

	r.LeaseSeconds = cfg.Executor.LeaseSeconds
	switch {
	case r.LeaseSeconds < 0:
		errs = append(errs, errors.New("executor.lease_seconds must be >= 0"))
	case r.LeaseSeconds == 0:
		r.LeaseSeconds = DefaultLeaseSeconds
	}
	r.MaxConcurrent = cfg.Executor.MaxConcurrent
	if r.MaxConcurrent < 0 {
		errs = append(errs, errors.New("executor.max_concurrent must be >= 0"))
	}
	if r.HistoryRetention, err = parseDurationOrDefault("executor.history_retention", cfg.Executor.HistoryRetention, DefaultHistoryRetention); err != nil {
		errs = append(errs, err)
	}

	if r.HTTPTimeout, err = parseDurationOrDefault("handlers.http.default_timeout", cfg.Handlers.HTTP.DefaultTimeout, DefaultHTTPTimeout); err != nil {
		errs = append(errs, err)
	}
	r.HTTPRatePerSec = cfg.Handlers.HTTP.RatePerSec
	r.SystemdUnits = append([]string(nil), cfg.Handlers.Systemd.AllowedUnits...)

	seen := map[string]struct{}{}
	for i, t := range cfg.Tasks {
		key := strings.TrimSpace(t.Key)
		if key == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].key is required", i))
			continue
		}
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate key %q", i, key))
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(t.Cron) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].cron is required", i))
		}
		if len(t.Handler) == 0 {
			errs = append(errs, fmt.Errorf("tasks[%d].handler is required", i))
		}
		if t.RetryCount < 0 || t.RetryInterval < 0 {
			errs = append(errs, fmt.Errorf("tasks[%d]: retry values must be >= 0", i))
		}
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return r, nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
