package config

import (
	"bytes"
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) the keys of built-in task
// declarations that were added or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if strings.TrimSpace(oldCfg.Node.ID) != strings.TrimSpace(newCfg.Node.ID) {
		// node id is bound at startup; a change only takes effect after restart.
		changed = append(changed, "node")
		attrs = append(attrs, logx.Bool("node.restart_required", true))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.resync_interval", strings.TrimSpace(newCfg.Scheduler.ResyncInterval)),
			logx.String("scheduler.sweep_interval", strings.TrimSpace(newCfg.Scheduler.SweepInterval)),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.lease_seconds", newCfg.Executor.LeaseSeconds),
			logx.Int("executor.max_concurrent", newCfg.Executor.MaxConcurrent),
			logx.String("executor.history_retention", strings.TrimSpace(newCfg.Executor.HistoryRetention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Handlers, newCfg.Handlers) {
		changed = append(changed, "handlers")
		attrs = append(attrs,
			logx.String("handlers.http.default_timeout", strings.TrimSpace(newCfg.Handlers.HTTP.DefaultTimeout)),
			logx.Int("handlers.http.rate_per_sec", newCfg.Handlers.HTTP.RatePerSec),
			logx.Int("handlers.systemd.allowed_units", len(newCfg.Handlers.Systemd.AllowedUnits)),
		)
	}

	taskChanged := diffBuiltinTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.declared_count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

// diffBuiltinTasks returns keys present in newT that are new or differ from oldT.
// Removed declarations are not reported: built-in rows are never deleted by config.
func diffBuiltinTasks(oldT, newT []BuiltinTask) []string {
	prev := make(map[string]BuiltinTask, len(oldT))
	for _, t := range oldT {
		prev[strings.TrimSpace(t.Key)] = t
	}

	out := make([]string, 0)
	for _, t := range newT {
		key := strings.TrimSpace(t.Key)
		o, ok := prev[key]
		if !ok || !sameBuiltin(o, t) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func sameBuiltin(a, b BuiltinTask) bool {
	if !bytes.Equal(canonicalJSON(a.Handler), canonicalJSON(b.Handler)) {
		return false
	}
	a.Handler, b.Handler = nil, nil
	return reflect.DeepEqual(a, b)
}
