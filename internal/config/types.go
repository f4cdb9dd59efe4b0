package config

import (
	"encoding/json"
)

type Config struct {
	Node      NodeConfig      `json:"node"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Handlers  HandlersConfig  `json:"handlers"`

	// Tasks declares built-in tasks. They are inserted once (built_in=1) when
	// no task with the same key exists; later edits go through the task API.
	Tasks []BuiltinTask `json:"tasks,omitempty"`
}

// NodeConfig identifies this process in the lease table.
// If ID is empty, a hostname-prefixed random id is generated at startup.
type NodeConfig struct {
	ID string `json:"id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite database.
//
// Example:
//
//	"storage": { "path": "./data/taskd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the cron trigger service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - resync_interval: "30s"
//   - sweep_interval: "1m"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// ResyncInterval is how often the scheduler reconciles its entries against
	// rows changed by other processes. Use "0s" for the default.
	ResyncInterval string `json:"resync_interval,omitempty"`

	// SweepInterval is how often expired leases are deleted.
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// ExecutorConfig controls task execution.
//
// Defaults:
//   - lease_seconds: 300
//   - max_concurrent: 0 (unbounded)
//   - history_retention: "720h"
type ExecutorConfig struct {
	LeaseSeconds     int    `json:"lease_seconds,omitempty"`
	MaxConcurrent    int    `json:"max_concurrent,omitempty"`
	HistoryRetention string `json:"history_retention,omitempty"`
}

type HandlersConfig struct {
	HTTP    HTTPHandlerConfig    `json:"http"`
	Systemd SystemdHandlerConfig `json:"systemd"`
}

// HTTPHandlerConfig controls outbound http handlers.
// RatePerSec <= 0 disables the per-host limiter.
type HTTPHandlerConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// SystemdHandlerConfig limits which units systemd.* service handlers may touch.
// An empty list denies all units.
type SystemdHandlerConfig struct {
	AllowedUnits []string `json:"allowed_units,omitempty"`
}

// BuiltinTask is a config-declared task. Handler is the JSON handler
// descriptor ({"type": "...", ...}) and is validated by the task package.
type BuiltinTask struct {
	Key           string          `json:"key"`
	Name          string          `json:"name"`
	Cron          string          `json:"cron"`
	Handler       json.RawMessage `json:"handler"`
	RetryCount    int             `json:"retry_count,omitempty"`
	RetryInterval int             `json:"retry_interval,omitempty"`
	Description   string          `json:"description,omitempty"`
	Disabled      bool            `json:"disabled,omitempty"`
}
