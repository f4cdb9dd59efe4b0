package task

import (
	"strings"
	"time"
)

type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusDeleted  Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusEnabled, StatusDisabled, StatusDeleted:
		return true
	}
	return false
}

// Trigger records why an execution chain started.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type ExecStatus string

const (
	ExecRunning  ExecStatus = "running"
	ExecSuccess  ExecStatus = "success"
	ExecFailed   ExecStatus = "failed"
	ExecCanceled ExecStatus = "canceled"
)

// Task is a persisted scheduled job. TaskKey is the lease and lookup identity.
type Task struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	TaskKey        string    `json:"task_key"`
	CronExpression string    `json:"cron_expression"`
	Handler        Handler   `json:"handler"`
	Status         Status    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	RetryInterval  int       `json:"retry_interval"` // seconds
	LastExecution  time.Time `json:"last_execution_time,omitempty"`
	NextExecution  time.Time `json:"next_execution_time,omitempty"`
	Description    string    `json:"description,omitempty"`
	BuiltIn        bool      `json:"built_in"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RetryWait is RetryInterval as a duration.
func (t Task) RetryWait() time.Duration {
	if t.RetryInterval <= 0 {
		return 0
	}
	return time.Duration(t.RetryInterval) * time.Second
}

// MaxAttempts is the first attempt plus RetryCount retries.
func (t Task) MaxAttempts() int {
	if t.RetryCount < 0 {
		return 1
	}
	return t.RetryCount + 1
}

// Validate checks the fields every persisted task must carry. Cron syntax is
// checked separately by ParseSchedule so callers can choose the error path.
func (t Task) Validate() error {
	if strings.TrimSpace(t.TaskKey) == "" {
		return wrapInvalid("task_key is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return wrapInvalid("name is required")
	}
	if strings.TrimSpace(t.CronExpression) == "" {
		return wrapInvalid("cron_expression is required")
	}
	if t.RetryCount < 0 {
		return wrapInvalid("retry_count must be >= 0")
	}
	if t.RetryInterval < 0 {
		return wrapInvalid("retry_interval must be >= 0")
	}
	if t.Status != "" && !t.Status.Valid() {
		return wrapInvalid("unknown status " + string(t.Status))
	}
	return t.Handler.Validate()
}

// Execution is one attempt of a task.
type Execution struct {
	ID           int64      `json:"id"`
	TaskID       int64      `json:"task_id"`
	TaskKey      string     `json:"task_key"`
	Status       ExecStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	Trigger      Trigger    `json:"trigger"`
	NodeID       string     `json:"node_id"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Log          string     `json:"log,omitempty"`
	Attempt      int        `json:"attempt"`
}

// TaskFilter narrows List. Zero value lists every non-deleted task.
type TaskFilter struct {
	Status         Status
	IncludeDeleted bool
}
