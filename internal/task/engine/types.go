package engine

import (
	"context"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/handler"
)

const DefaultLeaseSeconds = 300

// Config controls the executor. The app layer maps config.executor into it.
type Config struct {
	// LeaseSeconds is the lease TTL taken for one attempt. 0 means 300.
	LeaseSeconds int

	// MaxConcurrent bounds concurrently running chains in this process.
	// 0 disables the bound.
	MaxConcurrent int

	// Location is used to compute next_execution_time. nil means time.Local.
	Location *time.Location
}

func (c Config) leaseTTL() time.Duration {
	if c.LeaseSeconds <= 0 {
		return DefaultLeaseSeconds * time.Second
	}
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// Result describes one execution chain (first attempt plus retries).
type Result struct {
	Success         bool     `json:"success"`
	Data            any      `json:"data,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	Logs            []string `json:"logs,omitempty"`
	Attempts        int      `json:"attempts"`
	ExecutionIDs    []int64  `json:"execution_ids,omitempty"`
}

// Locker is the lease API the executor needs; *lease.Manager implements it.
type Locker interface {
	NodeID() string
	AcquireNote(ctx context.Context, key string, ttl time.Duration, note string) bool
	Extend(ctx context.Context, key string, ttl time.Duration) bool
	Release(ctx context.Context, key string) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, h task.Handler) (handler.Outcome, error)
}

type RunRecorder interface {
	RecordRun(ctx context.Context, id int64, last, next time.Time) error
}

type ExecutionRecorder interface {
	Create(ctx context.Context, e task.Execution) (int64, error)
	Finish(ctx context.Context, id int64, st task.ExecStatus, finishedAt time.Time, errMsg, logText string) (bool, error)
}

// Runner is what the scheduler and the façade call.
type Runner interface {
	Run(ctx context.Context, t task.Task, trig task.Trigger) Result
}

// retryPlan is the state carried between attempts of one chain.
type retryPlan struct {
	attempt int
	at      time.Time
}

func (p retryPlan) next(now time.Time, wait time.Duration) retryPlan {
	return retryPlan{attempt: p.attempt + 1, at: now.Add(wait)}
}
