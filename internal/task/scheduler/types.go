package scheduler

import (
	"context"
	"sync"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// TaskSource is the read side of the task store; *task.TaskStore implements it.
type TaskSource interface {
	Get(ctx context.Context, id int64) (task.Task, error)
	List(ctx context.Context, f task.TaskFilter) ([]task.Task, error)
	ChangedSince(ctx context.Context, since time.Time) ([]task.Task, error)
}

type LeaseSweeper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type scheduleDef struct {
	taskID    int64
	key       string
	spec      string
	updatedAt time.Time
	entryID   cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	tasks   TaskSource
	runner  engine.Runner
	sweeper LeaseSweeper

	c    *cron.Cron
	defs map[string]*scheduleDef // by task key

	runCtx    context.Context
	runCancel context.CancelFunc

	// updated_at watermark for Reconcile
	syncedAt time.Time
	now      func() time.Time
}

type EntryInfo struct {
	TaskID  int64     `json:"task_id"`
	TaskKey string    `json:"task_key"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
}
