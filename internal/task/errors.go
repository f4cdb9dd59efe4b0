package task

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrDuplicateTaskKey = errors.New("task key already exists")
	ErrTaskNotEnabled   = errors.New("task is not enabled")
	ErrBuiltInImmutable = errors.New("built-in task field is immutable")
	ErrInvalidHandler   = errors.New("invalid handler descriptor")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrInvalidTask      = errors.New("invalid task")

	ErrUnknownFunction = errors.New("function handler not registered")
	ErrUnknownService  = errors.New("service handler not found")

	ErrLockDenied = errors.New("lease held by another node")
	ErrLeaseLost  = errors.New("lease lost")
)
