package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskd/internal/config"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// builtinTasks converts config-declared tasks. A bad handler descriptor
// drops that entry only.
func builtinTasks(defs []config.BuiltinTask) ([]task.Task, error) {
	out := make([]task.Task, 0, len(defs))
	var errs []error
	for _, d := range defs {
		h, err := task.ParseHandler(d.Handler)
		if err != nil {
			errs = append(errs, fmt.Errorf("tasks[%s]: %w", d.Key, err))
			continue
		}
		st := task.StatusEnabled
		if d.Disabled {
			st = task.StatusDisabled
		}
		key := strings.TrimSpace(d.Key)
		name := strings.TrimSpace(d.Name)
		if name == "" {
			name = key
		}
		out = append(out, task.Task{
			Name:           name,
			TaskKey:        key,
			CronExpression: strings.TrimSpace(d.Cron),
			Handler:        h,
			Status:         st,
			RetryCount:     d.RetryCount,
			RetryInterval:  d.RetryInterval,
			Description:    d.Description,
			BuiltIn:        true,
		})
	}
	return out, errors.Join(errs...)
}

// bootstrap inserts config-declared tasks whose key was never used.
func (a *App) bootstrap(ctx context.Context, defs []config.BuiltinTask) {
	if len(defs) == 0 {
		return
	}
	list, err := builtinTasks(defs)
	if err != nil {
		a.log.Warn("some built-in tasks are invalid", logx.Err(err))
	}
	n, err := a.svc.BootstrapBuiltins(ctx, list)
	if err != nil {
		a.log.Warn("built-in bootstrap incomplete", logx.Int("created", n), logx.Err(err))
	}
}
