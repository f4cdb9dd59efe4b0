package commands

import (
	"context"
	"fmt"
	"strings"

	"taskd/internal/app"
	"taskd/internal/task"
	"taskd/internal/task/service"

	"github.com/spf13/cobra"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task definitions and run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		taskListCmd(),
		taskShowCmd(),
		taskCreateCmd(),
		taskUpdateCmd(),
		taskStatusCmd("enable", "Enable a task and schedule it", (*service.Service).EnableTask),
		taskStatusCmd("disable", "Disable a task and unschedule it", (*service.Service).DisableTask),
		taskDeleteCmd(),
		taskTriggerCmd(),
		taskHistoryCmd(),
	)
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				f := task.TaskFilter{Status: task.Status(strings.TrimSpace(status)), IncludeDeleted: includeDeleted}
				list, err := a.Tasks().ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (enabled|disabled)")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "also list soft-deleted tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|key>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

// taskFlags are the definition flags shared by create and update.
type taskFlags struct {
	key, name, cron, handler, description string
	retryCount, retryInterval             int
	disabled                              bool
}

func (f *taskFlags) register(cmd *cobra.Command, withKey bool) {
	fl := cmd.Flags()
	if withKey {
		fl.StringVar(&f.key, "key", "", "unique task key (lease identity)")
	}
	fl.StringVar(&f.name, "name", "", "display name")
	fl.StringVar(&f.cron, "cron", "", `cron expression, e.g. "*/5 * * * *", "@every 10m" or "55m"`)
	fl.StringVar(&f.handler, "handler", "", `handler descriptor JSON, e.g. {"type":"function","function":{"name":"noop"}}`)
	fl.StringVar(&f.description, "description", "", "free-form description")
	fl.IntVar(&f.retryCount, "retry-count", 0, "retries after a failed attempt")
	fl.IntVar(&f.retryInterval, "retry-interval", 0, "seconds between attempts")
	fl.BoolVar(&f.disabled, "disabled", false, "create or leave the task disabled")
}

func taskCreateCmd() *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := task.ParseHandler([]byte(f.handler))
			if err != nil {
				return err
			}
			st := task.StatusEnabled
			if f.disabled {
				st = task.StatusDisabled
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks().CreateTask(ctx, task.Task{
					Name:           f.name,
					TaskKey:        f.key,
					CronExpression: f.cron,
					Handler:        h,
					Status:         st,
					RetryCount:     f.retryCount,
					RetryInterval:  f.retryInterval,
					Description:    f.description,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	f.register(cmd, true)
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cron")
	_ = cmd.MarkFlagRequired("handler")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "update <id|key>",
		Short: "Change fields of a task; unset flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.patch(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Tasks().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				t, err := a.Tasks().UpdateTask(ctx, cur.ID, p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	f.register(cmd, false)
	return cmd
}

func (f *taskFlags) patch(cmd *cobra.Command) (service.TaskPatch, error) {
	var p service.TaskPatch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("cron") {
		p.CronExpression = &f.cron
	}
	if changed("handler") {
		h, err := task.ParseHandler([]byte(f.handler))
		if err != nil {
			return p, err
		}
		p.Handler = &h
	}
	if changed("description") {
		p.Description = &f.description
	}
	if changed("retry-count") {
		p.RetryCount = &f.retryCount
	}
	if changed("retry-interval") {
		p.RetryInterval = &f.retryInterval
	}
	if changed("disabled") {
		st := task.StatusEnabled
		if f.disabled {
			st = task.StatusDisabled
		}
		p.Status = &st
	}
	return p, nil
}

func taskStatusCmd(use, short string, fn func(*service.Service, context.Context, int64) (task.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Tasks().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				t, err := fn(a.Tasks(), ctx, cur.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|key>",
		Short: "Soft-delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Tasks().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Tasks().DeleteTask(ctx, cur.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted task %d (%s)\n", cur.ID, cur.TaskKey)
				return nil
			})
		},
	}
}

func taskTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <id|key>",
		Short: "Run a task now, including its retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Tasks().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.Tasks().TriggerTask(ctx, cur.ID)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("task %s failed: %s", cur.TaskKey, res.Error)
				}
				return nil
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <id|key>",
		Short: "Show execution records, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Tasks().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				rows, total, err := a.Tasks().GetTaskExecutionHistory(ctx, cur.ID, limit, offset)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"task_id":    cur.ID,
					"total":      total,
					"executions": rows,
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size (capped at 1000)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}
