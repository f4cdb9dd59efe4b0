package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"taskd/internal/app"
	"taskd/internal/task"

	"github.com/spf13/cobra"
)

func scheduleCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview upcoming fire times of enabled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Tasks().ListTasks(ctx, task.TaskFilter{Status: task.StatusEnabled})
				if err != nil {
					return err
				}
				loc := a.Scheduler().Location()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "KEY\tCRON\tNEXT (%s)\n", loc)
				for _, t := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", t.TaskKey, t.CronExpression, previewRuns(t.CronExpression, time.Now(), loc, count))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "fire times to show per task")
	return cmd
}

func previewRuns(expr string, from time.Time, loc *time.Location, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		next, err := task.NextRun(expr, from, loc)
		if err != nil {
			return "invalid: " + err.Error()
		}
		if out != "" {
			out += ", "
		}
		out += next.Format("2006-01-02 15:04:05")
		from = next
	}
	return out
}
