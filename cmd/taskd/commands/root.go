// Package commands holds the taskd cobra command tree.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"taskd/internal/app"

	"github.com/spf13/cobra"
)

var configPath string

// Root builds the command tree.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskd",
		Short: "Scheduled task execution engine",
		Long: `taskd runs cron-scheduled tasks from a shared SQLite database.

Several taskd processes may point at the same database; a per-task lease
guarantees at most one of them runs a task at a time.

Examples:
  taskd serve --config taskd.yaml          # run the scheduler daemon
  taskd task list                          # list tasks
  taskd task trigger nightly-report        # run a task now
  taskd lock status nightly-report         # show who holds its lease`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./taskd.yaml", "path to config file (json or yaml)")

	root.AddCommand(serveCmd(), taskCmd(), lockCmd(), scheduleCmd())
	return root
}

// withApp opens the app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
