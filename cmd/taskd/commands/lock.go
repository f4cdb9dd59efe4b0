package commands

import (
	"context"
	"fmt"

	"taskd/internal/app"

	"github.com/spf13/cobra"
)

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and maintain task leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(lockStatusCmd(), lockCleanupCmd())
	return cmd
}

func lockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <key>",
		Short: "Show the live lease holder of a task key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				l, held, err := a.Leases().Holder(ctx, args[0])
				if err != nil {
					return err
				}
				if !held {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not locked\n", args[0])
					return nil
				}
				return printJSON(cmd.OutOrStdout(), l)
			})
		},
	}
}

func lockCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Release every expired lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Leases().CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d expired lease(s)\n", n)
				return nil
			})
		},
	}
}
