package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskd/internal/app"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(configPath)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				} else {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			fatal := a.Err()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return fatal
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "how long to wait for running tasks on shutdown")
	return cmd
}
