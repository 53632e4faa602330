package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the operator API until interrupted",
		Long: `Starts the worker pool, the autoscaler and the health monitor, and
serves the operator API. On SIGINT or SIGTERM the pool stops, running tasks
are settled and a run report is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app Pipeline, logger *zap.Logger) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				logger.Info("serve started")
				return app.Serve(ctx)
			})
		},
	}
}
