package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/config"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/logging"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/server"
)

// runtimeKey stores the loaded config and logger on the command context.
type runtimeKey struct{}

type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// Pipeline is what the subcommands need from a built application.
type Pipeline interface {
	server.Runner
	Close(ctx context.Context) error
}

// newApp builds the application. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Pipeline, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "dcap",
		Short: "Crawl university departments and analyze their papers.",
		Long: `dcap discovers professors, labs and papers on university department
pages, stores them, and writes a student-facing analysis for every paper.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
				Development: cfg.Logging.Development,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				// Sync fails on stderr for some terminals.
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// loadEnv loads path into the environment without overriding variables that
// are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app Pipeline, logger *zap.Logger) error) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	runErr := fn(ctx, app, rt.logger)
	if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
		rt.logger.Warn("close failed", zap.Error(cerr))
	}
	return runErr
}
