package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/orchestrator"
)

// jobFile is the on-disk job list for `dcap crawl`.
type jobFile struct {
	Jobs []orchestrator.SubmitRequest `yaml:"jobs"`
}

func newCrawlCmd() *cobra.Command {
	var jobsPath string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the departments listed in a jobs file and exit",
		Long: `Submits every job in the file, waits for the queue to drain, then
stops the pool and writes the run report. Interrupting stops early and still
writes the report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := loadJobs(jobsPath)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app Pipeline, logger *zap.Logger) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				uri, ids, err := app.RunJobs(ctx, jobs)
				logger.Info("Crawl command finished.",
					zap.Int("submitted", len(ids)),
					zap.String("report", uri),
				)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("run crawl: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), uri)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&jobsPath, "file", "f", "", "YAML file with a jobs list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadJobs(path string) ([]orchestrator.SubmitRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var file jobFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file %s lists no jobs", path)
	}
	for i, job := range file.Jobs {
		if job.URL == "" {
			return nil, fmt.Errorf("jobs file %s: job %d has no url", path, i+1)
		}
	}
	return file.Jobs, nil
}
