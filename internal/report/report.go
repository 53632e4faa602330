// Package report writes the per-run summary to a blob store.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
)

// DefaultPrefix is the object prefix reports are written under.
const DefaultPrefix = "reports"

const timestampLayout = "20060102T150405Z"

// Run is the final snapshot of one pipeline run.
type Run struct {
	Timestamp  time.Time            `json:"timestamp"`
	QueueStats crawler.QueueStats   `json:"queue_stats"`
	Metrics    monitor.Current      `json:"metrics"`
	WorkerPool crawler.PoolStats    `json:"worker_pool"`
	Health     monitor.Health       `json:"health"`
	Hourly     []monitor.HourlyStat `json:"hourly,omitempty"`
}

// Path is the object path of a report taken at ts.
func Path(prefix string, ts time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return path.Join(prefix, "run-"+ts.UTC().Format(timestampLayout)+".json")
}

// Write stores r as indented JSON and returns the blob URI.
func Write(ctx context.Context, blobs crawler.BlobStore, prefix string, r Run) (string, error) {
	if blobs == nil {
		return "", fmt.Errorf("report: blob store is required")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	uri, err := blobs.PutObject(ctx, Path(prefix, r.Timestamp), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return uri, nil
}
