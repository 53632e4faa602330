package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/storage/memory"
)

func TestPath(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("KST", 9*3600))
	require.Equal(t, "reports/run-20240309T050507Z.json", Path("", ts))
	require.Equal(t, "runs/dcap/run-20240309T050507Z.json", Path("runs/dcap", ts))
}

func TestWriteStoresJSON(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	ts := time.Date(2024, 3, 9, 5, 5, 7, 0, time.UTC)
	run := Run{
		Timestamp:  ts,
		QueueStats: crawler.QueueStats{Completed: 4, Failed: 1, Total: 5},
		Metrics:    monitor.Current{Processed: 5, Failed: 1, SuccessRate: 80},
		WorkerPool: crawler.PoolStats{ActiveWorkers: 2, MinWorkers: 1, MaxWorkers: 4},
		Health:     monitor.Health{Overall: monitor.Healthy},
	}
	_, err := Write(context.Background(), blobs, "", run)
	require.NoError(t, err)

	data, ok := blobs.Object("reports/run-20240309T050507Z.json")
	require.True(t, ok)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"timestamp", "queue_stats", "metrics", "worker_pool"} {
		require.Contains(t, decoded, key)
	}
	var got Run
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, 4, got.QueueStats.Completed)
	require.Equal(t, 2, got.WorkerPool.ActiveWorkers)
}

type brokenBlobs struct{}

func (brokenBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket not found")
}

func TestWriteErrors(t *testing.T) {
	t.Parallel()

	_, err := Write(context.Background(), nil, "", Run{})
	require.Error(t, err)
	_, err = Write(context.Background(), brokenBlobs{}, "", Run{})
	require.ErrorContains(t, err, "bucket not found")
}
