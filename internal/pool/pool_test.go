package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	memqueue "github.com/JakeFAU/academic-crawl-pipeline/internal/queue/memory"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/storage/memory"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/worker"
)

// gatedCrawler holds every crawl until the gate is closed.
type gatedCrawler struct {
	gate chan struct{}
}

func (g *gatedCrawler) CrawlDepartment(ctx context.Context, task *crawler.CrawlTask) (crawler.DepartmentCrawlResult, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return crawler.DepartmentCrawlResult{}, fmt.Errorf("%w: %s: %w", crawler.ErrFetchTimeout, task.URL, ctx.Err())
	}
	return crawler.DepartmentCrawlResult{
		URL:        task.URL,
		University: task.University,
		Stats:      crawler.ExtractionStats{PagesCrawled: 1},
	}, nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *memqueue.Queue, *gatedCrawler) {
	t.Helper()
	q := memqueue.NewQueue(1000, nil)
	st := memory.NewStore(nil)
	crawl := &gatedCrawler{gate: make(chan struct{})}
	factory := func(id string) (*worker.Worker, error) {
		return worker.New(worker.Config{ID: id, IdlePoll: time.Millisecond}, worker.Deps{
			Queue:   q,
			Crawler: crawl,
			Store:   st,
		})
	}
	p, err := New(cfg, q, factory, nil)
	require.NoError(t, err)
	return p, q, crawl
}

func enqueue(t *testing.T, q *memqueue.Queue, n, maxRetries int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), &crawler.CrawlTask{
			URL:        fmt.Sprintf("https://x.edu/dept/%d", i),
			University: "X",
			MaxRetries: maxRetries,
		})
		require.NoError(t, err)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                          string
		pending, active, lo, hi, want int
	}{
		{name: "backlog adds up to max", pending: 30, active: 2, lo: 1, hi: 5, want: 3},
		{name: "backlog adds half ratio", pending: 60, active: 5, lo: 1, hi: 20, want: 6},
		{name: "no workers counts as one", pending: 12, active: 0, lo: 0, hi: 4, want: 4},
		{name: "ratio exactly five holds", pending: 10, active: 2, lo: 1, hi: 5, want: 0},
		{name: "at max holds", pending: 100, active: 5, lo: 1, hi: 5, want: 0},
		{name: "idle removes half", pending: 0, active: 5, lo: 1, hi: 5, want: -2},
		{name: "idle respects min", pending: 0, active: 3, lo: 2, hi: 5, want: -1},
		{name: "single worker above min rounds down", pending: 0, active: 2, lo: 1, hi: 5, want: -1},
		{name: "at min holds", pending: 0, active: 1, lo: 1, hi: 5, want: 0},
		{name: "steady load holds", pending: 6, active: 2, lo: 1, hi: 5, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Decide(tt.pending, tt.active, tt.lo, tt.hi))
		})
	}
}

func TestAutoScaleUpAndDown(t *testing.T) {
	t.Parallel()

	p, q, crawl := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 5, Initial: 2})
	enqueue(t, q, 30, 0)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	delta, err := p.AutoScale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, delta)
	require.Equal(t, 5, p.Size())

	close(crawl.gate)
	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats.Completed == 30
	}, 5*time.Second, 5*time.Millisecond)

	_, err = p.AutoScale(context.Background())
	require.NoError(t, err)
	require.Less(t, p.Size(), 5)
	require.GreaterOrEqual(t, p.Size(), 1)

	for i := 0; i < 5; i++ {
		_, err = p.AutoScale(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 1, p.Size())

	stats := p.Stats()
	require.Equal(t, 1, stats.ActiveWorkers)
	require.Equal(t, 1, stats.MinWorkers)
	require.Equal(t, 5, stats.MaxWorkers)
	require.Len(t, stats.Workers, 1)
}

func TestAddAndRemoveRespectBounds(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2, Initial: 1})
	_, err := p.AddWorker()
	require.Error(t, err, "not started")

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	id, err := p.AddWorker()
	require.NoError(t, err)
	require.Equal(t, "worker-1", id)
	_, err = p.AddWorker()
	require.Error(t, err)

	removed, ok := p.RemoveWorker()
	require.True(t, ok)
	require.Equal(t, "worker-1", removed)
	_, ok = p.RemoveWorker()
	require.False(t, ok)
	require.Equal(t, 1, p.Size())
}

func (p *Pool) retiredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retired)
}

func TestRemovedWorkerIsReleasedWithItsCounters(t *testing.T) {
	t.Parallel()

	p, q, crawl := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2, Initial: 2})
	enqueue(t, q, 2, 0)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	require.Eventually(t, func() bool {
		running, err := q.Running(context.Background())
		require.NoError(t, err)
		return len(running) == 2
	}, time.Second, time.Millisecond)
	close(crawl.gate)
	require.Eventually(t, func() bool {
		return p.Stats().TasksProcessed == 2
	}, time.Second, time.Millisecond)

	_, ok := p.RemoveWorker()
	require.True(t, ok)
	require.Eventually(t, func() bool { return p.retiredCount() == 0 }, time.Second, time.Millisecond)

	stats := p.Stats()
	require.Equal(t, 1, stats.ActiveWorkers)
	require.Len(t, stats.Workers, 1)
	require.Equal(t, 2, stats.TasksProcessed)
}

func TestStopLeavesNoTaskRunning(t *testing.T) {
	t.Parallel()

	p, q, _ := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 2, Initial: 2})
	enqueue(t, q, 4, 0)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		running, err := q.Running(context.Background())
		require.NoError(t, err)
		return len(running) == 2
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	running, err := q.Running(context.Background())
	require.NoError(t, err)
	require.Empty(t, running)
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Failed)
	require.Equal(t, 2, stats.Pending)

	// Stop is idempotent.
	require.NoError(t, p.Stop(context.Background()))
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	require.Error(t, p.Start(context.Background()))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	q := memqueue.NewQueue(0, nil)
	factory := func(string) (*worker.Worker, error) { return nil, nil }
	_, err := New(Config{MinWorkers: 3, MaxWorkers: 2}, q, factory, nil)
	require.Error(t, err)
	_, err = New(Config{MaxWorkers: 2}, nil, factory, nil)
	require.Error(t, err)
	_, err = New(Config{MaxWorkers: 2}, q, nil, nil)
	require.Error(t, err)
}
