package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one millisecond per call so created_at values are distinct.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newQueue(maxSize int) *Queue {
	return NewQueue(maxSize, &stepClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)})
}

func enqueue(t *testing.T, q *Queue, url string, priority int) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &crawler.CrawlTask{URL: url, Priority: priority, MaxRetries: 3})
	require.NoError(t, err)
	return id
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	q := newQueue(10)
	ctx := context.Background()
	first := enqueue(t, q, "https://x.edu/a", 1)
	urgent := enqueue(t, q, "https://x.edu/b", 5)
	second := enqueue(t, q, "https://x.edu/c", 1)

	var got []string
	for {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
		require.Equal(t, crawler.TaskStatusRunning, task.Status)
		require.NotNil(t, task.StartedAt)
		got = append(got, task.ID)
	}
	require.Equal(t, []string{urgent, first, second}, got)

	running, err := q.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 3)
}

func TestEnqueueFullDoesNotMutate(t *testing.T) {
	t.Parallel()

	q := newQueue(2)
	ctx := context.Background()
	enqueue(t, q, "https://x.edu/a", 0)
	enqueue(t, q, "https://x.edu/b", 0)

	before, err := q.Stats(ctx)
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, &crawler.CrawlTask{URL: "https://x.edu/c"})
	require.ErrorIs(t, err, crawler.ErrQueueFull)
	require.Empty(t, id)

	after, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.InDelta(t, 100.0, after.SizePercent, 1e-9)
}

func TestMarkFailedRetriesThenFails(t *testing.T) {
	t.Parallel()

	q := newQueue(10)
	ctx := context.Background()
	id := enqueue(t, q, "https://x.edu/404", 0)

	for attempt := 1; attempt <= 4; attempt++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d", attempt)
		require.Equal(t, id, task.ID)

		ok, err := q.MarkFailed(ctx, id, "FetchError")
		require.NoError(t, err)
		require.True(t, ok)

		got, err := q.Task(ctx, id)
		require.NoError(t, err)
		if attempt <= 3 {
			require.Equal(t, crawler.TaskStatusRetrying, got.Status)
			require.Equal(t, attempt, got.RetryCount)
		} else {
			require.Equal(t, crawler.TaskStatusFailed, got.Status)
			require.Equal(t, 3, got.RetryCount)
			require.Equal(t, "FetchError", got.LastError)
		}
	}

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, task)

	ok, err := q.MarkFailed(ctx, id, "again")
	require.NoError(t, err)
	require.False(t, ok, "terminal tasks stay terminal")

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Failed)
	require.Zero(t, st.Running)
}

func TestMarkFailedWhilePendingKeepsOneHeapEntry(t *testing.T) {
	t.Parallel()

	q := newQueue(10)
	id := enqueue(t, q, "https://x.edu/a", 0)
	for i := 0; i < 2; i++ {
		ok, err := q.MarkFailed(context.Background(), id, "stale")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 1, q.pending.Len())

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	require.Equal(t, 2, task.RetryCount)
	next, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestRetryKeepsPriority(t *testing.T) {
	t.Parallel()

	q := newQueue(10)
	ctx := context.Background()
	retried := enqueue(t, q, "https://x.edu/flaky", 3)
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, retried, task.ID)
	_, err = q.MarkFailed(ctx, retried, "timeout")
	require.NoError(t, err)

	enqueue(t, q, "https://x.edu/low", 1)
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, retried, next.ID)
	require.Equal(t, 3, next.Priority)
}

func TestMarkCompleted(t *testing.T) {
	t.Parallel()

	q := newQueue(10)
	ctx := context.Background()
	id := enqueue(t, q, "https://x.edu/a", 0)

	ok, err := q.MarkCompleted(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "pending tasks cannot complete")

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	ok, err = q.MarkCompleted(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	task, err := q.Task(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.FinishedAt)

	ok, err = q.MarkCompleted(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = q.Task(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrTaskNotFound)
}

func TestReturnedTasksAreCopies(t *testing.T) {
	t.Parallel()

	q := newQueue(10)
	ctx := context.Background()
	id := enqueue(t, q, "https://x.edu/a", 0)
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	task.Status = crawler.TaskStatusCompleted

	stored, err := q.Task(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusRunning, stored.Status)
}

func TestConcurrentDequeueHandsOutEachTaskOnce(t *testing.T) {
	t.Parallel()

	q := newQueue(100)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		enqueue(t, q, fmt.Sprintf("https://x.edu/%d", i), i%3)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 50)
	for _, n := range seen {
		require.Equal(t, 1, n)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Enqueue(ctx, &crawler.CrawlTask{URL: "https://x.edu"})
	require.ErrorIs(t, err, context.Canceled)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
