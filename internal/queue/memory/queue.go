// Package memory provides the in-process task queue: a priority heap plus a
// task registry guarded by one mutex.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/queue"
)

// Queue implements crawler.TaskQueue in memory.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	clock   crawler.Clock
	pending taskHeap
	tasks   map[string]*crawler.CrawlTask
	running map[string]struct{}
}

// NewQueue constructs a queue whose registry holds at most maxSize tasks.
func NewQueue(maxSize int, clock crawler.Clock) *Queue {
	if maxSize <= 0 {
		maxSize = queue.DefaultMaxSize
	}
	if clock == nil {
		clock = system.New()
	}
	return &Queue{
		maxSize: maxSize,
		clock:   clock,
		tasks:   make(map[string]*crawler.CrawlTask),
		running: make(map[string]struct{}),
	}
}

// Enqueue registers a task as pending. A full registry returns
// crawler.ErrQueueFull and leaves the queue untouched.
func (q *Queue) Enqueue(ctx context.Context, task *crawler.CrawlTask) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := task.Clone()
	queue.Prepare(cp, q.clock.Now())
	if _, exists := q.tasks[cp.ID]; exists {
		return cp.ID, nil
	}
	if len(q.tasks) >= q.maxSize {
		return "", fmt.Errorf("%w: %d tasks registered", crawler.ErrQueueFull, len(q.tasks))
	}
	q.tasks[cp.ID] = cp
	heap.Push(&q.pending, cp)
	return cp.ID, nil
}

// Dequeue pops the highest-priority pending task and marks it running.
func (q *Queue) Dequeue(ctx context.Context) (*crawler.CrawlTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dequeue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 {
		task := heap.Pop(&q.pending).(*crawler.CrawlTask)
		if !queue.Waiting(task.Status) {
			continue
		}
		queue.Start(task, q.clock.Now())
		q.running[task.ID] = struct{}{}
		return task.Clone(), nil
	}
	return nil, nil
}

// MarkCompleted finishes a running task.
func (q *Queue) MarkCompleted(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status != crawler.TaskStatusRunning {
		return false, nil
	}
	delete(q.running, taskID)
	queue.Complete(task, q.clock.Now())
	return true, nil
}

// MarkFailed records a failure and re-enqueues the task while retries remain.
func (q *Queue) MarkFailed(_ context.Context, taskID string, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status == crawler.TaskStatusCompleted || task.Status == crawler.TaskStatusFailed {
		return false, nil
	}
	delete(q.running, taskID)
	queued := queue.Waiting(task.Status)
	if queue.Fail(task, reason, q.clock.Now()) && !queued {
		heap.Push(&q.pending, task)
	}
	return true, nil
}

// Task returns a copy of the registered task.
func (q *Queue) Task(_ context.Context, taskID string) (*crawler.CrawlTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// Running lists the ids of running tasks in sorted order.
func (q *Queue) Running(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats summarizes the registry.
func (q *Queue) Stats(context.Context) (crawler.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	statuses := make([]crawler.TaskStatus, 0, len(q.tasks))
	for _, t := range q.tasks {
		statuses = append(statuses, t.Status)
	}
	return queue.Tally(statuses, q.maxSize), nil
}

type taskHeap []*crawler.CrawlTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return queue.Before(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*crawler.CrawlTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
