// Package queue holds the task-state rules shared by the queue backends and
// the backend selection with in-memory fallback.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/hash/sha256"
)

// DefaultMaxSize bounds the task registry when no size is configured.
const DefaultMaxSize = 10000

// TaskID derives the content-stable id for a task.
func TaskID(url string, createdAt time.Time) string {
	return sha256.Sum(url, createdAt.UTC().Format(time.RFC3339Nano))
}

// Prepare stamps a task for enqueueing: creation time, id and pending status.
func Prepare(task *crawler.CrawlTask, now time.Time) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now.UTC()
	}
	if task.ID == "" {
		task.ID = TaskID(task.URL, task.CreatedAt)
	}
	task.Status = crawler.TaskStatusPending
}

// Start moves a dequeued task to running.
func Start(task *crawler.CrawlTask, now time.Time) {
	ts := now.UTC()
	task.Status = crawler.TaskStatusRunning
	task.StartedAt = &ts
	task.FinishedAt = nil
}

// Complete moves a task to completed.
func Complete(task *crawler.CrawlTask, now time.Time) {
	ts := now.UTC()
	task.Status = crawler.TaskStatusCompleted
	task.FinishedAt = &ts
	task.LastError = ""
}

// Fail applies the retry rule and reports whether the task must be queued
// again: below the retry budget it becomes retrying, otherwise failed.
func Fail(task *crawler.CrawlTask, reason string, now time.Time) bool {
	task.LastError = reason
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = crawler.TaskStatusRetrying
		return true
	}
	ts := now.UTC()
	task.Status = crawler.TaskStatusFailed
	task.FinishedAt = &ts
	return false
}

// Before orders tasks for dequeue: higher priority first, then older first.
func Before(a, b *crawler.CrawlTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Waiting reports whether a task sits in the pending set.
func Waiting(status crawler.TaskStatus) bool {
	return status == crawler.TaskStatusPending || status == crawler.TaskStatusRetrying
}

// Tally builds QueueStats from task statuses.
func Tally(statuses []crawler.TaskStatus, maxSize int) crawler.QueueStats {
	var st crawler.QueueStats
	for _, s := range statuses {
		switch s {
		case crawler.TaskStatusPending, crawler.TaskStatusRetrying:
			st.Pending++
		case crawler.TaskStatusRunning:
			st.Running++
		case crawler.TaskStatusCompleted:
			st.Completed++
		case crawler.TaskStatusFailed:
			st.Failed++
		}
	}
	st.Total = len(statuses)
	if maxSize > 0 {
		st.SizePercent = float64(st.Total) / float64(maxSize) * 100
	}
	return st
}

// Pinger is implemented by backends that can report availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WithFallback returns primary when it answers a ping and fallback otherwise.
// A nil primary selects fallback.
func WithFallback(ctx context.Context, primary crawler.TaskQueue, fallback crawler.TaskQueue, logger *zap.Logger) crawler.TaskQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if primary == nil {
		return fallback
	}
	if p, ok := primary.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			logger.Warn("queue backend unavailable, using in-memory queue", zap.Error(err))
			return fallback
		}
	}
	return primary
}
