// Package redis implements the task queue on Redis so several processes can
// share one registry. Pending tasks live in a sorted set, task records in a
// hash and running ids in a set.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/queue"
)

const (
	defaultKey   = "dcap:tasks"
	txAttempts   = 5
	opTimeout    = 5 * time.Second
	memberLayout = "%020d|%s"
)

// Config configures the Redis queue.
type Config struct {
	Addr    string
	Key     string
	MaxSize int
}

// Queue implements crawler.TaskQueue on Redis.
type Queue struct {
	client  *redis.Client
	maxSize int
	clock   crawler.Clock
	logger  *zap.Logger

	pendingKey string
	tasksKey   string
	runningKey string
}

// New connects a client for cfg.Addr. The connection is not verified until
// Ping or the first operation.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Queue {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: cfg.Addr}), cfg, clock, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, clock crawler.Clock, logger *zap.Logger) *Queue {
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = queue.DefaultMaxSize
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:     client,
		maxSize:    cfg.MaxSize,
		clock:      clock,
		logger:     logger.Named("redis_queue"),
		pendingKey: cfg.Key + ":pending",
		tasksKey:   cfg.Key + ":registry",
		runningKey: cfg.Key + ":running",
	}
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue registers a task as pending unless the registry is full.
func (q *Queue) Enqueue(ctx context.Context, task *crawler.CrawlTask) (string, error) {
	cp := task.Clone()
	queue.Prepare(cp, q.clock.Now())
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	err = q.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, q.tasksKey, cp.ID).Result()
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		size, err := tx.HLen(ctx, q.tasksKey).Result()
		if err != nil {
			return err
		}
		if size >= int64(q.maxSize) {
			return fmt.Errorf("%w: %d tasks registered", crawler.ErrQueueFull, size)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.tasksKey, cp.ID, data)
			pipe.ZAdd(ctx, q.pendingKey, q.entry(cp))
			return nil
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Dequeue pops the best pending task and marks it running.
func (q *Queue) Dequeue(ctx context.Context) (*crawler.CrawlTask, error) {
	for {
		popped, err := q.client.ZPopMin(ctx, q.pendingKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("pop pending: %w", err)
		}
		if len(popped) == 0 {
			return nil, nil
		}
		id, err := memberID(popped[0].Member)
		if err != nil {
			q.logger.Warn("dropping malformed queue member", zap.Error(err))
			continue
		}

		var started *crawler.CrawlTask
		err = q.update(ctx, id, func(pipe redis.Pipeliner, task *crawler.CrawlTask) bool {
			if !queue.Waiting(task.Status) {
				return false
			}
			queue.Start(task, q.clock.Now())
			pipe.SAdd(ctx, q.runningKey, id)
			started = task
			return true
		})
		if errors.Is(err, crawler.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if started != nil {
			return started, nil
		}
	}
}

// MarkCompleted finishes a running task.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string) (bool, error) {
	done := false
	err := q.update(ctx, taskID, func(pipe redis.Pipeliner, task *crawler.CrawlTask) bool {
		if task.Status != crawler.TaskStatusRunning {
			return false
		}
		queue.Complete(task, q.clock.Now())
		pipe.SRem(ctx, q.runningKey, taskID)
		done = true
		return true
	})
	if errors.Is(err, crawler.ErrTaskNotFound) {
		return false, nil
	}
	return done, err
}

// MarkFailed applies the retry rule, re-enqueueing while retries remain.
func (q *Queue) MarkFailed(ctx context.Context, taskID string, reason string) (bool, error) {
	done := false
	err := q.update(ctx, taskID, func(pipe redis.Pipeliner, task *crawler.CrawlTask) bool {
		if task.Status == crawler.TaskStatusCompleted || task.Status == crawler.TaskStatusFailed {
			return false
		}
		pipe.SRem(ctx, q.runningKey, taskID)
		if queue.Fail(task, reason, q.clock.Now()) {
			pipe.ZAdd(ctx, q.pendingKey, q.entry(task))
		}
		done = true
		return true
	})
	if errors.Is(err, crawler.ErrTaskNotFound) {
		return false, nil
	}
	return done, err
}

// Task loads one task record.
func (q *Queue) Task(ctx context.Context, taskID string) (*crawler.CrawlTask, error) {
	raw, err := q.client.HGet(ctx, q.tasksKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", crawler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return decode(raw)
}

// Running lists running task ids in sorted order.
func (q *Queue) Running(ctx context.Context) ([]string, error) {
	ids, err := q.client.SMembers(ctx, q.runningKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats summarizes the registry.
func (q *Queue) Stats(ctx context.Context) (crawler.QueueStats, error) {
	values, err := q.client.HVals(ctx, q.tasksKey).Result()
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("load registry: %w", err)
	}
	statuses := make([]crawler.TaskStatus, 0, len(values))
	for _, raw := range values {
		task, err := decode(raw)
		if err != nil {
			q.logger.Warn("skipping malformed task record", zap.Error(err))
			continue
		}
		statuses = append(statuses, task.Status)
	}
	return queue.Tally(statuses, q.maxSize), nil
}

// update loads a task under WATCH, lets mutate change it and queue extra
// commands, and writes it back in the same transaction. mutate returns false
// to leave the task unchanged.
func (q *Queue) update(ctx context.Context, taskID string, mutate func(redis.Pipeliner, *crawler.CrawlTask) bool) error {
	return q.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, q.tasksKey, taskID).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", crawler.ErrTaskNotFound, taskID)
		}
		if err != nil {
			return err
		}
		task, err := decode(raw)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !mutate(pipe, task) {
				return nil
			}
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}
			pipe.HSet(ctx, q.tasksKey, taskID, data)
			return nil
		})
		return err
	})
}

func (q *Queue) watch(ctx context.Context, fn func(*redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = q.client.Watch(ctx, fn, q.tasksKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err == nil || errors.Is(err, crawler.ErrQueueFull) || errors.Is(err, crawler.ErrTaskNotFound) {
		return err
	}
	return fmt.Errorf("redis queue: %w", err)
}

// entry scores by negated priority so ZPOPMIN yields the highest priority;
// equal scores fall back to the member's zero-padded creation time.
func (q *Queue) entry(task *crawler.CrawlTask) *redis.Z {
	return &redis.Z{
		Score:  -float64(task.Priority),
		Member: fmt.Sprintf(memberLayout, task.CreatedAt.UnixNano(), task.ID),
	}
}

func memberID(member any) (string, error) {
	s, ok := member.(string)
	if !ok {
		return "", fmt.Errorf("unexpected member type %T", member)
	}
	nanos, id, ok := strings.Cut(s, "|")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed member %q", s)
	}
	if _, err := strconv.ParseInt(nanos, 10, 64); err != nil {
		return "", fmt.Errorf("malformed member %q: %w", s, err)
	}
	return id, nil
}

func decode(raw string) (*crawler.CrawlTask, error) {
	var task crawler.CrawlTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}
