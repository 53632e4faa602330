// Package orchestrator composes the queue, worker pool and monitor into the
// pipeline's public surface: submit, status, stats, dashboard and the
// start/stop lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/metrics"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/report"
)

// Defaults applied by New.
const (
	DefaultAutoScaleInterval = 30 * time.Second
	DefaultMonitorInterval   = time.Minute
	DefaultStopTimeout       = time.Minute
	DefaultDrainPoll         = 250 * time.Millisecond
)

// ErrInvalidTask is returned for submissions missing a URL or university.
var ErrInvalidTask = errors.New("invalid task")

// WorkerPool is the pool surface the orchestrator drives.
type WorkerPool interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AutoScale(ctx context.Context) (int, error)
	Stats() crawler.PoolStats
}

// Closer flushes buffered state on stop, such as the progress hub.
type Closer interface {
	Close(ctx context.Context) error
}

// Config tunes the background loops and the stop sequence.
type Config struct {
	AutoScaleInterval time.Duration
	MonitorInterval   time.Duration
	StopTimeout       time.Duration
	// MaxRetries is applied to submissions that do not set one; <= 0
	// selects crawler.DefaultMaxRetries.
	MaxRetries   int
	ReportPrefix string
}

// Deps are the orchestrator's collaborators. Blobs and Flush are optional.
type Deps struct {
	Queue   crawler.TaskQueue
	Pool    WorkerPool
	Monitor *monitor.Monitor
	Blobs   crawler.BlobStore
	Flush   []Closer
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// SubmitRequest describes one department to crawl.
type SubmitRequest struct {
	URL        string        `json:"url" yaml:"url"`
	University string        `json:"university" yaml:"university"`
	Department string        `json:"department,omitempty" yaml:"department,omitempty"`
	Priority   int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries *int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	UseCache   *bool         `json:"use_cache,omitempty" yaml:"use_cache,omitempty"`
	UseOCR     bool          `json:"use_ocr,omitempty" yaml:"use_ocr,omitempty"`
	Parallel   bool          `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Stats is the combined queue, pool and metrics snapshot.
type Stats struct {
	Queue   crawler.QueueStats `json:"queue"`
	Workers crawler.PoolStats  `json:"workers"`
	Metrics monitor.Current    `json:"metrics"`
}

// Orchestrator owns the pipeline lifecycle.
type Orchestrator struct {
	cfg     Config
	queue   crawler.TaskQueue
	pool    WorkerPool
	monitor *monitor.Monitor
	blobs   crawler.BlobStore
	flush   []Closer
	clock   crawler.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Queue == nil {
		return nil, errors.New("task queue is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if deps.Monitor == nil {
		return nil, errors.New("monitor is required")
	}
	if cfg.AutoScaleInterval <= 0 {
		cfg.AutoScaleInterval = DefaultAutoScaleInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = crawler.DefaultMaxRetries
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{
		cfg:     cfg,
		queue:   deps.Queue,
		pool:    deps.Pool,
		monitor: deps.Monitor,
		blobs:   deps.Blobs,
		flush:   deps.Flush,
		clock:   deps.Clock,
		logger:  deps.Logger.Named("orchestrator"),
	}, nil
}

// Submit enqueues one task and returns its id. crawler.ErrQueueFull is
// returned unchanged so callers can report it.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	task, err := o.taskFor(req)
	if err != nil {
		return "", err
	}
	id, err := o.queue.Enqueue(ctx, task)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", req.URL, err)
	}
	o.logger.Debug("task submitted", zap.String("task_id", id), zap.String("url", task.URL),
		zap.String("university", task.University), zap.Int("priority", task.Priority))
	return id, nil
}

// SubmitBulk submits each request in order and stops at the first failure,
// returning the ids accepted so far.
func (o *Orchestrator) SubmitBulk(ctx context.Context, reqs []SubmitRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		id, err := o.Submit(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("task %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (o *Orchestrator) taskFor(req SubmitRequest) (*crawler.CrawlTask, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" || strings.TrimSpace(req.University) == "" {
		return nil, fmt.Errorf("%w: url and university are required", ErrInvalidTask)
	}
	if _, err := crawler.NormalizeURL(url); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if crawler.Host(url) == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidTask, url)
	}
	maxRetries := o.cfg.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidTask)
		}
		maxRetries = *req.MaxRetries
	}
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}
	return &crawler.CrawlTask{
		URL:        url,
		University: strings.TrimSpace(req.University),
		Department: strings.TrimSpace(req.Department),
		Priority:   req.Priority,
		MaxRetries: maxRetries,
		Options: crawler.TaskOptions{
			UseCache: useCache,
			UseOCR:   req.UseOCR,
			Parallel: req.Parallel,
			Timeout:  req.Timeout,
		},
	}, nil
}

// TaskStatus returns the registered task, or crawler.ErrTaskNotFound.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string) (*crawler.CrawlTask, error) {
	task, err := o.queue.Task(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}
	return task, nil
}

// Stats returns the combined snapshot.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	qs, err := o.queue.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Queue: qs, Workers: o.pool.Stats(), Metrics: o.monitor.Current()}, nil
}

// Dashboard returns the operator snapshot.
func (o *Orchestrator) Dashboard(ctx context.Context) (monitor.Dashboard, error) {
	qs, err := o.queue.Stats(ctx)
	if err != nil {
		return monitor.Dashboard{}, fmt.Errorf("queue stats: %w", err)
	}
	return o.monitor.Dashboard(o.pool.Stats(), qs), nil
}

// Health grades the current state.
func (o *Orchestrator) Health(ctx context.Context) (monitor.Health, error) {
	qs, err := o.queue.Stats(ctx)
	if err != nil {
		return monitor.Health{}, fmt.Errorf("queue stats: %w", err)
	}
	return o.monitor.Health(o.pool.Stats(), qs), nil
}

// Start launches the pool and the auto-scale and monitor loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator already running")
	}
	if err := o.pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	o.loops.Add(2)
	go func() {
		defer o.loops.Done()
		o.every(loopCtx, o.cfg.AutoScaleInterval, o.autoScale)
	}()
	go func() {
		defer o.loops.Done()
		o.every(loopCtx, o.cfg.MonitorInterval, o.observe)
	}()
	o.logger.Info("pipeline started",
		zap.Duration("auto_scale_interval", o.cfg.AutoScaleInterval),
		zap.Duration("monitor_interval", o.cfg.MonitorInterval))
	return nil
}

func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (o *Orchestrator) autoScale(ctx context.Context) {
	delta, err := o.pool.AutoScale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("auto-scale failed", zap.Error(err))
		}
		return
	}
	metrics.ObserveScale(delta)
}

func (o *Orchestrator) observe(ctx context.Context) {
	qs, err := o.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("queue stats failed", zap.Error(err))
		}
		return
	}
	ps := o.pool.Stats()
	health := o.monitor.Health(ps, qs)
	metrics.SetQueue(qs)
	metrics.SetWorkers(ps.ActiveWorkers)
	metrics.SetHealth(health.Overall.Rank())
	if health.Overall != monitor.Healthy {
		o.logger.Warn("pipeline health degraded",
			zap.String("overall", string(health.Overall)),
			zap.Any("components", health.Components))
	}
}

// WaitIdle blocks until no task is pending or running, or ctx ends.
func (o *Orchestrator) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultDrainPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		qs, err := o.queue.Stats(ctx)
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		if qs.Pending == 0 && qs.Running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for queue drain: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop halts the loops, stops the pool within the configured timeout,
// flushes buffered events and writes the run report. It returns the report
// URI when a blob store is configured.
func (o *Orchestrator) Stop(ctx context.Context) (string, error) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return "", nil
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()
	o.loops.Wait()

	var errs []error
	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	defer cancel()
	if err := o.pool.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop pool: %w", err))
	}
	for _, c := range o.flush {
		if err := c.Close(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
	}

	uri, err := o.writeReport(context.WithoutCancel(ctx))
	if err != nil {
		errs = append(errs, err)
	}
	o.logger.Info("pipeline stopped", zap.String("report", uri))
	return uri, errors.Join(errs...)
}

// Report builds the run summary from the current state.
func (o *Orchestrator) Report(ctx context.Context) (report.Run, error) {
	qs, err := o.queue.Stats(ctx)
	if err != nil {
		return report.Run{}, fmt.Errorf("queue stats: %w", err)
	}
	ps := o.pool.Stats()
	return report.Run{
		Timestamp:  o.clock.Now().UTC(),
		QueueStats: qs,
		Metrics:    o.monitor.Current(),
		WorkerPool: ps,
		Health:     o.monitor.Health(ps, qs),
		Hourly:     o.monitor.Hourly(24),
	}, nil
}

func (o *Orchestrator) writeReport(ctx context.Context) (string, error) {
	if o.blobs == nil {
		return "", nil
	}
	run, err := o.Report(ctx)
	if err != nil {
		return "", err
	}
	return report.Write(ctx, o.blobs, o.cfg.ReportPrefix, run)
}
