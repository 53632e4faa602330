// Package worker implements the crawl task loop: dequeue, crawl, persist in
// one session, settle the task in the queue, then analyze the new papers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/analysis"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

// TopicTaskCompleted is the event published after a task commits.
const TopicTaskCompleted = "task.completed"

// DefaultIdlePoll is the pause between polls of an empty queue.
const DefaultIdlePoll = 100 * time.Millisecond

const tracerName = "github.com/JakeFAU/academic-crawl-pipeline/internal/worker"

// Config controls Worker behavior.
type Config struct {
	ID       string
	IdlePoll time.Duration
	// TaskTimeout bounds one crawl when the task sets no timeout of its own.
	TaskTimeout time.Duration
}

// PaperAnalyzer analyzes the papers a task discovered.
type PaperAnalyzer interface {
	AnalyzeAll(ctx context.Context, taskID, workerID string, papers []crawler.PaperInput) []analysis.Outcome
}

// MetricRecorder receives one TaskMetric per processed task.
type MetricRecorder interface {
	Record(metric crawler.TaskMetric)
}

// Sleeper pauses for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Deps are the collaborators of a Worker. Analysis, Metrics, Emitter and
// Publisher are optional.
type Deps struct {
	Queue     crawler.TaskQueue
	Crawler   crawler.DepartmentCrawler
	Store     store.Store
	Analysis  PaperAnalyzer
	Metrics   MetricRecorder
	Emitter   progress.Emitter
	Publisher crawler.Publisher
	Clock     crawler.Clock
	Sleep     Sleeper
	Logger    *zap.Logger
}

// Worker consumes queue items and executes the crawl pipeline.
type Worker struct {
	cfg       Config
	queue     crawler.TaskQueue
	crawler   crawler.DepartmentCrawler
	store     store.Store
	analysis  PaperAnalyzer
	metrics   MetricRecorder
	emitter   progress.Emitter
	publisher crawler.Publisher
	clock     crawler.Clock
	sleep     Sleeper
	logger    *zap.Logger
	tracer    trace.Tracer

	stopping atomic.Bool
	mu       sync.Mutex
	stats    crawler.WorkerStats
}

// TaskCompletedMessage is the payload published on TopicTaskCompleted.
type TaskCompletedMessage struct {
	TaskID     string                  `json:"task_id"`
	URL        string                  `json:"url"`
	University string                  `json:"university"`
	Department string                  `json:"department,omitempty"`
	ResultID   string                  `json:"result_id"`
	Stats      crawler.ExtractionStats `json:"extraction_stats"`
	FinishedAt time.Time               `json:"finished_at"`
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("task queue is required")
	}
	if deps.Crawler == nil {
		return nil, errors.New("department crawler is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	w := &Worker{
		cfg:       cfg,
		queue:     deps.Queue,
		crawler:   deps.Crawler,
		store:     deps.Store,
		analysis:  deps.Analysis,
		metrics:   deps.Metrics,
		emitter:   deps.Emitter,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		sleep:     deps.Sleep,
		logger:    deps.Logger,
		tracer:    otel.Tracer(tracerName),
	}
	if w.emitter == nil {
		w.emitter = progress.Nop{}
	}
	if w.clock == nil || w.sleep == nil {
		sys := system.New()
		if w.clock == nil {
			w.clock = sys
		}
		if w.sleep == nil {
			w.sleep = sys.Sleep
		}
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.Named("worker").With(zap.String("worker_id", cfg.ID))
	now := w.clock.Now().UTC()
	w.stats = crawler.WorkerStats{WorkerID: cfg.ID, StartedAt: now, LastActive: now}
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Stop asks Run to return once the current task is settled.
func (w *Worker) Stop() {
	w.stopping.Store(true)
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() crawler.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run blocks, consuming tasks until ctx ends or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	for !w.stopping.Load() && ctx.Err() == nil {
		ok, err := w.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
		}
		if ok {
			continue
		}
		if err := w.sleep(ctx, w.cfg.IdlePoll); err != nil {
			return
		}
	}
}

// ProcessNext dequeues and processes one task. It reports false when the
// queue had nothing pending.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if task == nil {
		return false, nil
	}
	// Processing errors are settled in the queue and reported through
	// metrics; only dequeue failures reach the caller.
	_ = w.Process(ctx, task)
	return true, nil
}

// Process runs one dequeued task to completion or failure and returns the
// task error, if any.
func (w *Worker) Process(ctx context.Context, task *crawler.CrawlTask) error {
	start := w.clock.Now()
	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))
	w.begin(task.ID, start)

	ctx, span := w.tracer.Start(ctx, "crawl_task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.url", task.URL),
		attribute.String("task.university", task.University),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	w.emitter.Emit(progress.Event{
		TaskID:   task.ID,
		WorkerID: w.cfg.ID,
		TS:       start.UTC(),
		Stage:    progress.StageTaskStart,
		Site:     crawler.Host(task.URL),
		URL:      task.URL,
	})
	logger.Debug("task started", zap.Int("retry_count", task.RetryCount))

	crawlCtx, cancel := w.taskContext(ctx, task)
	res, err := w.crawler.CrawlDepartment(crawlCtx, task)
	cancel()
	if err != nil {
		w.fail(ctx, span, task, start, res.Timings, err)
		return err
	}

	result, papers, err := w.persist(ctx, task, res, start)
	if err != nil {
		w.fail(ctx, span, task, start, res.Timings, err)
		return err
	}

	settleCtx := context.WithoutCancel(ctx)
	if _, err := w.queue.MarkCompleted(settleCtx, task.ID); err != nil {
		logger.Error("mark completed failed", zap.Error(err))
	}
	dur := w.clock.Now().Sub(start)
	w.finish(dur, false)
	w.record(crawler.TaskMetric{
		TaskID:     task.ID,
		WorkerID:   w.cfg.ID,
		Duration:   dur,
		Success:    true,
		Timings:    res.Timings,
		RecordedAt: w.clock.Now().UTC(),
	})
	w.emitter.Emit(progress.Event{
		TaskID:   task.ID,
		WorkerID: w.cfg.ID,
		TS:       w.clock.Now().UTC(),
		Stage:    progress.StageTaskDone,
		Site:     crawler.Host(task.URL),
		URL:      task.URL,
		Pages:    res.Stats.PagesCrawled,
		Dur:      dur,
		Timings:  res.Timings,
	})
	span.SetAttributes(attribute.Int("task.pages_crawled", res.Stats.PagesCrawled))
	logger.Info("task completed",
		zap.Int("pages", res.Stats.PagesCrawled),
		zap.Int("professors", res.Stats.ProfessorsCount),
		zap.Int("papers", res.Stats.PapersCount),
		zap.Strings("warnings", res.Warnings),
		zap.Duration("duration", dur),
	)
	w.publish(settleCtx, TaskCompletedMessage{
		TaskID:     task.ID,
		URL:        task.URL,
		University: task.University,
		Department: task.Department,
		ResultID:   result.ID,
		Stats:      result.Stats,
		FinishedAt: result.FinishedAt,
	})

	if w.analysis != nil && len(papers) > 0 {
		outcomes := w.analysis.AnalyzeAll(ctx, task.ID, w.cfg.ID, papers)
		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
			}
		}
		logger.Debug("papers analyzed", zap.Int("papers", len(outcomes)), zap.Int("failed", failed))
	}
	return nil
}

func (w *Worker) taskContext(ctx context.Context, task *crawler.CrawlTask) (context.Context, context.CancelFunc) {
	timeout := task.Options.Timeout
	if timeout <= 0 {
		timeout = w.cfg.TaskTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// persist writes the task, its result and every discovered entity in one
// session and returns the stored result plus analyzer inputs for papers that
// have no stored analysis yet.
func (w *Worker) persist(
	ctx context.Context,
	task *crawler.CrawlTask,
	res crawler.DepartmentCrawlResult,
	start time.Time,
) (crawler.CrawlResult, []crawler.PaperInput, error) {
	finished := w.clock.Now().UTC()
	row := task.Clone()
	row.Status = crawler.TaskStatusCompleted
	row.FinishedAt = &finished
	row.LastError = ""
	result := crawler.CrawlResult{
		TaskID:        task.ID,
		Stats:         res.Stats,
		ExtractedText: res.Text,
		StartedAt:     start.UTC(),
		FinishedAt:    finished,
	}
	var inputs []crawler.PaperInput

	err := w.store.InSession(ctx, func(ctx context.Context, sess store.Session) error {
		inputs = inputs[:0]
		if err := sess.SaveTask(ctx, row); err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		if err := sess.SaveResult(ctx, &result); err != nil {
			return fmt.Errorf("save result: %w", err)
		}
		dept := crawler.Department{University: task.University, Name: task.Department, URL: task.URL}
		deptID, err := sess.UpsertDepartment(ctx, &dept)
		if err != nil {
			return fmt.Errorf("upsert department: %w", err)
		}

		byEmail := make(map[string]string, len(res.Professors))
		for _, p := range res.Professors {
			p.DepartmentID = deptID
			p.University = task.University
			id, err := sess.UpsertProfessor(ctx, &p)
			if err != nil {
				return fmt.Errorf("upsert professor %q: %w", p.Name, err)
			}
			if p.Email != "" {
				byEmail[p.Email] = id
			}
		}
		for _, lab := range res.Labs {
			lab.DepartmentID = deptID
			if lab.ProfessorID == "" && lab.OwnerEmail != "" {
				lab.ProfessorID = byEmail[lab.OwnerEmail]
			}
			if _, err := sess.UpsertLab(ctx, &lab); err != nil {
				return fmt.Errorf("upsert lab %q: %w", lab.Name, err)
			}
		}
		queued := make(map[string]struct{}, len(res.Papers))
		for _, paper := range res.Papers {
			id, err := sess.UpsertPaper(ctx, &paper)
			if err != nil {
				return fmt.Errorf("upsert paper %q: %w", paper.Title, err)
			}
			if _, dup := queued[id]; dup {
				continue
			}
			// Stored analyses change only through explicit re-analysis.
			analyzed, err := sess.HasAnalysis(ctx, id)
			if err != nil {
				return fmt.Errorf("check analysis %q: %w", paper.Title, err)
			}
			if analyzed {
				continue
			}
			queued[id] = struct{}{}
			inputs = append(inputs, analysis.InputFor(paper, task.University, task.Department))
		}
		return nil
	})
	if err != nil {
		return crawler.CrawlResult{}, nil, err
	}
	return result, inputs, nil
}

func (w *Worker) fail(
	ctx context.Context,
	span trace.Span,
	task *crawler.CrawlTask,
	start time.Time,
	timings crawler.SubTimings,
	err error,
) {
	kind := crawler.ErrorKind(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)

	settled, markErr := w.queue.MarkFailed(context.WithoutCancel(ctx), task.ID, err.Error())
	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))
	if markErr != nil {
		logger.Error("mark failed failed", zap.Error(markErr))
	}
	dur := w.clock.Now().Sub(start)
	w.finish(dur, true)
	w.record(crawler.TaskMetric{
		TaskID:     task.ID,
		WorkerID:   w.cfg.ID,
		Duration:   dur,
		Error:      err.Error(),
		ErrorKind:  kind,
		Timings:    timings,
		RecordedAt: w.clock.Now().UTC(),
	})
	w.emitter.Emit(progress.Event{
		TaskID:    task.ID,
		WorkerID:  w.cfg.ID,
		TS:        w.clock.Now().UTC(),
		Stage:     progress.StageTaskError,
		Site:      crawler.Host(task.URL),
		URL:       task.URL,
		Dur:       dur,
		Timings:   timings,
		ErrorKind: kind,
		Note:      err.Error(),
	})
	logger.Error("task failed",
		zap.String("error_kind", kind),
		zap.Bool("settled", settled),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(err),
	)
}

func (w *Worker) begin(taskID string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.CurrentTask = taskID
	w.stats.LastActive = now.UTC()
}

func (w *Worker) finish(dur time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.TasksProcessed++
	if failed {
		w.stats.TasksFailed++
	}
	if dur > 0 {
		w.stats.TotalDuration += dur
	}
	w.stats.CurrentTask = ""
	w.stats.LastActive = w.clock.Now().UTC()
}

func (w *Worker) record(m crawler.TaskMetric) {
	if w.metrics != nil {
		w.metrics.Record(m)
	}
}

func (w *Worker) publish(ctx context.Context, msg TaskCompletedMessage) {
	if w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, TopicTaskCompleted, msg); err != nil {
		w.logger.Warn("publish task.completed failed", zap.String("task_id", msg.TaskID), zap.Error(err))
	}
}
