package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
)

// PrometheusSink exports task and analysis progress as Prometheus collectors.
type PrometheusSink struct {
	tasksStarted   prometheus.Counter
	tasksFinished  *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec
	pagesCrawled   *prometheus.CounterVec
	stageSeconds   *prometheus.CounterVec
	analyses       *prometheus.CounterVec
	analysisErrors *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcap_tasks_started_total",
			Help: "Crawl task attempts that started.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcap_tasks_finished_total",
			Help: "Crawl task attempts that finished, by result and error kind.",
		}, []string{"result", "error_kind"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcap_tasks_running",
			Help: "Crawl task attempts currently in flight.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dcap_task_runtime_seconds",
			Help:    "Wall time per finished task attempt.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		pagesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcap_pages_crawled_total",
			Help: "Pages crawled by successful tasks, by site.",
		}, []string{"site"}),
		stageSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcap_stage_seconds_total",
			Help: "Time spent per pipeline stage across finished tasks.",
		}, []string{"stage"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcap_paper_analyses_total",
			Help: "Paper analyses attempted, by result.",
		}, []string{"result"}),
		analysisErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcap_paper_analysis_errors_total",
			Help: "Failed paper analyses by error kind.",
		}, []string{"error_kind"}),
		tracker: &taskTracker{running: map[string]struct{}{}},
	}
	for _, c := range []prometheus.Collector{
		s.tasksStarted, s.tasksFinished, s.tasksRunning, s.taskRuntime,
		s.pagesCrawled, s.stageSeconds, s.analyses, s.analysisErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTaskStart:
			s.tasksStarted.Inc()
			if s.tracker.start(evt.TaskID) {
				s.tasksRunning.Inc()
			}
		case progress.StageTaskDone:
			s.finish(evt, "success", "")
			site := evt.Site
			if site == "" {
				site = "unknown"
			}
			s.pagesCrawled.WithLabelValues(site).Add(float64(evt.Pages))
		case progress.StageTaskError:
			s.finish(evt, "error", evt.ErrorKind)
		case progress.StageAnalysisDone:
			s.analyses.WithLabelValues("success").Inc()
		case progress.StageAnalysisError:
			s.analyses.WithLabelValues("error").Inc()
			s.analysisErrors.WithLabelValues(evt.ErrorKind).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result, kind string) {
	s.tasksFinished.WithLabelValues(result, kind).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	for stage, d := range map[string]float64{
		"download": evt.Timings.Download.Seconds(),
		"parse":    evt.Timings.Parse.Seconds(),
		"ocr":      evt.Timings.OCR.Seconds(),
		"render":   evt.Timings.Render.Seconds(),
	} {
		if d > 0 {
			s.stageSeconds.WithLabelValues(stage).Add(d)
		}
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// taskTracker keeps the running gauge honest when a start event is dropped
// or a task retries.
type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
