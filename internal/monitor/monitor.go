// Package monitor keeps a rolling window of task metrics and derives the
// success rate, hourly aggregates, component health and the dashboard
// snapshot from it.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

const (
	// DefaultWindow is the number of task metrics retained.
	DefaultWindow = 1000
	// recentSpan is how many of the newest metrics Current summarizes.
	recentSpan   = 100
	lastErrors   = 5
	errorHistory = 100
)

// Status is a component health level.
type Status string

// Health levels, ordered from best to worst.
const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Critical Status = "critical"
)

// Rank orders statuses: 0 healthy, 1 degraded, 2 critical.
func (s Status) Rank() int {
	switch s {
	case Critical:
		return 2
	case Degraded:
		return 1
	default:
		return 0
	}
}

// ErrorEntry is one failure shown on the dashboard.
type ErrorEntry struct {
	TaskID  string    `json:"task_id,omitempty"`
	PaperID string    `json:"paper_id,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Current summarizes the newest metrics.
type Current struct {
	Samples     int           `json:"samples"`
	Processed   int           `json:"processed"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	LastErrors  []ErrorEntry  `json:"last_errors"`
}

// HourlyStat aggregates the metrics recorded within one clock hour.
type HourlyStat struct {
	Hour        time.Time     `json:"hour"`
	Processed   int           `json:"processed"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Health is the overall status plus one status per component.
type Health struct {
	Overall    Status            `json:"overall"`
	Components map[string]Status `json:"components"`
}

// Dashboard is the serializable snapshot served to operators.
type Dashboard struct {
	Timestamp time.Time          `json:"timestamp"`
	Health    Health             `json:"health"`
	Metrics   Current            `json:"metrics"`
	Queue     crawler.QueueStats `json:"queue"`
	Workers   crawler.PoolStats  `json:"workers"`
	Hourly    []HourlyStat       `json:"hourly"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	clock   crawler.Clock
	size    int
	metrics []crawler.TaskMetric
	errors  []ErrorEntry
}

// New returns a Monitor retaining window metrics (DefaultWindow when <= 0).
func New(window int, clock crawler.Clock) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = system.New()
	}
	return &Monitor{clock: clock, size: window}
}

// Record appends m to the window, evicting the oldest entry when full. A
// failed metric is also added to the error list.
func (m *Monitor) Record(metric crawler.TaskMetric) {
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, metric)
	if over := len(m.metrics) - m.size; over > 0 {
		m.metrics = append([]crawler.TaskMetric(nil), m.metrics[over:]...)
	}
	if !metric.Success {
		m.addError(ErrorEntry{
			TaskID:  metric.TaskID,
			Kind:    metric.ErrorKind,
			Message: metric.Error,
			At:      metric.RecordedAt,
		})
	}
}

// RecordError adds a failure that is not a task outcome, such as a failed
// paper analysis.
func (m *Monitor) RecordError(entry ErrorEntry) {
	if entry.At.IsZero() {
		entry.At = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addError(entry)
}

func (m *Monitor) addError(e ErrorEntry) {
	m.errors = append(m.errors, e)
	if over := len(m.errors) - errorHistory; over > 0 {
		m.errors = append([]ErrorEntry(nil), m.errors[over:]...)
	}
}

// Len reports how many metrics the window holds.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.metrics)
}

// Current summarizes the newest 100 metrics. An empty window reports a 100%
// success rate.
func (m *Monitor) Current() Current {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.metrics
	if len(recent) > recentSpan {
		recent = recent[len(recent)-recentSpan:]
	}
	out := Current{Samples: len(recent), SuccessRate: 100, LastErrors: []ErrorEntry{}}
	if n := len(m.errors); n > 0 {
		out.LastErrors = append(out.LastErrors, m.errors[max(0, n-lastErrors):]...)
	}
	if len(recent) == 0 {
		return out
	}

	var total time.Duration
	out.MinDuration = recent[0].Duration
	for _, metric := range recent {
		out.Processed++
		if !metric.Success {
			out.Failed++
		}
		total += metric.Duration
		out.MinDuration = min(out.MinDuration, metric.Duration)
		out.MaxDuration = max(out.MaxDuration, metric.Duration)
	}
	out.AvgDuration = total / time.Duration(len(recent))
	out.SuccessRate = float64(out.Processed-out.Failed) / float64(out.Processed) * 100
	return out
}

// Hourly aggregates the window into clock hours covering the last hours
// hours, oldest first. Hours without metrics are omitted.
func (m *Monitor) Hourly(hours int) []HourlyStat {
	if hours <= 0 {
		hours = 24
	}
	cutoff := m.clock.Now().Truncate(time.Hour).Add(-time.Duration(hours-1) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		stat  HourlyStat
		total time.Duration
	}
	buckets := map[time.Time]*acc{}
	for _, metric := range m.metrics {
		hour := metric.RecordedAt.Truncate(time.Hour)
		if hour.Before(cutoff) {
			continue
		}
		b := buckets[hour]
		if b == nil {
			b = &acc{stat: HourlyStat{Hour: hour}}
			buckets[hour] = b
		}
		b.stat.Processed++
		if !metric.Success {
			b.stat.Failed++
		}
		b.total += metric.Duration
	}
	out := make([]HourlyStat, 0, len(buckets))
	for _, b := range buckets {
		b.stat.AvgDuration = b.total / time.Duration(b.stat.Processed)
		out = append(out, b.stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}

// Health grades workers, queue and metrics and reports the worst as overall.
func (m *Monitor) Health(workers crawler.PoolStats, queue crawler.QueueStats) Health {
	return Evaluate(workers, queue, m.Current())
}

// Evaluate applies the health thresholds to explicit inputs.
func Evaluate(workers crawler.PoolStats, queue crawler.QueueStats, metrics Current) Health {
	components := map[string]Status{
		"workers": Healthy,
		"queue":   Healthy,
		"metrics": Healthy,
	}
	switch {
	case workers.ActiveWorkers == 0:
		components["workers"] = Critical
	case workers.ActiveWorkers < workers.MinWorkers:
		components["workers"] = Degraded
	}
	switch {
	case queue.SizePercent > 90:
		components["queue"] = Critical
	case queue.SizePercent > 70:
		components["queue"] = Degraded
	}
	switch {
	case metrics.SuccessRate < 50:
		components["metrics"] = Critical
	case metrics.SuccessRate < 80:
		components["metrics"] = Degraded
	}
	overall := Healthy
	for _, s := range components {
		if s.Rank() > overall.Rank() {
			overall = s
		}
	}
	return Health{Overall: overall, Components: components}
}

// Dashboard assembles the operator snapshot.
func (m *Monitor) Dashboard(workers crawler.PoolStats, queue crawler.QueueStats) Dashboard {
	current := m.Current()
	return Dashboard{
		Timestamp: m.clock.Now().UTC(),
		Health:    Evaluate(workers, queue, current),
		Metrics:   current,
		Queue:     queue,
		Workers:   workers,
		Hourly:    m.Hourly(24),
	}
}
