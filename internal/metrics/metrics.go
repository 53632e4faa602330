// Package metrics exposes the pipeline's Prometheus collectors that are not
// driven by progress events: operator HTTP traffic, queue depth, pool size
// and politeness delays.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueTasks                 *prometheus.GaugeVec
	poolWorkers                prometheus.Gauge
	poolScaleEventsTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	healthStatus               prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registerer. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcap_http_requests_total",
				Help: "Operator API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcap_http_request_duration_seconds",
				Help:    "Operator API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route"},
		)

		queueTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcap_queue_tasks",
				Help: "Registered tasks by status.",
			},
			[]string{"status"},
		)

		poolWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dcap_pool_workers",
				Help: "Active workers in the pool.",
			},
		)

		poolScaleEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcap_pool_scale_events_total",
				Help: "Auto-scaling decisions that changed the pool, by direction.",
			},
			[]string{"direction"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcap_rate_limit_delay_seconds",
				Help:    "Time spent waiting on a per-host token bucket.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		healthStatus = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dcap_health_status",
				Help: "Overall health: 0 healthy, 1 warning, 2 critical.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one operator API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueue publishes a queue snapshot.
func SetQueue(stats crawler.QueueStats) {
	queueTasks.WithLabelValues("pending").Set(float64(stats.Pending))
	queueTasks.WithLabelValues("running").Set(float64(stats.Running))
	queueTasks.WithLabelValues("completed").Set(float64(stats.Completed))
	queueTasks.WithLabelValues("failed").Set(float64(stats.Failed))
}

// SetWorkers publishes the active pool size.
func SetWorkers(n int) {
	poolWorkers.Set(float64(n))
}

// ObserveScale counts a non-zero scaling delta.
func ObserveScale(delta int) {
	switch {
	case delta > 0:
		poolScaleEventsTotal.WithLabelValues("up").Add(float64(delta))
	case delta < 0:
		poolScaleEventsTotal.WithLabelValues("down").Add(float64(-delta))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// SetHealth publishes the overall health rank.
func SetHealth(rank int) {
	healthStatus.Set(float64(rank))
}
