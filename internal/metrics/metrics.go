// Package metrics exposes Prometheus collectors for the search relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_searches_total",
			Help: "Total number of orchestrated searches, labeled by outcome and origin.",
		},
		[]string{"origin", "outcome"},
	)

	searchRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askrelay_search_rounds",
			Help:    "Number of hedged rounds needed per search.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		},
	)

	searchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askrelay_search_duration_seconds",
			Help:    "Histogram of end-to-end search latencies.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_attempts_total",
			Help: "Total number of execution attempts, labeled by result kind.",
		},
		[]string{"result"},
	)

	workerRelaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_worker_relaunches_total",
			Help: "Total number of browser relaunches, labeled by reason.",
		},
		[]string{"reason"},
	)

	workerLaunchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askrelay_worker_launch_failures_total",
			Help: "Total number of browser launches that failed.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askrelay_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askrelay_queue_depth",
			Help: "Number of jobs waiting for a free worker.",
		},
	)

	idleRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_idle_refreshes_total",
			Help: "Total number of idle session refreshes, labeled by result.",
		},
		[]string{"result"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_cache_lookups_total",
			Help: "Total number of response cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	cacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_cache_writes_total",
			Help: "Total number of response cache writes, labeled by result.",
		},
		[]string{"result"},
	)

	warmupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askrelay_warmup_runs_total",
			Help: "Total number of cache warmup searches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askrelay_rate_limited_total",
			Help: "Total number of search requests rejected by the per-client limiter.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSearch records one finished orchestrated search.
func ObserveSearch(origin, outcome string, rounds int, duration time.Duration) {
	searchesTotal.WithLabelValues(origin, outcome).Inc()
	if rounds > 0 {
		searchRounds.Observe(float64(rounds))
	}
	searchDurationSeconds.Observe(duration.Seconds())
}

// ObserveAttempt increments the attempt counter for a result kind.
func ObserveAttempt(result string) {
	attemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRelaunch increments the relaunch counter for reason.
func ObserveRelaunch(reason string) {
	workerRelaunchesTotal.WithLabelValues(reason).Inc()
}

// ObserveLaunchFailure increments the launch failure counter.
func ObserveLaunchFailure() {
	workerLaunchFailuresTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueueDepth publishes the number of jobs waiting for a worker.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveIdleRefresh records an idle session refresh.
func ObserveIdleRefresh(result string) {
	idleRefreshesTotal.WithLabelValues(result).Inc()
}

// ObserveCacheLookup records a cache hit, miss or error.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheWrite records a stored, skipped or failed cache write.
func ObserveCacheWrite(result string) {
	cacheWritesTotal.WithLabelValues(result).Inc()
}

// ObserveWarmup records a warmup run outcome.
func ObserveWarmup(outcome string) {
	warmupRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited increments the rejected-by-limiter counter.
func ObserveRateLimited() {
	rateLimitedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
