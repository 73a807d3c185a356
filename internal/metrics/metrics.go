// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerFetchSeconds        *prometheus.HistogramVec
	crawlerJobsTotal           *prometheus.CounterVec
	crawlerActiveJobs          prometheus.Gauge
	crawlerPolitenessDelaySecs *prometheus.HistogramVec
	crawlerCircuitOpensTotal   *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total pages fetched, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		crawlerFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page render latencies, labeled by domain.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total crawl jobs processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_jobs",
				Help: "Number of jobs currently running on workers.",
			},
		)

		crawlerPolitenessDelaySecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_delay_seconds",
				Help:    "Histogram of politeness wait durations before a fetch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"domain"},
		)

		crawlerCircuitOpensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_circuit_opens_total",
				Help: "Circuit breaker open transitions, labeled by domain.",
			},
			[]string{"domain"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a page fetch outcome ("ok" or the error kind label).
func ObservePage(domain, outcome string) {
	if crawlerPagesTotal == nil {
		return
	}
	crawlerPagesTotal.WithLabelValues(domain, outcome).Inc()
}

// ObserveFetchDuration records how long a render took.
func ObserveFetchDuration(domain string, d time.Duration) {
	if crawlerFetchSeconds == nil {
		return
	}
	crawlerFetchSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObservePolitenessDelay records the wait imposed before a fetch.
func ObservePolitenessDelay(domain string, d time.Duration) {
	if crawlerPolitenessDelaySecs == nil {
		return
	}
	crawlerPolitenessDelaySecs.WithLabelValues(domain).Observe(d.Seconds())
}

// CircuitOpened counts a breaker open transition for the domain.
func CircuitOpened(domain string) {
	if crawlerCircuitOpensTotal == nil {
		return
	}
	crawlerCircuitOpensTotal.WithLabelValues(domain).Inc()
}

// JobFinished counts a job reaching a terminal status.
func JobFinished(status string) {
	if crawlerJobsTotal == nil {
		return
	}
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// JobStarted and JobDone track the running-jobs gauge.
func JobStarted() {
	if crawlerActiveJobs != nil {
		crawlerActiveJobs.Inc()
	}
}

// JobDone decrements the running-jobs gauge.
func JobDone() {
	if crawlerActiveJobs != nil {
		crawlerActiveJobs.Dec()
	}
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
