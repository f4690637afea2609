// Package metrics exposes Prometheus collectors for the pipeline services.
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
	jobsTotal                 *prometheus.CounterVec
	cacheLookupsTotal         *prometheus.CounterVec
	extractionDurationSeconds *prometheus.HistogramVec
	artifactBytesTotal        *prometheus.CounterVec
	activeWorkers             prometheus.Gauge
	submissionsTotal          *prometheus.CounterVec
	retentionRemovalsTotal    *prometheus.CounterVec
	retentionPassSeconds      prometheus.Histogram
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_jobs_total",
				Help: "Total number of jobs processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_cache_lookups_total",
				Help: "Total deduplication cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "downloader_extraction_duration_seconds",
				Help:    "Histogram of media extraction latencies, labeled by site.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"site"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_artifact_bytes_total",
				Help: "Total artifact bytes stored, labeled by site and media kind.",
			},
			[]string{"site", "kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "downloader_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_submissions_total",
				Help: "Total submissions received by the dispatcher, labeled by status.",
			},
			[]string{"status"},
		)

		retentionRemovalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cleaner_removals_total",
				Help: "Total retention removals, labeled by result.",
			},
			[]string{"result"},
		)

		retentionPassSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cleaner_pass_duration_seconds",
				Help:    "Histogram of retention pass durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
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

// ObserveJob increments the job counter for the given site and outcome.
func ObserveJob(site, outcome string) {
	jobsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveCacheLookup records one cache lookup result (hit, miss, dangling).
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveExtraction records the duration of one extraction attempt.
func ObserveExtraction(site string, duration time.Duration) {
	extractionDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveArtifact adds the stored artifact size for the site and kind.
func ObserveArtifact(site, kind string, size int64) {
	if size > 0 {
		artifactBytesTotal.WithLabelValues(site, kind).Add(float64(size))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveSubmission increments the submission counter for the status.
func ObserveSubmission(status string) {
	submissionsTotal.WithLabelValues(status).Inc()
}

// ObserveRemoval increments the retention removal counter.
func ObserveRemoval(result string) {
	retentionRemovalsTotal.WithLabelValues(result).Inc()
}

// ObserveRetentionPass records the duration of a full retention pass.
func ObserveRetentionPass(duration time.Duration) {
	retentionPassSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
