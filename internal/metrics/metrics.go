// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	storageOpsTotal            *prometheus.CounterVec
	storageOpDurationSeconds   *prometheus.HistogramVec
	storageFailoversTotal      prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call repeatedly, and every Observe function calls it.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_fetches_total",
			Help: "Page fetches, labeled by site and outcome (status class or failure kind).",
		}, []string{"site", "outcome"})

		fetchBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_fetch_bytes_total",
			Help: "Response bytes fetched, labeled by site.",
		}, []string{"site"})

		fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_fetch_retries_total",
			Help: "Fetch retries, labeled by failure kind.",
		}, []string{"kind"})

		rateLimitDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-host rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"site"})

		storageOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_storage_operations_total",
			Help: "Storage engine operations, labeled by operation and result.",
		}, []string{"op", "result"})

		storageOpDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_storage_operation_duration_seconds",
			Help:    "Storage engine operation latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"})

		storageFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "siteaudit_storage_failovers_total",
			Help: "Times the storage engine re-selected a backend endpoint.",
		})

		jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_jobs_total",
			Help: "Service jobs processed, labeled by final status.",
		}, []string{"status"})

		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "siteaudit_active_workers",
			Help: "Job workers currently running a crawl.",
		})

		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})

		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// SanitizeSite extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one final fetch outcome for site.
func ObserveFetch(site, outcome string, bytesFetched int) {
	Init()
	site = SanitizeSite(site)
	fetchesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts one retried fetch attempt.
func ObserveRetry(kind string) {
	Init()
	fetchRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records how long a request waited for its host's limiter.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveStorageOp records a storage engine call.
func ObserveStorageOp(op string, err error, duration time.Duration) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	storageOpsTotal.WithLabelValues(op, result).Inc()
	storageOpDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveStorageFailover counts an endpoint re-selection.
func ObserveStorageFailover() {
	Init()
	storageFailoversTotal.Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
