// Package metrics exposes Prometheus collectors for the scanner service.
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
	scansTotal                 *prometheus.CounterVec
	pagesAuditedTotal          *prometheus.CounterVec
	findingsTotal              *prometheus.CounterVec
	jobsClaimedTotal           prometheus.Counter
	jobFailuresTotal           *prometheus.CounterVec
	pageAuditSeconds           *prometheus.HistogramVec
	activeScans                prometheus.Gauge
	submitRejectedTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a11y_scans_total",
				Help: "Total number of finished scans, labeled by status.",
			},
			[]string{"status"},
		)

		pagesAuditedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a11y_pages_audited_total",
				Help: "Total number of audited pages, labeled by render mode.",
			},
			[]string{"mode"},
		)

		findingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a11y_findings_total",
				Help: "Total number of stored findings, labeled by severity.",
			},
			[]string{"severity"},
		)

		jobsClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "a11y_jobs_claimed_total",
				Help: "Total number of queue jobs claimed by a worker.",
			},
		)

		jobFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a11y_job_failures_total",
				Help: "Total number of failed job attempts, labeled by whether the failure was terminal.",
			},
			[]string{"terminal"},
		)

		pageAuditSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a11y_page_audit_seconds",
				Help:    "Histogram of per-page audit durations, labeled by render mode.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 25, 40},
			},
			[]string{"mode"},
		)

		activeScans = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "a11y_active_scans",
				Help: "Number of scans currently executing in this process.",
			},
		)

		submitRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a11y_submit_rejected_total",
				Help: "Total number of rejected scan submissions, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveScan counts a finished scan.
func ObserveScan(status string) {
	Init()
	scansTotal.WithLabelValues(status).Inc()
}

// ObservePageAudit records one audited page.
func ObservePageAudit(mode string, duration time.Duration) {
	Init()
	pagesAuditedTotal.WithLabelValues(mode).Inc()
	pageAuditSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveFindings adds stored findings of one severity.
func ObserveFindings(severity string, n int) {
	Init()
	if n > 0 {
		findingsTotal.WithLabelValues(severity).Add(float64(n))
	}
}

// ObserveJobClaimed counts a successful claim.
func ObserveJobClaimed() {
	Init()
	jobsClaimedTotal.Inc()
}

// ObserveJobFailure counts a failed attempt.
func ObserveJobFailure(terminal bool) {
	Init()
	jobFailuresTotal.WithLabelValues(strconv.FormatBool(terminal)).Inc()
}

// ObserveSubmitRejected counts a rejected submission.
func ObserveSubmitRejected(reason string) {
	Init()
	submitRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveScans increments the active scans gauge.
func IncActiveScans() {
	Init()
	activeScans.Inc()
}

// DecActiveScans decrements the active scans gauge.
func DecActiveScans() {
	Init()
	activeScans.Dec()
}
