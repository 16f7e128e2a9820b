// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerDomainSeverity         *prometheus.GaugeVec
	crawlerDomainDelaySeconds     *prometheus.GaugeVec
	crawlerDegradationsTotal      *prometheus.CounterVec
	crawlerEscalationsTotal       *prometheus.CounterVec
	crawlerCheckpointsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_api_requests_total",
				Help: "Job API requests served, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_api_request_duration_seconds",
				Help:    "Job API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerDomainSeverity = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_domain_severity",
				Help: "Blocking severity per domain (0 normal, 1 limited, 2 throttled, 3 blocked).",
			},
			[]string{"domain"},
		)

		crawlerDomainDelaySeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_domain_delay_seconds",
				Help: "Current adaptive request delay per domain.",
			},
			[]string{"domain"},
		)

		crawlerDegradationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_degradations_total",
				Help: "Degradation strategies applied, labeled by domain and severity.",
			},
			[]string{"domain", "severity"},
		)

		crawlerEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_browser_escalations_total",
				Help: "Pages re-dispatched through the browser, labeled by outcome.",
			},
			[]string{"domain", "outcome"},
		)

		crawlerCheckpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_checkpoints_total",
				Help: "Checkpoints written, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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
	return promhttp.Handler()
}

// ObservePage counts a fetched page and its size.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records one served job API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// SetDomainState publishes the severity level and current delay for a domain.
func SetDomainState(domain string, severityLevel int, delay time.Duration) {
	Init()
	site := SanitizeSite(domain)
	crawlerDomainSeverity.WithLabelValues(site).Set(float64(severityLevel))
	crawlerDomainDelaySeconds.WithLabelValues(site).Set(delay.Seconds())
}

// ObserveDegradation counts an applied degradation strategy.
func ObserveDegradation(domain, severity string) {
	Init()
	crawlerDegradationsTotal.WithLabelValues(SanitizeSite(domain), severity).Inc()
}

// ObserveEscalation counts a browser re-dispatch and its outcome.
func ObserveEscalation(domain, outcome string) {
	Init()
	crawlerEscalationsTotal.WithLabelValues(SanitizeSite(domain), outcome).Inc()
}

// ObserveCheckpoint counts checkpoint writes.
func ObserveCheckpoint(ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	crawlerCheckpointsTotal.WithLabelValues(result).Inc()
}
