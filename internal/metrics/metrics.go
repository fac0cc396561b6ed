// Package metrics exposes Prometheus collectors for the prospector service.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	targetsTotal               *prometheus.CounterVec
	domainsTotal               *prometheus.CounterVec
	listingsVerifiedTotal      *prometheus.CounterVec
	errorsTotal                *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	governorDelaySeconds       *prometheus.HistogramVec
	proxyCheckoutsTotal        *prometheus.CounterVec
	frontierDroppedTotal       prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_pages_total",
				Help: "Total number of pages fetched, labeled by domain and status.",
			},
			[]string{"domain", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_bytes_total",
				Help: "Total number of bytes fetched, labeled by domain.",
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

		targetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_targets_total",
				Help: "Total number of crawl targets processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		domainsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_domains_total",
				Help: "Total number of site crawls finished, labeled by phase.",
			},
			[]string{"phase"},
		)

		listingsVerifiedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_listings_verified_total",
				Help: "Total number of listings verified, labeled by status and tier.",
			},
			[]string{"status", "tier"},
		)

		errorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_errors_total",
				Help: "Total number of crawl errors, labeled by class.",
			},
			[]string{"class"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "prospector_active_workers",
				Help: "Number of workers currently processing a target.",
			},
		)

		governorDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prospector_governor_delay_seconds",
				Help:    "Histogram of governor pacing delays.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"domain"},
		)

		proxyCheckoutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_proxy_checkouts_total",
				Help: "Total number of proxy checkouts, labeled by result.",
			},
			[]string{"result"},
		)

		frontierDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "prospector_frontier_dropped_total",
				Help: "Total number of discovered links dropped because the frontier was full.",
			},
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

// ObservePage increments the page counters.
func ObservePage(site string, status string, bytesFetched int) {
	sanitized := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTarget increments the target counter for the given outcome.
func ObserveTarget(outcome string) {
	targetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDomain increments the finished-domain counter for the given phase.
func ObserveDomain(phase string) {
	domainsTotal.WithLabelValues(phase).Inc()
}

// ObserveVerification increments the verification counter.
func ObserveVerification(status, tier string) {
	listingsVerifiedTotal.WithLabelValues(status, tier).Inc()
}

// ObserveError increments the error counter for the given taxonomy class.
func ObserveError(class string) {
	errorsTotal.WithLabelValues(class).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveGovernorDelay records one pacing wait.
func ObserveGovernorDelay(domain string, duration time.Duration) {
	governorDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveProxyCheckout counts a proxy checkout attempt by result.
func ObserveProxyCheckout(result string) {
	proxyCheckoutsTotal.WithLabelValues(result).Inc()
}

// ObserveFrontierDrop counts links discarded at the frontier cap.
func ObserveFrontierDrop(n int) {
	if n > 0 {
		frontierDroppedTotal.Add(float64(n))
	}
}
