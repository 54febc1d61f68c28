// Package metrics exposes Prometheus collectors for the mirror service.
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
	epochsTotal                *prometheus.CounterVec
	shardsPushedTotal          *prometheus.CounterVec
	shardsTotal                *prometheus.CounterVec
	shardDurationSeconds       *prometheus.HistogramVec
	fanoutURLsTotal            prometheus.Counter
	crawlsPurgedTotal          prometheus.Counter
	purgeErrorsTotal           prometheus.Counter
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	activeWorkers              *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		epochsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capmirror_epoch_checks_total",
				Help: "EnsureEpoch invocations, labeled by resulting state.",
			},
			[]string{"state"},
		)

		shardsPushedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capmirror_shards_pushed_total",
				Help: "MaybePushShard calls, labeled by whether a new shard was created.",
			},
			[]string{"result"},
		)

		shardsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capmirror_shards_processed_total",
				Help: "Shards processed by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		shardDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capmirror_shard_duration_seconds",
				Help:    "Histogram of shard processing latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		fanoutURLsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capmirror_fanout_urls_total",
				Help: "URLs discovered in indexes and pushed as child shards.",
			},
		)

		crawlsPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capmirror_crawls_purged_total",
				Help: "Crawls deleted by the retention purger.",
			},
		)

		purgeErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capmirror_purge_errors_total",
				Help: "Purge runs that stopped on an error.",
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capmirror_fetch_total",
				Help: "Fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capmirror_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capmirror_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capmirror_active_workers",
				Help: "Number of workers currently handling a task, labeled by lane.",
			},
			[]string{"lane"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if strings.HasPrefix(rawURL, "testdata/") || strings.HasPrefix(rawURL, "_FAKE_") {
		return "local"
	}
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

// ObserveEpoch counts an EnsureEpoch result.
func ObserveEpoch(state string) {
	Init()
	epochsTotal.WithLabelValues(state).Inc()
}

// ObserveShardPush counts a MaybePushShard call.
func ObserveShardPush(created bool) {
	Init()
	result := "existing"
	if created {
		result = "created"
	}
	shardsPushedTotal.WithLabelValues(result).Inc()
}

// ObserveShard records a processed shard.
func ObserveShard(outcome string, duration time.Duration) {
	Init()
	shardsTotal.WithLabelValues(outcome).Inc()
	shardDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFanout adds discovered index URLs.
func ObserveFanout(n int) {
	Init()
	if n > 0 {
		fanoutURLsTotal.Add(float64(n))
	}
}

// ObservePurge records the result of one purge run.
func ObservePurge(purged int, failed bool) {
	Init()
	if purged > 0 {
		crawlsPurgedTotal.Add(float64(purged))
	}
	if failed {
		purgeErrorsTotal.Inc()
	}
}

// ObserveFetch increments the fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge for a lane.
func IncActiveWorkers(lane string) {
	Init()
	activeWorkers.WithLabelValues(lane).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a lane.
func DecActiveWorkers(lane string) {
	Init()
	activeWorkers.WithLabelValues(lane).Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
