// Package metrics exposes Prometheus collectors for the account service.
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
	poolClaimsTotal            *prometheus.CounterVec
	poolExhaustedTotal         prometheus.Counter
	poolReleasesTotal          prometheus.Counter
	poolSizeGauge              *prometheus.GaugeVec
	hibernationsTotal          *prometheus.CounterVec
	reactivationsTotal         *prometheus.CounterVec
	shadowBanChecksTotal       prometheus.Counter
	shadowBanTripsTotal        prometheus.Counter
	webhookPostsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountpool_claims_total",
				Help: "Total account claims, labeled by source (queue or store).",
			},
			[]string{"source"},
		)

		poolExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "accountpool_exhausted_total",
				Help: "Total acquire calls that found no eligible account.",
			},
		)

		poolReleasesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "accountpool_releases_total",
				Help: "Total accounts released back to the pool.",
			},
		)

		poolSizeGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "accountpool_idle_accounts",
				Help: "Accounts currently idle in the in-process queue, labeled by pool.",
			},
			[]string{"pool"},
		)

		hibernationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_hibernations_total",
				Help: "Total accounts hibernated, labeled by reason.",
			},
			[]string{"reason"},
		)

		reactivationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_reactivations_total",
				Help: "Total accounts reactivated by the sweep, labeled by reason.",
			},
			[]string{"reason"},
		)

		shadowBanChecksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowban_checks_total",
				Help: "Total shadow-ban detection runs.",
			},
		)

		shadowBanTripsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowban_trips_total",
				Help: "Total accounts flagged as shadow banned.",
			},
		)

		webhookPostsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_posts_total",
				Help: "Total audit webhook posts, labeled by result.",
			},
			[]string{"result"},
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

// ObserveClaim increments the claim counter for the given source.
func ObserveClaim(source string) {
	poolClaimsTotal.WithLabelValues(source).Inc()
}

// ObserveExhausted counts an acquire that surfaced pool exhaustion.
func ObserveExhausted() {
	poolExhaustedTotal.Inc()
}

// ObserveRelease counts a durable release.
func ObserveRelease() {
	poolReleasesTotal.Inc()
}

// SetPoolSize records the current idle queue depth for a pool.
func SetPoolSize(pool string, n int) {
	poolSizeGauge.WithLabelValues(pool).Set(float64(n))
}

// ObserveHibernation counts a hibernation under the given reason.
func ObserveHibernation(reason string) {
	hibernationsTotal.WithLabelValues(reason).Inc()
}

// ObserveReactivations adds swept-in accounts for the given reason.
func ObserveReactivations(reason string, n int64) {
	if n > 0 {
		reactivationsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveShadowBanCheck counts one detection run.
func ObserveShadowBanCheck() {
	shadowBanChecksTotal.Inc()
}

// ObserveShadowBanTrip counts one tripped account.
func ObserveShadowBanTrip() {
	shadowBanTripsTotal.Inc()
}

// ObserveWebhookPost counts one audit webhook attempt by result.
func ObserveWebhookPost(result string) {
	webhookPostsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
