// Package metrics exposes Prometheus instrumentation for the authenticated
// request pipeline and the Session Store.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records pipeline and session metrics into a registry.
type Collector struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	refreshRetries  prometheus.Counter
	unauthorized    prometheus.Counter
	sessionCommits  prometheus.Counter
	sessionSignedIn prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careprep_api_requests_total",
			Help: "Backend requests by method and response status (0 for transport failures).",
		}, []string{"method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careprep_api_request_duration_seconds",
			Help:    "Backend request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		refreshRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careprep_api_refresh_retries_total",
			Help: "Requests replayed with a force-refreshed token after a 401.",
		}),
		unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careprep_unauthorized_redirects_total",
			Help: "Forced navigations to the sign-in screen.",
		}),
		sessionCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careprep_session_commits_total",
			Help: "Session snapshots committed by the Session Store.",
		}),
		sessionSignedIn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "careprep_session_signed_in",
			Help: "1 while the committed session carries an identity.",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.latency,
		c.refreshRetries,
		c.unauthorized,
		c.sessionCommits,
		c.sessionSignedIn,
	)

	return c
}

// ObserveRequest records one backend round trip.
func (c *Collector) ObserveRequest(method string, status int, d time.Duration) {
	c.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.latency.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) RecordRefreshRetry() { c.refreshRetries.Inc() }

func (c *Collector) RecordUnauthorizedRedirect() { c.unauthorized.Inc() }

// RecordSessionCommit records a committed snapshot.
func (c *Collector) RecordSessionCommit(signedIn bool) {
	c.sessionCommits.Inc()
	if signedIn {
		c.sessionSignedIn.Set(1)
	} else {
		c.sessionSignedIn.Set(0)
	}
}

// Handler returns an HTTP handler serving the gathered metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
