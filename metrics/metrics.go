// Package metrics exposes Prometheus collectors for session lifecycle, RPC
// handling and change notification fan-out. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/mcp-quote-server/mcp"
)

const namespace = "quote_server"

// otherMethod labels RPCs whose method name is not a known MCP method, so
// clients cannot grow label cardinality.
const otherMethod = "other"

// Metrics groups the server's collectors.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	rpcRequests    *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	broadcasts     prometheus.Counter
	rateLimited    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered for change notifications.",
		}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions that reached the active state.",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		rpcRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC messages handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "JSON-RPC handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_notifications_total",
			Help:      "Resource updated notification attempts, by result.",
		}, []string{"result"}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_broadcasts_total",
			Help:      "Detected widget changes fanned out to sessions.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
}

// SessionOpened records a session entering the active state.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a session leaving the registry. wasActive is false
// for sessions that failed before activation.
func (m *Metrics) SessionClosed(reason string, wasActive bool) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	if wasActive {
		m.sessionsActive.Dec()
	}
}

// RPC records one handled JSON-RPC message.
func (m *Metrics) RPC(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if !mcp.Method(method).Known() {
		method = otherMethod
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Notification records one notification attempt.
func (m *Metrics) Notification(delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.notifications.WithLabelValues(result).Inc()
}

// Broadcast records one change fan-out.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// RateLimited records a request rejected by the rate limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
