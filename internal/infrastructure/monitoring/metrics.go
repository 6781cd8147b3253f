package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// HTTP metrics (control API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Host process metrics
	HandshakeDuration prometheus.Histogram
	HostCrashes       prometheus.Counter
	HostRestarts      prometheus.Counter
	HostUnresponsive  prometheus.Counter
	MessagesQueued    prometheus.Gauge
	MessagesSent      prometheus.Counter

	// Pty host RPC metrics
	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Terminal session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRevived prometheus.Counter
	RevivalFailures prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector registered on the default
// registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics collector on a private registry.
// Used in tests to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostd_http_requests_total",
				Help: "Total number of control API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostd_http_request_duration_seconds",
				Help:    "Control API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hostd_handshake_duration_seconds",
				Help:    "Time from spawn to the initialized sentinel",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		HostCrashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_host_crashes_total",
				Help: "Unexpected child host process exits",
			},
		),
		HostRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_host_restarts_total",
				Help: "Child host process restarts (user-triggered or automatic)",
			},
		),
		HostUnresponsive: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_host_unresponsive_total",
				Help: "Transitions of the pty host into the unresponsive state",
			},
		),
		MessagesQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostd_messages_queued",
				Help: "Messages buffered while the child host is not ready",
			},
		),
		MessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_messages_sent_total",
				Help: "Messages delivered to the child host",
			},
		),

		RPCCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostd_rpc_calls_total",
				Help: "Pty host RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostd_rpc_duration_seconds",
				Help:    "Pty host RPC round-trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostd_sessions_active",
				Help: "Terminal sessions currently tracked by the registry",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_sessions_created_total",
				Help: "Terminal sessions created",
			},
		),
		SessionsRevived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_sessions_revived_total",
				Help: "Terminal sessions revived from persisted state",
			},
		),
		RevivalFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostd_revival_failures_total",
				Help: "Revival attempts aborted (stale blob, version mismatch, errors)",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostd_ws_connections",
				Help: "Active frontend websocket connections",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostd_uptime_seconds",
				Help: "Coordinator uptime in seconds",
			},
		),
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// ObserveRPC records one pty host RPC round trip.
func (m *Metrics) ObserveRPC(method string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RPCCalls.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}
