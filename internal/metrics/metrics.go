// File: internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

const (
	DefaultNamespace = "mcpdriver"

	SubsystemClient = "client"
	SubsystemHost   = "host"

	// Outcome labels for finished actions.
	OutcomeSuccess = "success"
	OutcomeRemote  = "remote_error"
	OutcomeTimeout = "timeout"
	OutcomeClosed  = "closed"
	OutcomeError   = "error"

	// Anomaly labels for discarded inbound frames.
	AnomalyUnmatched    = "unmatched"
	AnomalyNotConnected = "not_connected"
	AnomalyMalformed    = "malformed"
)

// Metrics is the instrumentation surface used by the client and the host.
type Metrics interface {
	GetRegistry() *prometheus.Registry
	Handler() http.Handler

	ObserveAction(action, outcome string, elapsedSeconds float64)
	SetPending(n int)
	SetConnectionState(state schemas.ConnectionState)
	IncrementAnomaly(kind string)

	ObserveHostAction(action, outcome string, elapsedSeconds float64)
	SetHostConnections(n int)
}

type metrics struct {
	registry *prometheus.Registry

	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	pending        prometheus.Gauge
	state          prometheus.Gauge
	anomalies      *prometheus.CounterVec

	hostActionsTotal   *prometheus.CounterVec
	hostActionDuration *prometheus.HistogramVec
	hostConnections    prometheus.Gauge
}

// NewMetrics creates a collector backed by its own registry.
func NewMetrics(namespace string) Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: SubsystemClient,
		Name:      "actions_total",
		Help:      "Actions issued by the client, by action and outcome.",
	}, []string{"action", "outcome"})

	m.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: SubsystemClient,
		Name:      "action_duration_seconds",
		Help:      "Time from send to settlement of an action.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"action", "outcome"})

	m.pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: SubsystemClient,
		Name:      "pending_requests",
		Help:      "Requests awaiting a reply.",
	})

	m.state = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: SubsystemClient,
		Name:      "connection_state",
		Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 disconnecting, 4 faulted).",
	})

	m.anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: SubsystemClient,
		Name:      "protocol_anomalies_total",
		Help:      "Inbound frames discarded without settling a request.",
	}, []string{"kind"})

	m.hostActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: SubsystemHost,
		Name:      "actions_total",
		Help:      "Actions served by the host, by action and outcome.",
	}, []string{"action", "outcome"})

	m.hostActionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: SubsystemHost,
		Name:      "action_duration_seconds",
		Help:      "Time the host backend spent executing an action.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"action", "outcome"})

	m.hostConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: SubsystemHost,
		Name:      "connections",
		Help:      "Open client connections on the host.",
	})

	m.registry.MustRegister(
		m.actionsTotal,
		m.actionDuration,
		m.pending,
		m.state,
		m.anomalies,
		m.hostActionsTotal,
		m.hostActionDuration,
		m.hostConnections,
	)
	return m
}

func (m *metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) ObserveAction(action, outcome string, elapsedSeconds float64) {
	m.actionsTotal.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action, outcome).Observe(elapsedSeconds)
}

func (m *metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

func (m *metrics) SetConnectionState(state schemas.ConnectionState) {
	m.state.Set(float64(state))
}

func (m *metrics) IncrementAnomaly(kind string) {
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *metrics) ObserveHostAction(action, outcome string, elapsedSeconds float64) {
	m.hostActionsTotal.WithLabelValues(action, outcome).Inc()
	m.hostActionDuration.WithLabelValues(action, outcome).Observe(elapsedSeconds)
}

func (m *metrics) SetHostConnections(n int) {
	m.hostConnections.Set(float64(n))
}
