package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

// NoopMetrics discards every observation. Used when metrics are disabled and in tests.
type NoopMetrics struct{}

// NewNoopMetrics creates a new instance of NoopMetrics.
func NewNoopMetrics() Metrics {
	return &NoopMetrics{}
}

// GetRegistry returns a new empty registry.
func (m *NoopMetrics) GetRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler answers 404 since nothing is collected.
func (m *NoopMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (m *NoopMetrics) ObserveAction(action, outcome string, elapsedSeconds float64)     {}
func (m *NoopMetrics) SetPending(n int)                                                 {}
func (m *NoopMetrics) SetConnectionState(state schemas.ConnectionState)                 {}
func (m *NoopMetrics) IncrementAnomaly(kind string)                                     {}
func (m *NoopMetrics) ObserveHostAction(action, outcome string, elapsedSeconds float64) {}
func (m *NoopMetrics) SetHostConnections(n int)                                         {}
