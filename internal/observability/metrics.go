package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting pipeline metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Execution lifecycle outcomes and durations
//   - Tool invocation patterns, latencies, and timeout rates
//   - Circuit breaker state per protected resource
//   - Event delivery volume and drops
//   - Isolation violations (always zero in a healthy deployment)
type Metrics struct {
	// ExecutionCounter counts agent executions by terminal outcome.
	// Labels: agent, outcome (completed|error)
	ExecutionCounter *prometheus.CounterVec

	// ExecutionDuration measures end-to-end execution time in seconds.
	// Labels: agent
	ExecutionDuration *prometheus.HistogramVec

	// ActiveExecutions is a gauge of currently running executions.
	ActiveExecutions prometheus.Gauge

	// ToolInvocationCounter counts tool invocations.
	// Labels: tool, status (completed|failed|timed_out|rejected)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool execution time in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// HandoffCounter counts tool-to-tool handoffs.
	// Labels: from_tool, to_tool
	HandoffCounter *prometheus.CounterVec

	// BreakerState exposes the circuit breaker state per resource.
	// 0=closed, 1=half-open, 2=open. Labels: resource
	BreakerState *prometheus.GaugeVec

	// EventDeliveryCounter counts critical events delivered to
	// connections. Labels: type
	EventDeliveryCounter *prometheus.CounterVec

	// EventDropCounter counts events dropped because a connection's send
	// buffer overflowed. Labels: reason
	EventDropCounter *prometheus.CounterVec

	// IsolationViolationCounter counts attempted cross-user deliveries.
	// Any non-zero value indicates a routing bug.
	IsolationViolationCounter prometheus.Counter

	// ConnectedUsers is a gauge of users with at least one live
	// connection.
	ConnectedUsers prometheus.Gauge

	// MessageCounter tracks inbound envelopes by type.
	// Labels: type
	MessageCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. This should be called once at startup; pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_executions_total",
				Help: "Total agent executions by terminal outcome",
			},
			[]string{"agent", "outcome"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_execution_duration_seconds",
				Help:    "End-to-end agent execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),
		ActiveExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_active_executions",
				Help: "Currently running agent executions",
			},
		),
		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_invocations_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_tool_invocation_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		HandoffCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_handoffs_total",
				Help: "Total tool-to-tool handoffs performed by the dispatcher",
			},
			[]string{"from_tool", "to_tool"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_breaker_state",
				Help: "Circuit breaker state per resource (0=closed, 1=half-open, 2=open)",
			},
			[]string{"resource"},
		),
		EventDeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_events_delivered_total",
				Help: "Critical events delivered to connections by type",
			},
			[]string{"type"},
		),
		EventDropCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_events_dropped_total",
				Help: "Critical events dropped before delivery",
			},
			[]string{"reason"},
		),
		IsolationViolationCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_isolation_violations_total",
				Help: "Attempted cross-user event deliveries (any non-zero value is a routing bug)",
			},
		),
		ConnectedUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_connected_users",
				Help: "Users with at least one live connection",
			},
		),
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_messages_total",
				Help: "Inbound message envelopes by type",
			},
			[]string{"type"},
		),
	}
}

// ObserveBreakerState records a breaker state change on the gauge.
func (m *Metrics) ObserveBreakerState(resource, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(resource).Set(v)
}
