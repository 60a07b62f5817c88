package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrIsolationViolation indicates an event was about to reach a connection
// bound to a different user. Delivery is refused and the incident is
// logged; it should never fire outside of a registry bug.
var ErrIsolationViolation = errors.New("cross-user event delivery refused")

// EventBridge carries critical events from executions to the owning user's
// websocket connections. Routing uses the connection registry's user
// mapping and nothing else. Delivery preserves emission order per
// connection: Deliver is called synchronously from the emitting execution
// and each connection's queue is FIFO.
type EventBridge struct {
	registry *ConnectionRegistry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewEventBridge creates a bridge over the registry.
func NewEventBridge(registry *ConnectionRegistry, logger *slog.Logger) *EventBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBridge{registry: registry, logger: logger}
}

// WithMetrics attaches gateway metrics.
func (b *EventBridge) WithMetrics(m *observability.Metrics) *EventBridge {
	b.metrics = m
	return b
}

// Deliver fans the event out to every connection bound to its user. A user
// with no live connections drops the event; a connection whose send queue
// is full is closed so the client reconnects rather than receive a gapped
// stream.
func (b *EventBridge) Deliver(event models.CriticalEvent) {
	conns := b.registry.Connections(event.UserID)
	if len(conns) == 0 {
		b.drop(event, "no_connection")
		return
	}

	frame, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("event marshal failed",
			"event_type", event.Type,
			"execution_id", event.ExecutionID,
			"error", err,
		)
		b.drop(event, "marshal_error")
		return
	}

	for _, conn := range conns {
		if got := conn.UserID(); got != event.UserID {
			// Last line of defense. The registry should make this
			// unreachable.
			b.logger.Error("isolation violation blocked",
				"error", ErrIsolationViolation,
				"event_user", event.UserID,
				"connection_user", got,
				"connection_id", conn.ID,
				"execution_id", event.ExecutionID,
			)
			if b.metrics != nil {
				b.metrics.IsolationViolationCounter.Inc()
			}
			continue
		}
		if err := conn.Enqueue(frame); err != nil {
			b.logger.Warn("connection cannot keep up, closing",
				"connection_id", conn.ID,
				"user_id", event.UserID,
				"error", err,
			)
			b.drop(event, "slow_consumer")
			conn.Close()
			continue
		}
		if b.metrics != nil {
			b.metrics.EventDeliveryCounter.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

func (b *EventBridge) drop(event models.CriticalEvent, reason string) {
	if b.metrics != nil {
		b.metrics.EventDropCounter.WithLabelValues(reason).Inc()
	}
	b.logger.Debug("event dropped",
		"reason", reason,
		"event_type", event.Type,
		"user_id", event.UserID,
		"execution_id", event.ExecutionID,
		"sequence", event.Sequence,
	)
}
