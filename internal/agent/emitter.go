package agent

import (
	"sync/atomic"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// EventSink receives critical events for delivery to the owning user's
// connections. The event bridge is the production sink.
type EventSink interface {
	Deliver(event models.CriticalEvent)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event models.CriticalEvent)

// Deliver calls f.
func (f EventSinkFunc) Deliver(event models.CriticalEvent) { f(event) }

// EventEmitter generates critical events for a single execution with a
// monotonic per-execution sequence. One emitter is created per execution and
// shared by the state machine and the tool dispatcher so that all five event
// kinds draw from the same sequence.
type EventEmitter struct {
	userID      string
	executionID string
	sequence    uint64
	sink        EventSink
}

// NewEventEmitter creates an emitter for one execution.
func NewEventEmitter(userID, executionID string, sink EventSink) *EventEmitter {
	return &EventEmitter{
		userID:      userID,
		executionID: executionID,
		sink:        sink,
	}
}

// Emit builds and delivers an event of the given type. The returned event
// carries the next sequence number.
func (e *EventEmitter) Emit(eventType models.CriticalEventType, payload any) models.CriticalEvent {
	event := models.CriticalEvent{
		Type:        eventType,
		UserID:      e.userID,
		ExecutionID: e.executionID,
		Sequence:    atomic.AddUint64(&e.sequence, 1),
		Timestamp:   time.Now(),
		Payload:     models.MarshalPayload(payload),
	}
	if e.sink != nil {
		e.sink.Deliver(event)
	}
	return event
}

// Sequence returns the last assigned sequence number.
func (e *EventEmitter) Sequence() uint64 {
	return atomic.LoadUint64(&e.sequence)
}
