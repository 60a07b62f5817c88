package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// transitionTable is the fixed edge table for execution states. A transition
// absent from this table never mutates the execution.
var transitionTable = map[models.ExecutionState][]models.ExecutionState{
	models.StateInitialized:   {models.StateStarted, models.StateError},
	models.StateStarted:       {models.StateThinking, models.StateError},
	models.StateThinking:      {models.StateThinking, models.StateToolExecuting, models.StateError},
	models.StateToolExecuting: {models.StateToolCompleted, models.StateError},
	models.StateToolCompleted: {models.StateThinking, models.StateToolExecuting, models.StateCompleted, models.StateError},
	models.StateCompleted:     nil,
	models.StateError:         nil,
}

// allowedTransition reports whether from→to is in the edge table.
func allowedTransition(from, to models.ExecutionState) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionMeta carries the event payload fields for a transition. Only the
// fields relevant to the target state are read.
type TransitionMeta struct {
	// Reasoning is the summary attached to agent_thinking events.
	Reasoning string

	// Tool fields populate tool_executing and tool_completed payloads.
	ToolName     string
	ToolParams   json.RawMessage
	ToolStatus   models.InvocationStatus
	ToolResult   string
	ToolError    string
	ToolDuration time.Duration

	// Result and Success populate the terminal agent_completed payload.
	Result  string
	Success bool
}

// StateMachine drives one AgentExecution through its lifecycle. Transitions
// are strictly serial per execution: the state change and the matching
// critical event are produced atomically under the execution's lock, so a
// consumer never observes one without the other.
type StateMachine struct {
	exec    *models.AgentExecution
	emitter *EventEmitter
	logger  *slog.Logger
	started time.Time
}

// NewStateMachine creates a state machine owning the given execution.
func NewStateMachine(exec *models.AgentExecution, emitter *EventEmitter, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		exec:    exec,
		emitter: emitter,
		logger:  logger,
		started: time.Now(),
	}
}

// Execution returns the execution driven by this machine.
func (m *StateMachine) Execution() *models.AgentExecution { return m.exec }

// Emitter returns the emitter shared with the tool dispatcher.
func (m *StateMachine) Emitter() *EventEmitter { return m.emitter }

// Transition moves the execution to the target state and emits the matching
// critical event. On an invalid edge the state is unchanged, no event is
// emitted, and ErrInvalidTransition is returned.
func (m *StateMachine) Transition(to models.ExecutionState, meta TransitionMeta) (models.CriticalEvent, error) {
	return m.transition(to, meta, false, "")
}

// RecoveryTransition performs the only permitted exit from StateError: an
// explicit, logged rollback to StateThinking with a documented reason. It is
// never taken automatically.
func (m *StateMachine) RecoveryTransition(reason string, meta TransitionMeta) (models.CriticalEvent, error) {
	if reason == "" {
		return models.CriticalEvent{}, fmt.Errorf("%w: recovery requires a reason", ErrInvalidTransition)
	}
	return m.transition(models.StateThinking, meta, true, reason)
}

func (m *StateMachine) transition(to models.ExecutionState, meta TransitionMeta, recovery bool, reason string) (models.CriticalEvent, error) {
	var event models.CriticalEvent
	var err error

	m.exec.WithLock(func(from models.ExecutionState, setState func(models.ExecutionState)) {
		ok := allowedTransition(from, to)
		if recovery {
			ok = from == models.StateError && to == models.StateThinking
		}
		if !ok {
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			return
		}

		setState(to)
		event = m.emitter.Emit(m.eventType(to), m.payload(to, meta))
	})

	if err != nil {
		return models.CriticalEvent{}, err
	}
	if recovery {
		m.logger.Warn("execution recovered from error state",
			"execution_id", m.exec.ID,
			"user_id", m.exec.Context.UserID,
			"reason", reason,
		)
	}
	return event, nil
}

// eventType maps a target state to its critical event kind. StateError
// shares the terminal agent_completed kind: failures surface to the owning
// user as a completed-with-error notification, never as a crash.
func (m *StateMachine) eventType(to models.ExecutionState) models.CriticalEventType {
	switch to {
	case models.StateStarted:
		return models.EventAgentStarted
	case models.StateThinking:
		return models.EventAgentThinking
	case models.StateToolExecuting:
		return models.EventToolExecuting
	case models.StateToolCompleted:
		return models.EventToolCompleted
	default:
		return models.EventAgentCompleted
	}
}

func (m *StateMachine) payload(to models.ExecutionState, meta TransitionMeta) any {
	now := time.Now()
	switch to {
	case models.StateStarted:
		return models.AgentStartedPayload{
			AgentName:   m.exec.AgentName,
			UserMessage: m.exec.UserMessage,
			ExecutionID: m.exec.ID,
			Timestamp:   now,
		}
	case models.StateThinking:
		return models.AgentThinkingPayload{
			ReasoningSummary: meta.Reasoning,
			Timestamp:        now,
		}
	case models.StateToolExecuting:
		return models.ToolExecutingPayload{
			ToolName:   meta.ToolName,
			Parameters: meta.ToolParams,
			Timestamp:  now,
		}
	case models.StateToolCompleted:
		return models.ToolCompletedPayload{
			ToolName:      meta.ToolName,
			Status:        meta.ToolStatus,
			Result:        meta.ToolResult,
			Error:         meta.ToolError,
			ExecutionTime: meta.ToolDuration,
			Timestamp:     now,
		}
	default:
		return models.AgentCompletedPayload{
			Result:        meta.Result,
			Success:       meta.Success,
			ExecutionTime: time.Since(m.started),
			Timestamp:     now,
		}
	}
}
