package models

import (
	"encoding/json"
	"time"
)

// CriticalEventType identifies one of the five business-required progress
// notifications delivered to the owning user's connections.
type CriticalEventType string

const (
	// EventAgentStarted announces that a run has been accepted.
	EventAgentStarted CriticalEventType = "agent_started"

	// EventAgentThinking announces that the agent is reasoning.
	EventAgentThinking CriticalEventType = "agent_thinking"

	// EventToolExecuting announces that a tool invocation began.
	EventToolExecuting CriticalEventType = "tool_executing"

	// EventToolCompleted announces that a tool invocation settled.
	EventToolCompleted CriticalEventType = "tool_completed"

	// EventAgentCompleted is the terminal notification for a run.
	EventAgentCompleted CriticalEventType = "agent_completed"
)

// CriticalEvent is one progress notification for a single execution.
//
// Events are immutable once emitted. Sequence is monotonic per execution and
// lets consumers detect drops and duplicates; no ordering relationship holds
// across different executions or users.
type CriticalEvent struct {
	Type        CriticalEventType `json:"type"`
	UserID      string            `json:"user_id"`
	ExecutionID string            `json:"execution_id"`
	Sequence    uint64            `json:"sequence"`
	Timestamp   time.Time         `json:"timestamp"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// AgentStartedPayload is the payload of an agent_started event.
type AgentStartedPayload struct {
	AgentName   string    `json:"agent_name"`
	UserMessage string    `json:"user_message"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// AgentThinkingPayload is the payload of an agent_thinking event.
type AgentThinkingPayload struct {
	ReasoningSummary string    `json:"reasoning_summary,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ToolExecutingPayload is the payload of a tool_executing event.
type ToolExecutingPayload struct {
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ToolCompletedPayload is the payload of a tool_completed event. Exactly one
// of Result and Error is set depending on Status.
type ToolCompletedPayload struct {
	ToolName      string           `json:"tool_name"`
	Status        InvocationStatus `json:"status"`
	Result        string           `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	ExecutionTime time.Duration    `json:"execution_time"`
	Timestamp     time.Time        `json:"timestamp"`
}

// AgentCompletedPayload is the payload of the terminal agent_completed event.
type AgentCompletedPayload struct {
	Result        string        `json:"result,omitempty"`
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time"`
	Timestamp     time.Time     `json:"timestamp"`
}

// MarshalPayload encodes a typed payload for embedding in a CriticalEvent.
// The payload types above cannot fail to encode, so failures collapse to an
// empty payload.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
