package models

import (
	"encoding/json"
	"sync"
	"time"
)

// ExecutionState is the lifecycle state of one agent execution.
type ExecutionState string

const (
	// StateInitialized is the state of a freshly created execution.
	StateInitialized ExecutionState = "INITIALIZED"

	// StateStarted indicates the run has been accepted and announced.
	StateStarted ExecutionState = "STARTED"

	// StateThinking indicates the agent is deciding its next step.
	StateThinking ExecutionState = "THINKING"

	// StateToolExecuting indicates a tool invocation is in flight.
	StateToolExecuting ExecutionState = "TOOL_EXECUTING"

	// StateToolCompleted indicates the most recent tool invocation settled.
	StateToolCompleted ExecutionState = "TOOL_COMPLETED"

	// StateCompleted is the successful terminal state.
	StateCompleted ExecutionState = "COMPLETED"

	// StateError is the failure terminal state.
	StateError ExecutionState = "ERROR"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// InvocationStatus is the lifecycle status of a single tool invocation.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "PENDING"
	InvocationExecuting InvocationStatus = "EXECUTING"
	InvocationCompleted InvocationStatus = "COMPLETED"
	InvocationFailed    InvocationStatus = "FAILED"
	InvocationTimedOut  InvocationStatus = "TIMED_OUT"
)

// ToolInvocation records one tool call made on behalf of an execution.
// The dispatcher owns the record while the call is in flight; once settled
// it is appended to the execution's history and treated as read-only.
type ToolInvocation struct {
	ToolName    string           `json:"tool_name"`
	Parameters  json.RawMessage  `json:"parameters,omitempty"`
	ExecutionID string           `json:"execution_id"`
	Status      InvocationStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
}

// HandoffRecord captures a tool-to-tool continuation performed by the
// dispatcher without returning control to the state machine.
type HandoffRecord struct {
	FromTool    string `json:"from_tool"`
	ToTool      string `json:"to_tool"`
	Reason      string `json:"reason"`
	ExecutionID string `json:"execution_id"`
}

// AgentExecution is one agent run moving through the execution pipeline.
//
// The execution is created when a request enters the pipeline and is mutated
// only under its own lock by the state machine that owns it. Once the state
// is terminal and the result has been delivered, the execution is eligible
// for collection.
type AgentExecution struct {
	ID          string           `json:"execution_id"`
	Context     ExecutionContext `json:"context"`
	AgentName   string           `json:"agent_name"`
	UserMessage string           `json:"user_message"`
	MaxExecTime time.Duration    `json:"max_execution_time"`

	mu          sync.Mutex
	state       ExecutionState
	available   map[string]struct{}
	toolHistory []ToolInvocation
	handoffs    []HandoffRecord
}

// NewAgentExecution creates an execution in StateInitialized with the given
// set of available tool names.
func NewAgentExecution(id string, execCtx ExecutionContext, agentName, userMessage string, tools []string, maxExecTime time.Duration) *AgentExecution {
	available := make(map[string]struct{}, len(tools))
	for _, name := range tools {
		available[name] = struct{}{}
	}
	return &AgentExecution{
		ID:          id,
		Context:     execCtx,
		AgentName:   agentName,
		UserMessage: userMessage,
		MaxExecTime: maxExecTime,
		state:       StateInitialized,
		available:   available,
	}
}

// State returns the current execution state.
func (e *AgentExecution) State() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ToolAvailable reports whether the named tool is in the execution's
// available set. An empty set means the request did not scope its tools and
// the registry alone decides what exists.
func (e *AgentExecution) ToolAvailable(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.available) == 0 {
		return true
	}
	_, ok := e.available[name]
	return ok
}

// AvailableTools returns the names of the tools this execution may invoke.
func (e *AgentExecution) AvailableTools() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.available))
	for name := range e.available {
		names = append(names, name)
	}
	return names
}

// ToolHistory returns a copy of the settled tool invocations in order.
func (e *AgentExecution) ToolHistory() []ToolInvocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ToolInvocation, len(e.toolHistory))
	copy(out, e.toolHistory)
	return out
}

// Handoffs returns a copy of the recorded tool-to-tool handoffs in order.
func (e *AgentExecution) Handoffs() []HandoffRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HandoffRecord, len(e.handoffs))
	copy(out, e.handoffs)
	return out
}

// AppendInvocation appends a settled invocation to the history.
func (e *AgentExecution) AppendInvocation(inv ToolInvocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolHistory = append(e.toolHistory, inv)
}

// AppendHandoff records a handoff performed by the dispatcher.
func (e *AgentExecution) AppendHandoff(rec HandoffRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoffs = append(e.handoffs, rec)
}

// WithLock runs fn while holding the execution's lock. The state machine
// uses this to make a state change and its event emission atomic: no
// consumer can observe the new state without the matching event, or the
// event without the state.
func (e *AgentExecution) WithLock(fn func(state ExecutionState, setState func(ExecutionState))) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state, func(s ExecutionState) { e.state = s })
}
