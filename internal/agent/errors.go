package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the execution pipeline.
var (
	// ErrInvalidContext indicates a context factory call with malformed
	// identifiers.
	ErrInvalidContext = errors.New("invalid execution context")

	// ErrInvalidTransition indicates a state change not present in the
	// transition table. The execution state is left untouched.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrToolNotFound indicates a requested tool is not in the
	// execution's available set.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool invocation exceeded its budget.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrExecutionCancelled indicates the execution was cancelled while a
	// tool invocation was in flight.
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrHandoffDepth indicates a tool handoff chain exceeded the
	// configured hop limit.
	ErrHandoffDepth = errors.New("handoff depth exceeded")
)

// ToolErrorType categorizes tool execution failures for retry decisions.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorCancelled    ToolErrorType = "cancelled"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable reports whether this error type suggests a retry may succeed.
// Validation failures and cancellations never retry.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork:
		return true
	default:
		return false
	}
}

// ToolError is a structured tool execution failure carrying the failing
// tool, a classification, and the underlying cause.
type ToolError struct {
	Type        ToolErrorType
	ToolName    string
	ExecutionID string
	Message     string
	Cause       error
}

func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the classified error should be retried.
func (e *ToolError) Retryable() bool {
	return e.Type.IsRetryable()
}

// NewToolError builds a ToolError, classifying the cause.
func NewToolError(toolName, executionID string, cause error) *ToolError {
	err := &ToolError{
		Type:        classifyToolError(cause),
		ToolName:    toolName,
		ExecutionID: executionID,
		Cause:       cause,
	}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// classifyToolError maps a cause onto a ToolErrorType.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout):
		return ToolErrorTimeout
	case errors.Is(err, ErrExecutionCancelled):
		return ToolErrorCancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "refused"), strings.Contains(msg, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"),
		strings.Contains(msg, "required"), strings.Contains(msg, "missing"):
		return ToolErrorInvalidInput
	default:
		return ToolErrorExecution
	}
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable reports whether a tool failure should be retried.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable()
	}
	return classifyToolError(err).IsRetryable()
}

// UserSafeMessage reduces an internal error to text safe to deliver to the
// owning user. Internal detail stays in the logs.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolTimeout):
		return "a tool took too long to respond"
	case errors.Is(err, ErrToolNotFound):
		return "a requested tool is not available"
	case errors.Is(err, ErrExecutionCancelled):
		return "the request was cancelled"
	default:
		return "the agent run failed"
	}
}
