package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyToolError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ToolErrorType
	}{
		{"sentinel not found", fmt.Errorf("%w: echo", ErrToolNotFound), ToolErrorNotFound},
		{"sentinel timeout", fmt.Errorf("%w after 2s", ErrToolTimeout), ToolErrorTimeout},
		{"sentinel cancelled", fmt.Errorf("%w: search", ErrExecutionCancelled), ToolErrorCancelled},
		{"deadline text", errors.New("context deadline exceeded"), ToolErrorTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), ToolErrorNetwork},
		{"host unreachable", errors.New("host unreachable"), ToolErrorNetwork},
		{"validation text", errors.New("field x is required"), ToolErrorInvalidInput},
		{"generic", errors.New("segfault in plugin"), ToolErrorExecution},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyToolError(tc.err); got != tc.want {
				t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestToolErrorRetryable(t *testing.T) {
	retryable := NewToolError("search", "exec-1", errors.New("connection reset"))
	if !retryable.Retryable() {
		t.Error("network error not retryable")
	}
	permanent := NewToolError("search", "exec-1", errors.New("invalid cursor"))
	if permanent.Retryable() {
		t.Error("invalid input marked retryable")
	}
}

func TestToolErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("%w: slept too long", ErrToolTimeout)
	toolErr := NewToolError("slow", "exec-1", cause)

	if !errors.Is(toolErr, ErrToolTimeout) {
		t.Error("cause lost through ToolError")
	}
	got, ok := GetToolError(fmt.Errorf("dispatch: %w", toolErr))
	if !ok || got.ToolName != "slow" {
		t.Errorf("GetToolError = %+v, %v", got, ok)
	}
}

func TestUserSafeMessageHidesInternals(t *testing.T) {
	internal := errors.New("pq: connection to 10.0.3.7:5432 lost")
	if msg := UserSafeMessage(internal); msg != "the agent run failed" {
		t.Errorf("message = %q", msg)
	}
	if msg := UserSafeMessage(fmt.Errorf("%w: slow", ErrToolTimeout)); msg != "a tool took too long to respond" {
		t.Errorf("timeout message = %q", msg)
	}
	if msg := UserSafeMessage(nil); msg != "" {
		t.Errorf("nil message = %q", msg)
	}
}
