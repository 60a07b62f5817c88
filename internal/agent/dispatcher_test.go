package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/infra"
	"github.com/haasonsaas/switchboard/internal/retry"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func newDispatchFixture(t *testing.T, tools ...Tool) (*ToolDispatcher, *StateMachine, *recordingSink) {
	t.Helper()

	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	breakers := infra.NewBreakerRegistry(infra.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		MaxTimeout:       time.Second,
	})
	dispatcher := NewToolDispatcher(registry, breakers, DispatcherConfig{
		DefaultTimeout:  time.Second,
		MaxHandoffDepth: 3,
		Retry:           retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1},
	}, nil)

	exec := newTestExecution()
	sink := &recordingSink{}
	emitter := NewEventEmitter(exec.Context.UserID, exec.ID, sink)
	sm := NewStateMachine(exec, emitter, nil)
	mustTransition(t, sm, models.StateStarted, models.StateThinking)
	return dispatcher, sm, sink
}

func staticTool(name, output string) Tool {
	return &ToolFunc{
		ToolName: name,
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: output}, nil
		},
	}
}

func sleepTool(name string, d time.Duration) Tool {
	return &ToolFunc{
		ToolName: name,
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			select {
			case <-time.After(d):
				return &ToolResult{Content: "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func countEvents(events []models.CriticalEvent, kind models.CriticalEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func TestDispatchSuccess(t *testing.T) {
	dispatcher, sm, sink := newDispatchFixture(t, staticTool("lookup", "42"))

	result, err := dispatcher.Dispatch(context.Background(), sm, "lookup", nil, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Content != "42" {
		t.Errorf("result = %q, want 42", result.Content)
	}
	if got := sm.Execution().State(); got != models.StateToolCompleted {
		t.Errorf("state = %s, want TOOL_COMPLETED", got)
	}

	types := sink.types()
	want := []models.CriticalEventType{
		models.EventAgentStarted,
		models.EventAgentThinking,
		models.EventToolExecuting,
		models.EventToolCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	history := sm.Execution().ToolHistory()
	if len(history) != 1 || history[0].Status != models.InvocationCompleted {
		t.Errorf("history = %+v", history)
	}
}

func TestDispatchTimeoutEmitsOneTerminalEvent(t *testing.T) {
	dispatcher, sm, sink := newDispatchFixture(t, sleepTool("slow", 2*time.Second))

	start := time.Now()
	result, err := dispatcher.Dispatch(context.Background(), sm, "slow", nil, 100*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.IsError {
		t.Error("timed-out invocation reported success")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("dispatch took %v, want ~100ms", elapsed)
	}

	events := sink.all()
	if got := countEvents(events, models.EventToolCompleted); got != 1 {
		t.Fatalf("tool_completed emitted %d times, want exactly 1", got)
	}
	var payload models.ToolCompletedPayload
	for _, ev := range events {
		if ev.Type == models.EventToolCompleted {
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
		}
	}
	if payload.Status != models.InvocationTimedOut {
		t.Errorf("status = %s, want TIMED_OUT", payload.Status)
	}

	history := sm.Execution().ToolHistory()
	if len(history) != 1 || history[0].Status != models.InvocationTimedOut {
		t.Errorf("history = %+v", history)
	}
}

func TestDispatchWithinBudgetSucceeds(t *testing.T) {
	dispatcher, sm, _ := newDispatchFixture(t, sleepTool("steady", 50*time.Millisecond))

	result, err := dispatcher.Dispatch(context.Background(), sm, "steady", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.IsError {
		t.Errorf("result = %+v, want success", result)
	}
	history := sm.Execution().ToolHistory()
	if len(history) != 1 || history[0].Status != models.InvocationCompleted {
		t.Errorf("history = %+v", history)
	}
}

func TestDispatchToolNotFound(t *testing.T) {
	dispatcher, sm, sink := newDispatchFixture(t)

	_, err := dispatcher.Dispatch(context.Background(), sm, "ghost", nil, 0)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}

	// No state change: the rejected invocation never entered
	// TOOL_EXECUTING. The user still hears about it.
	if got := sm.Execution().State(); got != models.StateThinking {
		t.Errorf("state = %s, want THINKING", got)
	}
	events := sink.all()
	if got := countEvents(events, models.EventToolExecuting); got != 0 {
		t.Errorf("tool_executing emitted %d times for missing tool", got)
	}
	if got := countEvents(events, models.EventToolCompleted); got != 1 {
		t.Errorf("tool_completed emitted %d times, want 1", got)
	}
}

func TestDispatchOutsideAvailableSet(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(staticTool("lookup", "42")); err != nil {
		t.Fatal(err)
	}
	breakers := infra.NewBreakerRegistry(infra.BreakerConfig{})
	dispatcher := NewToolDispatcher(registry, breakers, DispatcherConfig{}, nil)

	exec := newTestExecution("other_tool")
	sink := &recordingSink{}
	sm := NewStateMachine(exec, NewEventEmitter(exec.Context.UserID, exec.ID, sink), nil)
	mustTransition(t, sm, models.StateStarted, models.StateThinking)

	_, err := dispatcher.Dispatch(context.Background(), sm, "lookup", nil, 0)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestDispatchInvalidParams(t *testing.T) {
	tool := &ToolFunc{
		ToolName:   "strict",
		ValidateFn: func(json.RawMessage) bool { return false },
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			t.Error("execute called despite failed validation")
			return nil, nil
		},
	}
	dispatcher, sm, _ := newDispatchFixture(t, tool)

	_, err := dispatcher.Dispatch(context.Background(), sm, "strict", json.RawMessage(`{}`), 0)
	toolErr, ok := GetToolError(err)
	if !ok || toolErr.Type != ToolErrorInvalidInput {
		t.Fatalf("err = %v, want invalid_input tool error", err)
	}
}

func TestDispatchHandoffChain(t *testing.T) {
	first := &ToolFunc{
		ToolName: "fetch",
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{
				Content:       "raw document",
				NextTool:      "summarize",
				NextParams:    json.RawMessage(`{"text":"raw document"}`),
				HandoffReason: "needs summarization",
			}, nil
		},
	}
	second := staticTool("summarize", "short version")
	dispatcher, sm, sink := newDispatchFixture(t, first, second)

	result, err := dispatcher.Dispatch(context.Background(), sm, "fetch", nil, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Content != "short version" {
		t.Errorf("final result = %q", result.Content)
	}

	events := sink.types()
	// Two full pairs, no intermediate return to the planner.
	want := []models.CriticalEventType{
		models.EventAgentStarted,
		models.EventAgentThinking,
		models.EventToolExecuting,
		models.EventToolCompleted,
		models.EventToolExecuting,
		models.EventToolCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events[i], want[i])
		}
	}

	handoffs := sm.Execution().Handoffs()
	if len(handoffs) != 1 {
		t.Fatalf("handoffs = %+v", handoffs)
	}
	if handoffs[0].FromTool != "fetch" || handoffs[0].ToTool != "summarize" {
		t.Errorf("handoff = %+v", handoffs[0])
	}
	if len(sm.Execution().ToolHistory()) != 2 {
		t.Errorf("history = %+v", sm.Execution().ToolHistory())
	}
}

func TestDispatchHandoffDepthLimit(t *testing.T) {
	loop := &ToolFunc{
		ToolName: "loop",
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "again", NextTool: "loop", HandoffReason: "forever"}, nil
		},
	}
	dispatcher, sm, _ := newDispatchFixture(t, loop)

	_, err := dispatcher.Dispatch(context.Background(), sm, "loop", nil, 0)
	if !errors.Is(err, ErrHandoffDepth) {
		t.Fatalf("err = %v, want ErrHandoffDepth", err)
	}
}

func TestDispatchOpensCircuitAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	failing := &ToolFunc{
		ToolName: "flaky",
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			calls.Add(1)
			return nil, fmt.Errorf("backend unavailable: connection refused")
		},
	}
	dispatcher, _, _ := newDispatchFixture(t, failing)

	// Each dispatch needs a fresh execution since failures leave the
	// machine in TOOL_COMPLETED.
	for i := 0; i < 3; i++ {
		exec := newTestExecution()
		sm := NewStateMachine(exec, NewEventEmitter(exec.Context.UserID, exec.ID, &recordingSink{}), nil)
		mustTransition(t, sm, models.StateStarted, models.StateThinking)
		if _, err := dispatcher.Dispatch(context.Background(), sm, "flaky", nil, 0); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	before := calls.Load()
	exec := newTestExecution()
	sm := NewStateMachine(exec, NewEventEmitter(exec.Context.UserID, exec.ID, &recordingSink{}), nil)
	mustTransition(t, sm, models.StateStarted, models.StateThinking)

	start := time.Now()
	result, err := dispatcher.Dispatch(context.Background(), sm, "flaky", nil, 0)
	if err != nil {
		t.Fatalf("dispatch with open circuit: %v", err)
	}
	if !result.IsError {
		t.Error("open-circuit dispatch reported success")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("open-circuit rejection took %v, want fast fail", elapsed)
	}
	if calls.Load() != before {
		t.Errorf("tool was called while circuit open")
	}
}

func TestDispatchCancellation(t *testing.T) {
	dispatcher, sm, sink := newDispatchFixture(t, sleepTool("slow", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := dispatcher.Dispatch(ctx, sm, "slow", nil, 5*time.Second)
	if !errors.Is(err, ErrExecutionCancelled) {
		t.Fatalf("err = %v, want ErrExecutionCancelled", err)
	}
	// Cancellation leaves the terminal event to the ERROR transition; no
	// tool_completed is emitted here.
	if got := countEvents(sink.all(), models.EventToolCompleted); got != 0 {
		t.Errorf("tool_completed emitted %d times on cancellation", got)
	}
}
