package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/infra"
	"github.com/haasonsaas/switchboard/internal/retry"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func newTestRunner(t *testing.T, tools ...Tool) *Runner {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	breakers := infra.NewBreakerRegistry(infra.BreakerConfig{FailureThreshold: 100})
	dispatcher := NewToolDispatcher(registry, breakers, DispatcherConfig{
		Retry: retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1},
	}, nil)
	return NewRunner(dispatcher, nil)
}

func TestRunnerFullLifecycle(t *testing.T) {
	runner := newTestRunner(t, staticTool("lookup", "42"))
	exec := newTestExecution()
	sink := &recordingSink{}

	planner := NewScriptedPlanner(
		Step{Reasoning: "need to look this up", Tool: "lookup"},
		Step{Done: true, Final: "the answer is 42"},
	)

	result, err := runner.Run(context.Background(), exec, planner, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "the answer is 42" {
		t.Errorf("result = %q", result)
	}
	if got := exec.State(); got != models.StateCompleted {
		t.Errorf("final state = %s", got)
	}

	want := []models.CriticalEventType{
		models.EventAgentStarted,
		models.EventAgentThinking,
		models.EventToolExecuting,
		models.EventToolCompleted,
		models.EventAgentCompleted,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	for i, ev := range sink.all() {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d", i, ev.Sequence)
		}
		if ev.UserID != exec.Context.UserID {
			t.Errorf("event %d user = %s", i, ev.UserID)
		}
	}
}

func TestRunnerPlannerErrorEndsInError(t *testing.T) {
	runner := newTestRunner(t)
	exec := newTestExecution()
	sink := &recordingSink{}

	planner := PlannerFunc(func(ctx context.Context, exec *models.AgentExecution, last *ToolResult) (Step, error) {
		return Step{}, errors.New("internal: provider socket wedged at 0xdeadbeef")
	})

	_, err := runner.Run(context.Background(), exec, planner, sink)
	if err == nil {
		t.Fatal("run succeeded with failing planner")
	}
	if got := exec.State(); got != models.StateError {
		t.Errorf("final state = %s, want ERROR", got)
	}

	events := sink.all()
	last := events[len(events)-1]
	if last.Type != models.EventAgentCompleted {
		t.Fatalf("last event = %s", last.Type)
	}
	var payload models.AgentCompletedPayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Success {
		t.Error("failure reported success")
	}
	// Internal details stay out of the user-facing message.
	if strings.Contains(payload.Result, "0xdeadbeef") {
		t.Errorf("internal detail leaked: %q", payload.Result)
	}
}

func TestRunnerToolFailureViaPlanner(t *testing.T) {
	runner := newTestRunner(t, &ToolFunc{
		ToolName: "broken",
		ExecuteFn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "disk full", IsError: true}, nil
		},
	})
	exec := newTestExecution()
	sink := &recordingSink{}

	planner := SingleToolPlanner("broken", "trying the broken tool", func(*models.AgentExecution) (json.RawMessage, error) {
		return nil, nil
	})(exec)

	_, err := runner.Run(context.Background(), exec, planner, sink)
	if err == nil {
		t.Fatal("run succeeded with failing tool")
	}
	if got := exec.State(); got != models.StateError {
		t.Errorf("final state = %s, want ERROR", got)
	}
	// The invocation itself settled with its own terminal event before
	// the execution failed.
	if got := countEvents(sink.all(), models.EventToolCompleted); got != 1 {
		t.Errorf("tool_completed emitted %d times", got)
	}
}

func TestRunnerCancellation(t *testing.T) {
	runner := newTestRunner(t, sleepTool("slow", 2*time.Second))
	exec := newTestExecution()
	sink := &recordingSink{}

	planner := NewScriptedPlanner(
		Step{Reasoning: "starting slow work", Tool: "slow"},
		Step{Done: true, Final: "never reached"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := runner.Run(ctx, exec, planner, sink)
	if !errors.Is(err, ErrExecutionCancelled) {
		t.Fatalf("err = %v, want ErrExecutionCancelled", err)
	}
	if got := exec.State(); got != models.StateError {
		t.Errorf("final state = %s, want ERROR", got)
	}
	events := sink.all()
	if events[len(events)-1].Type != models.EventAgentCompleted {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}
}

func TestRunnerMaxExecutionTime(t *testing.T) {
	runner := newTestRunner(t, sleepTool("slow", 2*time.Second))
	execCtx := models.ExecutionContext{UserID: "user-1", ThreadID: "thread-1", RunID: "run-1"}
	exec := models.NewAgentExecution("exec-deadline", execCtx, "echo", "hi", nil, 100*time.Millisecond)
	sink := &recordingSink{}

	planner := NewScriptedPlanner(
		Step{Reasoning: "slow work", Tool: "slow", Timeout: 5 * time.Second},
		Step{Done: true, Final: "never"},
	)

	start := time.Now()
	_, err := runner.Run(context.Background(), exec, planner, sink)
	if err == nil {
		t.Fatal("run beat its deadline implausibly")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run took %v past a 100ms budget", elapsed)
	}
	if got := exec.State(); got != models.StateError {
		t.Errorf("final state = %s, want ERROR", got)
	}
}
