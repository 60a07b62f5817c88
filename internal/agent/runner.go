package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Runner drives one execution through its full lifecycle: INITIALIZED to
// STARTED to the thinking/tool loop to a terminal state. Any failure along
// the way lands in ERROR with a user-safe completion event, so the owning
// user always sees exactly one agent_completed.
type Runner struct {
	dispatcher *ToolDispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// NewRunner creates a runner over the given dispatcher.
func NewRunner(dispatcher *ToolDispatcher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{dispatcher: dispatcher, logger: logger}
}

// WithMetrics attaches pipeline metrics.
func (r *Runner) WithMetrics(m *observability.Metrics) *Runner {
	r.metrics = m
	return r
}

// WithTracer attaches a tracer; each execution gets a root span.
func (r *Runner) WithTracer(t *observability.Tracer) *Runner {
	r.tracer = t
	return r
}

// Run executes exec to a terminal state, emitting critical events through
// sink. It returns the final result on success; on failure the returned
// error carries the internal cause while the emitted completion event
// carries only the user-safe message.
func (r *Runner) Run(ctx context.Context, exec *models.AgentExecution, planner Planner, sink EventSink) (string, error) {
	if exec.MaxExecTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, exec.MaxExecTime)
		defer cancel()
	}
	ctx = observability.AddUserID(ctx, exec.Context.UserID)
	ctx = observability.AddExecutionID(ctx, exec.ID)

	logger := r.logger.With(
		"execution_id", exec.ID,
		"user_id", exec.Context.UserID,
		"agent", exec.AgentName,
	)
	emitter := NewEventEmitter(exec.Context.UserID, exec.ID, sink)
	sm := NewStateMachine(exec, emitter, logger)

	var endSpan func(error)
	if r.tracer != nil {
		ctx, endSpan = r.tracerStart(ctx, exec)
	}
	started := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveExecutions.Inc()
		defer r.metrics.ActiveExecutions.Dec()
	}

	result, err := r.run(ctx, sm, planner)
	elapsed := time.Since(started)
	if endSpan != nil {
		endSpan(err)
	}

	if err != nil {
		r.fail(sm, err, elapsed)
		if r.metrics != nil {
			r.metrics.ExecutionCounter.WithLabelValues(exec.AgentName, "error").Inc()
			r.metrics.ExecutionDuration.WithLabelValues(exec.AgentName).Observe(elapsed.Seconds())
		}
		logger.Error("execution failed", "error", err, "duration", elapsed)
		return "", err
	}

	if r.metrics != nil {
		r.metrics.ExecutionCounter.WithLabelValues(exec.AgentName, "completed").Inc()
		r.metrics.ExecutionDuration.WithLabelValues(exec.AgentName).Observe(elapsed.Seconds())
	}
	logger.Info("execution completed", "duration", elapsed, "tools", len(exec.ToolHistory()))
	return result, nil
}

func (r *Runner) run(ctx context.Context, sm *StateMachine, planner Planner) (string, error) {
	exec := sm.Execution()

	if _, err := sm.Transition(models.StateStarted, TransitionMeta{}); err != nil {
		return "", err
	}

	var last *ToolResult
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrExecutionCancelled, err)
		}

		step, err := planner.Next(ctx, exec, last)
		if err != nil {
			return "", fmt.Errorf("planner: %w", err)
		}
		if step.Done && step.Tool != "" {
			return "", errors.New("planner returned a step that is both done and a tool invocation")
		}

		if step.Done {
			if _, err := sm.Transition(models.StateCompleted, TransitionMeta{
				Result:  step.Final,
				Success: true,
			}); err != nil {
				return "", err
			}
			return step.Final, nil
		}

		// Every step passes through THINKING before any tool runs, so
		// the user sees the reasoning stream even when the planner
		// yields consecutive tool invocations.
		if _, err := sm.Transition(models.StateThinking, TransitionMeta{
			Reasoning: step.Reasoning,
		}); err != nil {
			return "", err
		}

		if step.Tool == "" {
			last = nil
			continue
		}

		last, err = r.dispatcher.Dispatch(ctx, sm, step.Tool, step.Params, step.Timeout)
		if err != nil {
			return "", err
		}
	}
}

// fail drives the execution into ERROR unless it already reached a terminal
// state. The completion event carries a user-safe message only; internals
// stay in the logs.
func (r *Runner) fail(sm *StateMachine, cause error, elapsed time.Duration) {
	if sm.Execution().State().Terminal() {
		return
	}
	if _, err := sm.Transition(models.StateError, TransitionMeta{
		Result:  UserSafeMessage(cause),
		Success: false,
	}); err != nil {
		r.logger.Error("error transition rejected",
			"execution_id", sm.Execution().ID,
			"cause", cause,
			"error", err,
		)
	}
}

func (r *Runner) tracerStart(ctx context.Context, exec *models.AgentExecution) (context.Context, func(error)) {
	ctx, span := r.tracer.StartExecution(ctx, exec.Context.UserID, exec.ID, exec.AgentName)
	return ctx, func(err error) { observability.EndSpan(span, err) }
}
