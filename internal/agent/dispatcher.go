package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchboard/internal/infra"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/retry"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// DispatcherConfig configures tool dispatch behavior.
type DispatcherConfig struct {
	// DefaultTimeout is the per-invocation budget when the caller passes
	// zero. Default: 30 seconds.
	DefaultTimeout time.Duration

	// MaxHandoffDepth caps the length of a tool-to-tool handoff chain.
	// Default: 5.
	MaxHandoffDepth int

	// Retry governs transient-failure retries within one invocation's
	// budget. Timeouts are never retried: a timed-out invocation settles
	// with exactly one terminal event.
	Retry retry.Config
}

// DefaultDispatcherConfig returns sensible dispatch defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultTimeout:  30 * time.Second,
		MaxHandoffDepth: 5,
		Retry:           retry.Exponential(3, 100*time.Millisecond, 2*time.Second),
	}
}

// ToolDispatcher invokes named tools on behalf of executions under a
// context, a timeout, and the handoff protocol. Every invocation is wrapped
// by the per-tool circuit breaker and the retry manager; the dispatcher is
// shared by all executions and holds no per-user state.
type ToolDispatcher struct {
	registry *ToolRegistry
	breakers *infra.BreakerRegistry
	config   DispatcherConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewToolDispatcher creates a dispatcher over the given tool registry and
// breaker registry.
func NewToolDispatcher(registry *ToolRegistry, breakers *infra.BreakerRegistry, config DispatcherConfig, logger *slog.Logger) *ToolDispatcher {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MaxHandoffDepth <= 0 {
		config.MaxHandoffDepth = 5
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.Exponential(3, 100*time.Millisecond, 2*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolDispatcher{
		registry: registry,
		breakers: breakers,
		config:   config,
		logger:   logger,
	}
}

// WithMetrics attaches pipeline metrics.
func (d *ToolDispatcher) WithMetrics(m *observability.Metrics) *ToolDispatcher {
	d.metrics = m
	return d
}

// WithTracer attaches a tracer; each handoff hop gets its own span.
func (d *ToolDispatcher) WithTracer(t *observability.Tracer) *ToolDispatcher {
	d.tracer = t
	return d
}

// Dispatch runs the named tool for the execution driven by sm, following
// handoff continuations without returning control to the state machine
// between hops. From the state machine's perspective each hop is one
// TOOL_EXECUTING -> TOOL_COMPLETED pair.
//
// The returned result is the final hop's output. A nil result with a non-nil
// error means the invocation never produced a terminal tool event pair (the
// caller converts it to an ERROR transition).
func (d *ToolDispatcher) Dispatch(ctx context.Context, sm *StateMachine, toolName string, params json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}

	exec := sm.Execution()
	var lastResult *ToolResult

	for hop := 0; ; hop++ {
		if hop > d.config.MaxHandoffDepth {
			return nil, fmt.Errorf("%w: %d hops ending at %q", ErrHandoffDepth, hop, toolName)
		}

		result, err := d.dispatchOne(ctx, sm, toolName, params, timeout)
		if err != nil {
			return nil, err
		}
		lastResult = result

		if result.NextTool == "" {
			return lastResult, nil
		}

		// Continuation required: record the handoff and move straight to
		// the next hop. The state machine sees another tool pair, never
		// an intermediate return.
		exec.AppendHandoff(models.HandoffRecord{
			FromTool:    toolName,
			ToTool:      result.NextTool,
			Reason:      result.HandoffReason,
			ExecutionID: exec.ID,
		})
		if d.metrics != nil {
			d.metrics.HandoffCounter.WithLabelValues(toolName, result.NextTool).Inc()
		}
		d.logger.Debug("tool handoff",
			"execution_id", exec.ID,
			"from_tool", toolName,
			"to_tool", result.NextTool,
			"reason", result.HandoffReason,
		)

		toolName = result.NextTool
		params = result.NextParams
	}
}

// dispatchOne runs a single hop: one tool_executing / tool_completed pair.
func (d *ToolDispatcher) dispatchOne(ctx context.Context, sm *StateMachine, toolName string, params json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	exec := sm.Execution()

	tool, err := d.lookup(exec, toolName, params)
	if err != nil {
		// Fail fast: the tool never ran, so there is no tool_executing
		// event, but the owning user still sees a completed-with-error
		// notification for the rejected invocation.
		sm.Emitter().Emit(models.EventToolCompleted, models.ToolCompletedPayload{
			ToolName:  toolName,
			Status:    models.InvocationFailed,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		if d.metrics != nil {
			d.metrics.ToolInvocationCounter.WithLabelValues(toolName, "rejected").Inc()
		}
		return nil, err
	}

	if _, err := sm.Transition(models.StateToolExecuting, TransitionMeta{
		ToolName:   toolName,
		ToolParams: params,
	}); err != nil {
		return nil, err
	}

	toolCtx := observability.AddToolName(ctx, toolName)
	var span trace.Span
	if d.tracer != nil {
		toolCtx, span = d.tracer.StartToolDispatch(toolCtx, exec.ID, toolName)
	}

	started := time.Now()
	result, callErr := d.callProtected(toolCtx, exec, tool, params, timeout)
	elapsed := time.Since(started)
	if span != nil {
		observability.EndSpan(span, callErr)
	}

	inv := models.ToolInvocation{
		ToolName:    toolName,
		Parameters:  params,
		ExecutionID: exec.ID,
		StartedAt:   started,
		Duration:    elapsed,
	}

	switch {
	case callErr == nil && !result.IsError:
		inv.Status = models.InvocationCompleted
	case errors.Is(callErr, ErrToolTimeout):
		inv.Status = models.InvocationTimedOut
	case errors.Is(callErr, ErrExecutionCancelled):
		// Cancellation surfaces at the state machine boundary as an
		// ERROR transition; the invocation records as failed and no
		// tool_completed event is emitted for it.
		inv.Status = models.InvocationFailed
		exec.AppendInvocation(inv)
		return nil, callErr
	default:
		inv.Status = models.InvocationFailed
	}
	exec.AppendInvocation(inv)

	meta := TransitionMeta{
		ToolName:     toolName,
		ToolStatus:   inv.Status,
		ToolDuration: elapsed,
	}
	if inv.Status == models.InvocationCompleted {
		meta.ToolResult = result.Content
	} else if callErr != nil {
		meta.ToolError = callErr.Error()
	} else {
		meta.ToolError = result.Content
	}

	// Exactly one terminal event per invocation, timeout included.
	if _, err := sm.Transition(models.StateToolCompleted, meta); err != nil {
		return nil, err
	}

	d.observeInvocation(toolName, inv.Status, elapsed)

	if inv.Status != models.InvocationCompleted {
		return &ToolResult{Content: meta.ToolError, IsError: true}, nil
	}
	return result, nil
}

// lookup resolves a tool, enforcing the execution's available set and
// parameter validation.
func (d *ToolDispatcher) lookup(exec *models.AgentExecution, toolName string, params json.RawMessage) (Tool, error) {
	if len(params) > MaxToolParamsSize {
		return nil, invalidInputError(toolName, exec.ID, fmt.Errorf("parameters exceed %d bytes", MaxToolParamsSize))
	}
	if !exec.ToolAvailable(toolName) {
		return nil, fmt.Errorf("%w: %q not in execution's available set", ErrToolNotFound, toolName)
	}
	tool, ok := d.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %q not registered", ErrToolNotFound, toolName)
	}
	if !tool.Validate(params) {
		return nil, invalidInputError(toolName, exec.ID, errors.New("parameter validation failed"))
	}
	return tool, nil
}

func invalidInputError(toolName, executionID string, cause error) error {
	toolErr := NewToolError(toolName, executionID, cause)
	toolErr.Type = ToolErrorInvalidInput
	return toolErr
}

// callProtected runs the tool under the invocation budget, the per-tool
// circuit breaker, and the retry manager. The whole retry loop shares one
// timeout so a timed-out invocation settles exactly once; transient
// failures retry inside the budget.
func (d *ToolDispatcher) callProtected(ctx context.Context, exec *models.AgentExecution, tool Tool, params json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	invCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	breaker := d.breakers.Get(tool.Name())

	var result *ToolResult
	err := retry.Do(invCtx, d.config.Retry, retry.GateFunc(breaker.Allow), func(attemptCtx context.Context) error {
		return breaker.Execute(attemptCtx, func(callCtx context.Context) error {
			r, callErr := d.callOnce(callCtx, exec, tool, params)
			if callErr != nil {
				return callErr
			}
			result = r
			return nil
		})
	})
	if err == nil {
		return result, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %s", ErrExecutionCancelled, tool.Name())
	case invCtx.Err() != nil:
		return nil, fmt.Errorf("%w after %v: %s", ErrToolTimeout, timeout, tool.Name())
	case errors.Is(err, infra.ErrCircuitOpen), errors.Is(err, retry.ErrGateDenied):
		return nil, fmt.Errorf("%w: %s", infra.ErrCircuitOpen, tool.Name())
	default:
		return nil, NewToolError(tool.Name(), exec.ID, err)
	}
}

// callOnce executes the tool in its own goroutine so a stuck tool cannot
// wedge the invocation: the budget expiring wins the select and a late
// result is discarded.
func (d *ToolDispatcher) callOnce(ctx context.Context, exec *models.AgentExecution, tool Tool, params json.RawMessage) (*ToolResult, error) {
	type outcome struct {
		result *ToolResult
		err    error
	}
	resultChan := make(chan outcome, 1)

	go func() {
		result, err := tool.Execute(ctx, params)
		select {
		case resultChan <- outcome{result: result, err: err}:
		default:
			// Budget expired before the tool finished; drop the late
			// result.
			d.logger.Warn("tool completed after deadline, result discarded",
				"tool", tool.Name(),
				"execution_id", exec.ID,
				"user_id", exec.Context.UserID,
			)
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-resultChan:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, errors.New("tool returned no result")
		}
		if out.result.IsError {
			// Surface tool-level failures as errors so the breaker and
			// retry layers observe them; classification decides whether
			// a retry may help.
			toolErr := NewToolError(tool.Name(), exec.ID, errors.New(out.result.Content))
			if !toolErr.Retryable() {
				return nil, retry.Permanent(toolErr)
			}
			return nil, toolErr
		}
		return out.result, nil
	}
}

func (d *ToolDispatcher) observeInvocation(toolName string, status models.InvocationStatus, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	var label string
	switch status {
	case models.InvocationCompleted:
		label = "completed"
	case models.InvocationTimedOut:
		label = "timed_out"
	default:
		label = "failed"
	}
	d.metrics.ToolInvocationCounter.WithLabelValues(toolName, label).Inc()
	d.metrics.ToolInvocationDuration.WithLabelValues(toolName).Observe(elapsed.Seconds())
}
