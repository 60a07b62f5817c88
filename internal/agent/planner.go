package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Step is one planner decision. A step with Tool set requests a tool
// invocation; a step with Tool empty and Done set concludes the execution
// with Final as the result.
type Step struct {
	// Reasoning is emitted to the owning user as an agent_thinking event
	// before the step runs.
	Reasoning string

	// Tool names the tool to invoke. Empty means no invocation this step.
	Tool   string
	Params json.RawMessage

	// Timeout overrides the dispatcher's default budget for this
	// invocation when positive.
	Timeout time.Duration

	// Done concludes the execution. Final is the result returned to the
	// user. Done with Tool set is invalid.
	Done  bool
	Final string
}

// Planner decides what an execution does next. Implementations receive the
// result of the previous tool invocation (nil on the first call) and return
// the next step. Planners must be safe for use by one execution at a time;
// the runner never calls Next concurrently for the same execution.
type Planner interface {
	Next(ctx context.Context, exec *models.AgentExecution, last *ToolResult) (Step, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, exec *models.AgentExecution, last *ToolResult) (Step, error)

func (f PlannerFunc) Next(ctx context.Context, exec *models.AgentExecution, last *ToolResult) (Step, error) {
	return f(ctx, exec, last)
}

// ScriptedPlanner replays a fixed sequence of steps. Useful for tests and
// for agents whose behavior is a deterministic pipeline. Each execution
// must use its own instance; ForAgent-style sharing is not supported.
type ScriptedPlanner struct {
	mu    sync.Mutex
	steps []Step
	pos   int
}

// NewScriptedPlanner creates a planner that yields the given steps in order.
func NewScriptedPlanner(steps ...Step) *ScriptedPlanner {
	return &ScriptedPlanner{steps: steps}
}

func (p *ScriptedPlanner) Next(ctx context.Context, exec *models.AgentExecution, last *ToolResult) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= len(p.steps) {
		return Step{}, fmt.Errorf("scripted planner exhausted after %d steps", p.pos)
	}
	step := p.steps[p.pos]
	p.pos++
	return step, nil
}

// PlannerFactory builds one planner per execution. Registered per agent
// name so concurrent executions of the same agent never share planner
// state.
type PlannerFactory func(exec *models.AgentExecution) Planner

// SingleToolPlanner builds planners that run one tool over the user's
// message and finish with its output. A failed tool result fails the
// execution instead of completing it.
func SingleToolPlanner(toolName, reasoning string, paramsFor func(*models.AgentExecution) (json.RawMessage, error)) PlannerFactory {
	return func(exec *models.AgentExecution) Planner {
		ran := false
		return PlannerFunc(func(ctx context.Context, exec *models.AgentExecution, last *ToolResult) (Step, error) {
			if ran {
				if last == nil {
					return Step{}, fmt.Errorf("tool %s produced no result", toolName)
				}
				if last.IsError {
					return Step{}, fmt.Errorf("tool %s failed: %s", toolName, last.Content)
				}
				return Step{Done: true, Final: last.Content}, nil
			}
			ran = true
			params, err := paramsFor(exec)
			if err != nil {
				return Step{}, err
			}
			return Step{Reasoning: reasoning, Tool: toolName, Params: params}, nil
		})
	}
}

// EchoPlanner runs the echo tool once over the user's message and finishes
// with its output. It is the default demo agent behavior.
var EchoPlanner = SingleToolPlanner("echo", "echoing the user's message", func(exec *models.AgentExecution) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"message": exec.UserMessage})
})
