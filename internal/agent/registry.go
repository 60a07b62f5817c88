package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Tool is the contract consumed from the tool registry. Implementations must
// be safe for concurrent use: one tool instance serves all users.
type Tool interface {
	// Name returns the tool name used for dispatch.
	Name() string

	// Description returns a human-readable description of the tool.
	Description() string

	// Validate reports whether the parameters are acceptable before
	// execution. Invalid parameters fail without touching the tool.
	Validate(params json.RawMessage) bool

	// Execute runs the tool. A non-nil error marks infrastructure
	// failure; tool-level failures travel in ToolResult.IsError.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Content is the tool's output.
	Content string `json:"content"`

	// IsError marks a tool-level failure.
	IsError bool `json:"is_error,omitempty"`

	// NextTool, when non-empty, is the continuation marker: the
	// dispatcher hands off to the named tool without returning control
	// to the state machine between the two calls.
	NextTool string `json:"next_tool,omitempty"`

	// NextParams are the parameters for the handoff target.
	NextParams json.RawMessage `json:"next_params,omitempty"`

	// HandoffReason documents why continuation is required.
	HandoffReason string `json:"handoff_reason,omitempty"`
}

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Registered by name; a re-registration replaces the previous tool.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry by its name.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ToolFunc builds a Tool from plain functions, for registration call sites
// that do not need a dedicated type.
type ToolFunc struct {
	ToolName   string
	Desc       string
	ValidateFn func(json.RawMessage) bool
	ExecuteFn  func(context.Context, json.RawMessage) (*ToolResult, error)
}

func (t *ToolFunc) Name() string        { return t.ToolName }
func (t *ToolFunc) Description() string { return t.Desc }

func (t *ToolFunc) Validate(params json.RawMessage) bool {
	if t.ValidateFn == nil {
		return true
	}
	return t.ValidateFn(params)
}

func (t *ToolFunc) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.ExecuteFn(ctx, params)
}
