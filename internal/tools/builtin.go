// Package tools provides the built-in tools shipped with the gateway.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// RegisterBuiltins installs the standard tool set into the registry.
func RegisterBuiltins(registry *agent.ToolRegistry) error {
	for _, tool := range []agent.Tool{
		Echo(),
		DataAnalyzer(),
		Fetch(),
		Summarize(),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its input message unchanged.
func Echo() agent.Tool {
	type params struct {
		Message string `json:"message"`
	}
	return &agent.ToolFunc{
		ToolName: "echo",
		Desc:     "Returns the input message unchanged.",
		ValidateFn: func(raw json.RawMessage) bool {
			var p params
			return json.Unmarshal(raw, &p) == nil
		},
		ExecuteFn: func(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
			var p params
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			return &agent.ToolResult{Content: p.Message}, nil
		},
	}
}

// DataAnalyzer simulates a short analysis pass over a dataset reference.
func DataAnalyzer() agent.Tool {
	type params struct {
		Dataset string `json:"dataset"`
	}
	return &agent.ToolFunc{
		ToolName: "data_analyzer",
		Desc:     "Analyzes the named dataset and reports a summary.",
		ValidateFn: func(raw json.RawMessage) bool {
			var p params
			return json.Unmarshal(raw, &p) == nil && p.Dataset != ""
		},
		ExecuteFn: func(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
			var p params
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &agent.ToolResult{
				Content: fmt.Sprintf("analysis of %s: 3 anomalies, trend stable", p.Dataset),
			}, nil
		},
	}
}

// Fetch simulates document retrieval and hands the content off to the
// summarize tool. It exists mainly to exercise the handoff path end to end.
func Fetch() agent.Tool {
	type params struct {
		URL string `json:"url"`
	}
	return &agent.ToolFunc{
		ToolName: "fetch",
		Desc:     "Retrieves a document and hands it to summarize.",
		ValidateFn: func(raw json.RawMessage) bool {
			var p params
			return json.Unmarshal(raw, &p) == nil && p.URL != ""
		},
		ExecuteFn: func(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
			var p params
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			body := fmt.Sprintf("document at %s: lorem ipsum dolor sit amet", p.URL)
			next, err := json.Marshal(map[string]string{"text": body})
			if err != nil {
				return nil, err
			}
			return &agent.ToolResult{
				Content:       body,
				NextTool:      "summarize",
				NextParams:    next,
				HandoffReason: "fetched content needs summarization",
			}, nil
		},
	}
}

// Summarize produces a crude first-sentence summary.
func Summarize() agent.Tool {
	type params struct {
		Text string `json:"text"`
	}
	return &agent.ToolFunc{
		ToolName: "summarize",
		Desc:     "Summarizes the given text.",
		ValidateFn: func(raw json.RawMessage) bool {
			var p params
			return json.Unmarshal(raw, &p) == nil && p.Text != ""
		},
		ExecuteFn: func(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
			var p params
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			summary := p.Text
			if idx := strings.IndexAny(summary, ".!?"); idx > 0 {
				summary = summary[:idx+1]
			}
			return &agent.ToolResult{Content: "summary: " + summary}, nil
		},
	}
}
