package models

import "time"

// ExecutionContext is the per-request isolation boundary for one agent run.
//
// A context is created once per inbound agent request and never mutated
// afterwards. It is owned exclusively by the execution it was created for;
// components may read it freely but must not key shared mutable state on
// UserID alone unless that state is itself partitioned per user.
type ExecutionContext struct {
	// UserID identifies the user that owns this execution.
	UserID string `json:"user_id"`

	// ThreadID identifies the conversation thread the request belongs to.
	ThreadID string `json:"thread_id"`

	// RunID identifies this individual run within the thread.
	RunID string `json:"run_id"`

	// SessionMetadata carries opaque session attributes captured at
	// creation time. The factory deep-copies the caller's map, so the
	// context never aliases external mutable state.
	SessionMetadata map[string]string `json:"session_metadata,omitempty"`

	// CreatedAt is the context creation time.
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the metadata value for key, or "" when absent.
func (c ExecutionContext) Meta(key string) string {
	return c.SessionMetadata[key]
}

// CloneMetadata returns a copy of the session metadata safe for the caller
// to mutate.
func (c ExecutionContext) CloneMetadata() map[string]string {
	if c.SessionMetadata == nil {
		return nil
	}
	out := make(map[string]string, len(c.SessionMetadata))
	for k, v := range c.SessionMetadata {
		out[k] = v
	}
	return out
}
