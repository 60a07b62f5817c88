package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// ContextFactory builds immutable execution contexts, one per inbound agent
// request. The factory itself is stateless and safe for concurrent use; two
// concurrently created contexts never share a mutable field because the
// metadata map is deep-copied on construction.
type ContextFactory struct {
	now func() time.Time
}

// NewContextFactory creates a context factory using wall-clock time.
func NewContextFactory() *ContextFactory {
	return &ContextFactory{now: time.Now}
}

// Create builds an ExecutionContext from the given identifiers. Empty or
// whitespace-only user and thread identifiers fail with ErrInvalidContext.
// An empty runID is replaced with a fresh UUID.
func (f *ContextFactory) Create(userID, threadID, runID string, metadata map[string]string) (models.ExecutionContext, error) {
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	runID = strings.TrimSpace(runID)

	if userID == "" {
		return models.ExecutionContext{}, fmt.Errorf("%w: user id is required", ErrInvalidContext)
	}
	if threadID == "" {
		return models.ExecutionContext{}, fmt.Errorf("%w: thread id is required", ErrInvalidContext)
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}

	return models.ExecutionContext{
		UserID:          userID,
		ThreadID:        threadID,
		RunID:           runID,
		SessionMetadata: meta,
		CreatedAt:       f.now(),
	}, nil
}
