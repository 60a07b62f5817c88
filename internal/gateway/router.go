package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Handler processes one kind of inbound envelope.
type Handler interface {
	CanHandle(t models.EnvelopeType) bool
	Handle(ctx context.Context, conn *Connection, env models.Envelope) error
}

// Router dispatches inbound envelopes to the first handler that accepts
// their type, in registration order. An envelope no handler accepts is
// acknowledged as a no-op rather than an error so protocol additions do not
// break older gateways.
type Router struct {
	handlers []Handler
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// WithMetrics attaches gateway metrics.
func (r *Router) WithMetrics(m *observability.Metrics) *Router {
	r.metrics = m
	return r
}

// Register appends a handler. Order matters: the first handler whose
// CanHandle returns true wins.
func (r *Router) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Route dispatches env on behalf of conn.
func (r *Router) Route(ctx context.Context, conn *Connection, env models.Envelope) error {
	if r.metrics != nil {
		r.metrics.MessageCounter.WithLabelValues(string(env.Type)).Inc()
	}
	for _, h := range r.handlers {
		if h.CanHandle(env.Type) {
			return h.Handle(ctx, conn, env)
		}
	}
	r.logger.Debug("no handler for envelope type",
		"type", env.Type,
		"connection_id", conn.ID,
	)
	return nil
}

// frame is the outbound control-frame shape for non-event replies.
type frame struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func sendFrame(conn *Connection, f frame) error {
	f.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Enqueue(data)
}

// PingHandler answers ping envelopes with a pong frame.
type PingHandler struct{}

func (PingHandler) CanHandle(t models.EnvelopeType) bool { return t == models.EnvelopePing }

func (PingHandler) Handle(ctx context.Context, conn *Connection, env models.Envelope) error {
	return sendFrame(conn, frame{Type: "pong"})
}

// HeartbeatHandler records liveness for idle-connection reaping.
type HeartbeatHandler struct{}

func (HeartbeatHandler) CanHandle(t models.EnvelopeType) bool { return t == models.EnvelopeHeartbeat }

func (HeartbeatHandler) Handle(ctx context.Context, conn *Connection, env models.Envelope) error {
	conn.Touch()
	return nil
}

// TypingHandler consumes typing signals. They are transient: nothing is
// persisted and nothing is delivered if no peer is interested.
type TypingHandler struct {
	Logger *slog.Logger
}

func (TypingHandler) CanHandle(t models.EnvelopeType) bool { return t == models.EnvelopeTyping }

func (h TypingHandler) Handle(ctx context.Context, conn *Connection, env models.Envelope) error {
	if h.Logger != nil {
		h.Logger.Debug("typing signal", "user_id", env.UserID, "connection_id", conn.ID)
	}
	return nil
}

// ExecutionStarter is the slice of the execution manager the gateway
// needs: start an execution for a user and stream its events to a sink.
type ExecutionStarter interface {
	StartExecution(ctx context.Context, userID string, req models.AgentRequestPayload, sink agent.EventSink) (string, error)
}

// ManagerStarter adapts an ExecutionManager to the gateway's
// ExecutionStarter interface.
type ManagerStarter struct {
	Manager *agent.ExecutionManager
}

func (s ManagerStarter) StartExecution(ctx context.Context, userID string, req models.AgentRequestPayload, sink agent.EventSink) (string, error) {
	return s.Manager.Start(ctx, agent.StartRequest{
		UserID:         userID,
		ThreadID:       req.ThreadID,
		AgentName:      req.AgentName,
		Message:        req.Message,
		Tools:          req.Tools,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	}, sink)
}

// AgentRequestHandler launches executions from agent_request envelopes.
type AgentRequestHandler struct {
	Manager ExecutionStarter
	Sink    agent.EventSink
	Logger  *slog.Logger
}

func (AgentRequestHandler) CanHandle(t models.EnvelopeType) bool {
	return t == models.EnvelopeAgentRequest
}

func (h AgentRequestHandler) Handle(ctx context.Context, conn *Connection, env models.Envelope) error {
	var req models.AgentRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return sendFrame(conn, frame{Type: "error", Error: "malformed agent_request payload"})
	}

	executionID, err := h.Manager.StartExecution(ctx, env.UserID, req, h.Sink)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("agent request rejected",
				"user_id", env.UserID,
				"agent", req.AgentName,
				"error", err,
			)
		}
		return sendFrame(conn, frame{Type: "error", Error: err.Error()})
	}
	return sendFrame(conn, frame{Type: "execution_accepted", ExecutionID: executionID})
}

// UserMessageHandler routes bare user messages to the default agent.
type UserMessageHandler struct {
	Manager      ExecutionStarter
	Sink         agent.EventSink
	DefaultAgent string
	Logger       *slog.Logger
}

func (UserMessageHandler) CanHandle(t models.EnvelopeType) bool {
	return t == models.EnvelopeUserMessage
}

func (h UserMessageHandler) Handle(ctx context.Context, conn *Connection, env models.Envelope) error {
	var msg models.UserMessagePayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return sendFrame(conn, frame{Type: "error", Error: "malformed user_message payload"})
	}
	if msg.ThreadID == "" {
		// Bare messages land in the user's direct thread.
		msg.ThreadID = "dm:" + env.UserID
	}

	executionID, err := h.Manager.StartExecution(ctx, env.UserID, models.AgentRequestPayload{
		AgentName: h.DefaultAgent,
		Message:   msg.Message,
		ThreadID:  msg.ThreadID,
	}, h.Sink)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("user message rejected", "user_id", env.UserID, "error", err)
		}
		return sendFrame(conn, frame{Type: "error", Error: err.Error()})
	}
	return sendFrame(conn, frame{Type: "execution_accepted", ExecutionID: executionID})
}

// BatchHandler unpacks batch envelopes and routes the inner envelopes in
// order, one at a time. Inner envelopes inherit the outer user binding.
type BatchHandler struct {
	Router *Router
	Logger *slog.Logger
}

func (BatchHandler) CanHandle(t models.EnvelopeType) bool { return t == models.EnvelopeBatch }

func (h BatchHandler) Handle(ctx context.Context, conn *Connection, env models.Envelope) error {
	var batch models.BatchPayload
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		return sendFrame(conn, frame{Type: "error", Error: "malformed batch payload"})
	}
	for _, inner := range batch.Envelopes {
		if inner.Type == models.EnvelopeBatch {
			// No nesting; a batch inside a batch is skipped.
			if h.Logger != nil {
				h.Logger.Warn("nested batch skipped", "connection_id", conn.ID)
			}
			continue
		}
		inner.UserID = env.UserID
		if err := validatePayload(inner); err != nil {
			if err := sendFrame(conn, frame{Type: "error", Error: "invalid envelope in batch: " + err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := h.Router.Route(ctx, conn, inner); err != nil {
			return err
		}
	}
	return nil
}
