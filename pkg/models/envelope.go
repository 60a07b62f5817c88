package models

import (
	"encoding/json"
	"time"
)

// EnvelopeType identifies the kind of an inbound message envelope.
type EnvelopeType string

const (
	EnvelopePing         EnvelopeType = "ping"
	EnvelopeUserMessage  EnvelopeType = "user_message"
	EnvelopeAgentRequest EnvelopeType = "agent_request"
	EnvelopeTyping       EnvelopeType = "typing"
	EnvelopeHeartbeat    EnvelopeType = "heartbeat"
	EnvelopeBatch        EnvelopeType = "batch"
)

// Envelope is the inbound message frame consumed from the transport layer.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BatchPayload is the payload of a batch envelope: inner envelopes are
// routed in order, one at a time.
type BatchPayload struct {
	Envelopes []Envelope `json:"envelopes"`
}

// UserMessagePayload is the payload of a user_message envelope. Messages
// without an explicit agent route to the gateway's default agent.
type UserMessagePayload struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// TypingPayload is the payload of a typing envelope. Typing signals are
// transient and never queue behind critical events.
type TypingPayload struct {
	ThreadID string `json:"thread_id,omitempty"`
	Active   bool   `json:"active"`
}

// AgentRequestPayload is the payload of an agent_request envelope.
type AgentRequestPayload struct {
	AgentName string   `json:"agent_name"`
	Message   string   `json:"message"`
	ThreadID  string   `json:"thread_id,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// IdempotencyKey deduplicates retransmitted requests; a duplicate is
	// acknowledged without starting a second execution.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Metadata is carried into the execution context verbatim.
	Metadata map[string]string `json:"metadata,omitempty"`
}
