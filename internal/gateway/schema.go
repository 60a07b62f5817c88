package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/switchboard/pkg/models"
)

type envelopeSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[models.EnvelopeType]*jsonschema.Schema
}

var envelopeSchemas envelopeSchemaRegistry

func initEnvelopeSchemas() error {
	envelopeSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			envelopeSchemas.initErr = err
			return
		}
		envelopeSchemas.envelope = compiled

		payloads := map[models.EnvelopeType]string{
			models.EnvelopeAgentRequest: agentRequestPayloadSchema,
			models.EnvelopeUserMessage:  userMessagePayloadSchema,
			models.EnvelopeTyping:       typingPayloadSchema,
			models.EnvelopeBatch:        batchPayloadSchema,
		}

		envelopeSchemas.payloads = make(map[models.EnvelopeType]*jsonschema.Schema, len(payloads))
		for envType, schema := range payloads {
			compiled, err := jsonschema.CompileString("payload_"+string(envType), schema)
			if err != nil {
				envelopeSchemas.initErr = err
				return
			}
			envelopeSchemas.payloads[envType] = compiled
		}
	})
	return envelopeSchemas.initErr
}

// validateInboundFrame checks a raw frame against the envelope schema and,
// when the type carries a known payload shape, against that payload's
// schema. Frames failing validation never reach the router.
func validateInboundFrame(raw []byte, env *models.Envelope) error {
	if err := initEnvelopeSchemas(); err != nil {
		return err
	}

	var frame any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	if err := envelopeSchemas.envelope.Validate(frame); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("missing envelope")
	}
	return validatePayload(*env)
}

// validatePayload checks one decoded envelope's payload against its type's
// schema. Types without a registered schema pass unchecked.
func validatePayload(env models.Envelope) error {
	if err := initEnvelopeSchemas(); err != nil {
		return err
	}
	schema := envelopeSchemas.payloads[env.Type]
	if schema == nil {
		return nil
	}
	var payload any
	if len(env.Payload) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type", "user_id"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": true
}`

const agentRequestPayloadSchema = `{
  "type": "object",
  "required": ["agent_name", "message"],
  "properties": {
    "agent_name": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "thread_id": { "type": "string" },
    "tools": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "idempotency_key": { "type": "string" },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const userMessagePayloadSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1 },
    "thread_id": { "type": "string" }
  },
  "additionalProperties": true
}`

const typingPayloadSchema = `{
  "type": "object",
  "properties": {
    "thread_id": { "type": "string" },
    "active": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const batchPayloadSchema = `{
  "type": "object",
  "required": ["envelopes"],
  "properties": {
    "envelopes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "user_id"],
        "properties": {
          "type": { "type": "string", "minLength": 1 },
          "user_id": { "type": "string", "minLength": 1 },
          "payload": {}
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`
