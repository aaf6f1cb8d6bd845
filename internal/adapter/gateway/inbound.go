package gateway

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"

	"relay-ai/internal/domain"
)

// MaxMessageText is the longest chat message accepted, in characters.
const MaxMessageText = 4000

// Inbound event types.
const (
	EventMessage      = "message"
	EventToolDecision = "tool_decision"
)

var messageSchema = fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "type": {"const": "message"},
    "text": {"type": "string", "minLength": 1, "maxLength": %d},
    "correlationId": {"type": "string"}
  },
  "required": ["type", "text"],
  "additionalProperties": false
}`, MaxMessageText)

const toolDecisionSchema = `{
  "type": "object",
  "properties": {
    "type": {"const": "tool_decision"},
    "requestId": {"type": "string", "minLength": 1},
    "approved": {"type": "boolean"},
    "params": {"type": "object"},
    "tool": {"type": "string"},
    "correlationId": {"type": "string"}
  },
  "required": ["type", "requestId", "approved"],
  "additionalProperties": false
}`

// InboundEvent is a validated client event. Fields not used by Type are zero.
type InboundEvent struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Text          string         `json:"text,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	Approved      bool           `json:"approved,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Tool          string         `json:"tool,omitempty"`
}

// Decision converts a tool_decision event.
func (e *InboundEvent) Decision(correlationID string) domain.Decision {
	params := e.Params
	if params == nil {
		params = map[string]any{}
	}
	return domain.Decision{
		RequestID:     e.RequestID,
		Approved:      e.Approved,
		Params:        params,
		Tool:          e.Tool,
		CorrelationID: correlationID,
	}
}

// InboundValidator decodes and validates raw client frames.
type InboundValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewInboundValidator compiles the inbound event schemas.
func NewInboundValidator() (*InboundValidator, error) {
	v := &InboundValidator{schemas: make(map[string]*jsonschema.Schema, 2)}
	for name, raw := range map[string]string{
		EventMessage:      messageSchema,
		EventToolDecision: toolDecisionSchema,
	} {
		schema, err := jsonschema.NewCompiler().Compile([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Parse turns a raw frame into an event. Failures come back as user-category
// client errors carrying the protocol error code.
func (v *InboundValidator) Parse(raw []byte) (*InboundEvent, *domain.ClientError) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		ce := domain.UserError(domain.CodeInvalidJSON, "Invalid JSON")
		ce.Err = err
		return nil, ce
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return nil, domain.UserError(domain.CodeInvalidEvent, "Invalid event")
	}

	typ, _ := obj["type"].(string)
	schema, ok := v.schemas[typ]
	if !ok {
		ce := domain.UserError(domain.CodeInvalidEventSchema, "Invalid schema")
		ce.Details = map[string]any{
			"errors": []string{fmt.Sprintf("type must be %q or %q", EventMessage, EventToolDecision)},
			"path":   []string{"type"},
		}
		return nil, ce
	}
	if result := schema.Validate(obj); !result.IsValid() {
		ce := domain.UserError(domain.CodeInvalidEventSchema, "Invalid schema")
		ce.Details = map[string]any{
			"errors": []string{result.Error()},
			"type":   typ,
		}
		return nil, ce
	}

	var ev InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		ce := domain.UserError(domain.CodeInvalidEventSchema, "Invalid schema")
		ce.Err = err
		return nil, ce
	}
	if ev.Type == EventMessage {
		ev.Text = truncateRunes(ev.Text, MaxMessageText)
	}
	return &ev, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
