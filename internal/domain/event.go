package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionOpened    EventType = "session.opened"
	EventSessionClosed    EventType = "session.closed"
	EventMessageReceived  EventType = "message.received"
	EventDecisionReceived EventType = "decision.received"
	EventDecisionDeferred EventType = "decision.deferred"
	EventLLMCallCompleted EventType = "llm.call.completed"
	EventToolExecuted     EventType = "tool.executed"
	EventToolDenied       EventType = "tool.denied"
	EventFrameTransferred EventType = "frame.transferred"
	EventAIUnavailable    EventType = "ai.unavailable"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. A payload that fails
// to encode is dropped.
func NewEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// LLMCallPayload describes a finished provider call.
type LLMCallPayload struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Mode         string  `json:"mode"`   // stream | create
	Status       string  `json:"status"` // success | error
	DurationSecs float64 `json:"duration_secs"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
}

// ToolPayload describes a tool outcome.
type ToolPayload struct {
	Tool         string  `json:"tool"`
	Status       string  `json:"status"` // success | error | denied
	Path         string  `json:"path,omitempty"`
	Bytes        int     `json:"bytes,omitempty"`
	DurationSecs float64 `json:"duration_secs,omitempty"`
}

// DecisionPayload describes an inbound decision.
type DecisionPayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// FramePayload describes one websocket frame.
type FramePayload struct {
	Direction string `json:"direction"` // inbound | outbound
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Size      int    `json:"size"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
