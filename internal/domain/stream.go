package domain

import "encoding/json"

// StreamEventKind tags a StreamEvent.
type StreamEventKind int

const (
	// TextDelta carries incremental assistant text.
	TextDelta StreamEventKind = iota + 1
	// ToolInvocationStarted announces a tool invocation as soon as the provider opens its block.
	ToolInvocationStarted
)

func (k StreamEventKind) String() string {
	switch k {
	case TextDelta:
		return "text_delta"
	case ToolInvocationStarted:
		return "tool_invocation_started"
	default:
		return "unknown"
	}
}

// StreamEvent is the closed union of events a ResponseStream yields.
type StreamEvent struct {
	Kind StreamEventKind

	// TextDelta
	Text string

	// ToolInvocationStarted
	ID    string
	Name  string
	Input json.RawMessage
}

// NewTextDelta builds a TextDelta event.
func NewTextDelta(text string) StreamEvent {
	return StreamEvent{Kind: TextDelta, Text: text}
}

// NewToolInvocation builds a ToolInvocationStarted event.
func NewToolInvocation(id, name string, input json.RawMessage) StreamEvent {
	return StreamEvent{Kind: ToolInvocationStarted, ID: id, Name: name, Input: input}
}
