package domain

import "context"

// NotificationType identifies an outbound notification.
type NotificationType string

const (
	NotifyMessage     NotificationType = "message"
	NotifyHistory     NotificationType = "history"
	NotifyAIStream    NotificationType = "ai_stream"
	NotifyAIDone      NotificationType = "ai_done"
	NotifyToolRequest NotificationType = "tool_request"
	NotifyToolStream  NotificationType = "tool_stream"
	NotifyFileCreated NotificationType = "file_created"
	NotifyError       NotificationType = "error"
)

// Notification is the envelope for everything the relay sends to a client.
// Only the fields relevant to Type are populated.
type Notification struct {
	Type          NotificationType `json:"type"`
	CorrelationID string           `json:"correlationId,omitempty"`
	RequestID     string           `json:"requestId,omitempty"`

	// ai_stream, ai_done
	Text string `json:"text,omitempty"`

	// message
	Payload *MessagePayload `json:"payload,omitempty"`

	// history
	Messages []HistoryEntry `json:"messages,omitempty"`

	// tool_request
	Tool        string         `json:"tool,omitempty"`
	Params      map[string]any `json:"params,omitzero"`
	Explanation string         `json:"explanation,omitempty"`

	// tool_stream, file_created
	Done    *bool  `json:"done,omitempty"`
	Bytes   *int   `json:"bytes,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// error (Error is also the failure text of a tool_stream)
	Category  ErrorCategory  `json:"category,omitempty"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Retryable *bool          `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// IsDone reports whether a tool_stream notification marks completion.
func (n Notification) IsDone() bool { return n.Done != nil && *n.Done }

// MessagePayload is the body of a chat line notification.
type MessagePayload struct {
	ID   string `json:"id"`
	User string `json:"user"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// HistoryEntry is a chat log line replayed on connect.
type HistoryEntry struct {
	ChatEntry
	User string `json:"user"`
}

// NotificationSink accepts notifications for one client, preserving order.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationSinkFunc adapts a function to NotificationSink.
type NotificationSinkFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n).
func (f NotificationSinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// DiscardSink drops every notification.
var DiscardSink NotificationSink = NotificationSinkFunc(func(context.Context, Notification) error { return nil })

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// AIStream builds an assistant text delta.
func AIStream(text, correlationID string) Notification {
	return Notification{Type: NotifyAIStream, Text: text, CorrelationID: correlationID}
}

// AIDone builds the turn-completed marker. text may be empty.
func AIDone(text, correlationID string) Notification {
	return Notification{Type: NotifyAIDone, Text: text, CorrelationID: correlationID}
}

// ToolRequested announces a tool invocation awaiting approval.
func ToolRequested(requestID, tool string, params map[string]any, explanation, correlationID string) Notification {
	if params == nil {
		params = map[string]any{}
	}
	return Notification{
		Type:          NotifyToolRequest,
		RequestID:     requestID,
		Tool:          tool,
		Params:        params,
		Explanation:   explanation,
		CorrelationID: correlationID,
	}
}

// ToolProgress reports bytes written so far. total < 0 means unknown.
func ToolProgress(requestID string, bytes, total int, chunk, correlationID string) Notification {
	n := Notification{
		Type:          NotifyToolStream,
		RequestID:     requestID,
		Done:          boolPtr(false),
		Bytes:         intPtr(bytes),
		Chunk:         chunk,
		CorrelationID: correlationID,
	}
	if total >= 0 {
		n.Total = intPtr(total)
	}
	return n
}

// ToolCompleted reports the final path and size of a write.
func ToolCompleted(requestID, path string, bytes int, correlationID string) Notification {
	return Notification{
		Type:          NotifyToolStream,
		RequestID:     requestID,
		Done:          boolPtr(true),
		Path:          path,
		Bytes:         intPtr(bytes),
		CorrelationID: correlationID,
	}
}

// ToolFailed closes a tool_stream with an error.
func ToolFailed(requestID, errText, correlationID string) Notification {
	return Notification{
		Type:          NotifyToolStream,
		RequestID:     requestID,
		Done:          boolPtr(true),
		Error:         errText,
		CorrelationID: correlationID,
	}
}

// FileCreated carries the written content for clients that render it.
func FileCreated(requestID, path, content string, bytes int, correlationID string) Notification {
	return Notification{
		Type:          NotifyFileCreated,
		RequestID:     requestID,
		Path:          path,
		Content:       content,
		Bytes:         intPtr(bytes),
		CorrelationID: correlationID,
	}
}

// ChatMessage renders a chat log entry.
func ChatMessage(e ChatEntry, correlationID string) Notification {
	return Notification{
		Type:          NotifyMessage,
		Payload:       &MessagePayload{ID: e.ID, User: string(e.Role), Text: e.Text, TS: e.TS},
		CorrelationID: correlationID,
	}
}

// History renders the chat log replay sent on connect.
func History(entries []ChatEntry) Notification {
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{ChatEntry: e, User: string(e.Role)}
	}
	return Notification{Type: NotifyHistory, Messages: out}
}

// ErrorNotification renders a ClientError. Details are attached only when includeDetails is set.
func ErrorNotification(ce *ClientError, includeDetails bool, correlationID string) Notification {
	msg := ce.PublicMessage
	if msg == "" {
		msg = StableMessage(ce.Code)
	}
	n := Notification{
		Type:          NotifyError,
		Category:      ce.Category,
		Error:         string(ce.Code),
		Message:       msg,
		Retryable:     boolPtr(ce.Retryable),
		CorrelationID: correlationID,
	}
	if includeDetails {
		details := map[string]any{"message": ce.Message}
		for k, v := range ce.Details {
			details[k] = v
		}
		n.Details = details
	}
	return n
}
