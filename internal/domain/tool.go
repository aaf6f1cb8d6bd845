package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// PendingTool is a tool invocation awaiting a human decision.
type PendingTool struct {
	ToolUseID string         `json:"tool_use_id,omitempty"` // provider handle, may be unknown
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// Decision is a human approve/deny for a pending request.
type Decision struct {
	RequestID     string         `json:"requestId"`
	Approved      bool           `json:"approved"`
	Params        map[string]any `json:"params,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// DecodeInput turns a raw JSON tool input into an object. Empty or non-object
// input yields an empty map.
func DecodeInput(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return out
	}
	return m
}

// MergeParams overlays override onto base and returns a new map.
func MergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// CreateFileArgs is the typed view of file-creation tool params.
type CreateFileArgs struct {
	Path       string
	Content    string
	HasContent bool
}

// ParseCreateFileArgs extracts path and content from params. Content counts
// as present only when it is a string.
func ParseCreateFileArgs(params map[string]any) CreateFileArgs {
	var a CreateFileArgs
	if p, ok := params["path"].(string); ok {
		a.Path = strings.TrimSpace(p)
	}
	if c, ok := params["content"].(string); ok {
		a.Content = c
		a.HasContent = true
	}
	return a
}

// WriteRequest asks a FileWriter to persist content.
type WriteRequest struct {
	SessionID     string
	RequestID     string
	Path          string // relative to the outputs root; empty selects a default name
	Content       string // unused by WriteStream
	CorrelationID string
	Sink          NotificationSink
}

// WriteResult is the outcome of a successful write.
type WriteResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// FileWriter is the file-creation capability the engine gates behind approval.
// Both entry points emit tool_stream progress and completion notifications on req.Sink.
type FileWriter interface {
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)
	// WriteStream consumes chunks until the channel closes.
	WriteStream(ctx context.Context, req WriteRequest, chunks <-chan string) (*WriteResult, error)
	Name() string
}
