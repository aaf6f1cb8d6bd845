package domain

import "context"

// CompletionRequest is sent to an LLM provider.
type CompletionRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	Messages    []Message    `json:"messages"`
}

// Completion is the finalized provider turn.
type Completion struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// LLMProvider is the interface for the LLM backend.
type LLMProvider interface {
	// StreamWithTools opens a streaming call. Errors returned here mean the call never started.
	StreamWithTools(ctx context.Context, req CompletionRequest) (ResponseStream, error)
	// CreateWithTools performs a request/response call.
	CreateWithTools(ctx context.Context, req CompletionRequest) (*Completion, error)
	// Name returns the provider's identifier (e.g., "anthropic").
	Name() string
}

// ResponseStream is an open streaming call.
//
// Events is closed when the provider stops sending; Err then reports an
// iteration failure, if any. Final blocks until the stream has ended and
// returns the reconciled turn, or an error when no complete turn is available.
type ResponseStream interface {
	Events() <-chan StreamEvent
	Err() error
	Final(ctx context.Context) (*Completion, error)
}
