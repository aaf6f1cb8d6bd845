package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role constants for transcript turns.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one provider-shaped unit of a transcript turn.
// Only the fields relevant to Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result block whose content is the JSON encoding of payload.
func ToolResultBlock(toolUseID string, payload any, isError bool) (ContentBlock, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ContentBlock{}, err
	}
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   string(data),
		IsError:   isError,
	}, nil
}

// Message is a single turn in a conversation transcript.
type Message struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// JoinedText joins the text blocks with newlines and trims the result.
func (m Message) JoinedText() string {
	return JoinText(m.Content)
}

// JoinText joins the text blocks of blocks with newlines and trims the result.
func JoinText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatRole tags an entry of the human-facing chat log.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// ChatEntry is one line of the human-facing chat log. It is distinct from
// the provider-shaped transcript.
type ChatEntry struct {
	ID   string   `json:"id"`
	Text string   `json:"text"`
	TS   int64    `json:"ts"` // unix millis
	Role ChatRole `json:"role"`
}
