package usecase

import (
	"slices"
	"time"

	"relay-ai/internal/domain"
)

// repairPayload is the tool_result content injected for unanswered tool_use blocks.
const repairPayload = `{"error":"no_result","message":"tool call did not produce a result"}`

// RepairTranscript fixes broken tool chains before a transcript is sent to a
// provider:
//  1. Every tool_use of an assistant turn that never received a tool_result
//     gets an error tool_result, placed before the next assistant turn (or at
//     the end).
//  2. tool_result blocks that answer no outstanding tool_use are removed.
//
// Returns a new slice (does not modify the input).
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	var open []string // tool_use ids still waiting for a result, in order

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			result = injectMissingResults(result, open)
			open = open[:0]
			for _, b := range msg.ToolUses() {
				if b.ID != "" {
					open = append(open, b.ID)
				}
			}
			result = append(result, msg)

		case domain.RoleToolResult:
			kept := make([]domain.ContentBlock, 0, len(msg.Content))
			for _, b := range msg.Content {
				if b.Type != domain.BlockToolResult {
					kept = append(kept, b)
					continue
				}
				i := slices.Index(open, b.ToolUseID)
				if i < 0 {
					// Orphan: no matching tool_use.
					continue
				}
				open = slices.Delete(open, i, i+1)
				kept = append(kept, b)
			}
			if len(kept) == 0 {
				continue
			}
			msg.Content = kept
			result = append(result, msg)

		default:
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, open)
}

// injectMissingResults appends one error tool_result turn per unanswered id.
func injectMissingResults(msgs []domain.Message, open []string) []domain.Message {
	for _, id := range open {
		msgs = append(msgs, domain.Message{
			Role: domain.RoleToolResult,
			Content: []domain.ContentBlock{{
				Type:      domain.BlockToolResult,
				ToolUseID: id,
				Content:   repairPayload,
				IsError:   true,
			}},
			Timestamp: time.Now(),
		})
	}
	return msgs
}
