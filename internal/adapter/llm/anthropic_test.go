package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/config"
	"relay-ai/internal/infra/logger"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicProvider(config.LLMConfig{
		Provider:  "anthropic",
		APIKey:    "test-key",
		Model:     "claude-test",
		BaseURL:   srv.URL,
		MaxTokens: 256,
	}, logger.Discard())
}

func writeSSE(t *testing.T, w http.ResponseWriter, events []string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	for _, ev := range events {
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev), &probe))
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", probe.Type, ev)
		flusher.Flush()
	}
}

func collect(t *testing.T, stream domain.ResponseStream) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

var (
	sseMessageStart = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}`
	sseMessageStop  = `{"type":"message_stop"}`
)

func TestAnthropicStreamTextAndTool(t *testing.T) {
	var gotBody map[string]any
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		writeSSE(t, w, []string{
			sseMessageStart,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Sure, "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"writing it."}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"create_file","input":{}}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"notes.txt\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":30}}`,
			sseMessageStop,
		})
	})

	stream, err := p.StreamWithTools(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("write notes")}}},
		Tools: []domain.ToolSchema{{
			Name:        "create_file",
			Description: "Create a file",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	events := collect(t, stream)
	require.Len(t, events, 3)
	assert.Equal(t, domain.TextDelta, events[0].Kind)
	assert.Equal(t, "Sure, ", events[0].Text)
	assert.Equal(t, "writing it.", events[1].Text)
	assert.Equal(t, domain.ToolInvocationStarted, events[2].Kind)
	assert.Equal(t, "toolu_1", events[2].ID)
	assert.Equal(t, "create_file", events[2].Name)

	final, err := stream.Final(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "msg_1", final.ID)
	assert.Equal(t, "tool_use", final.StopReason)
	assert.Equal(t, 12, final.Usage.InputTokens)
	assert.Equal(t, 30, final.Usage.OutputTokens)
	require.Len(t, final.Content, 2)
	assert.Equal(t, "Sure, writing it.", final.Content[0].Text)
	assert.Equal(t, domain.BlockToolUse, final.Content[1].Type)
	assert.JSONEq(t, `{"path":"notes.txt"}`, string(final.Content[1].Input))
	assert.NoError(t, stream.Err())

	assert.Equal(t, "claude-test", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	tools, _ := gotBody["tools"].([]any)
	assert.Len(t, tools, 1)
}

func TestAnthropicStreamOpenError(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	})

	stream, err := p.StreamWithTools(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("hi")}}},
	})
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "API error 529")
	assert.Contains(t, err.Error(), "Overloaded")
}

func TestAnthropicStreamEndsEarly(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(t, w, []string{
			sseMessageStart,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		})
	})

	stream, err := p.StreamWithTools(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("hi")}}},
	})
	require.NoError(t, err)

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Text)

	_, err = stream.Final(context.Background())
	require.Error(t, err)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(t, w, []string{
			sseMessageStart,
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		})
	})

	stream, err := p.StreamWithTools(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("hi")}}},
	})
	require.NoError(t, err)
	collect(t, stream)

	_, err = stream.Final(context.Background())
	require.Error(t, err)
}

func TestAnthropicCreateWithTools(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Nil(t, body["stream"])
		assert.EqualValues(t, 64, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"msg_2","type":"message","role":"assistant","model":"claude-test",
			"content":[
				{"type":"text","text":"Creating the file."},
				{"type":"tool_use","id":"toolu_9","name":"create_file","input":{"path":"a.txt","content":"hello"}}
			],
			"stop_reason":"tool_use","stop_sequence":null,
			"usage":{"input_tokens":5,"output_tokens":7}
		}`)
	})

	res, err := p.CreateWithTools(context.Background(), domain.CompletionRequest{
		MaxTokens: 64,
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("make a.txt")}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_2", res.ID)
	assert.Equal(t, "tool_use", res.StopReason)
	assert.Equal(t, 5, res.Usage.InputTokens)
	require.Len(t, res.Content, 2)
	assert.Equal(t, "Creating the file.", res.Content[0].Text)
	assert.Equal(t, "toolu_9", res.Content[1].ID)
	assert.JSONEq(t, `{"path":"a.txt","content":"hello"}`, string(res.Content[1].Input))
}

func TestAnthropicCreateRateLimited(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := p.CreateWithTools(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("hi")}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Contains(t, err.Error(), "API error 429")
}

func TestToMessageParamsMergesUserTurns(t *testing.T) {
	transcript := []domain.Message{
		{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("write a file")}},
		{Role: domain.RoleAssistant, Content: []domain.ContentBlock{
			domain.TextBlock("ok"),
			{Type: domain.BlockToolUse, ID: "toolu_1", Name: "create_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
		}},
		{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("actually, b.txt")}},
		{Role: domain.RoleToolResult, Content: []domain.ContentBlock{{
			Type: domain.BlockToolResult, ToolUseID: "toolu_1", Content: `{"status":"abandoned"}`, IsError: true,
		}}},
		{Role: domain.RoleAssistant, Content: []domain.ContentBlock{domain.TextBlock("  ")}},
	}

	out, err := toMessageParams(transcript)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.EqualValues(t, "user", out[0].Role)
	assert.EqualValues(t, "assistant", out[1].Role)
	require.Len(t, out[1].Content, 2)
	require.NotNil(t, out[1].Content[1].OfToolUse)
	assert.Equal(t, "toolu_1", out[1].Content[1].OfToolUse.ID)

	assert.EqualValues(t, "user", out[2].Role)
	require.Len(t, out[2].Content, 2)
	require.NotNil(t, out[2].Content[0].OfToolResult, "tool results lead the merged turn")
	assert.Equal(t, "toolu_1", out[2].Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, out[2].Content[1].OfText)
	assert.Equal(t, "actually, b.txt", out[2].Content[1].OfText.Text)
}

func TestToMessageParamsBadToolInput(t *testing.T) {
	_, err := toMessageParams([]domain.Message{{
		Role:    domain.RoleAssistant,
		Content: []domain.ContentBlock{{Type: domain.BlockToolUse, ID: "x", Name: "create_file", Input: json.RawMessage(`not json`)}},
	}})
	require.Error(t, err)
}

func TestToToolParams(t *testing.T) {
	tools, err := toToolParams([]domain.ToolSchema{{
		Name:        "create_file",
		Description: "Create a file",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "create_file", tools[0].OfTool.Name)

	_, err = toToolParams([]domain.ToolSchema{{Name: "bad", Parameters: json.RawMessage(`[`)}})
	require.Error(t, err)
}

func TestRawInput(t *testing.T) {
	assert.JSONEq(t, `{}`, string(rawInput(nil)))
	assert.JSONEq(t, `{"a":1}`, string(rawInput(map[string]any{"a": 1})))
	assert.JSONEq(t, `{"a":1}`, string(rawInput(json.RawMessage(`{"a":1}`))))
}
