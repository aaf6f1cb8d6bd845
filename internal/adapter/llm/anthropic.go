package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/otel/trace"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/config"
	"relay-ai/internal/infra/tracer"
)

// streamBuffer bounds how far the reader goroutine may run ahead of the consumer.
const streamBuffer = 64

// errIncompleteStream reports a stream that ended before message_stop.
var errIncompleteStream = errors.New("stream ended before message_stop")

// AnthropicProvider implements domain.LLMProvider on the Anthropic Messages API.
type AnthropicProvider struct {
	model     string
	maxTokens int
	client    anthropic.Client
	logger    *slog.Logger
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
// Retries are disabled: the relay falls back to a second call itself.
func NewAnthropicProvider(cfg config.LLMConfig, logger *slog.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	return &AnthropicProvider{
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    anthropic.NewClient(opts...),
		logger:    logger,
	}
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// StreamWithTools implements domain.LLMProvider. The first server event is
// read before returning, so HTTP-level failures surface here rather than
// mid-stream.
func (p *AnthropicProvider) StreamWithTools(ctx context.Context, req domain.CompletionRequest) (domain.ResponseStream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err == nil {
			err = errIncompleteStream
		}
		return nil, mapProviderError(err)
	}

	s := newAnthropicStream()
	go s.read(ctx, stream)
	return s, nil
}

// CreateWithTools implements domain.LLMProvider.
func (p *AnthropicProvider) CreateWithTools(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.create",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.Name()),
			tracer.StringAttr("llm.model", p.modelFor(req)),
		),
	)
	defer span.End()

	params, err := p.buildParams(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		err = mapProviderError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromMessage(msg)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCallCompleted(p.logger, p.Name(), "create", result)
	return result, nil
}

func (p *AnthropicProvider) modelFor(req domain.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *AnthropicProvider) buildParams(req domain.CompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages, err := toMessageParams(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.modelFor(req)),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(req.Tools) > 0 {
		tools, err := toToolParams(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// toMessageParams converts a transcript into provider messages. Consecutive
// non-assistant turns are merged into one user message with tool_result
// blocks first, as the API requires strictly alternating roles. Empty turns
// are dropped.
func toMessageParams(transcript []domain.Message) ([]anthropic.MessageParam, error) {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
		texts   []anthropic.ContentBlockParamUnion
	)
	flushUser := func() {
		if len(results)+len(texts) == 0 {
			return
		}
		blocks := append(results, texts...)
		out = append(out, anthropic.NewUserMessage(blocks...))
		results, texts = nil, nil
	}

	for _, m := range transcript {
		if m.Role != domain.RoleAssistant {
			for _, b := range m.Content {
				switch b.Type {
				case domain.BlockToolResult:
					results = append(results, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
				case domain.BlockText:
					if strings.TrimSpace(b.Text) != "" {
						texts = append(texts, anthropic.NewTextBlock(b.Text))
					}
				}
			}
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case domain.BlockText:
				if strings.TrimSpace(b.Text) != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case domain.BlockToolUse:
				input := map[string]any{}
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use %s input: %w", b.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		flushUser()
		out = append(out, anthropic.NewAssistantMessage(blocks...))
	}
	flushUser()
	return out, nil
}

func toToolParams(tools []domain.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tp.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		if t.Description != "" {
			tp.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, tp)
	}
	return out, nil
}

// fromMessage converts a finalized provider message.
func fromMessage(msg *anthropic.Message) *domain.Completion {
	c := &domain.Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: domain.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			c.Content = append(c.Content, domain.TextBlock(b.AsText().Text))
		case "tool_use":
			tu := b.AsToolUse()
			c.Content = append(c.Content, domain.ContentBlock{
				Type:  domain.BlockToolUse,
				ID:    tu.ID,
				Name:  tu.Name,
				Input: rawInput(tu.Input),
			})
		}
	}
	return c
}

// rawInput normalizes a tool input to a JSON object.
func rawInput(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil || len(data) == 0 || string(data) == "null" {
		return json.RawMessage(`{}`)
	}
	return data
}

// anthropicStream adapts an SDK event stream to domain.ResponseStream. A
// reader goroutine translates events and assembles the final completion.
type anthropicStream struct {
	events chan domain.StreamEvent
	done   chan struct{}

	mu       sync.Mutex
	result   domain.Completion
	inputs   map[int]*strings.Builder // partial tool input by block index
	blocks   map[int]int              // block index -> position in result.Content
	err      error
	complete bool
}

func newAnthropicStream() *anthropicStream {
	return &anthropicStream{
		events: make(chan domain.StreamEvent, streamBuffer),
		done:   make(chan struct{}),
		inputs: make(map[int]*strings.Builder),
		blocks: make(map[int]int),
	}
}

func (s *anthropicStream) read(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) {
	defer close(s.done)
	defer close(s.events)
	defer stream.Close()

	// StreamWithTools already advanced to the first event.
	for {
		if !s.handle(ctx, stream.Current()) {
			return
		}
		if !stream.Next() {
			break
		}
	}
	if err := stream.Err(); err != nil {
		s.fail(mapProviderError(err))
	}
}

// handle processes one event and reports whether reading should continue.
func (s *anthropicStream) handle(ctx context.Context, ev anthropic.MessageStreamEventUnion) bool {
	var out *domain.StreamEvent

	s.mu.Lock()
	switch ev.Type {
	case "message_start":
		msg := ev.AsMessageStart().Message
		s.result.ID = msg.ID
		s.result.Model = string(msg.Model)
		s.result.Usage.InputTokens = int(msg.Usage.InputTokens)
		s.result.Usage.OutputTokens = int(msg.Usage.OutputTokens)

	case "content_block_start":
		start := ev.AsContentBlockStart()
		idx := int(start.Index)
		switch start.ContentBlock.Type {
		case "text":
			s.blocks[idx] = len(s.result.Content)
			s.result.Content = append(s.result.Content, domain.TextBlock(start.ContentBlock.Text))
		case "tool_use":
			tu := start.ContentBlock.AsToolUse()
			input := rawInput(tu.Input)
			s.blocks[idx] = len(s.result.Content)
			s.result.Content = append(s.result.Content, domain.ContentBlock{
				Type:  domain.BlockToolUse,
				ID:    tu.ID,
				Name:  tu.Name,
				Input: input,
			})
			s.inputs[idx] = &strings.Builder{}
			e := domain.NewToolInvocation(tu.ID, tu.Name, input)
			out = &e
		}

	case "content_block_delta":
		d := ev.AsContentBlockDelta()
		idx := int(d.Index)
		pos, ok := s.blocks[idx]
		switch d.Delta.Type {
		case "text_delta":
			if ok {
				s.result.Content[pos].Text += d.Delta.Text
			}
			if d.Delta.Text != "" {
				e := domain.NewTextDelta(d.Delta.Text)
				out = &e
			}
		case "input_json_delta":
			if b := s.inputs[idx]; b != nil {
				b.WriteString(d.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		idx := int(ev.AsContentBlockStop().Index)
		if b := s.inputs[idx]; b != nil {
			if b.Len() > 0 {
				s.result.Content[s.blocks[idx]].Input = json.RawMessage(b.String())
			}
			delete(s.inputs, idx)
		}

	case "message_delta":
		md := ev.AsMessageDelta()
		if md.Delta.StopReason != "" {
			s.result.StopReason = string(md.Delta.StopReason)
		}
		if md.Usage.OutputTokens > 0 {
			s.result.Usage.OutputTokens = int(md.Usage.OutputTokens)
		}

	case "message_stop":
		s.complete = true

	case "error":
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: stream error event", domain.ErrProviderError))
		return false
	}
	s.mu.Unlock()

	if out == nil {
		return true
	}
	select {
	case s.events <- *out:
		return true
	case <-ctx.Done():
		s.fail(mapProviderError(ctx.Err()))
		return false
	}
}

func (s *anthropicStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Events implements domain.ResponseStream.
func (s *anthropicStream) Events() <-chan domain.StreamEvent { return s.events }

// Err implements domain.ResponseStream.
func (s *anthropicStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Final implements domain.ResponseStream. A turn that reached message_stop
// is returned even when the connection failed afterwards.
func (s *anthropicStream) Final(ctx context.Context) (*domain.Completion, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, mapProviderError(ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.complete {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errIncompleteStream
	}
	c := s.result
	c.Content = append([]domain.ContentBlock(nil), s.result.Content...)
	return &c, nil
}
