package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/tracer"
)

// callOutcome summarizes one completed provider call.
type callOutcome struct {
	text      string
	requested []string // request-ids parked by this call
}

// stageError names the step of a streamed call that failed while keeping
// the provider's own message reachable for the human-facing notice.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// providerCause strips the stage prefix from err.
func providerCause(err error) error {
	var se *stageError
	if errors.As(err, &se) {
		return se.err
	}
	return err
}

// completionRequest builds the main conversation request from the session
// transcript.
func (r *Relay) completionRequest(s *Session) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: 0,
		Tools:       r.tools,
		Messages:    RepairTranscript(s.Transcript()),
	}
}

// streamTurn runs one multiplexed streaming call: text deltas are forwarded
// until the first tool invocation, every invocation is parked and announced,
// and the finalized turn is appended to the transcript.
func (r *Relay) streamTurn(ctx context.Context, s *Session, correlationID string) (out callOutcome, err error) {
	ctx, span := tracer.StartSpan(ctx, "relay.llm.stream",
		trace.WithAttributes(tracer.StringAttr("session.id", s.ID)),
	)
	defer span.End()
	start := time.Now()
	log := r.sessionLogger(s, correlationID)

	var final *domain.Completion
	defer func() {
		r.recordCall(ctx, s, "stream", start, final, err)
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
	}()

	stream, err := r.deps.Provider.StreamWithTools(ctx, r.completionRequest(s))
	if err != nil {
		return out, &stageError{stage: "open stream", err: err}
	}

	var acc strings.Builder
	for ev := range stream.Events() {
		switch ev.Kind {
		case domain.ToolInvocationStarted:
			id := r.announce(ctx, s, ev.ID, ev.Name, domain.DecodeInput(ev.Input), correlationID)
			out.requested = append(out.requested, id)
		case domain.TextDelta:
			if ev.Text == "" {
				continue
			}
			acc.WriteString(ev.Text)
			if len(out.requested) == 0 {
				r.emit(ctx, s, domain.AIStream(ev.Text, correlationID))
			}
		}
	}
	if iterErr := stream.Err(); iterErr != nil {
		log.Debug("stream iteration failed, finalizing anyway", "error", iterErr)
	}

	final, err = stream.Final(ctx)
	if err != nil {
		// The parked requests never reached the transcript.
		s.dropPending(out.requested)
		out.requested = nil
		return out, &stageError{stage: "finalize stream", err: err}
	}

	msg := domain.Message{Role: domain.RoleAssistant, Content: final.Content}
	s.appendTurn(msg)
	out.requested = r.reconcile(ctx, s, msg, out.requested, correlationID)

	out.text = domain.JoinText(final.Content)
	if out.text == "" {
		out.text = strings.TrimSpace(acc.String())
	}
	if out.text != "" {
		r.deps.ChatLog.Append(domain.ChatRoleAssistant, out.text)
	}
	r.emit(ctx, s, domain.AIDone(out.text, correlationID))

	span.SetAttributes(tracer.IntAttr("tool.requests", len(out.requested)))
	return out, nil
}

// announce mints a request-id, records the invocation as pending and tells
// the human about it.
func (r *Relay) announce(ctx context.Context, s *Session, toolUseID, name string, input map[string]any, correlationID string) string {
	requestID := uuid.NewString()
	if name == "" {
		name = CreateFileToolName
	}
	s.park(requestID, domain.PendingTool{ToolUseID: toolUseID, Name: name, Input: input})
	r.sessionLogger(s, correlationID).Info("tool requested",
		"request_id", requestID, "tool", name)
	r.emit(ctx, s, domain.ToolRequested(requestID, name, input, toolExplanation, correlationID))
	return requestID
}

// reconcile copies finalized tool_use handles onto the request-ids minted
// during streaming. Provider finalization order matches announcement order, so
// the match is positional. The announced input is left as it was shown to the
// human. Invocations the stream never announced are parked now.
func (r *Relay) reconcile(ctx context.Context, s *Session, msg domain.Message, requested []string, correlationID string) []string {
	uses := msg.ToolUses()
	for i, requestID := range requested {
		if i >= len(uses) {
			break
		}
		fin := uses[i]
		s.updatePending(requestID, func(pt *domain.PendingTool) {
			if fin.ID != "" {
				pt.ToolUseID = fin.ID
			}
			if fin.Name != "" {
				pt.Name = fin.Name
			}
		})
	}
	for i := len(requested); i < len(uses); i++ {
		u := uses[i]
		requested = append(requested, r.announce(ctx, s, u.ID, u.Name, domain.DecodeInput(u.Input), correlationID))
	}
	return requested
}

// recordCall publishes the outcome of one provider call.
func (r *Relay) recordCall(ctx context.Context, s *Session, mode string, start time.Time, c *domain.Completion, err error) {
	p := domain.LLMCallPayload{
		Provider:     r.deps.Provider.Name(),
		Model:        r.cfg.Model,
		Mode:         mode,
		Status:       "success",
		DurationSecs: time.Since(start).Seconds(),
	}
	if err != nil {
		p.Status = "error"
	}
	if c != nil {
		p.InputTokens = c.Usage.InputTokens
		p.OutputTokens = c.Usage.OutputTokens
	}
	r.publish(ctx, domain.EventLLMCallCompleted, s.ID, p)
}
