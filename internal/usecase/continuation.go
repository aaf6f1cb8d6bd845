package usecase

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/tracer"
)

// converse talks to the model about the current transcript: one streaming
// attempt, then one non-streaming fallback, then a terminal error notice.
// streamingInFlight is cleared and deferred decisions drained on every path.
func (r *Relay) converse(ctx context.Context, s *Session, correlationID string) error {
	ctx, span := tracer.StartSpan(ctx, "relay.turn",
		trace.WithAttributes(tracer.StringAttr("session.id", s.ID)),
	)
	defer span.End()
	log := r.sessionLogger(s, correlationID)

	s.setInFlight(true)
	defer func() {
		s.setInFlight(false)
		s.settle()
		r.drainDeferred(ctx, s)
	}()

	callCtx, cancel := r.callContext(ctx)
	_, err := r.streamTurn(callCtx, s, correlationID)
	cancel()
	if err == nil {
		tracer.SetOK(span)
		return nil
	}

	if ctx.Err() != nil {
		// The connection is gone; nobody is left to read a fallback answer.
		log.Info("turn abandoned", "error", err)
		tracer.RecordError(span, ctx.Err())
		return ctx.Err()
	}
	log.Warn("streaming call failed, falling back to create", "error", err)

	callCtx, cancel = r.callContext(ctx)
	fbErr := r.createTurn(callCtx, s, correlationID)
	cancel()
	if fbErr == nil {
		tracer.SetOK(span)
		return nil
	}

	log.Error("fallback call failed", "error", fbErr, "stream_error", err)
	tracer.RecordError(span, fbErr)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.systemNotice(ctx, s, noticeAIErrorPrefix+providerCause(err).Error(), correlationID, false)
	r.emitError(ctx, s, r.classifier.ClientError(fbErr), correlationID)
	return nil
}

// createTurn is the non-streaming fallback. Tool invocations are parked and
// announced like streamed ones; text arrives as a single delta.
func (r *Relay) createTurn(ctx context.Context, s *Session, correlationID string) (err error) {
	ctx, span := tracer.StartSpan(ctx, "relay.llm.create",
		trace.WithAttributes(tracer.StringAttr("session.id", s.ID)),
	)
	defer span.End()
	start := time.Now()

	var resp *domain.Completion
	defer func() {
		r.recordCall(ctx, s, "create", start, resp, err)
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
	}()

	resp, err = r.deps.Provider.CreateWithTools(ctx, r.completionRequest(s))
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("empty completion")
	}

	msg := domain.Message{Role: domain.RoleAssistant, Content: resp.Content}
	s.appendTurn(msg)
	for _, u := range msg.ToolUses() {
		r.announce(ctx, s, u.ID, u.Name, domain.DecodeInput(u.Input), correlationID)
	}

	text := msg.JoinedText()
	if text != "" {
		r.deps.ChatLog.Append(domain.ChatRoleAssistant, text)
		r.emit(ctx, s, domain.AIStream(text, correlationID))
	}
	r.emit(ctx, s, domain.AIDone(text, correlationID))
	return nil
}

func (r *Relay) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// DrainDeferred replays deferred decisions in arrival order.
func (r *Relay) DrainDeferred(ctx context.Context, s *Session) {
	s.turn.Lock()
	defer s.turn.Unlock()
	r.drainDeferred(ctx, s)
}

// drainDeferred pops one decision at a time and runs it to completion before
// the next. A drain started while another is running returns immediately;
// the running drain picks up anything queued meanwhile.
func (r *Relay) drainDeferred(ctx context.Context, s *Session) {
	if !s.beginDrain() {
		return
	}
	defer s.endDrain()

	for {
		d, ok := s.popDeferred()
		if !ok {
			return
		}
		if err := r.processDecision(ctx, s, d); err != nil {
			r.sessionLogger(s, d.CorrelationID).Warn("deferred decision failed",
				"request_id", d.RequestID, "error", err)
		}
	}
}
