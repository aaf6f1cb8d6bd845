package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/tracer"
)

// deniedPayload is the tool_result content recorded for a refused request.
var deniedPayload = map[string]string{
	"error":   "denied",
	"message": "User denied tool execution.",
}

// ProcessDecision resolves a pending tool request: deny reinjects a refusal,
// approve executes the tool and reinjects its result. Both resume the
// conversation. A decision for an unknown request-id is a logged no-op.
func (r *Relay) ProcessDecision(ctx context.Context, s *Session, d domain.Decision) error {
	s.turn.Lock()
	defer s.turn.Unlock()
	defer r.drainDeferred(ctx, s)
	return r.processDecision(ctx, s, d)
}

func (r *Relay) processDecision(ctx context.Context, s *Session, d domain.Decision) error {
	log := r.sessionLogger(s, d.CorrelationID).With("request_id", d.RequestID)
	log.Info("processing tool decision",
		"tool", d.Tool,
		"approved", d.Approved,
		"params_keys", paramKeys(d.Params),
	)
	r.publish(ctx, domain.EventDecisionReceived, s.ID,
		domain.DecisionPayload{RequestID: d.RequestID, Approved: d.Approved})

	pt, ok := s.takePending(d.RequestID)
	if !ok {
		log.Warn("no pending tool request found")
		return nil
	}
	if pt.ToolUseID == "" {
		pt.ToolUseID = r.recoverHandle(s, pt, d.Tool)
	}

	if !d.Approved {
		return r.deny(ctx, s, d, pt, log)
	}
	return r.approve(ctx, s, d, pt, log)
}

// recoverHandle finds the provider handle for a pending record that never
// captured one, from the most recent assistant turn: a lone tool_use wins,
// otherwise the first whose name matches, otherwise the first.
func (r *Relay) recoverHandle(s *Session, pt domain.PendingTool, decisionTool string) string {
	last, ok := s.lastAssistant()
	if !ok {
		return ""
	}
	uses := last.ToolUses()
	switch len(uses) {
	case 0:
		return ""
	case 1:
		return uses[0].ID
	}
	for _, u := range uses {
		if u.Name == pt.Name || (decisionTool != "" && u.Name == decisionTool) {
			return u.ID
		}
	}
	return uses[0].ID
}

func (r *Relay) deny(ctx context.Context, s *Session, d domain.Decision, pt domain.PendingTool, log *slog.Logger) error {
	tool := firstNonEmpty(pt.Name, d.Tool, CreateFileToolName)
	path := domain.ParseCreateFileArgs(domain.MergeParams(pt.Input, d.Params)).Path

	log.Info("tool execution denied by user", "tool", tool, "path", path)
	r.publish(ctx, domain.EventToolDenied, s.ID, domain.ToolPayload{Tool: tool, Status: "denied"})
	r.systemNotice(ctx, s, noticeDenied, d.CorrelationID, true)

	if err := r.appendToolResult(s, pt.ToolUseID, deniedPayload, true); err != nil {
		return err
	}
	s.appendTurn(domain.Message{
		Role:    domain.RoleUser,
		Content: []domain.ContentBlock{domain.TextBlock(denialInstruction(tool, path))},
	})
	return r.resume(ctx, s, d.CorrelationID)
}

func (r *Relay) approve(ctx context.Context, s *Session, d domain.Decision, pt domain.PendingTool, log *slog.Logger) error {
	res, err := r.execute(ctx, s, d, pt, log)
	if err != nil {
		return err
	}
	if err := r.appendToolResult(s, pt.ToolUseID, res, false); err != nil {
		return err
	}
	return r.resume(ctx, s, d.CorrelationID)
}

// execute runs an approved file creation from the approved params alone;
// without a content string the file is generated. Failures are recorded and reported to the human before they are returned.
func (r *Relay) execute(ctx context.Context, s *Session, d domain.Decision, pt domain.PendingTool, log *slog.Logger) (res *domain.WriteResult, err error) {
	tool := firstNonEmpty(d.Tool, pt.Name, CreateFileToolName)
	args := domain.ParseCreateFileArgs(d.Params)

	s.beginExecuting(d.RequestID)
	ctx, span := tracer.StartSpan(ctx, "relay.tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", tool),
			tracer.StringAttr("tool.request_id", d.RequestID),
		),
	)
	defer span.End()
	start := time.Now()

	defer func() {
		if err == nil {
			return
		}
		s.settle()
		tracer.RecordError(span, err)
		log.Error("tool execution failed", "tool", tool, "error", err)
		r.publish(ctx, domain.EventToolExecuted, s.ID, domain.ToolPayload{
			Tool: tool, Status: "error", DurationSecs: time.Since(start).Seconds(),
		})
		r.emitError(ctx, s, domain.ToClientError(err, domain.CodeToolFailure), d.CorrelationID)
	}()

	if pt.Name != CreateFileToolName && d.Tool != CreateFileToolName {
		return nil, domain.NewDomainError("Relay.ProcessDecision", domain.ErrToolNotFound, firstNonEmpty(pt.Name, d.Tool))
	}
	if r.deps.Writer == nil {
		return nil, domain.NewDomainError("Relay.ProcessDecision", domain.ErrWriterUnavailable, tool)
	}

	r.systemNotice(ctx, s, fmt.Sprintf("Executing %s...", tool), d.CorrelationID, true)

	req := domain.WriteRequest{
		SessionID:     s.ID,
		RequestID:     d.RequestID,
		Path:          args.Path,
		Content:       args.Content,
		CorrelationID: d.CorrelationID,
		Sink:          s.sink,
	}

	if args.HasContent {
		log.Info("executing file write with provided content",
			"content_length", len(args.Content), "path", args.Path)
		span.SetAttributes(tracer.StringAttr("tool.mode", "direct"))
		res, err = r.deps.Writer.Write(ctx, req)
	} else {
		log.Info("executing file write via generation", "path", args.Path)
		span.SetAttributes(tracer.StringAttr("tool.mode", "generate"))
		res, err = r.generate(ctx, s, req, log)
	}
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", tool, err)
	}
	if res == nil {
		return nil, fmt.Errorf("execute %s: %w", tool, domain.ErrToolFailure)
	}

	log.Info("tool execution completed", "path", res.Path, "bytes", res.Bytes)
	span.SetAttributes(tracer.IntAttr("tool.bytes", res.Bytes))
	tracer.SetOK(span)
	r.publish(ctx, domain.EventToolExecuted, s.ID, domain.ToolPayload{
		Tool: tool, Status: "success", Path: res.Path, Bytes: res.Bytes,
		DurationSecs: time.Since(start).Seconds(),
	})
	return res, nil
}

// generate streams file content from a separate, tool-less completion
// straight into the writer.
func (r *Relay) generate(ctx context.Context, s *Session, req domain.WriteRequest, log *slog.Logger) (*domain.WriteResult, error) {
	if r.deps.Provider == nil {
		return nil, domain.ErrProviderUnavailable
	}
	ctx, span := tracer.StartSpan(ctx, "relay.tool.generate")
	defer span.End()

	gctx, cancel := r.callContext(ctx)
	defer cancel()

	start := time.Now()
	stream, err := r.deps.Provider.StreamWithTools(gctx, domain.CompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.GenerateTokens,
		Temperature: 0,
		Messages: []domain.Message{{
			Role:    domain.RoleUser,
			Content: []domain.ContentBlock{domain.TextBlock(generationPrompt(s.LastUserText()))},
		}},
	})
	if err != nil {
		r.recordCall(ctx, s, "generate", start, nil, err)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("open generation stream: %w", err)
	}

	type writeOutcome struct {
		res *domain.WriteResult
		err error
	}
	chunks := make(chan string)
	done := make(chan writeOutcome, 1)
	go func() {
		res, err := r.deps.Writer.WriteStream(gctx, req, chunks)
		done <- writeOutcome{res, err}
	}()

	var out writeOutcome
	finished := false
feed:
	for ev := range stream.Events() {
		if ev.Kind != domain.TextDelta || ev.Text == "" {
			continue
		}
		select {
		case chunks <- ev.Text:
		case out = <-done:
			// The writer gave up; stop feeding it.
			finished = true
			break feed
		}
	}
	close(chunks)
	if !finished {
		out = <-done
	}
	if iterErr := stream.Err(); iterErr != nil {
		log.Debug("generation stream ended with error", "error", iterErr)
	}

	r.recordCall(ctx, s, "generate", start, nil, out.err)
	if out.err != nil {
		tracer.RecordError(span, out.err)
	} else {
		tracer.SetOK(span)
	}
	return out.res, out.err
}

// resume talks to the model again once every request of the latest
// assistant turn has been resolved.
func (r *Relay) resume(ctx context.Context, s *Session, correlationID string) error {
	if n := s.pendingCount(); n > 0 {
		r.sessionLogger(s, correlationID).Info("waiting for remaining decisions", "pending", n)
		s.settle()
		return nil
	}
	if r.deps.Provider == nil {
		s.settle()
		r.systemNotice(ctx, s, noticeAIUnavailable, correlationID, false)
		return nil
	}
	return r.converse(ctx, s, correlationID)
}

// appendToolResult records payload as the tool_result answering toolUseID.
func (r *Relay) appendToolResult(s *Session, toolUseID string, payload any, isError bool) error {
	block, err := domain.ToolResultBlock(toolUseID, payload, isError)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	s.appendTurn(domain.Message{Role: domain.RoleToolResult, Content: []domain.ContentBlock{block}})
	return nil
}

func paramKeys(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
