package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relay-ai/internal/domain"
)

// Engine defaults.
const (
	DefaultMaxTokens      = 1024
	DefaultGenerateTokens = 4096
)

// Notices shown to the human.
const (
	noticeAIUnavailable = "AI unavailable: configure ANTHROPIC_API_KEY and AI_MODEL."
	noticeDenied        = "The user did not approve the AI's request."
	noticeAIErrorPrefix = "Error calling AI: "
	noticeAbandoned     = "Tool request no longer pending: %s. Ask again to create the file."
)

// Broadcaster fans a notification out to every connection except one.
type Broadcaster interface {
	Broadcast(ctx context.Context, n domain.Notification, exceptSessionID string)
}

// RelayConfig tunes the engine.
type RelayConfig struct {
	Model          string
	MaxTokens      int           // main conversation calls
	GenerateTokens int           // generative file content calls
	CallTimeout    time.Duration // per provider call, 0 = none
	// IncludeErrorDetails attaches internal messages to error notifications.
	IncludeErrorDetails bool
}

// RelayDeps holds injected dependencies for the relay.
type RelayDeps struct {
	Provider    domain.LLMProvider // optional, nil = AI unavailable
	Writer      domain.FileWriter
	ChatLog     *ChatLog        // optional, nil = private log
	Bus         domain.EventBus // optional, nil = no events
	Broadcaster Broadcaster     // optional, nil = no fan-out
	Logger      *slog.Logger
	Config      RelayConfig
}

// Relay is the session-scoped tool approval and streaming engine.
type Relay struct {
	deps       RelayDeps
	cfg        RelayConfig
	tools      []domain.ToolSchema
	classifier *ErrorClassifier
	wg         sync.WaitGroup
}

// NewRelay creates a relay with the given dependencies.
func NewRelay(deps RelayDeps) *Relay {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ChatLog == nil {
		deps.ChatLog = NewChatLog(0)
	}
	cfg := deps.Config
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.GenerateTokens <= 0 {
		cfg.GenerateTokens = DefaultGenerateTokens
	}
	return &Relay{
		deps:       deps,
		cfg:        cfg,
		tools:      []domain.ToolSchema{CreateFileTool()},
		classifier: NewErrorClassifier(),
	}
}

// ChatLog returns the shared chat log.
func (r *Relay) ChatLog() *ChatLog { return r.deps.ChatLog }

// Available reports whether a provider is configured.
func (r *Relay) Available() bool { return r.deps.Provider != nil }

// SubmitMessage queues a user message on the session runner.
func (r *Relay) SubmitMessage(s *Session, text, correlationID string) error {
	start, ok := s.enqueue(func(ctx context.Context) {
		if err := r.HandleUserMessage(ctx, s, text, correlationID); err != nil {
			r.sessionLogger(s, correlationID).Warn("message handling failed", "error", err)
		}
	})
	if !ok {
		return domain.NewDomainError("Relay.SubmitMessage", domain.ErrSessionClosed, s.ID)
	}
	if start {
		r.startRunner(s)
	}
	return nil
}

// SubmitDecision hands a decision to the engine. A decision that arrives
// while the session is busy is deferred and replayed in arrival order.
func (r *Relay) SubmitDecision(s *Session, d domain.Decision) error {
	deferred, start, ok := s.deferOrEnqueue(d, func(ctx context.Context) {
		if err := r.ProcessDecision(ctx, s, d); err != nil {
			r.sessionLogger(s, d.CorrelationID).Warn("decision failed",
				"request_id", d.RequestID, "error", err)
		}
	})
	if !ok {
		return domain.NewDomainError("Relay.SubmitDecision", domain.ErrSessionClosed, s.ID)
	}
	if deferred {
		r.sessionLogger(s, d.CorrelationID).Info("decision deferred",
			"request_id", d.RequestID, "approved", d.Approved)
		r.publish(s.Context(), domain.EventDecisionDeferred, s.ID,
			domain.DecisionPayload{RequestID: d.RequestID, Approved: d.Approved})
	}
	if start {
		r.startRunner(s)
	}
	return nil
}

// Wait blocks until every session runner has gone idle.
func (r *Relay) Wait() { r.wg.Wait() }

func (r *Relay) startRunner(s *Session) {
	r.wg.Add(1)
	go r.run(s)
}

// run executes queued work for s one unit at a time, draining deferred
// decisions after each unit.
func (r *Relay) run(s *Session) {
	defer r.wg.Done()
	for {
		w, ok := s.next()
		if !ok {
			return
		}
		ctx := s.Context()
		w(ctx)
		r.DrainDeferred(ctx, s)
	}
}

// HandleUserMessage appends a user turn and drives the conversation until the
// model stops or parks a tool request.
func (r *Relay) HandleUserMessage(ctx context.Context, s *Session, text, correlationID string) error {
	s.turn.Lock()
	defer s.turn.Unlock()
	defer r.drainDeferred(ctx, s)
	return r.handleUserMessage(ctx, s, text, correlationID)
}

func (r *Relay) handleUserMessage(ctx context.Context, s *Session, text, correlationID string) error {
	log := r.sessionLogger(s, correlationID)
	log.Info("user message received", "text_length", len(text))
	r.publish(ctx, domain.EventMessageReceived, s.ID, nil)

	if r.deps.Provider == nil {
		log.Warn("ai unavailable")
		r.publish(ctx, domain.EventAIUnavailable, s.ID, nil)
		r.systemNotice(ctx, s, noticeAIUnavailable, correlationID, false)
		return nil
	}

	// The conversation moved on; earlier requests can no longer be resumed.
	if abandoned := s.abandonPending(); len(abandoned) > 0 {
		log.Info("pending tool requests abandoned", "request_ids", abandoned)
		r.systemNotice(ctx, s, fmt.Sprintf(noticeAbandoned, strings.Join(abandoned, ", ")), correlationID, false)
	}

	s.setLastUserText(text)
	s.appendTurn(domain.Message{
		Role:    domain.RoleUser,
		Content: []domain.ContentBlock{domain.TextBlock(text)},
	})
	return r.converse(ctx, s, correlationID)
}

// systemNotice records a system line in the chat log and sends it to the
// session; broadcast also fans it out to the other connections.
func (r *Relay) systemNotice(ctx context.Context, s *Session, text, correlationID string, broadcast bool) {
	entry := r.deps.ChatLog.Append(domain.ChatRoleSystem, text)
	n := domain.ChatMessage(entry, correlationID)
	r.emit(ctx, s, n)
	if broadcast && r.deps.Broadcaster != nil {
		r.deps.Broadcaster.Broadcast(ctx, n, s.ID)
	}
}

func (r *Relay) emit(ctx context.Context, s *Session, n domain.Notification) {
	if err := s.notify(ctx, n); err != nil {
		r.deps.Logger.Debug("notification not delivered",
			"session_id", s.ID, "type", string(n.Type), "error", err)
	}
}

func (r *Relay) emitError(ctx context.Context, s *Session, ce *domain.ClientError, correlationID string) {
	r.emit(ctx, s, domain.ErrorNotification(ce, r.cfg.IncludeErrorDetails, correlationID))
}

func (r *Relay) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(ctx, domain.NewEvent(t, sessionID, payload))
	}
}

func (r *Relay) sessionLogger(s *Session, correlationID string) *slog.Logger {
	l := r.deps.Logger.With("session_id", s.ID)
	if correlationID != "" {
		l = l.With("correlation_id", correlationID)
	}
	return l
}
