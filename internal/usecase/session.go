package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relay-ai/internal/domain"
)

// Phase is the explicit state of a session's conversation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseAwaitingApproval
	PhaseExecuting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseAwaitingApproval:
		return "awaiting_approval"
	case PhaseExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// work is one unit queued on a session's runner.
type work func(ctx context.Context)

// Session is the engine state of one connection.
type Session struct {
	ID        string
	CreatedAt time.Time

	sink   domain.NotificationSink
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	transcript        []domain.Message
	pending           map[string]domain.PendingTool
	pendingOrder      []string
	streamingInFlight bool
	deferred          []domain.Decision
	phase             Phase
	executing         string
	lastUserText      string

	// runner
	inbox    []work
	running  bool
	draining bool
	closed   bool

	// turn serializes engine operations on this session.
	turn sync.Mutex
}

// NewSession creates a session bound to sink. The session context is
// cancelled by Close.
func NewSession(parent context.Context, sink domain.NotificationSink) *Session {
	if parent == nil {
		parent = context.Background()
	}
	if sink == nil {
		sink = domain.DiscardSink
	}
	now := time.Now()
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        ulid.Make().String(),
		CreatedAt: now,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]domain.PendingTool),
	}
}

// Context returns the session context.
func (s *Session) Context() context.Context { return s.ctx }

// Close cancels in-flight work and drops pending and deferred state.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.inbox = nil
	s.deferred = nil
	clear(s.pending)
	s.pendingOrder = nil
	s.mu.Unlock()
	s.cancel()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify(ctx context.Context, n domain.Notification) error {
	return s.sink.Notify(ctx, n)
}

// Transcript returns a copy of the provider-shaped conversation.
func (s *Session) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.Message, len(s.transcript))
	copy(cp, s.transcript)
	return cp
}

func (s *Session) appendTurn(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.transcript = append(s.transcript, msg)
}

// lastAssistant returns the most recent assistant turn.
func (s *Session) lastAssistant() (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Role == domain.RoleAssistant {
			return s.transcript[i], true
		}
	}
	return domain.Message{}, false
}

// Pending returns a copy of the pending tool registry.
func (s *Session) Pending() map[string]domain.PendingTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]domain.PendingTool, len(s.pending))
	for k, v := range s.pending {
		cp[k] = v
	}
	return cp
}

// PendingIDs returns the pending request-ids in the order they were parked.
func (s *Session) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pendingOrder...)
}

func (s *Session) park(requestID string, pt domain.PendingTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[requestID] = pt
	s.pendingOrder = append(s.pendingOrder, requestID)
}

func (s *Session) updatePending(requestID string, fn func(*domain.PendingTool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.pending[requestID]
	if !ok {
		return
	}
	fn(&pt)
	s.pending[requestID] = pt
}

// takePending removes and returns the record for requestID.
func (s *Session) takePending(requestID string) (domain.PendingTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.pending[requestID]
	if !ok {
		return domain.PendingTool{}, false
	}
	s.removePendingLocked(requestID)
	return pt, true
}

func (s *Session) removePendingLocked(requestID string) {
	delete(s.pending, requestID)
	for i, id := range s.pendingOrder {
		if id == requestID {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

// dropPending removes every listed request-id.
func (s *Session) dropPending(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.removePendingLocked(id)
	}
}

// abandonPending clears the registry and returns the request-ids it held.
func (s *Session) abandonPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pendingOrder
	s.pendingOrder = nil
	clear(s.pending)
	return ids
}

func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// StreamingInFlight reports whether an LLM call is being multiplexed.
func (s *Session) StreamingInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingInFlight
}

func (s *Session) setInFlight(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamingInFlight = v
	if v {
		s.phase = PhaseStreaming
	}
}

// Phase returns the current conversation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ExecutingRequest returns the request-id being executed, if any.
func (s *Session) ExecutingRequest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executing
}

func (s *Session) beginExecuting(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseExecuting
	s.executing = requestID
}

// settle derives the resting phase from the registry.
func (s *Session) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executing = ""
	if len(s.pending) > 0 {
		s.phase = PhaseAwaitingApproval
	} else {
		s.phase = PhaseIdle
	}
}

// Deferred returns a copy of the deferred decision queue.
func (s *Session) Deferred() []domain.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Decision(nil), s.deferred...)
}

func (s *Session) popDeferred() (domain.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deferred) == 0 {
		return domain.Decision{}, false
	}
	d := s.deferred[0]
	s.deferred = s.deferred[1:]
	if len(s.deferred) == 0 {
		s.deferred = nil
	}
	return d, true
}

// beginDrain claims the drain; it returns false when a drain is already running.
func (s *Session) beginDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.draining = true
	return true
}

func (s *Session) endDrain() {
	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}

func (s *Session) setLastUserText(text string) {
	s.mu.Lock()
	s.lastUserText = text
	s.mu.Unlock()
}

// LastUserText returns the most recent user utterance.
func (s *Session) LastUserText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserText
}

// enqueue queues w and reports whether the caller must start a runner.
func (s *Session) enqueue(w work) (start bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	s.inbox = append(s.inbox, w)
	if s.running {
		return false, true
	}
	s.running = true
	return true, true
}

// deferOrEnqueue defers d while the runner is active; otherwise it queues w.
func (s *Session) deferOrEnqueue(d domain.Decision, w work) (deferred, start, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false, false
	}
	if s.running {
		s.deferred = append(s.deferred, d)
		return true, false, true
	}
	s.inbox = append(s.inbox, w)
	s.running = true
	return false, true, true
}

// next pops the next queued unit. When nothing is queued and no decision is
// deferred the runner is released.
func (s *Session) next() (work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.running = false
		return nil, false
	}
	if len(s.inbox) > 0 {
		w := s.inbox[0]
		s.inbox = s.inbox[1:]
		return w, true
	}
	if len(s.deferred) > 0 {
		return func(context.Context) {}, true
	}
	s.running = false
	return nil, false
}

// Busy reports whether the session runner is active.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
