package usecase

import (
	"context"
	"sync"

	"relay-ai/internal/domain"
)

// SessionRegistry owns the live sessions, keyed by session id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      domain.EventBus
}

// NewSessionRegistry creates an empty registry. bus may be nil.
func NewSessionRegistry(bus domain.EventBus) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		bus:      bus,
	}
}

// Open creates and registers a session for a new connection.
func (r *SessionRegistry) Open(ctx context.Context, sink domain.NotificationSink) *Session {
	s := NewSession(ctx, sink)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventSessionOpened, s.ID, nil))
	}
	return s
}

// Get returns a live session or ErrSessionNotFound.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionRegistry.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Close unregisters the session and drops its pending and deferred state.
// Closing an unknown id is a no-op.
func (r *SessionRegistry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.Close()
	if r.bus != nil {
		r.bus.Publish(context.Background(), domain.NewEvent(domain.EventSessionClosed, id, nil))
	}
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every live session except the one with id except.
func (r *SessionRegistry) Each(except string, fn func(*Session)) {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != except {
			list = append(list, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range list {
		fn(s)
	}
}
