package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"relay-ai/internal/domain"
)

// defaultQueueSize bounds the backlog of each subscriber.
const defaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns one worker goroutine; events reach a subscriber in publish order.
type subscription struct {
	id        uint64
	eventType domain.EventType // empty = all events
	handler   domain.EventHandler
	queue     chan delivery
	done      chan struct{}
	stopOnce  sync.Once
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks:
// when a subscriber falls behind by more than its queue size, events for that
// subscriber are dropped and counted.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscription
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	queueSize int
	logger    *slog.Logger
	closed    atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{queueSize: defaultQueueSize, logger: logger}
}

// Publish fans out an event to matching subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber", "event", string(event.Type), "subscriber", sub.id)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

// Dropped returns how many deliveries were discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan delivery, b.queueSize),
		done:      make(chan struct{}),
	}
	go b.run(sub)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
		<-sub.done
	}
}

func (b *Bus) run(sub *subscription) {
	defer close(sub.done)
	for d := range sub.queue {
		b.deliver(sub, d)
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Close prevents new publishes and waits until every queued event has been handled.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

var _ domain.EventBus = (*Bus)(nil)
