package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"relay-ai/internal/domain"
)

const (
	outboundQueueSize = 256
	writeTimeout      = 5 * time.Second
)

// outbound is one queued frame. A non-nil close ends the write loop after the
// frames queued before it have been written.
type outbound struct {
	kind  string
	data  []byte
	close *closeRequest
}

type closeRequest struct {
	code   websocket.StatusCode
	reason string
}

// clientConn is one websocket connection. It is the notification sink of
// its session and writes frames strictly in the order they were queued.
type clientConn struct {
	sessionID string
	ws        *websocket.Conn
	sendCh    chan outbound
	done      chan struct{}
	flushed   chan struct{} // closed when the write loop exits
	closeOnce sync.Once
	bus       domain.EventBus
	logger    *slog.Logger
}

func newClientConn(ws *websocket.Conn, bus domain.EventBus, logger *slog.Logger) *clientConn {
	return &clientConn{
		ws:      ws,
		sendCh:  make(chan outbound, outboundQueueSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		bus:     bus,
		logger:  logger,
	}
}

// Notify queues n, waiting for room when the client is slow.
func (c *clientConn) Notify(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- outbound{kind: string(n.Type), data: data}:
		return nil
	case <-c.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer queues a frame without waiting. It reports false when the queue is full.
func (c *clientConn) offer(o outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- o:
		return true
	default:
		return false
	}
}

// closeAfterFlush closes the connection once everything queued so far is written.
func (c *clientConn) closeAfterFlush(code websocket.StatusCode, reason string) {
	select {
	case c.sendCh <- outbound{close: &closeRequest{code: code, reason: reason}}:
	case <-c.done:
	}
}

func (c *clientConn) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *clientConn) writeLoop() {
	defer close(c.flushed)
	for {
		select {
		case <-c.done:
			return
		case o := <-c.sendCh:
			if o.close != nil {
				c.ws.Close(o.close.code, o.close.reason)
				c.stop()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, o.data)
			cancel()
			if err != nil {
				c.frame(o.kind, "failed", len(o.data))
				c.logger.Debug("websocket write failed", "session_id", c.sessionID, "error", err)
				c.stop()
				return
			}
			c.frame(o.kind, "ok", len(o.data))
		}
	}
}

func (c *clientConn) frame(kind, status string, size int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), domain.NewEvent(domain.EventFrameTransferred, c.sessionID,
		domain.FramePayload{Direction: "outbound", Kind: kind, Status: status, Size: size}))
}

// Hub tracks live connections by session id and fans notifications out.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*clientConn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: make(map[string]*clientConn), logger: logger}
}

func (h *Hub) add(c *clientConn) {
	h.mu.Lock()
	h.conns[c.sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	delete(h.conns, sessionID)
	h.mu.Unlock()
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends n to every connection except exceptSessionID. Slow clients
// whose queue is full miss the frame.
func (h *Hub) Broadcast(_ context.Context, n domain.Notification, exceptSessionID string) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Warn("broadcast marshal failed", "type", string(n.Type), "error", err)
		return
	}
	o := outbound{kind: string(n.Type), data: data}

	h.mu.RLock()
	targets := make([]*clientConn, 0, len(h.conns))
	for id, c := range h.conns {
		if id != exceptSessionID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.offer(o) {
			h.logger.Warn("gateway: dropped broadcast for slow client", "session_id", c.sessionID, "type", o.kind)
		}
	}
}

// CloseAll closes every connection with a going-away status.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.stop()
		c.ws.Close(websocket.StatusGoingAway, reason)
	}
}
