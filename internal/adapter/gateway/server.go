package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/config"
	"relay-ai/internal/usecase"
)

// ServerDeps holds injected dependencies for the gateway.
type ServerDeps struct {
	Relay    *usecase.Relay
	Sessions *usecase.SessionRegistry
	Hub      *Hub
	Bus      domain.EventBus // optional
	Logger   *slog.Logger
}

// Server accepts websocket clients on the configured path and feeds their
// events into the relay.
type Server struct {
	cfg            config.GatewayConfig
	includeDetails bool
	deps           ServerDeps
	validator      *InboundValidator
	logger         *slog.Logger

	addr        string
	httpSrv     *http.Server
	mu          sync.Mutex
	boundAddr   string
	httpRoutes  []httpRoute
	middlewares []func(http.Handler) http.Handler
	conns       sync.WaitGroup
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// NewServer creates a gateway server. includeDetails attaches internal error
// details to error notifications.
func NewServer(addr string, cfg config.GatewayConfig, includeDetails bool, deps ServerDeps) (*Server, error) {
	if deps.Relay == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("gateway: relay and session registry are required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HistoryReplay <= 0 {
		cfg.HistoryReplay = usecase.DefaultHistoryReplay
	}
	v, err := NewInboundValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:            cfg,
		includeDetails: includeDetails,
		deps:           deps,
		validator:      v,
		logger:         deps.Logger,
		addr:           addr,
	}, nil
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Use wraps every route, the websocket upgrade included, with mw. The first
// middleware added runs first. Must be called before Start.
func (s *Server) Use(mw ...func(http.Handler) http.Handler) {
	s.middlewares = append(s.middlewares, mw...)
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}
	var h http.Handler = mux
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

// Start begins accepting connections. Blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String(), "path", s.cfg.Path)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.deps.Hub.CloseAll("server shutting down")

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() { s.conns.Wait() }

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) originPatterns() []string {
	if len(s.cfg.AllowedOrigins) > 0 {
		return s.cfg.AllowedOrigins
	}
	return []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	// One byte over the limit is read so oversize frames can be answered
	// before the close.
	ws.SetReadLimit(s.cfg.MaxPayload + 1)

	cc := newClientConn(ws, s.deps.Bus, s.logger)
	sess := s.deps.Sessions.Open(r.Context(), cc)
	cc.sessionID = sess.ID
	s.deps.Hub.add(cc)

	log := s.logger.With("session_id", sess.ID)
	log.Info("websocket connection established", "total_connections", s.deps.Hub.Count())

	go cc.writeLoop()
	if err := cc.Notify(r.Context(), domain.History(s.deps.Relay.ChatLog().Recent(s.cfg.HistoryReplay))); err != nil {
		log.Debug("history not delivered", "error", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	go s.pingLoop(ctx, cc, log)

	if s.readLoop(ctx, cc, sess, log) {
		select {
		case <-cc.flushed:
		case <-time.After(2 * writeTimeout):
		}
	}

	cancel()
	s.deps.Hub.remove(sess.ID)
	s.deps.Sessions.Close(sess.ID)
	cc.stop()
	ws.Close(websocket.StatusNormalClosure, "")
	log.Info("websocket connection closed", "total_connections", s.deps.Hub.Count())
}

func (s *Server) pingLoop(ctx context.Context, cc *clientConn, log *slog.Logger) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := cc.ws.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop consumes client frames until the connection ends. It reports true
// when a close has been queued behind pending frames.
func (s *Server) readLoop(ctx context.Context, cc *clientConn, sess *usecase.Session, log *slog.Logger) (closing bool) {
	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}

	for {
		select {
		case <-cc.done:
			return false
		default:
		}

		data, err := s.readFrame(ctx, cc)
		if err != nil {
			if !errors.Is(err, domain.ErrPayloadTooLarge) {
				return false
			}
			correlationID := uuid.NewString()
			log.Warn("payload too large", "max_payload", s.cfg.MaxPayload, "correlation_id", correlationID)
			s.inboundFrame(sess.ID, "unknown", "payload_too_large", int(s.cfg.MaxPayload)+1)
			s.reject(ctx, cc, domain.UserError(domain.CodePayloadTooLarge, "Payload too large"), correlationID)
			cc.closeAfterFlush(websocket.StatusMessageTooBig, "Payload Too Large")
			return true
		}

		if limiter != nil && !limiter.Allow() {
			correlationID := uuid.NewString()
			s.inboundFrame(sess.ID, "unknown", "rate_limited", len(data))
			ce := domain.UserError(domain.CodeRateLimited, "Inbound rate limit exceeded")
			ce.Retryable = true
			s.reject(ctx, cc, ce, correlationID)
			continue
		}

		s.dispatch(ctx, cc, sess, data, log)
	}
}

// readFrame reads one message, returning ErrPayloadTooLarge when it exceeds
// the configured limit.
func (s *Server) readFrame(ctx context.Context, cc *clientConn) ([]byte, error) {
	_, r, err := cc.ws.Reader(ctx)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxPayload+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.cfg.MaxPayload {
		return nil, domain.ErrPayloadTooLarge
	}
	return data, nil
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, sess *usecase.Session, data []byte, log *slog.Logger) {
	ev, ce := s.validator.Parse(data)
	if ce != nil {
		correlationID := uuid.NewString()
		log.Warn("inbound event rejected", "code", string(ce.Code), "correlation_id", correlationID, "payload_size", len(data))
		s.inboundFrame(sess.ID, "unknown", string(ce.Code), len(data))
		s.reject(ctx, cc, ce, correlationID)
		return
	}

	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	s.inboundFrame(sess.ID, ev.Type, "ok", len(data))

	switch ev.Type {
	case EventMessage:
		entry := s.deps.Relay.ChatLog().Append(domain.ChatRoleUser, ev.Text)
		echo := domain.ChatMessage(entry, correlationID)
		if err := cc.Notify(ctx, echo); err != nil {
			return
		}
		s.deps.Hub.Broadcast(ctx, echo, sess.ID)
		if err := s.deps.Relay.SubmitMessage(sess, ev.Text, correlationID); err != nil {
			log.Warn("message not submitted", "correlation_id", correlationID, "error", err)
		}

	case EventToolDecision:
		d := ev.Decision(correlationID)
		log.Info("tool decision received",
			"correlation_id", correlationID,
			"request_id", d.RequestID,
			"tool", d.Tool,
			"approved", d.Approved,
		)
		if err := s.deps.Relay.SubmitDecision(sess, d); err != nil {
			log.Warn("decision not submitted", "correlation_id", correlationID, "error", err)
		}
	}
}

func (s *Server) reject(ctx context.Context, cc *clientConn, ce *domain.ClientError, correlationID string) {
	_ = cc.Notify(ctx, domain.ErrorNotification(ce, s.includeDetails, correlationID))
}

func (s *Server) inboundFrame(sessionID, kind, status string, size int) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(context.Background(), domain.NewEvent(domain.EventFrameTransferred, sessionID,
		domain.FramePayload{Direction: "inbound", Kind: kind, Status: status, Size: size}))
}
