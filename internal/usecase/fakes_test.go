package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay-ai/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.Default()
}

// --- provider ---

type streamScript struct {
	events   []domain.StreamEvent
	final    *domain.Completion
	openErr  error
	iterErr  error
	finalErr error
	gate     chan struct{} // holds the stream open until closed
}

type createScript struct {
	resp *domain.Completion
	err  error
}

type fakeProvider struct {
	mu         sync.Mutex
	streams    []streamScript
	creates    []createScript
	streamReqs []domain.CompletionRequest
	createReqs []domain.CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) StreamWithTools(ctx context.Context, req domain.CompletionRequest) (domain.ResponseStream, error) {
	p.mu.Lock()
	p.streamReqs = append(p.streamReqs, req)
	if len(p.streams) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no scripted stream")
	}
	sc := p.streams[0]
	p.streams = p.streams[1:]
	p.mu.Unlock()

	if sc.openErr != nil {
		return nil, sc.openErr
	}
	return newFakeStream(ctx, sc), nil
}

func (p *fakeProvider) CreateWithTools(_ context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createReqs = append(p.createReqs, req)
	if len(p.creates) == 0 {
		return nil, errors.New("no scripted create")
	}
	sc := p.creates[0]
	p.creates = p.creates[1:]
	return sc.resp, sc.err
}

func (p *fakeProvider) streamCalls() []domain.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CompletionRequest(nil), p.streamReqs...)
}

func (p *fakeProvider) createCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.createReqs)
}

type fakeStream struct {
	events chan domain.StreamEvent
	ended  chan struct{}
	sc     streamScript
	mu     sync.Mutex
	ctxErr error
}

func newFakeStream(ctx context.Context, sc streamScript) *fakeStream {
	fs := &fakeStream{
		events: make(chan domain.StreamEvent, len(sc.events)),
		ended:  make(chan struct{}),
		sc:     sc,
	}
	go func() {
		defer close(fs.ended)
		defer close(fs.events)
		for _, ev := range sc.events {
			fs.events <- ev
		}
		if sc.gate != nil {
			select {
			case <-sc.gate:
			case <-ctx.Done():
				fs.mu.Lock()
				fs.ctxErr = ctx.Err()
				fs.mu.Unlock()
			}
		}
	}()
	return fs
}

func (s *fakeStream) Events() <-chan domain.StreamEvent { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctxErr != nil {
		return s.ctxErr
	}
	return s.sc.iterErr
}

func (s *fakeStream) Final(ctx context.Context) (*domain.Completion, error) {
	select {
	case <-s.ended:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Err(); err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return nil, err
	}
	if s.sc.finalErr != nil {
		return nil, s.sc.finalErr
	}
	if s.sc.final == nil {
		return &domain.Completion{}, nil
	}
	return s.sc.final, nil
}

// --- writer ---

type fakeWriter struct {
	mu       sync.Mutex
	writes   []domain.WriteRequest
	streams  []domain.WriteRequest
	streamed []string
	err      error
}

func (w *fakeWriter) Name() string { return "fake" }

func (w *fakeWriter) Write(ctx context.Context, req domain.WriteRequest) (*domain.WriteResult, error) {
	w.mu.Lock()
	w.writes = append(w.writes, req)
	err := w.err
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	path := req.Path
	if path == "" {
		path = "file-default.txt"
	}
	n := len(req.Content)
	_ = req.Sink.Notify(ctx, domain.ToolProgress(req.RequestID, n, n, req.Content, req.CorrelationID))
	_ = req.Sink.Notify(ctx, domain.ToolCompleted(req.RequestID, path, n, req.CorrelationID))
	return &domain.WriteResult{Path: path, Bytes: n}, nil
}

func (w *fakeWriter) WriteStream(ctx context.Context, req domain.WriteRequest, chunks <-chan string) (*domain.WriteResult, error) {
	w.mu.Lock()
	w.streams = append(w.streams, req)
	err := w.err
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	bytes := 0
	for c := range chunks {
		bytes += len(c)
		w.mu.Lock()
		w.streamed = append(w.streamed, c)
		w.mu.Unlock()
		_ = req.Sink.Notify(ctx, domain.ToolProgress(req.RequestID, bytes, -1, c, req.CorrelationID))
	}
	path := req.Path
	if path == "" {
		path = "file-default.txt"
	}
	_ = req.Sink.Notify(ctx, domain.ToolCompleted(req.RequestID, path, bytes, req.CorrelationID))
	return &domain.WriteResult{Path: path, Bytes: bytes}, nil
}

func (w *fakeWriter) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes) + len(w.streams)
}

// --- sink ---

type recordingSink struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (s *recordingSink) Notify(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	s.items = append(s.items, n)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.items...)
}

func (s *recordingSink) ofType(t domain.NotificationType) []domain.Notification {
	var out []domain.Notification
	for _, n := range s.all() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, typ domain.NotificationType, count int) []domain.Notification {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.ofType(typ)) >= count
	}, 2*time.Second, 5*time.Millisecond)
	return s.ofType(typ)
}

// --- builders ---

func textCompletion(text string) *domain.Completion {
	return &domain.Completion{Content: []domain.ContentBlock{domain.TextBlock(text)}}
}

func toolUseBlock(id, input string) domain.ContentBlock {
	return domain.ContentBlock{
		Type:  domain.BlockToolUse,
		ID:    id,
		Name:  CreateFileToolName,
		Input: json.RawMessage(input),
	}
}

func toolStart(id, input string) domain.StreamEvent {
	return domain.NewToolInvocation(id, CreateFileToolName, json.RawMessage(input))
}

type testRelay struct {
	relay    *Relay
	provider *fakeProvider
	writer   *fakeWriter
	sink     *recordingSink
	session  *Session
}

func newTestRelay(t *testing.T, cfg RelayConfig) *testRelay {
	t.Helper()
	p := &fakeProvider{}
	w := &fakeWriter{}
	sink := &recordingSink{}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	r := NewRelay(RelayDeps{
		Provider: p,
		Writer:   w,
		Logger:   newTestLogger(),
		Config:   cfg,
	})
	s := NewSession(context.Background(), sink)
	t.Cleanup(s.Close)
	return &testRelay{relay: r, provider: p, writer: w, sink: sink, session: s}
}

// --- bus ---

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}
