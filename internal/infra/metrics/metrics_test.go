package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/logger"
	"relay-ai/internal/usecase/eventbus"
)

func TestObserveSessions(t *testing.T) {
	m := New(logger.Discard())
	ctx := context.Background()

	m.Observe(ctx, domain.NewEvent(domain.EventSessionOpened, "s1", nil))
	m.Observe(ctx, domain.NewEvent(domain.EventSessionOpened, "s2", nil))
	m.Observe(ctx, domain.NewEvent(domain.EventSessionClosed, "s1", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))
}

func TestObserveLLMCall(t *testing.T) {
	m := New(logger.Discard())
	m.Observe(context.Background(), domain.NewEvent(domain.EventLLMCallCompleted, "s1", domain.LLMCallPayload{
		Provider: "anthropic", Model: "claude", Mode: "stream", Status: "success",
		DurationSecs: 1.5, InputTokens: 100, OutputTokens: 40,
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMRequests.WithLabelValues("anthropic", "claude", "stream", "success")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "claude", "input")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "claude", "output")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LLMDuration))
}

func TestObserveTools(t *testing.T) {
	m := New(logger.Discard())
	ctx := context.Background()

	m.Observe(ctx, domain.NewEvent(domain.EventToolExecuted, "s1", domain.ToolPayload{Tool: "create_file", Status: "success", DurationSecs: 0.2}))
	m.Observe(ctx, domain.NewEvent(domain.EventToolDenied, "s1", domain.ToolPayload{Tool: "create_file", Status: "denied"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("create_file", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("create_file", "denied")))
	// Denials never ran, so they are not timed.
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolDuration))
}

func TestObserveDecisionsAndFrames(t *testing.T) {
	m := New(logger.Discard())
	ctx := context.Background()

	m.Observe(ctx, domain.NewEvent(domain.EventDecisionReceived, "s1", domain.DecisionPayload{RequestID: "r1", Approved: true}))
	m.Observe(ctx, domain.NewEvent(domain.EventDecisionDeferred, "s1", domain.DecisionPayload{RequestID: "r2"}))
	m.Observe(ctx, domain.NewEvent(domain.EventFrameTransferred, "s1", domain.FramePayload{
		Direction: "inbound", Kind: "message", Status: "ok", Size: 120,
	}))
	m.Observe(ctx, domain.NewEvent(domain.EventMessageReceived, "s1", nil))
	m.Observe(ctx, domain.NewEvent(domain.EventAIUnavailable, "s1", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeferredDecisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Frames.WithLabelValues("inbound", "message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AIUnavailable))
}

func TestObserveIgnoresBadPayload(t *testing.T) {
	m := New(logger.Discard())
	m.Observe(context.Background(), domain.Event{Type: domain.EventToolExecuted, Payload: []byte("not json")})
	assert.Equal(t, 0, testutil.CollectAndCount(m.ToolExecutions))
}

func TestSubscribeToBus(t *testing.T) {
	m := New(logger.Discard())
	bus := eventbus.New(logger.Discard())
	defer bus.Close()

	unsubscribe := m.Subscribe(bus)
	defer unsubscribe()

	bus.Publish(context.Background(), domain.NewEvent(domain.EventSessionOpened, "s1", nil))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SessionsTotal) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandlerServesExposition(t *testing.T) {
	m := New(logger.Discard())
	m.MessagesTotal.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "relay_messages_total 1"), "exposition: %s", body)
}
