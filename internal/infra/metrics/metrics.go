// Package metrics exposes relay activity as Prometheus collectors. The
// collectors are fed from the event bus, so nothing in the engine imports
// Prometheus.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-ai/internal/domain"
)

const namespace = "relay"

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	// ActiveSessions tracks open websocket sessions.
	ActiveSessions prometheus.Gauge
	// SessionsTotal counts sessions ever opened.
	SessionsTotal prometheus.Counter

	// MessagesTotal counts user chat messages accepted.
	MessagesTotal prometheus.Counter

	// Frames counts websocket frames.
	// Labels: direction (inbound|outbound), kind, status (ok|rejected)
	Frames *prometheus.CounterVec
	// FrameBytes measures frame sizes.
	// Labels: direction
	FrameBytes *prometheus.HistogramVec

	// LLMRequests counts provider calls.
	// Labels: provider, model, mode (stream|create|generate), status (success|error)
	LLMRequests *prometheus.CounterVec
	// LLMDuration measures provider call latency in seconds.
	// Labels: provider, mode
	LLMDuration *prometheus.HistogramVec
	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool outcomes.
	// Labels: tool, status (success|error|denied)
	ToolExecutions *prometheus.CounterVec
	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Decisions counts inbound tool decisions.
	// Labels: approved (true|false)
	Decisions *prometheus.CounterVec
	// DeferredDecisions counts decisions queued behind an active turn.
	DeferredDecisions prometheus.Counter

	// AIUnavailable counts user messages answered without a provider.
	AIUnavailable prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New(logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		logger:   logger,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open websocket sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of websocket sessions opened",
		}),
		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of user chat messages accepted",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "Websocket frames by direction, kind, and status",
		}, []string{"direction", "kind", "status"}),
		FrameBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ws_frame_bytes",
			Help:      "Websocket frame sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"direction"}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM calls by provider, model, mode, and status",
		}, []string{"provider", "model", "mode", "status"}),
		LLMDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "mode"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by provider, model, and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool outcomes by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Duration of tool executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_decisions_total",
			Help:      "Tool decisions received by outcome",
		}, []string{"approved"}),
		DeferredDecisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_decisions_deferred_total",
			Help:      "Tool decisions deferred behind an active turn",
		}),
		AIUnavailable: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_unavailable_total",
			Help:      "User messages answered without a configured provider",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Subscribe feeds the collectors from bus. The returned function detaches them.
func (m *Metrics) Subscribe(bus domain.EventBus) func() {
	return bus.SubscribeAll(m.Observe)
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(_ context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventSessionOpened:
		m.ActiveSessions.Inc()
		m.SessionsTotal.Inc()
	case domain.EventSessionClosed:
		m.ActiveSessions.Dec()
	case domain.EventMessageReceived:
		m.MessagesTotal.Inc()
	case domain.EventAIUnavailable:
		m.AIUnavailable.Inc()
	case domain.EventDecisionDeferred:
		m.DeferredDecisions.Inc()
	case domain.EventDecisionReceived:
		var p domain.DecisionPayload
		if m.decode(ev, &p) {
			m.Decisions.WithLabelValues(strconv.FormatBool(p.Approved)).Inc()
		}
	case domain.EventFrameTransferred:
		var p domain.FramePayload
		if m.decode(ev, &p) {
			m.Frames.WithLabelValues(p.Direction, p.Kind, p.Status).Inc()
			m.FrameBytes.WithLabelValues(p.Direction).Observe(float64(p.Size))
		}
	case domain.EventLLMCallCompleted:
		var p domain.LLMCallPayload
		if m.decode(ev, &p) {
			m.LLMRequests.WithLabelValues(p.Provider, p.Model, p.Mode, p.Status).Inc()
			m.LLMDuration.WithLabelValues(p.Provider, p.Mode).Observe(p.DurationSecs)
			if p.InputTokens > 0 {
				m.LLMTokens.WithLabelValues(p.Provider, p.Model, "input").Add(float64(p.InputTokens))
			}
			if p.OutputTokens > 0 {
				m.LLMTokens.WithLabelValues(p.Provider, p.Model, "output").Add(float64(p.OutputTokens))
			}
		}
	case domain.EventToolExecuted, domain.EventToolDenied:
		var p domain.ToolPayload
		if m.decode(ev, &p) {
			m.ToolExecutions.WithLabelValues(p.Tool, p.Status).Inc()
			if ev.Type == domain.EventToolExecuted {
				m.ToolDuration.WithLabelValues(p.Tool).Observe(p.DurationSecs)
			}
		}
	}
}

func (m *Metrics) decode(ev domain.Event, v any) bool {
	if len(ev.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		if m.logger != nil {
			m.logger.Debug("metrics: undecodable event payload", "type", ev.Type, "error", err)
		}
		return false
	}
	return true
}
