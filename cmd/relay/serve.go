package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-ai/internal/adapter/gateway"
	"relay-ai/internal/adapter/llm"
	"relay-ai/internal/adapter/tool"
	"relay-ai/internal/domain"
	"relay-ai/internal/infra/config"
	"relay-ai/internal/infra/logger"
	"relay-ai/internal/infra/metrics"
	"relay-ai/internal/infra/middleware"
	"relay-ai/internal/infra/tracer"
	"relay-ai/internal/security"
	"relay-ai/internal/usecase"
	"relay-ai/internal/usecase/eventbus"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logger.Level = "debug"
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	bus := eventbus.New(log)
	defer bus.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(log)
		unsub := m.Subscribe(bus)
		defer unsub()
	}

	provider := buildProvider(cfg.LLM, log)

	writer, closeWriter, err := buildWriter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeWriter()

	sessions := usecase.NewSessionRegistry(bus)
	hub := gateway.NewHub(log)
	relay := usecase.NewRelay(usecase.RelayDeps{
		Provider:    provider,
		Writer:      writer,
		ChatLog:     usecase.NewChatLog(cfg.Gateway.ChatLogCapacity),
		Bus:         bus,
		Broadcaster: hub,
		Logger:      log,
		Config: usecase.RelayConfig{
			Model:               cfg.LLM.Model,
			MaxTokens:           cfg.LLM.MaxTokens,
			GenerateTokens:      cfg.LLM.GenerateTokens,
			CallTimeout:         cfg.LLM.CallTimeout,
			IncludeErrorDetails: !cfg.Server.IsProduction(),
		},
	})

	srv, err := gateway.NewServer(cfg.Server.Addr, cfg.Gateway, !cfg.Server.IsProduction(), gateway.ServerDeps{
		Relay:    relay,
		Sessions: sessions,
		Hub:      hub,
		Bus:      bus,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	limiter := middleware.NewIPLimiter(ctx, middleware.RateLimitConfig{
		RequestsPerMin: cfg.Gateway.HTTPRatePerMin,
		BurstSize:      cfg.Gateway.HTTPRateBurst,
		TrustedProxies: cfg.Gateway.TrustedProxies,
	})
	srv.Use(middleware.AccessLog(log), middleware.SecurityHeaders, limiter.Middleware)

	providerName := ""
	if provider != nil {
		providerName = provider.Name()
	}
	health := gateway.HealthHandler(sessions, providerName, writer.Name(), time.Now())
	srv.RegisterHTTPRoute("/health", health)
	srv.RegisterHTTPRoute("/{$}", health)
	if m != nil {
		srv.RegisterHTTPRoute(cfg.Metrics.Path, m.Handler())
	}

	log.Info("boot.providers",
		"ai_provider", cfg.LLM.Provider,
		"ai_enabled", provider != nil,
		"file_writer", writer.Name(),
		"environment", cfg.Server.Env,
	)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Info("shutting down")
	waitWithTimeout(log, cfg.Server.ShutdownTimeout, srv.Wait, relay.Wait)
	return nil
}

// buildProvider returns nil when no API key or model is configured; the relay
// then answers with the AI-unavailable notice.
func buildProvider(cfg config.LLMConfig, log *slog.Logger) domain.LLMProvider {
	if !cfg.Configured() {
		log.Warn("llm provider not configured, AI features disabled")
		return nil
	}
	var p domain.LLMProvider = llm.NewAnthropicProvider(cfg, log)
	if cfg.CircuitBreaker.Enabled {
		p = llm.NewCircuitBreakerProvider(p, llm.CircuitBreakerConfig{
			MaxFailures: cfg.CircuitBreaker.MaxFailures,
			Timeout:     cfg.CircuitBreaker.Timeout,
			Interval:    cfg.CircuitBreaker.Interval,
		}, log)
	}
	return p
}

// buildWriter selects the file writer. An MCP server that cannot be reached
// at startup degrades to the local writer.
func buildWriter(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.FileWriter, func(), error) {
	sb, err := security.NewSandbox(cfg.Files.OutputsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("outputs dir: %w", err)
	}
	local := tool.NewLocalWriter(sb, log)
	if cfg.Files.Writer != "mcp" {
		return local, func() {}, nil
	}

	mw, err := tool.NewMCPWriter(ctx, cfg.MCP, sb, local, log)
	if err != nil {
		log.Warn("mcp writer unavailable, using local writer", "error", err)
		return local, func() {}, nil
	}
	return mw, func() {
		if err := mw.Close(); err != nil {
			log.Debug("mcp client close failed", "error", err)
		}
	}, nil
}

func waitWithTimeout(log *slog.Logger, timeout time.Duration, waits ...func()) {
	done := make(chan struct{})
	go func() {
		for _, w := range waits {
			w()
		}
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("shutdown timed out with work in flight", "timeout", timeout)
	}
}
