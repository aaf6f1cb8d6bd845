package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// A missing API key is not an error: the relay runs with AI unavailable.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLLM(cfg, ve)
	validateFiles(cfg, ve)
	validateMCP(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	switch cfg.Server.Env {
	case "development", "test", "production":
	default:
		ve.Add("server.env %q must be development, test, or production", cfg.Server.Env)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		ve.Add("server.shutdown_timeout must be >= 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	l := cfg.LLM
	if l.Provider != "anthropic" {
		ve.Add("llm.provider %q is not supported (want anthropic)", l.Provider)
	}
	if l.MaxTokens <= 0 {
		ve.Add("llm.max_tokens must be > 0")
	}
	if l.GenerateTokens <= 0 {
		ve.Add("llm.generate_tokens must be > 0")
	}
	if l.CallTimeout < 0 {
		ve.Add("llm.call_timeout must be >= 0")
	}
	if l.ConnTimeout < 0 || l.RespTimeout < 0 {
		ve.Add("llm.conn_timeout and llm.resp_timeout must be >= 0")
	}
	if l.CircuitBreaker.Enabled && l.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateFiles(cfg *Config, ve *ValidationError) {
	switch cfg.Files.Writer {
	case "local", "mcp":
	default:
		ve.Add("files.writer %q must be local or mcp", cfg.Files.Writer)
	}
	if strings.TrimSpace(cfg.Files.OutputsDir) == "" {
		ve.Add("files.outputs_dir is required")
	}
}

func validateMCP(cfg *Config, ve *ValidationError) {
	if cfg.Files.Writer != "mcp" {
		return
	}
	switch cfg.MCP.Transport {
	case "stdio":
		if cfg.MCP.Command == "" {
			ve.Add("mcp.command is required for stdio transport")
		}
	case "http":
		if cfg.MCP.URL == "" {
			ve.Add("mcp.url is required for http transport")
		}
	default:
		ve.Add("mcp.transport %q must be stdio or http", cfg.MCP.Transport)
	}
	if cfg.MCP.ToolCreateFile == "" {
		ve.Add("mcp.tool_create_file is required")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !strings.HasPrefix(g.Path, "/") {
		ve.Add("gateway.path %q must start with /", g.Path)
	}
	if g.MaxPayload <= 0 {
		ve.Add("gateway.max_payload must be > 0")
	}
	if g.PingInterval < 0 {
		ve.Add("gateway.ping_interval must be >= 0")
	}
	if g.RateLimit < 0 || g.RateBurst < 0 {
		ve.Add("gateway.rate_limit and gateway.rate_burst must be >= 0")
	}
	if g.RateLimit > 0 && g.RateBurst == 0 {
		ve.Add("gateway.rate_burst must be > 0 when rate_limit is set")
	}
	if g.HTTPRatePerMin < 0 || g.HTTPRateBurst < 0 {
		ve.Add("gateway.http_rate_per_min and gateway.http_rate_burst must be >= 0")
	}
	if g.HTTPRatePerMin > 0 && g.HTTPRateBurst == 0 {
		ve.Add("gateway.http_rate_burst must be > 0 when http_rate_per_min is set")
	}
	if g.ChatLogCapacity <= 0 {
		ve.Add("gateway.chat_log_capacity must be > 0")
	}
	if g.HistoryReplay < 0 || g.HistoryReplay > g.ChatLogCapacity {
		ve.Add("gateway.history_replay must be between 0 and chat_log_capacity")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q must be debug, info, warn, or error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	case "otlp":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the otlp exporter")
		}
	default:
		ve.Add("tracer.exporter %q must be noop, stdout, or otlp", cfg.Tracer.Exporter)
	}
}
