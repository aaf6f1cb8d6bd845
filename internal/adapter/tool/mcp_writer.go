package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/config"
	"relay-ai/internal/security"
)

// mcpCallTimeout is the default per-call timeout for MCP tool execution.
const mcpCallTimeout = 30 * time.Second

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPWriter writes files through an MCP filesystem server. Any failure of
// the server call falls back to the local writer so the file still lands.
type MCPWriter struct {
	client   mcpClient
	cfg      config.MCPConfig
	sandbox  *security.Sandbox
	fallback *LocalWriter
	logger   *slog.Logger
	now      func() time.Time
}

// NewMCPWriter connects to the configured MCP server. A "." argument to a
// stdio server is replaced by the sandbox root, since that is the directory
// the server must expose.
func NewMCPWriter(ctx context.Context, cfg config.MCPConfig, sandbox *security.Sandbox, fallback *LocalWriter, logger *slog.Logger) (*MCPWriter, error) {
	c, err := connectMCP(ctx, cfg, sandbox.Root())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrWriterUnavailable, err)
	}
	logger.Info("mcp server connected", "transport", cfg.Transport, "tool", cfg.ToolCreateFile)
	return newMCPWriterWithClient(c, cfg, sandbox, fallback, logger), nil
}

func newMCPWriterWithClient(c mcpClient, cfg config.MCPConfig, sandbox *security.Sandbox, fallback *LocalWriter, logger *slog.Logger) *MCPWriter {
	return &MCPWriter{
		client:   c,
		cfg:      cfg,
		sandbox:  sandbox,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func connectMCP(ctx context.Context, cfg config.MCPConfig, root string) (mcpClient, error) {
	var c mcpClient

	switch cfg.Transport {
	case "stdio":
		args := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			if a == "." {
				a = root
			}
			args[i] = a
		}
		stdio, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "relay-ai",
		Version: "1.0.0",
	}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}
	return c, nil
}

// Name implements domain.FileWriter.
func (w *MCPWriter) Name() string { return "mcp" }

// Close shuts down the MCP connection.
func (w *MCPWriter) Close() error { return w.client.Close() }

// Write implements domain.FileWriter.
func (w *MCPWriter) Write(ctx context.Context, req domain.WriteRequest) (*domain.WriteResult, error) {
	abs, rel, err := resolveTarget(w.sandbox, req.Path, w.now())
	if err != nil {
		return nil, writeFailed(ctx, w.logger, req, w.Name(), err)
	}
	// Pin the default name so a fallback writes the same file.
	req.Path = rel

	if err := w.put(ctx, abs, req.Content); err != nil {
		if ctx.Err() != nil {
			return nil, writeFailed(ctx, w.logger, req, w.Name(), ctx.Err())
		}
		w.logger.Warn("mcp write failed, falling back to local writer", "path", rel, "error", err)
		return w.fallback.Write(ctx, req)
	}

	n := len(req.Content)
	w.logger.Info("file written", "writer", w.Name(), "path", rel, "bytes", n, "request_id", req.RequestID)
	notify(ctx, w.logger, req, domain.ToolCompleted(req.RequestID, rel, n, req.CorrelationID))
	notify(ctx, w.logger, req, domain.FileCreated(req.RequestID, rel, req.Content, n, req.CorrelationID))
	return &domain.WriteResult{Path: rel, Bytes: n}, nil
}

// WriteStream implements domain.FileWriter. MCP filesystem servers take
// whole files, so chunks are reported as they arrive and the file is written
// once the channel closes.
func (w *MCPWriter) WriteStream(ctx context.Context, req domain.WriteRequest, chunks <-chan string) (*domain.WriteResult, error) {
	abs, rel, err := resolveTarget(w.sandbox, req.Path, w.now())
	if err != nil {
		return nil, writeFailed(ctx, w.logger, req, w.Name(), err)
	}
	req.Path = rel

	var content strings.Builder
	for done := false; !done; {
		select {
		case <-ctx.Done():
			return nil, writeFailed(ctx, w.logger, req, w.Name(), ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				done = true
				break
			}
			if chunk == "" {
				continue
			}
			content.WriteString(chunk)
			notify(ctx, w.logger, req, domain.ToolProgress(req.RequestID, content.Len(), -1, chunk, req.CorrelationID))
		}
	}

	body := content.String()
	if err := w.put(ctx, abs, body); err != nil {
		if ctx.Err() != nil {
			return nil, writeFailed(ctx, w.logger, req, w.Name(), ctx.Err())
		}
		w.logger.Warn("mcp write failed, falling back to local writer", "path", rel, "error", err)
		return w.fallback.commit(ctx, req, body)
	}

	w.logger.Info("file streamed", "writer", w.Name(), "path", rel, "bytes", len(body), "request_id", req.RequestID)
	notify(ctx, w.logger, req, domain.ToolCompleted(req.RequestID, rel, len(body), req.CorrelationID))
	notify(ctx, w.logger, req, domain.FileCreated(req.RequestID, rel, body, len(body), req.CorrelationID))
	return &domain.WriteResult{Path: rel, Bytes: len(body)}, nil
}

// put creates the parent directory (best effort) and writes the file.
func (w *MCPWriter) put(ctx context.Context, abs, content string) error {
	if w.cfg.ToolCreateDirectory != "" {
		dir := filepath.Dir(abs)
		if dir != w.sandbox.Root() {
			if err := w.call(ctx, w.cfg.ToolCreateDirectory, map[string]any{"path": dir}); err != nil {
				w.logger.Debug("mcp create directory failed", "path", dir, "error", err)
			}
		}
	}
	return w.call(ctx, w.cfg.ToolCreateFile, map[string]any{"path": abs, "content": content})
}

func (w *MCPWriter) call(ctx context.Context, name string, args map[string]any) error {
	timeout := w.cfg.Timeout
	if timeout <= 0 {
		timeout = mcpCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	w.logger.Debug("mcp tool call", "tool", name)
	res, err := w.client.CallTool(callCtx, req)
	if err != nil {
		return fmt.Errorf("mcp %s: %w", name, err)
	}
	if res == nil {
		return fmt.Errorf("mcp %s: empty result", name)
	}
	if res.IsError {
		return fmt.Errorf("mcp %s: %w", name, errors.New(extractMCPContent(res)))
	}
	return nil
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

var _ domain.FileWriter = (*MCPWriter)(nil)
