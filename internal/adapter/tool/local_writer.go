package tool

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relay-ai/internal/domain"
	"relay-ai/internal/security"
)

// LocalWriter writes files under the sandbox root on the local filesystem.
type LocalWriter struct {
	sandbox *security.Sandbox
	logger  *slog.Logger
	now     func() time.Time
}

// NewLocalWriter creates a writer rooted at the sandbox.
func NewLocalWriter(sandbox *security.Sandbox, logger *slog.Logger) *LocalWriter {
	return &LocalWriter{sandbox: sandbox, logger: logger, now: time.Now}
}

// Name implements domain.FileWriter.
func (w *LocalWriter) Name() string { return "local" }

// Write implements domain.FileWriter. Content is written in 1024-byte steps,
// each reported as a tool_stream progress notification.
func (w *LocalWriter) Write(ctx context.Context, req domain.WriteRequest) (*domain.WriteResult, error) {
	abs, rel, err := resolveTarget(w.sandbox, req.Path, w.now())
	if err != nil {
		return nil, w.failed(ctx, req, err)
	}

	f, err := create(abs)
	if err != nil {
		return nil, w.failed(ctx, req, err)
	}

	total := len(req.Content)
	written := 0
	for _, part := range splitChunks(req.Content, chunkSize) {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(abs)
			return nil, w.failed(ctx, req, err)
		}
		if _, err := f.WriteString(part); err != nil {
			f.Close()
			os.Remove(abs)
			return nil, w.failed(ctx, req, err)
		}
		written += len(part)
		notify(ctx, w.logger, req, domain.ToolProgress(req.RequestID, written, total, part, req.CorrelationID))
	}
	if err := f.Close(); err != nil {
		os.Remove(abs)
		return nil, w.failed(ctx, req, err)
	}

	w.logger.Info("file written", "writer", w.Name(), "path", rel, "bytes", total, "request_id", req.RequestID)
	return w.completed(ctx, req, rel, req.Content), nil
}

// WriteStream implements domain.FileWriter. Each chunk is appended as it
// arrives; the total is unknown until the channel closes.
func (w *LocalWriter) WriteStream(ctx context.Context, req domain.WriteRequest, chunks <-chan string) (*domain.WriteResult, error) {
	abs, rel, err := resolveTarget(w.sandbox, req.Path, w.now())
	if err != nil {
		return nil, w.failed(ctx, req, err)
	}

	f, err := create(abs)
	if err != nil {
		return nil, w.failed(ctx, req, err)
	}
	buf := bufio.NewWriter(f)
	abort := func(err error) (*domain.WriteResult, error) {
		f.Close()
		os.Remove(abs)
		return nil, w.failed(ctx, req, err)
	}

	var content strings.Builder
	for {
		select {
		case <-ctx.Done():
			return abort(ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if err := buf.Flush(); err != nil {
					return abort(err)
				}
				if err := f.Close(); err != nil {
					os.Remove(abs)
					return nil, w.failed(ctx, req, err)
				}
				w.logger.Info("file streamed", "writer", w.Name(), "path", rel, "bytes", content.Len(), "request_id", req.RequestID)
				return w.completed(ctx, req, rel, content.String()), nil
			}
			if chunk == "" {
				continue
			}
			if _, err := buf.WriteString(chunk); err != nil {
				return abort(err)
			}
			content.WriteString(chunk)
			notify(ctx, w.logger, req, domain.ToolProgress(req.RequestID, content.Len(), -1, chunk, req.CorrelationID))
		}
	}
}

// commit writes content in one step and reports completion without progress
// steps. The MCP writer uses it when a streamed write has to fall back.
func (w *LocalWriter) commit(ctx context.Context, req domain.WriteRequest, content string) (*domain.WriteResult, error) {
	abs, rel, err := resolveTarget(w.sandbox, req.Path, w.now())
	if err != nil {
		return nil, w.failed(ctx, req, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, w.failed(ctx, req, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, w.failed(ctx, req, err)
	}
	return w.completed(ctx, req, rel, content), nil
}

func (w *LocalWriter) completed(ctx context.Context, req domain.WriteRequest, rel, content string) *domain.WriteResult {
	n := len(content)
	notify(ctx, w.logger, req, domain.ToolCompleted(req.RequestID, rel, n, req.CorrelationID))
	notify(ctx, w.logger, req, domain.FileCreated(req.RequestID, rel, content, n, req.CorrelationID))
	return &domain.WriteResult{Path: rel, Bytes: n}
}

func (w *LocalWriter) failed(ctx context.Context, req domain.WriteRequest, err error) error {
	return writeFailed(ctx, w.logger, req, w.Name(), err)
}

func create(abs string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(abs), err)
	}
	return f, nil
}

// writeFailed closes the request's tool_stream with an error and wraps err
// for the caller. Sandbox and cancellation errors keep their identity.
func writeFailed(ctx context.Context, logger *slog.Logger, req domain.WriteRequest, writer string, err error) error {
	logger.Warn("file write failed", "writer", writer, "path", req.Path, "request_id", req.RequestID, "error", err)

	code := domain.ErrorCodeOf(err)
	if code != domain.CodeUnknown || ctx.Err() != nil {
		notify(ctx, logger, req, domain.ToolFailed(req.RequestID, domain.StableMessage(code), req.CorrelationID))
		return err
	}
	notify(ctx, logger, req, domain.ToolFailed(req.RequestID, domain.StableMessage(domain.CodeToolFailure), req.CorrelationID))
	return fmt.Errorf("%w: %w", domain.ErrToolFailure, err)
}

func notify(ctx context.Context, logger *slog.Logger, req domain.WriteRequest, n domain.Notification) {
	if req.Sink == nil {
		return
	}
	// Delivery does not depend on the write's own context.
	if err := req.Sink.Notify(context.WithoutCancel(ctx), n); err != nil {
		logger.Debug("notification dropped", "type", n.Type, "request_id", req.RequestID, "error", err)
	}
}

var _ domain.FileWriter = (*LocalWriter)(nil)
