package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"go.opentelemetry.io/otel/trace"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/tracer"
)

// apiErrorBody is the error envelope returned by the Messages API.
type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapProviderError turns an SDK error into a domain error whose text carries
// the "API error <status>:" detail the error classifier understands.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		var parsed apiErrorBody
		if json.Unmarshal([]byte(body), &parsed) == nil && parsed.Error.Message != "" {
			body = parsed.Error.Type + ": " + parsed.Error.Message
		}
		return mapHTTPError(apiErr.StatusCode, []byte(body))
	}
	return err
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
// This enables ErrorClassifier and the circuit breaker to classify provider
// failures correctly.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	default:
		// 5xx (including 529 overloaded) and the remaining 4xx.
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

// logCallCompleted logs the standard debug message after a successful LLM call.
func logCallCompleted(logger *slog.Logger, providerName, mode string, result *domain.Completion) {
	logger.Debug("llm call completed",
		"provider", providerName,
		"mode", mode,
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.input_tokens", usage.InputTokens),
		tracer.IntAttr("llm.output_tokens", usage.OutputTokens),
	)
}
