package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrInvalidInput        = fmt.Errorf("invalid input")
	ErrPayloadTooLarge     = fmt.Errorf("payload too large")
	ErrProviderUnavailable = fmt.Errorf("llm provider unavailable")
	ErrProviderError       = fmt.Errorf("provider error")
	ErrCircuitOpen         = fmt.Errorf("provider circuit open")
	ErrToolNotFound        = fmt.Errorf("tool not found")
	ErrToolFailure         = fmt.Errorf("tool execution failed")
	ErrPathOutsideSandbox  = fmt.Errorf("path is outside sandbox boundary")
	ErrWriterUnavailable   = fmt.Errorf("file writer unavailable")
	ErrSessionNotFound     = fmt.Errorf("session not found")
	ErrSessionClosed       = fmt.Errorf("session closed")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrDecryption          = fmt.Errorf("decryption failed")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrTimeout         = fmt.Errorf("operation timed out")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Relay.ProcessDecision")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrProviderUnavailable)
}

// ErrorCode is a machine-parseable error code sent to clients and used as a metrics label.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "unknown_error"
	CodeInvalidJSON         ErrorCode = "invalid_json"
	CodeInvalidEvent        ErrorCode = "invalid_event"
	CodeInvalidEventSchema  ErrorCode = "invalid_event_schema"
	CodePayloadTooLarge     ErrorCode = "payload_too_large"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeInvalidPath         ErrorCode = "invalid_path"
	CodeAIUnavailable       ErrorCode = "ai_unavailable"
	CodeProviderError       ErrorCode = "provider_error"
	CodeWriterUnavailable   ErrorCode = "mcp_unavailable"
	CodeToolFailure         ErrorCode = "tool_failure"
	CodeToolNotFound        ErrorCode = "tool_not_found"
	CodeProviderRateLimited ErrorCode = "provider_rate_limited"
	CodeProviderAuth        ErrorCode = "provider_auth"
	CodeContextOverflow     ErrorCode = "context_overflow"
	CodeTimeout             ErrorCode = "timeout"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrInvalidInput:        CodeInvalidEvent,
	ErrPayloadTooLarge:     CodePayloadTooLarge,
	ErrProviderUnavailable: CodeAIUnavailable,
	ErrProviderError:       CodeProviderError,
	ErrCircuitOpen:         CodeAIUnavailable,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolFailure:         CodeToolFailure,
	ErrPathOutsideSandbox:  CodeInvalidPath,
	ErrWriterUnavailable:   CodeWriterUnavailable,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeProviderRateLimited,
	ErrAuthInvalid:         CodeProviderAuth,
	ErrTimeout:             CodeTimeout,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// ClientError codes win over sentinel lookup. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var ce *ClientError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// ErrorCategory groups client-visible errors by origin.
type ErrorCategory string

const (
	CategoryUser     ErrorCategory = "user"
	CategoryInfra    ErrorCategory = "infra"
	CategoryProvider ErrorCategory = "provider"
)

// ClientError is an error that carries everything needed to render it to a client.
type ClientError struct {
	Category      ErrorCategory
	Code          ErrorCode
	Message       string // internal message, logged
	PublicMessage string // shown to the human; empty falls back to the stable message for Code
	Retryable     bool
	Details       map[string]any
	Err           error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error { return e.Err }

// UserError builds a ClientError in the user category.
func UserError(code ErrorCode, message string) *ClientError {
	return &ClientError{Category: CategoryUser, Code: code, Message: message}
}

// InfraError builds a ClientError in the infra category.
func InfraError(code ErrorCode, message string, err error) *ClientError {
	return &ClientError{Category: CategoryInfra, Code: code, Message: message, Err: err}
}

// ProviderErrorf builds a ClientError in the provider category.
func ProviderErrorf(code ErrorCode, retryable bool, err error, format string, args ...any) *ClientError {
	return &ClientError{
		Category:  CategoryProvider,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Err:       err,
	}
}

var stableMessages = map[ErrorCode]string{
	CodeInvalidJSON:        "Invalid JSON.",
	CodeInvalidEvent:       "Invalid event.",
	CodeInvalidEventSchema: "Unsupported event format.",
	CodePayloadTooLarge:    "Payload exceeds the allowed limit.",
	CodeRateLimited:        "Too many messages, slow down.",
	CodeInvalidPath:        "Invalid file path.",
	CodeAIUnavailable:      "AI service unavailable.",
	CodeWriterUnavailable:  "File service unavailable.",
	CodeToolFailure:        "The tool failed to run.",
}

// StableMessage returns the fixed public message for code, or a generic one.
func StableMessage(code ErrorCode) string {
	if m, ok := stableMessages[code]; ok {
		return m
	}
	return "An error occurred."
}

// ToClientError converts any error into a ClientError. Unknown errors become
// infra errors with fallbackCode.
func ToClientError(err error, fallbackCode ErrorCode) *ClientError {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce
	}

	code := ErrorCodeOf(err)
	if code == CodeUnknown {
		code = fallbackCode
	}

	category := CategoryInfra
	switch {
	case errors.Is(err, ErrPathOutsideSandbox), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrPayloadTooLarge):
		category = CategoryUser
	case errors.Is(err, ErrProviderError), errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrRateLimit), errors.Is(err, ErrAuthInvalid), errors.Is(err, ErrContextOverflow):
		category = CategoryProvider
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ClientError{
		Category:  category,
		Code:      code,
		Message:   msg,
		Retryable: IsRetryableError(err),
		Err:       err,
	}
}
