package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"relay-ai/internal/domain"
)

// ErrorCategory indicates whether an error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, overloaded, connection errors, timeouts
	ErrorCategoryPermanent               // 401, 403, 400 (non-overflow), malformed
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// ErrorClassifier analyzes LLM provider errors and categorizes them.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches the "API error <status_code>:" detail produced by the provider adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// contextOverflowKeywords are body keywords that indicate a context length issue
// within a 400 response.
var contextOverflowKeywords = []string{
	"context", "token", "length", "too long", "maximum",
}

// Classify inspects an error (typically from an LLM provider) and returns
// a ClassifiedError with category and mapped sentinel.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if sentinel := c.classifyBySentinel(err); sentinel.Category != ErrorCategoryUnknown {
		return sentinel
	}

	errStr := err.Error()

	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code, errStr)
	}

	return c.classifyByString(err, errStr)
}

// ClientError renders err as a provider-category client error.
func (c *ErrorClassifier) ClientError(err error) *domain.ClientError {
	var ce *domain.ClientError
	if errors.As(err, &ce) {
		return ce
	}

	cl := c.Classify(err)
	code := domain.CodeProviderError
	if cl.Sentinel != nil {
		if mapped := domain.ErrorCodeOf(cl.Sentinel); mapped != domain.CodeUnknown {
			code = mapped
		}
	}

	out := domain.ProviderErrorf(code, cl.Category == ErrorCategoryRetryable, err, "llm call failed")
	if cl.StatusCode != 0 {
		out.Details = map[string]any{"status": cl.StatusCode}
	}
	return out
}

// classifyBySentinel checks if the error wraps a known domain sentinel.
func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	retryable := func(s error) ClassifiedError {
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: s}
	}

	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return c.withStatus(retryable(domain.ErrRateLimit))
	case errors.Is(err, domain.ErrContextOverflow):
		return c.withStatus(retryable(domain.ErrContextOverflow))
	case errors.Is(err, domain.ErrAuthInvalid):
		return c.withStatus(ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid,
		})
	case errors.Is(err, domain.ErrCircuitOpen):
		return retryable(domain.ErrCircuitOpen)
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return retryable(domain.ErrTimeout)
	case errors.Is(err, domain.ErrProviderUnavailable):
		return retryable(domain.ErrProviderUnavailable)
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

// withStatus fills StatusCode from the error text when present.
func (c *ErrorClassifier) withStatus(ce ClassifiedError) ClassifiedError {
	if matches := apiErrorPattern.FindStringSubmatch(ce.Original.Error()); len(matches) == 2 {
		ce.StatusCode, _ = strconv.Atoi(matches[1])
	}
	return ce
}

func (c *ErrorClassifier) classifyByStatus(err error, code int, body string) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit, StatusCode: code,
		}
	case code == 401 || code == 403:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid, StatusCode: code,
		}
	case code == 413:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrContextOverflow, StatusCode: code,
		}
	case code == 400:
		lower := strings.ToLower(body)
		for _, kw := range contextOverflowKeywords {
			if strings.Contains(lower, kw) {
				return ClassifiedError{
					Original: err, Category: ErrorCategoryRetryable,
					Sentinel: domain.ErrContextOverflow, StatusCode: code,
				}
			}
		}
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent, StatusCode: code,
		}
	case code >= 500 && code < 600:
		// 529 is the provider's "overloaded" status.
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrProviderError, StatusCode: code,
		}
	default:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent, StatusCode: code,
		}
	}
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrRateLimit,
			}
		}
	}

	for _, p := range []string{"context length", "token limit", "maximum context"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrContextOverflow,
			}
		}
	}

	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset", "unexpected eof",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
			}
		}
	}

	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
