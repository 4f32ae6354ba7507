// Package errclass maps raw errors onto the engine's closed error
// taxonomy. Classification is substring-based over the error message,
// the way upstream providers actually surface failures; anything
// unrecognized defaults to unknown/retryable.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category is the closed error taxonomy.
type Category string

const (
	CategoryNetwork   Category = "network"
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryModel     Category = "model"
	CategoryUnknown   Category = "unknown"
)

// Severity indicates how disruptive an error is to a run.
type Severity string

const (
	SeverityTransient Severity = "transient"
	SeverityError     Severity = "error"
	SeverityFatal     Severity = "fatal"
)

// Sentinel errors surfaced by the engine.
var (
	// ErrAborted marks cooperative cancellation. Name "abort" per the
	// callback contract.
	ErrAborted = errors.New("abort")

	// ErrCircuitOpen is returned when a circuit refuses a call.
	ErrCircuitOpen = errors.New("Circuit breaker is open")

	// ErrValidation marks invalid input; never retried.
	ErrValidation = errors.New("validation failed")
)

// Error carries a classified error through the engine.
type Error struct {
	Category  Category
	Retryable bool
	Severity  Severity
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit classification.
func New(category Category, retryable bool, err error) *Error {
	sev := SeverityError
	if retryable {
		sev = SeverityTransient
	}
	if category == CategoryAuth {
		sev = SeverityFatal
	}
	return &Error{Category: category, Retryable: retryable, Severity: sev, Err: err}
}

// Classify maps an arbitrary error to the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return &Error{Category: CategoryUnknown, Retryable: false, Severity: SeverityError, Err: ErrAborted}
	}
	if errors.Is(err, ErrCircuitOpen) {
		return &Error{Category: CategoryNetwork, Retryable: false, Severity: SeverityError, Err: err}
	}
	if errors.Is(err, ErrValidation) {
		return &Error{Category: CategoryUnknown, Retryable: false, Severity: SeverityFatal, Err: err}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests", "quota exceeded"):
		return &Error{Category: CategoryRateLimit, Retryable: true, Severity: SeverityTransient, Err: err}

	case containsAny(msg, "unauthorized", "401", "403", "forbidden", "invalid api key", "authentication"):
		return &Error{Category: CategoryAuth, Retryable: false, Severity: SeverityFatal, Err: err}

	case containsAny(msg, "context length", "context_length", "maximum context", "token limit",
		"tokens", "too long", "prompt is too long"):
		// Context overflow is recovered by compression, not retry.
		return &Error{Category: CategoryModel, Retryable: false, Severity: SeverityError, Err: err}

	case containsAny(msg, "timeout", "timed out", "econnrefused", "econnreset", "connection refused",
		"connection reset", "no such host", "broken pipe", "502", "503", "504", "bad gateway",
		"service unavailable", "gateway timeout", "eof"):
		return &Error{Category: CategoryNetwork, Retryable: true, Severity: SeverityTransient, Err: err}

	case containsAny(msg, "model not found", "invalid model", "model_not_found", "unsupported model",
		"model is overloaded"):
		return &Error{Category: CategoryModel, Retryable: false, Severity: SeverityError, Err: err}

	default:
		return &Error{Category: CategoryUnknown, Retryable: true, Severity: SeverityError, Err: err}
	}
}

// IsRetryable reports whether err may be retried by the retry manager.
// Auth and model errors are never retried.
func IsRetryable(err error) bool {
	c := Classify(err)
	if c == nil {
		return false
	}
	switch c.Category {
	case CategoryAuth, CategoryModel:
		return false
	}
	return c.Retryable
}

// IsRateLimit reports whether err is a rate-limit error.
func IsRateLimit(err error) bool {
	c := Classify(err)
	return c != nil && c.Category == CategoryRateLimit
}

// IsContextLength reports whether err indicates context-window overflow.
// Context-length errors trigger compression rather than retry.
func IsContextLength(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, "context length", "context_length", "token limit", "tokens", "too long",
		"maximum context", "prompt is too long")
}

// IsAborted reports whether err is a cooperative cancellation.
func IsAborted(err error) bool {
	return err != nil && (errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled))
}

// UserMessage returns the pre-canned human-readable message for an
// error category.
func UserMessage(err error) string {
	c := Classify(err)
	if c == nil {
		return ""
	}
	switch c.Category {
	case CategoryAuth:
		return "Authentication failed. Please check your API key configuration."
	case CategoryRateLimit:
		return "Rate limit reached. The request will be retried automatically."
	case CategoryNetwork:
		return "Network error while contacting the model provider. Retrying."
	case CategoryModel:
		return "The configured model rejected the request. Try a different model."
	default:
		return "An unexpected error occurred."
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
