// Package llmerrors classifies provider failures into a small taxonomy
// the retry layer and the workers act on.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorType categorizes a provider failure for retry decisions.
type ErrorType int8

const (
	// ErrorTypeTimeout represents deadline or network timeout failures.
	ErrorTypeTimeout ErrorType = iota
	// ErrorTypeRateLimit represents rate limiting (429, quota exceeded).
	ErrorTypeRateLimit
	// ErrorTypeServiceUnavailable represents provider-side outages (5xx).
	ErrorTypeServiceUnavailable
	// ErrorTypeInvalidResponse represents a 2xx answer with no usable content.
	ErrorTypeInvalidResponse
	// ErrorTypeBinaryPayload marks a payload that failed text decoding.
	// Never retried: the same prompt keeps producing the same bytes.
	ErrorTypeBinaryPayload
	// ErrorTypeAuth represents credential failures (401/403).
	ErrorTypeAuth
	// ErrorTypeCanceled represents caller-initiated cancellation.
	ErrorTypeCanceled
	// ErrorTypeUnknown is the default for anything unclassified.
	ErrorTypeUnknown
)

// String returns the wire form of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	case ErrorTypeInvalidResponse:
		return "invalid_response"
	case ErrorTypeBinaryPayload:
		return "binary_payload"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeCanceled:
		return "canceled"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RetryConfig bounds the backoff loop for one error type. Attempt counts
// come from per-agent configuration; these caps keep the doubling delay
// proportionate to the failure class.
type RetryConfig struct {
	MaxRetries int           // fallback attempt ceiling when config gives none
	MaxDelay   time.Duration // upper bound for the doubled backoff delay
}

// DefaultRetryConfigs provides the per-type backoff bounds.
//
//nolint:gochecknoglobals // package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeTimeout:            {MaxRetries: 3, MaxDelay: 30 * time.Second},
	ErrorTypeRateLimit:          {MaxRetries: 5, MaxDelay: 60 * time.Second},
	ErrorTypeServiceUnavailable: {MaxRetries: 4, MaxDelay: 30 * time.Second},
	ErrorTypeInvalidResponse:    {MaxRetries: 3, MaxDelay: 10 * time.Second},
	ErrorTypeUnknown:            {MaxRetries: 1, MaxDelay: 5 * time.Second},
	ErrorTypeBinaryPayload:      {MaxRetries: 0},
	ErrorTypeAuth:               {MaxRetries: 0},
	ErrorTypeCanceled:           {MaxRetries: 0},
}

// Error is a classified provider failure.
type Error struct {
	Err        error     // wrapped underlying error
	Message    string    // human-readable description
	Type       ErrorType // classified error type
	StatusCode int       // HTTP status code when one was observed
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("provider error (%s): %s: %v", e.Type, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("provider error (%s): %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("provider error (%s): status %d", e.Type, e.StatusCode)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether this failure class is worth retrying.
// Blocklist approach: everything retries unless repeating the call is
// pointless.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBinaryPayload, ErrorTypeCanceled:
		return false
	default:
		return true
	}
}

// RetryConfig returns the backoff bounds for this error's type.
func (e *Error) RetryConfig() RetryConfig {
	if cfg, ok := DefaultRetryConfigs[e.Type]; ok {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is reports whether err carries the given classified type.
func Is(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// TypeOf returns err's classified type, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// New creates a classified error.
func New(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewWithStatus creates a classified error carrying an HTTP status.
func NewWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewWithCause creates a classified error wrapping another error.
func NewWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// Classify maps an arbitrary provider SDK error onto the taxonomy. The
// SDKs rarely expose structured status codes, so after the context
// checks this falls back to scraping the error text the same way the
// status appears in vendor messages.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(ErrorTypeTimeout, err, "request deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return NewWithCause(ErrorTypeCanceled, err, "request canceled")
	}

	errStr := err.Error()
	switch status := extractStatusCode(errStr); status {
	case 400:
		return &Error{Type: ErrorTypeUnknown, StatusCode: status, Err: err, Message: "provider rejected the request"}
	case 401, 403:
		return &Error{Type: ErrorTypeAuth, StatusCode: status, Err: err, Message: "authentication failed"}
	case 408:
		return &Error{Type: ErrorTypeTimeout, StatusCode: status, Err: err, Message: "request timeout"}
	case 429:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: status, Err: err, Message: "rate limit exceeded"}
	case 500, 502, 503, 504:
		return &Error{Type: ErrorTypeServiceUnavailable, StatusCode: status, Err: err, Message: "provider unavailable"}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return NewWithCause(ErrorTypeTimeout, err, "request timeout")
	case strings.Contains(lower, "rate") || strings.Contains(lower, "quota") || strings.Contains(lower, "overloaded"):
		return NewWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "connection") || strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "eof") || strings.Contains(lower, "reset"):
		return NewWithCause(ErrorTypeServiceUnavailable, err, "network or provider failure")
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "api key") ||
		strings.Contains(lower, "permission"):
		return NewWithCause(ErrorTypeAuth, err, "authentication error")
	}

	return NewWithCause(ErrorTypeUnknown, err, "unclassified provider error")
}

// statusPrefixes are the framings vendor SDKs use when embedding an HTTP
// status in an error message.
//
//nolint:gochecknoglobals // static lookup table
var statusPrefixes = []string{"status code: ", "status: ", "http "}

// knownStatuses are the codes the taxonomy distinguishes.
//
//nolint:gochecknoglobals // static lookup table
var knownStatuses = []string{"400", "401", "403", "408", "429", "500", "502", "503", "504"}

// extractStatusCode scrapes an HTTP status from an SDK error string.
// Returns 0 when none is recognizable.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, prefix := range statusPrefixes {
		idx := strings.Index(lower, prefix)
		if idx == -1 {
			continue
		}
		rest := lower[idx+len(prefix):]
		for _, code := range knownStatuses {
			if strings.HasPrefix(rest, code) {
				n, convErr := strconv.Atoi(code)
				if convErr == nil {
					return n
				}
			}
		}
	}
	return 0
}
