package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider errors.
type ErrorKind int

const (
	KindRetryable  ErrorKind = iota // transient 5xx
	KindRateLimit                   // 429
	KindOverloaded                  // 529 or "overloaded" in body
	KindTimeout                     // deadline exceeded
	KindAuth                        // 401, 403
	KindBilling                     // 402 or quota exhausted
	KindContext                     // context length exceeded
	KindBadRequest                  // 400
	KindFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRateLimit:
		return "rate_limit"
	case KindOverloaded:
		return "overloaded"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindBilling:
		return "billing"
	case KindContext:
		return "context"
	case KindBadRequest:
		return "bad_request"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Transient reports whether a later attempt may succeed without operator
// action.
func (k ErrorKind) Transient() bool {
	return k == KindRetryable || k == KindRateLimit || k == KindOverloaded || k == KindTimeout
}

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Status   int
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	prefix := ""
	if e.Provider != "" {
		prefix = e.Provider + ": "
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s%s (%d): %s", prefix, e.Kind, e.Status, truncate(e.Message, 200))
	}
	return fmt.Sprintf("%s%s: %s", prefix, e.Kind, truncate(e.Message, 200))
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a classified error, or KindFatal.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindFatal
}

// Classify determines the error kind from status code and response body.
// Body keywords win over the status code.
func Classify(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "prompt is too long") {
		return KindContext
	}

	if statusCode == 402 ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "payment required") {
		return KindBilling
	}

	if statusCode == 429 ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") {
		return KindRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "capacity") {
		return KindOverloaded
	}

	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline") ||
		strings.Contains(lower, "timed out") {
		return KindTimeout
	}

	switch statusCode {
	case 400:
		return KindBadRequest
	case 401, 403:
		return KindAuth
	case 500, 502, 503, 521, 522, 523, 524:
		return KindRetryable
	default:
		if statusCode >= 500 {
			return KindRetryable
		}
		return KindFatal
	}
}

// NewError builds a classified error for a provider response.
func NewError(provider string, statusCode int, body string, err error) *Error {
	return &Error{
		Kind:     Classify(statusCode, body),
		Status:   statusCode,
		Provider: provider,
		Message:  body,
		Err:      err,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
