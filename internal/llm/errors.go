package llm

import (
	"errors"
	"fmt"
	"strings"
)

// UpstreamError wraps a model-provider failure with enough detail to
// decide on retry and to map it to a response status.
type UpstreamError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: upstream error: %s", e.Provider, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamError classifies err and wraps it. A status code of 0
// means the failure happened before an HTTP status was received.
func NewUpstreamError(provider, model string, statusCode int, err error) *UpstreamError {
	return &UpstreamError{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Message:    err.Error(),
		Transient:  transientStatus(statusCode) || transientMessage(err.Error()),
		Err:        err,
	}
}

// IsTransient reports whether err is worth retrying: rate limits,
// server errors, timeouts, and connection failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Transient
	}
	return transientMessage(err.Error())
}

func transientStatus(code int) bool {
	return code == 429 || code == 408 || (code >= 500 && code <= 599)
}

func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)

	// Rate limiting
	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	// Server-side failures
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}

	// Timeouts
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}

	// Network
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}

	return false
}
