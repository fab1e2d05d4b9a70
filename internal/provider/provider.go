// Package provider models the LLM provider boundary: error classification,
// model capabilities, retry policy for transient failures, and a streaming
// client for OpenAI-compatible endpoints. The session driver is the only
// consumer of the stream types; everything above it works in terms of
// StreamOptions.
package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType classifies a provider failure.
type ErrorType string

const (
	ErrorTransient       ErrorType = "transient"
	ErrorContextExceeded ErrorType = "context_exceeded"
	ErrorAuth            ErrorType = "auth"
)

// Error is a classified provider error.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Message
}

// NewContextExceeded builds a context-window overflow error.
func NewContextExceeded(message string) *Error {
	return &Error{Type: ErrorContextExceeded, Message: message}
}

// IsContextExceeded reports whether err indicates the request exceeded the
// model's context window. Raw provider messages are sniffed as a fallback
// for clients that do not classify.
func IsContextExceeded(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type == ErrorContextExceeded
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context window") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "prompt is too long")
}

const (
	maxRetries           = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
)

// NewRetryBackoff creates an exponential backoff with jitter for transient
// provider errors. Context-exceeded errors are never retried here; they route
// to the escalation ladder instead.
func NewRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// RetryTransient runs fn with the transient-error retry policy. Context
// exceeded and auth failures are permanent.
func RetryTransient(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var perr *Error
		if errors.As(err, &perr) && perr.Type != ErrorTransient {
			return backoff.Permanent(err)
		}
		return err
	}, NewRetryBackoff(ctx))
}
