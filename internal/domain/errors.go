package domain

import (
	"errors"
	"fmt"
)

const conversionSnippetLimit = 256

var (
	// ErrRoutableNotFound indicates that no endpoint serves the requested model.
	ErrRoutableNotFound = errors.New("model is not routable")

	// ErrStreamIdleTimeout indicates the upstream stopped sending mid-stream.
	ErrStreamIdleTimeout = errors.New("upstream stream idle timeout")
)

// RoutableNotFoundError reports an unknown or unrouted model.
type RoutableNotFoundError struct {
	Model string
}

func (e *RoutableNotFoundError) Error() string {
	return fmt.Sprintf("no endpoint configured for model %q", e.Model)
}

// Is matches ErrRoutableNotFound.
func (e *RoutableNotFoundError) Is(target error) bool {
	return target == ErrRoutableNotFound
}

// AuthenticationError wraps a bearer token failure for a tenant.
type AuthenticationError struct {
	TenantID string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for tenant %s: %v", e.TenantID, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// TransientBackendError is a retryable backend failure (timeouts, connection
// errors, 429/502/503/504).
type TransientBackendError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransientBackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient backend error (status %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("transient backend error: %v", e.Err)
}

func (e *TransientBackendError) Unwrap() error {
	return e.Err
}

// UpstreamRejectedError is a terminal 4xx (or other non-retryable status) from the backend.
type UpstreamRejectedError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request (status %d): %s", e.StatusCode, e.Detail)
}

// ConversionError reports a payload whose shape did not match expectations.
type ConversionError struct {
	Field   string
	Snippet string
	Err     error
}

// NewConversionError builds a ConversionError with a bounded payload excerpt.
func NewConversionError(field string, payload []byte, err error) *ConversionError {
	snippet := payload
	if len(snippet) > conversionSnippetLimit {
		snippet = snippet[:conversionSnippetLimit]
	}
	return &ConversionError{
		Field:   field,
		Snippet: string(snippet),
		Err:     err,
	}
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conversion failed at %q: %v (payload: %s)", e.Field, e.Err, e.Snippet)
	}
	return fmt.Sprintf("conversion failed at %q (payload: %s)", e.Field, e.Snippet)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}
