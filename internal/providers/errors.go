package providers

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure for failover decisions.
type ErrorKind string

// Provider error kinds.
const (
	// KindRateLimited marks admission denials, ours or upstream's.
	// Rate limits never count against a provider's health.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuth marks authentication failures (HTTP 401/403). Fatal for
	// the provider on this call; never retried.
	KindAuth ErrorKind = "auth"
	// KindTransient marks timeouts, 5xx, connectivity and malformed
	// bodies. Retriable via failover.
	KindTransient ErrorKind = "transient"
	// KindNotFound marks symbols unknown to one provider. A different
	// provider may still resolve them.
	KindNotFound ErrorKind = "not_found"
	// KindAllFailed marks exhaustion of every selectable provider.
	KindAllFailed ErrorKind = "all_providers_failed"
)

// Error is the typed failure returned by adapters and the factory.
type Error struct {
	Provider   string
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying transport cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a provider error.
func NewError(provider string, kind ErrorKind, message string, cause error) *Error {
	return &Error{Provider: provider, Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the error kind, defaulting to transient for untyped
// errors so unknown failures stay retriable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// RetryAfterOf extracts the retry hint from a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsRateLimited reports whether err is a rate-limit denial.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsNotFound reports whether err is a provider-specific miss.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
