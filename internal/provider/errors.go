package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider error for retry and failover decisions.
type Kind int

const (
	// KindUnavailable is a transient upstream failure; retryable and counted
	// by the circuit breaker.
	KindUnavailable Kind = iota

	// KindRateLimit is a transient throttle; retry after the indicated delay.
	KindRateLimit

	// KindQuota is a non-transient billing failure; never retried.
	KindQuota

	// KindAuth is a permanent credential error; skips the provider without
	// counting toward its breaker.
	KindAuth

	// KindInvalid is a malformed request; skips the provider without counting
	// toward its breaker.
	KindInvalid

	// KindConfiguration is a local misconfiguration (unknown model, ambiguous
	// lookup); surfaced immediately.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRateLimit:
		return "rate_limit"
	case KindQuota:
		return "quota_exceeded"
	case KindAuth:
		return "authentication"
	case KindInvalid:
		return "invalid_request"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by all providers.
type Error struct {
	Kind       Kind
	Provider   string
	Message    string
	RetryAfter time.Duration // Only set for KindRateLimit when the upstream indicated one
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a tagged provider error.
func NewError(kind Kind, providerName, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: providerName, Message: message, Err: cause}
}

// Retryable reports whether the error should engage the retry/failover path.
// Rate limits and transient unavailability are retryable; everything else
// either skips the provider (auth, invalid) or surfaces (quota, config).
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindRateLimit || pe.Kind == KindUnavailable
}

// CountsTowardBreaker reports whether the failure should be recorded against
// the provider's circuit breaker. Auth and invalid-request errors are caller
// or configuration problems, not provider health signals.
func CountsTowardBreaker(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return true
	}
	switch pe.Kind {
	case KindAuth, KindInvalid, KindConfiguration:
		return false
	default:
		return true
	}
}

// ErrorKind extracts the Kind from an error chain, defaulting to
// KindUnavailable for untyped errors.
func ErrorKind(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}
