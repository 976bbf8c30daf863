package models

import (
	"errors"
	"fmt"
	"time"
)

// Gateway outcome sentinels. Handlers map these onto transport status
// codes; components wrap them with %w so errors.Is works across layers.
var (
	// ErrCapabilityUnavailable: no registry entry matches the required
	// capabilities. Fatal for the request, never retried.
	ErrCapabilityUnavailable = errors.New("no model matches required capabilities")

	// ErrAllProvidersUnavailable: every candidate was excluded by the
	// circuit breaker or rate limiter. Transient for the system.
	ErrAllProvidersUnavailable = errors.New("all candidate providers unavailable")

	// ErrQueueRejected: the request queue is at max depth (backpressure).
	ErrQueueRejected = errors.New("request queue full")

	// ErrRequestExpired: the deadline passed before the request was served.
	ErrRequestExpired = errors.New("request deadline expired")
)

// ProviderErrorKind separates provider failures that indicate provider
// health (transient) from ones that indicate a caller-side problem
// (permanent).
type ProviderErrorKind int

const (
	// ProviderErrorTransient covers timeouts, 5xx responses and
	// connection resets. Counted by the circuit breaker and eligible
	// for router failover.
	ProviderErrorTransient ProviderErrorKind = iota

	// ProviderErrorPermanent covers auth failures, malformed requests
	// and content policy rejections. Surfaced immediately, not retried,
	// not counted against the circuit.
	ProviderErrorPermanent
)

func (k ProviderErrorKind) String() string {
	if k == ProviderErrorPermanent {
		return "permanent"
	}
	return "transient"
}

// ProviderError wraps an error returned by a provider adapter.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a transient provider failure.
func NewTransientError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderErrorTransient, Err: err}
}

// NewPermanentError wraps err as a permanent provider failure.
func NewPermanentError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderErrorPermanent, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderErrorTransient
}

// IsPermanent reports whether err is (or wraps) a permanent provider error.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderErrorPermanent
}

// RateLimitedError carries the wait until enough tokens accrue. The
// limiter never blocks; the caller decides whether to wait or re-route.
type RateLimitedError struct {
	Caller     string
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: caller %s on provider %s, retry after %s",
		e.Caller, e.Provider, e.RetryAfter)
}
