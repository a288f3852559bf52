package server

import (
	"errors"
	"fmt"
)

// ErrCSRF is the class of every state validation failure.
var ErrCSRF = errors.New("state validation failed")

// Causes of a state validation failure. They are logged, never shown to the browser.
var (
	ErrStateMissing   = errors.New("state cookie missing")
	ErrStateSignature = errors.New("state cookie signature invalid")
	ErrStateMismatch  = errors.New("state mismatch")
	ErrStateReplayed  = errors.New("state already used")
)

// ErrUpstreamUnavailable wraps network failures reaching the provider.
var ErrUpstreamUnavailable = errors.New("provider unreachable")

// ErrAccessUndetermined means the permission lookup could not confirm access either way.
var ErrAccessUndetermined = errors.New("access could not be determined")

// CSRFError reports why a callback's state was rejected.
type CSRFError struct {
	Cause error
}

func (e *CSRFError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCSRF, e.Cause)
}

func (e *CSRFError) Unwrap() []error {
	return []error{ErrCSRF, e.Cause}
}

func csrfError(cause error) error {
	return &CSRFError{Cause: cause}
}

// TokenExchangeError is returned when the code-for-token exchange fails.
// Status is zero when no HTTP response was received.
type TokenExchangeError struct {
	Status int
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// ProviderError is a non-success response from a provider endpoint.
type ProviderError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider returned status %d", e.Op, e.Status)
}
