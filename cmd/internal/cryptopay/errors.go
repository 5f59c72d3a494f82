package cryptopay

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: transport errors, 5xx and 429 responses.
	ErrTransient = errors.New("transient gateway failure")

	// ErrAlreadyPaid is returned by Transfer when the gateway rejects a spend_id it has already accepted.
	// The original submission succeeded, so callers treat this as success.
	ErrAlreadyPaid = errors.New("transfer already submitted for spend id")

	// ErrInvalidDestination is returned when a payout destination is not a gateway account id.
	ErrInvalidDestination = errors.New("invalid payout destination")

	// ErrInvalidInput is returned for client-side argument errors.
	ErrInvalidInput = errors.New("invalid input")
)

// TransportError reports a network failure or a retryable HTTP status.
type TransportError struct {
	Method string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("cryptopay.%s: http status %d", e.Method, e.Status)
	}
	return fmt.Sprintf("cryptopay.%s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// APIError is an application-level rejection ({"ok": false}). It is terminal and never retried.
type APIError struct {
	Method string
	Code   int
	Name   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cryptopay.%s: rejected: %d %s", e.Method, e.Code, e.Name)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
