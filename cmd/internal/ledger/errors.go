package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")

	// ErrAlreadyMember: the user already has a participant row for (tier, cycle).
	ErrAlreadyMember = errors.New("already a member of this pool cycle")

	// ErrDuplicateInvoice: a pending invoice already exists for (user, tier, cycle).
	ErrDuplicateInvoice = errors.New("pending invoice already exists")

	// ErrInvalidTransition: an invoice may only move pending -> paid or pending -> expired.
	ErrInvalidTransition = errors.New("invalid invoice status transition")

	// ErrPoolClosed: the pool is not accepting admissions for the requested cycle.
	ErrPoolClosed = errors.New("pool is not open for this cycle")

	// ErrPoolOpen: open requested while the current cycle is still open.
	ErrPoolOpen = errors.New("pool is already open")

	// ErrStaleCycle: a reset named a cycle other than current+1.
	ErrStaleCycle = errors.New("stale pool cycle")

	// ErrNoWallet: the user has not configured a settlement wallet address.
	ErrNoWallet = errors.New("no wallet address configured")

	// ErrUnavailable marks persistence failures; callers retry on their own cadence.
	ErrUnavailable = errors.New("ledger unavailable")
)

// OpError wraps a persistence failure with the operation that hit it.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("ledger.%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
