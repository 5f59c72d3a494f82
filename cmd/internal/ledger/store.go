// Package ledger is the durable record of users, invoices, pools, participants,
// settlements and transfers.
//
// Every mutating operation is atomic. Pool amount and membership for a tier are
// only changed through AdmitParticipant and ResetPool, which serialize per tier
// inside the store.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary for the lottery engine.
type Store interface {
	EnsureUser(ctx context.Context, userID int64, now time.Time) error
	SetWalletAddress(ctx context.Context, userID int64, address string, now time.Time) error
	// GetWalletAddress returns ErrNoWallet when the user has none.
	GetWalletAddress(ctx context.Context, userID int64) (string, error)
	ListUsers(ctx context.Context) ([]int64, error)

	EnsurePool(ctx context.Context, tier string) error
	GetPool(ctx context.Context, tier string) (Pool, error)
	GetPoolAmount(ctx context.Context, tier string) (decimal.Decimal, error)
	// OpenPool starts admissions for the current cycle with the given boundaries.
	OpenPool(ctx context.Context, tier string, start, end time.Time) (Pool, error)
	// ClosePool stops admissions and returns the pool as closed. Closing a closed pool is a no-op.
	ClosePool(ctx context.Context, tier string) (Pool, error)
	// ResetPool zeroes the amount and advances the cycle to nextCycle, which must be current+1.
	ResetPool(ctx context.Context, tier string, nextCycle int64) (Pool, error)

	// CreateInvoice records a pending invoice. ErrDuplicateInvoice if one is already pending
	// for (user, tier, cycle).
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	PendingInvoice(ctx context.Context, userID int64, tier string, cycle int64) (Invoice, error)
	// MarkInvoice moves a pending invoice to a terminal status. Re-applying the same terminal
	// status is a no-op that returns changed=false.
	MarkInvoice(ctx context.Context, invoiceID string, status InvoiceStatus, now time.Time) (inv Invoice, changed bool, err error)
	ListPendingInvoices(ctx context.Context) ([]Invoice, error)
	// ListUnadmittedPaid returns paid invoices of the tier's current cycle without a participant row.
	ListUnadmittedPaid(ctx context.Context) ([]Invoice, error)

	// AdmitParticipant inserts the membership and credits the pool by Fee in one transaction.
	AdmitParticipant(ctx context.Context, in AdmitInput) (Participant, error)
	ListParticipants(ctx context.Context, tier string, cycle int64) ([]Participant, error)
	// ListMemberships returns the user's memberships in each tier's current cycle.
	ListMemberships(ctx context.Context, userID int64) ([]Participant, error)

	// CreateSettlement inserts the settlement row unless one exists for (tier, cycle);
	// created=false returns the existing row untouched.
	CreateSettlement(ctx context.Context, s Settlement) (out Settlement, created bool, err error)
	GetSettlement(ctx context.Context, tier string, cycle int64) (Settlement, error)
	// RecordAttempt counts a payout attempt that did not complete.
	RecordAttempt(ctx context.Context, tier string, cycle int64, status SettlementStatus, lastErr string, now time.Time) (Settlement, error)
	// CompleteSettlement stores the transfer and marks the settlement paid in one transaction.
	// completed=false means the row was already paid and nothing changed.
	CompleteSettlement(ctx context.Context, t Transfer, now time.Time) (out Settlement, completed bool, err error)
	ListSettlements(ctx context.Context, statuses ...SettlementStatus) ([]Settlement, error)
	ListSettlementsForWinner(ctx context.Context, userID int64, statuses ...SettlementStatus) ([]Settlement, error)

	Close() error
}

func canTransition(from, to InvoiceStatus) (changed bool, err error) {
	if !to.Terminal() {
		return false, ErrInvalidTransition
	}
	if from == to {
		return false, nil
	}
	if from != InvoicePending {
		return false, ErrInvalidTransition
	}
	return true, nil
}

func statusIn(s SettlementStatus, set []SettlementStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
