package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the local lifecycle of a join invoice.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s InvoiceStatus) Terminal() bool { return s == InvoicePaid || s == InvoiceExpired }

func (s InvoiceStatus) valid() bool {
	return s == InvoicePending || s == InvoicePaid || s == InvoiceExpired
}

// User is a chat account; WalletAddress is empty until the user sets one.
type User struct {
	ID            int64
	WalletAddress string
	CreatedAt     time.Time
}

// Invoice is a gateway-issued payment request for one join attempt.
type Invoice struct {
	ID         string
	UserID     int64
	Tier       string
	Cycle      int64
	Amount     decimal.Decimal
	Status     InvoiceStatus
	PayURL     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Pool is the live state of one tier.
type Pool struct {
	Tier       string
	Amount     decimal.Decimal
	Cycle      int64
	Open       bool
	CycleStart *time.Time
	CycleEnd   *time.Time
}

// Participant is a pool membership for one cycle.
type Participant struct {
	UserID     int64
	Tier       string
	Cycle      int64
	InvoiceID  string
	AdmittedAt time.Time
}

// AdmitInput describes a participant admission.
type AdmitInput struct {
	UserID    int64
	Tier      string
	Cycle     int64
	InvoiceID string
	Fee       decimal.Decimal
	Now       time.Time
}

// SettlementStatus is the payout state of one (tier, cycle).
type SettlementStatus string

const (
	SettlementNoWinner       SettlementStatus = "no_winner"
	SettlementPending        SettlementStatus = "pending"
	SettlementAwaitingWallet SettlementStatus = "awaiting_wallet"
	SettlementFailed         SettlementStatus = "failed"
	SettlementPaid           SettlementStatus = "paid"
)

// Final reports whether the settlement needs no further payout attempts.
func (s SettlementStatus) Final() bool { return s == SettlementPaid || s == SettlementNoWinner }

// Settlement is the durable record of a cycle's winner and prize.
// The row is written before the first payout attempt; a held prize stays here until paid.
type Settlement struct {
	Tier         string
	Cycle        int64
	WinnerID     int64
	PoolAmount   decimal.Decimal
	Prize        decimal.Decimal
	Participants int
	SpendID      string
	Status       SettlementStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Transfer is a committed payout.
type Transfer struct {
	ID                string
	UserID            int64
	Tier              string
	Cycle             int64
	Amount            decimal.Decimal
	Asset             string
	Status            string
	SpendID           string
	GatewayTransferID string
	CreatedAt         time.Time
}
