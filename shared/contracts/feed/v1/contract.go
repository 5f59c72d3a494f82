// Package v1 defines the operator feed wire contract.
//
// The feed is server -> client only. Every message is an Envelope whose
// Payload shape is selected by Type.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is embedded into every envelope.
const Version = 1

// Subprotocol is the WebSocket subprotocol a client must offer.
const Subprotocol = "luckypool.feed.v1"

// Type constants (wire-stable).
const (
	TypeHello = "hello"

	TypePoolOpened          = "pool.opened"
	TypePoolClosed          = "pool.closed"
	TypeParticipantAdmitted = "participant.admitted"
	TypeInvoiceExpired      = "invoice.expired"
	TypePaymentLate         = "payment.late"

	TypeSettlementPaid     = "settlement.paid"
	TypeSettlementNoWinner = "settlement.no_winner"
	TypeSettlementFailed   = "settlement.failed"
	TypeSettlementHeld     = "settlement.held"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:               {},
	TypePoolOpened:          {},
	TypePoolClosed:          {},
	TypeParticipantAdmitted: {},
	TypeInvoiceExpired:      {},
	TypePaymentLate:         {},
	TypeSettlementPaid:      {},
	TypeSettlementNoWinner:  {},
	TypeSettlementFailed:    {},
	TypeSettlementHeld:      {},
}

// Operator reports whether events of this type need operator attention.
func Operator(typ string) bool {
	switch typ {
	case TypePaymentLate, TypeSettlementFailed, TypeSettlementHeld:
		return true
	}
	return false
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a validated envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

type HelloPayload struct {
	SessionID string `json:"session_id"`
}

type PoolPayload struct {
	Tier         string     `json:"tier"`
	Cycle        int64      `json:"cycle"`
	Amount       string     `json:"amount"`
	Participants int        `json:"participants"`
	ClosesAt     *time.Time `json:"closes_at,omitempty"`
}

type InvoicePayload struct {
	InvoiceID string `json:"invoice_id"`
	UserID    int64  `json:"user_id"`
	Tier      string `json:"tier"`
	Cycle     int64  `json:"cycle"`
	Amount    string `json:"amount"`
}

type SettlementPayload struct {
	Tier         string `json:"tier"`
	Cycle        int64  `json:"cycle"`
	WinnerID     int64  `json:"winner_id,omitempty"`
	PoolAmount   string `json:"pool_amount"`
	Prize        string `json:"prize,omitempty"`
	Participants int    `json:"participants"`
	SpendID      string `json:"spend_id,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Error        string `json:"error,omitempty"`
}
