package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	v1 "luckypool/shared/contracts/feed/v1"
)

// OperatorChat forwards operator feed events to a chat as text.
type OperatorChat struct {
	n      Notifier
	chatID int64
	all    bool
}

// NewOperatorChat forwards operator-attention events; with all set, every settlement
// and pool transition is forwarded too.
func NewOperatorChat(n Notifier, chatID int64, all bool) *OperatorChat {
	return &OperatorChat{n: n, chatID: chatID, all: all}
}

func (o *OperatorChat) Deliver(ctx context.Context, env v1.Envelope) error {
	if !o.wants(env.Type) {
		return nil
	}
	return o.n.Send(ctx, o.chatID, FormatEvent(env))
}

func (o *OperatorChat) wants(typ string) bool {
	if v1.Operator(typ) {
		return true
	}
	if !o.all {
		return false
	}
	return typ != v1.TypeHello && typ != v1.TypeParticipantAdmitted
}

// FormatEvent renders an envelope as a one-line operator message.
func FormatEvent(env v1.Envelope) string {
	var b strings.Builder
	if v1.Operator(env.Type) {
		b.WriteString("[action needed] ")
	}
	b.WriteString(env.Type)

	switch {
	case strings.HasPrefix(env.Type, "settlement."):
		var p v1.SettlementPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			fmt.Fprintf(&b, " tier=%s cycle=%d pool=%s participants=%d", p.Tier, p.Cycle, p.PoolAmount, p.Participants)
			if p.WinnerID != 0 {
				fmt.Fprintf(&b, " winner=%d prize=%s", p.WinnerID, p.Prize)
			}
			if p.Error != "" {
				fmt.Fprintf(&b, " error=%q", p.Error)
			}
		}
	case strings.HasPrefix(env.Type, "pool."):
		var p v1.PoolPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			fmt.Fprintf(&b, " tier=%s cycle=%d amount=%s participants=%d", p.Tier, p.Cycle, p.Amount, p.Participants)
		}
	default:
		var p v1.InvoicePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			fmt.Fprintf(&b, " invoice=%s user=%d tier=%s cycle=%d amount=%s", p.InvoiceID, p.UserID, p.Tier, p.Cycle, p.Amount)
		}
	}
	return b.String()
}
