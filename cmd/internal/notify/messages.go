package notify

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Money renders an amount the way users see it in chat.
func Money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func JoinLink(pool string, fee decimal.Decimal, payURL string) string {
	return fmt.Sprintf("To join the %s, please pay %s using this link: %s", pool, Money(fee), payURL)
}

func Joined(pool string) string {
	return fmt.Sprintf("You have successfully joined the %s!", pool)
}

func PaymentTimedOut(pool string) string {
	return fmt.Sprintf("Your payment for the %s was not confirmed in time. Please try again.", pool)
}

func PaymentLate(pool, invoiceID string) string {
	return fmt.Sprintf("Your payment for the %s arrived after the pool closed, so you were not entered. "+
		"Please contact support with invoice %s for a refund.", pool, invoiceID)
}

func PoolOpened(pool, joinCommand string, closesAt time.Time) string {
	return fmt.Sprintf("The %s is now open until %s! Use /%s to participate.",
		pool, closesAt.Format("Mon 02 Jan 15:04 MST"), joinCommand)
}

func Won(pool string, prize decimal.Decimal) string {
	return fmt.Sprintf("Congratulations! You won %s in the %s!", Money(prize), pool)
}

func PrizeHeld(pool string, prize decimal.Decimal) string {
	return fmt.Sprintf("Congratulations! You won %s in the %s! "+
		"Set your CryptoBot user id with /set_wallet <id> to receive the prize.", Money(prize), pool)
}

func PrizeDelayed(pool string, prize decimal.Decimal) string {
	return fmt.Sprintf("Congratulations! You won %s in the %s! "+
		"The payout is delayed; we will retry shortly.", Money(prize), pool)
}

func PoolReset(pool string) string {
	return fmt.Sprintf("The %s has been reset for the next round. Join again to participate!", pool)
}
