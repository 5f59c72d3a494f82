package bot

import (
	"fmt"
	"strings"
	"time"

	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/lottery"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/pool"
	"luckypool/cmd/internal/tier"

	"github.com/shopspring/decimal"
)

func title(c *tier.Catalogue, name string) string {
	if t, err := c.Get(name); err == nil {
		return t.Title
	}
	return name
}

func welcomeText(c *tier.Catalogue) string {
	var b strings.Builder
	b.WriteString("Welcome to the Lucky Draw Pool Bot!\n\n")
	b.WriteString("Join a pool, and when it closes one participant wins the prize.\n")
	b.WriteString("Here are the available commands to get started:\n")
	b.WriteString(commandList(c))
	return b.String()
}

func helpText(c *tier.Catalogue) string {
	return "Available commands:\n" + commandList(c)
}

func commandList(c *tier.Catalogue) string {
	var b strings.Builder
	b.WriteString("/rules - How the pools work.\n")
	for _, t := range c.All() {
		fmt.Fprintf(&b, "/join_%s - Join the %s (%s entry fee).\n", t.Name, t.Title, notify.Money(t.EntryFee))
	}
	b.WriteString("/set_wallet <id> - Set the CryptoBot user id prizes are paid to.\n")
	b.WriteString("/status - Which pools are open and their size.\n")
	b.WriteString("/time_left - Time until each pool opens or closes.\n")
	b.WriteString("/pool_size - Current size of each pool.\n")
	b.WriteString("/players - Number of participants in each pool.\n")
	b.WriteString("/my_info - Your pools, wallet and prizes.\n")
	b.WriteString("/help - This list.")
	return b.String()
}

func rulesText(c *tier.Catalogue, cut decimal.Decimal, asset string) string {
	var b strings.Builder
	b.WriteString("Lucky Draw Pool rules:\n")
	n := 1
	for _, t := range c.All() {
		fmt.Fprintf(&b, "%d. The %s %s and runs for %s. Entry fee: %s. Use /join_%s to participate.\n",
			n, t.Title, describeCadence(t.Cadence), describeWindow(t.Window), notify.Money(t.EntryFee), t.Name)
		n++
	}
	fmt.Fprintf(&b, "%d. When a pool closes, one participant is picked at random as the winner.\n", n)
	fmt.Fprintf(&b, "%d. The winner receives the pool minus a %s%% operator cut.\n", n+1, cut.Shift(2).String())
	fmt.Fprintf(&b, "%d. Payments go through CryptoBot and only %s is accepted.\n", n+2, asset)
	fmt.Fprintf(&b, "%d. You can join each pool once per round. Set /set_wallet before you win to get paid right away.", n+3)
	return b.String()
}

func describeCadence(c tier.Cadence) string {
	switch c.Kind {
	case tier.Daily:
		return "opens every day"
	case tier.EveryNDays:
		return fmt.Sprintf("opens every %d days", c.EveryDays)
	case tier.Weekly:
		return "opens every " + c.Weekday.String()
	}
	return "opens on schedule"
}

func describeWindow(d time.Duration) string {
	h := int(d.Round(time.Hour) / time.Hour)
	if h == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", h)
}

func renderStatus(st []pool.Status) string {
	var b strings.Builder
	b.WriteString("Pool Status:")
	for _, s := range st {
		state := "Closed"
		if s.Open {
			state = "Open"
		}
		fmt.Fprintf(&b, "\n%s: %s, Current Size: %s", s.Tier.Title, state, notify.Money(s.Amount))
	}
	return b.String()
}

func renderTimeLeft(st []pool.Status) string {
	var b strings.Builder
	b.WriteString("Time left:")
	for _, s := range st {
		verb := "opens in"
		if s.Open {
			verb = "closes in"
		}
		d, h, m := s.Left()
		fmt.Fprintf(&b, "\n%s %s %d days, %d hours, %d minutes", s.Tier.Title, verb, d, h, m)
	}
	return b.String()
}

func renderSizes(sizes []lottery.PoolSize) string {
	var b strings.Builder
	b.WriteString("Current Pool Sizes:")
	for _, s := range sizes {
		fmt.Fprintf(&b, "\n%s: %s", s.Tier.Title, notify.Money(s.Amount))
	}
	return b.String()
}

func renderPlayers(players []lottery.Players) string {
	var b strings.Builder
	b.WriteString("Current Players:")
	for _, p := range players {
		fmt.Fprintf(&b, "\n%s: %d players", p.Tier.Title, len(p.UserIDs))
	}
	return b.String()
}

func renderInfo(info lottery.Info) string {
	var b strings.Builder
	b.WriteString("Your Info:")
	if info.Wallet != "" {
		fmt.Fprintf(&b, "\nWallet: %s", info.Wallet)
	} else {
		b.WriteString("\nWallet: not set (use /set_wallet <id>)")
	}
	if len(info.Memberships) == 0 {
		b.WriteString("\nYou are not currently in any pool.")
	}
	for _, m := range info.Memberships {
		fmt.Fprintf(&b, "\n%s (Invoice ID: %s)", m.Tier.Title, m.InvoiceID)
	}
	for _, st := range info.Held {
		fmt.Fprintf(&b, "\nPrize held: %s from %s round %d (%s)", notify.Money(st.Prize), st.Tier, st.Cycle, heldReason(st.Status))
	}
	return b.String()
}

func heldReason(s ledger.SettlementStatus) string {
	if s == ledger.SettlementAwaitingWallet {
		return "waiting for your wallet"
	}
	return "payout retrying"
}

func renderJoin(res lottery.JoinResult) string {
	text := notify.JoinLink(res.Tier.Title, res.Invoice.Amount, res.Invoice.PayURL)
	if res.Existing {
		text += "\nThis is your pending invoice for the current round."
	}
	return text
}
