package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"luckypool/cmd/internal/cryptopay"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/lottery"
	"luckypool/cmd/internal/pool"
	"luckypool/cmd/internal/settlement"
	"luckypool/cmd/internal/tier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		t.Fatalf("no message sent")
	}
	return b.sent[len(b.sent)-1]
}

func (b *fakeBot) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type gateway struct{ n int }

func (g *gateway) CreateInvoice(_ context.Context, _ decimal.Decimal, _ string) (cryptopay.Invoice, error) {
	g.n++
	return cryptopay.Invoice{ID: fmt.Sprint(g.n), URL: fmt.Sprintf("https://pay.example/%d", g.n)}, nil
}

func (g *gateway) DeleteInvoice(context.Context, string) error { return nil }

type tracker struct{}

func (tracker) Track(ledger.Invoice) bool { return true }

type noWinner struct{}

func (noWinner) Settle(_ context.Context, snap settlement.Snapshot, _ time.Time) (ledger.Settlement, error) {
	return ledger.Settlement{Tier: snap.Tier, Cycle: snap.Cycle}, nil
}

type harness struct {
	store *ledger.MemoryStore
	bot   *fakeBot
	h     *Handler
	pools *pool.Controller
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	pools := pool.NewController(store, tier.Default(time.UTC), noWinner{}, pool.WithLogger(log))
	now := func() time.Time { return t0.Add(time.Hour) }
	svc := lottery.New(store, &gateway{}, tracker{}, nil, pools, lottery.WithLogger(log), lottery.WithClock(now))
	b := &fakeBot{}
	h := NewHandler(svc, b, cfg, log)
	h.now = now
	return &harness{store: store, bot: b, h: h, pools: pools}
}

func command(chatID int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmdLen = i
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}}
}

func TestHandle_JoinFlow(t *testing.T) {
	t.Parallel()

	hs := newHarness(t, Config{Cut: decimal.RequireFromString("0.1")})
	ctx := context.Background()

	hs.h.HandleUpdate(ctx, command(11, "/join_bronze"))
	if got := hs.bot.last(t).Text; !strings.Contains(got, "closed") {
		t.Fatalf("reply=%q want closed", got)
	}

	if _, err := hs.pools.Open(ctx, "bronze", t0); err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	hs.h.HandleUpdate(ctx, command(11, "/join_bronze"))
	reply := hs.bot.last(t)
	if reply.ChatID != 11 || !strings.Contains(reply.Text, "https://pay.example/1") || !strings.Contains(reply.Text, "$10.00") {
		t.Fatalf("reply=%+v", reply)
	}

	if _, err := hs.store.AdmitParticipant(ctx, ledger.AdmitInput{
		UserID: 11, Tier: "bronze", Cycle: 1, InvoiceID: "1", Fee: decimal.NewFromInt(10), Now: t0,
	}); err != nil {
		t.Fatalf("AdmitParticipant() err=%v", err)
	}
	hs.h.HandleUpdate(ctx, command(11, "/join_bronze"))
	if got := hs.bot.last(t).Text; got != "You are already in the Bronze Pool." {
		t.Fatalf("reply=%q", got)
	}

	hs.h.HandleUpdate(ctx, command(11, "/join_platinum"))
	if got := hs.bot.last(t).Text; !strings.Contains(got, "no such pool") {
		t.Fatalf("reply=%q", got)
	}

	hs.h.HandleUpdate(ctx, command(11, "/my_info"))
	if got := hs.bot.last(t).Text; !strings.Contains(got, "Bronze Pool (Invoice ID: 1)") {
		t.Fatalf("my_info=%q", got)
	}
}

func TestHandle_Queries(t *testing.T) {
	t.Parallel()

	hs := newHarness(t, Config{Cut: decimal.RequireFromString("0.1")})
	ctx := context.Background()
	if _, err := hs.pools.Open(ctx, "bronze", t0); err != nil {
		t.Fatalf("Open() err=%v", err)
	}

	tests := []struct {
		cmd  string
		want []string
	}{
		{"/start", []string{"Welcome", "/join_gold - Join the Gold Pool ($50.00 entry fee)."}},
		{"/help", []string{"/set_wallet <id>", "/time_left"}},
		{"/rules", []string{"10% operator cut", "opens every Sunday", "opens every 3 days", "USDT"}},
		{"/status", []string{"Bronze Pool: Open, Current Size: $0.00", "Silver Pool: Closed"}},
		{"/time_left", []string{"Bronze Pool closes in 0 days, 22 hours, 59 minutes", "Silver Pool opens in"}},
		{"/pool_size", []string{"Bronze Pool: $0.00"}},
		{"/players", []string{"Gold Pool: 0 players"}},
		{"/my_info", []string{"Wallet: not set", "not currently in any pool"}},
		{"/bogus", []string{"Unknown command"}},
	}
	for _, tc := range tests {
		hs.h.HandleUpdate(ctx, command(5, tc.cmd))
		got := hs.bot.last(t).Text
		for _, w := range tc.want {
			if !strings.Contains(got, w) {
				t.Fatalf("%s reply=%q missing %q", tc.cmd, got, w)
			}
		}
	}
}

func TestHandle_SetWallet(t *testing.T) {
	t.Parallel()

	hs := newHarness(t, Config{})
	ctx := context.Background()

	hs.h.HandleUpdate(ctx, command(8, "/set_wallet"))
	if got := hs.bot.last(t).Text; !strings.HasPrefix(got, "Usage") {
		t.Fatalf("reply=%q", got)
	}
	hs.h.HandleUpdate(ctx, command(8, "/set_wallet nope"))
	if got := hs.bot.last(t).Text; !strings.Contains(got, "does not look like") {
		t.Fatalf("reply=%q", got)
	}
	hs.h.HandleUpdate(ctx, command(8, "/set_wallet 123456"))
	if got := hs.bot.last(t).Text; got != "Wallet saved." {
		t.Fatalf("reply=%q", got)
	}
	if w, err := hs.store.GetWalletAddress(ctx, 8); err != nil || w != "123456" {
		t.Fatalf("wallet=%q err=%v", w, err)
	}
}

func TestHandle_IgnoresPlainTextAndRateLimits(t *testing.T) {
	t.Parallel()

	hs := newHarness(t, Config{CommandLimit: 2, CommandWindow: time.Minute})
	ctx := context.Background()

	hs.h.HandleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 3}}})
	if n := hs.bot.count(); n != 0 {
		t.Fatalf("sent=%d want=0 for plain text", n)
	}

	for i := 0; i < 5; i++ {
		hs.h.HandleUpdate(ctx, command(3, "/help"))
	}
	if n := hs.bot.count(); n != 2 {
		t.Fatalf("sent=%d want=2 under limit", n)
	}
	hs.h.HandleUpdate(ctx, command(4, "/help"))
	if n := hs.bot.count(); n != 3 {
		t.Fatalf("sent=%d want=3, other chats unaffected", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	hs := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan tgbotapi.Update, 1)
	done := make(chan struct{})
	go func() {
		hs.h.Run(ctx, updates)
		close(done)
	}()

	updates <- command(1, "/help")
	deadline := time.Now().Add(2 * time.Second)
	for hs.bot.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hs.bot.count() != 1 {
		t.Fatalf("sent=%d want=1", hs.bot.count())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	if got := describeWindow(23*time.Hour + 59*time.Minute); got != "24 hours" {
		t.Fatalf("describeWindow=%q want=24 hours", got)
	}
	if got := describeCadence(tier.Cadence{Kind: tier.EveryNDays, EveryDays: 3}); got != "opens every 3 days" {
		t.Fatalf("describeCadence=%q", got)
	}
}
