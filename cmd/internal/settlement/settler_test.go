package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"luckypool/cmd/internal/cryptopay"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/tier"
	v1 "luckypool/shared/contracts/feed/v1"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakePayer struct {
	mu    sync.Mutex
	reqs  []cryptopay.TransferRequest
	err   error
	spent map[string]bool
	delay time.Duration
}

func (p *fakePayer) Asset() string { return "USDT" }

func (p *fakePayer) Transfer(_ context.Context, req cryptopay.TransferRequest) (cryptopay.TransferResult, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return cryptopay.TransferResult{}, p.err
	}
	if p.spent == nil {
		p.spent = map[string]bool{}
	}
	if p.spent[req.SpendID] {
		return cryptopay.TransferResult{Duplicate: true}, cryptopay.ErrAlreadyPaid
	}
	p.spent[req.SpendID] = true
	return cryptopay.TransferResult{TransferID: fmt.Sprintf("tr-%d", len(p.reqs))}, nil
}

func (p *fakePayer) calls() []cryptopay.TransferRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cryptopay.TransferRequest(nil), p.reqs...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs map[int64][]string
}

func (n *recordingNotifier) Send(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.msgs == nil {
		n.msgs = map[int64][]string{}
	}
	n.msgs[chatID] = append(n.msgs[chatID], text)
	return nil
}

func (n *recordingNotifier) to(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs[chatID]...)
}

type recordingFeed struct {
	mu    sync.Mutex
	types []string
}

func (f *recordingFeed) Publish(typ string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, typ)
}

func (f *recordingFeed) has(typ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.types {
		if t == typ {
			return true
		}
	}
	return false
}

func (f *recordingFeed) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.types {
		if t == typ {
			n++
		}
	}
	return n
}

type harness struct {
	store    *ledger.MemoryStore
	payer    *fakePayer
	notifier *recordingNotifier
	feed     *recordingFeed
	settler  *Settler
}

func newHarness(t *testing.T, pick Picker) *harness {
	t.Helper()
	h := &harness{
		store:    ledger.NewMemoryStore(),
		payer:    &fakePayer{},
		notifier: &recordingNotifier{},
		feed:     &recordingFeed{},
	}
	s, err := New(h.store, h.payer, tier.Default(time.UTC), Config{
		Cut:       decimal.RequireFromString("0.10"),
		Precision: 2,
		SpendKey:  []byte("test-key"),
	},
		WithPicker(pick),
		WithNotifier(h.notifier),
		WithFeed(h.feed),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	h.settler = s
	return h
}

func fixedPicker(i int) Picker {
	return func(int) (int, error) { return i, nil }
}

// fill opens bronze cycle 1, admits users 1..n at $10 each, closes the pool and returns the snapshot.
func (h *harness) fill(t *testing.T, n int) Snapshot {
	t.Helper()
	ctx := context.Background()
	if err := h.store.EnsurePool(ctx, "bronze"); err != nil {
		t.Fatalf("EnsurePool() err=%v", err)
	}
	if _, err := h.store.OpenPool(ctx, "bronze", t0, t0.Add(24*time.Hour)); err != nil {
		t.Fatalf("OpenPool() err=%v", err)
	}
	for i := 1; i <= n; i++ {
		uid := int64(i)
		if err := h.store.EnsureUser(ctx, uid, t0); err != nil {
			t.Fatalf("EnsureUser() err=%v", err)
		}
		if _, err := h.store.AdmitParticipant(ctx, ledger.AdmitInput{
			UserID: uid, Tier: "bronze", Cycle: 1, InvoiceID: fmt.Sprintf("inv-%d", i),
			Fee: decimal.NewFromInt(10), Now: t0,
		}); err != nil {
			t.Fatalf("AdmitParticipant(%d) err=%v", uid, err)
		}
	}
	pool, err := h.store.ClosePool(ctx, "bronze")
	if err != nil {
		t.Fatalf("ClosePool() err=%v", err)
	}
	parts, err := h.store.ListParticipants(ctx, "bronze", 1)
	if err != nil {
		t.Fatalf("ListParticipants() err=%v", err)
	}
	return Snapshot{Tier: "bronze", Cycle: pool.Cycle, Amount: pool.Amount, Participants: parts}
}

func TestSettle_PaysWinnerNinetyPercent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedPicker(2))
	snap := h.fill(t, 5)
	ctx := context.Background()
	if err := h.store.SetWalletAddress(ctx, 3, "777000", t0); err != nil {
		t.Fatalf("SetWalletAddress() err=%v", err)
	}

	st, err := h.settler.Settle(ctx, snap, t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Settle() err=%v", err)
	}
	if st.Status != ledger.SettlementPaid || st.WinnerID != 3 {
		t.Fatalf("settlement=%+v want paid to user 3", st)
	}
	if !st.Prize.Equal(decimal.NewFromInt(45)) || !st.PoolAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("prize=%s pool=%s want=45/50", st.Prize, st.PoolAmount)
	}

	calls := h.payer.calls()
	if len(calls) != 1 {
		t.Fatalf("transfers=%d want=1", len(calls))
	}
	if calls[0].Destination != "777000" || !calls[0].Amount.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("transfer=%+v", calls[0])
	}
	want, _ := SpendID([]byte("test-key"), "bronze", 1)
	if calls[0].SpendID != want {
		t.Fatalf("spend_id=%q want=%q", calls[0].SpendID, want)
	}

	tr := h.store.Transfers()
	if len(tr) != 1 || tr[0].UserID != 3 || tr[0].Asset != "USDT" || tr[0].GatewayTransferID != "tr-1" {
		t.Fatalf("transfers=%+v", tr)
	}
	if msgs := h.notifier.to(3); len(msgs) != 1 || !strings.Contains(msgs[0], "$45.00") {
		t.Fatalf("winner msgs=%v", msgs)
	}
	if !h.feed.has(v1.TypeSettlementPaid) {
		t.Fatalf("feed=%v want settlement.paid", h.feed.types)
	}
}

func TestSettle_NoParticipantsSkipsGateway(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedPicker(0))
	snap := h.fill(t, 0)

	st, err := h.settler.Settle(context.Background(), snap, t0)
	if err != nil {
		t.Fatalf("Settle() err=%v", err)
	}
	if st.Status != ledger.SettlementNoWinner || st.WinnerID != 0 {
		t.Fatalf("settlement=%+v want no_winner", st)
	}
	if n := len(h.payer.calls()); n != 0 {
		t.Fatalf("transfers=%d want=0", n)
	}
	if !h.feed.has(v1.TypeSettlementNoWinner) {
		t.Fatalf("feed=%v want settlement.no_winner", h.feed.types)
	}
}

func TestSettle_HoldsPrizeUntilWalletSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedPicker(0))
	snap := h.fill(t, 2)
	ctx := context.Background()

	st, err := h.settler.Settle(ctx, snap, t0)
	if !errors.Is(err, ErrNoWalletConfigured) {
		t.Fatalf("Settle() err=%v want=%v", err, ErrNoWalletConfigured)
	}
	if st.Status != ledger.SettlementAwaitingWallet || st.WinnerID != 1 || st.Attempts != 1 {
		t.Fatalf("settlement=%+v want awaiting_wallet for user 1", st)
	}
	if n := len(h.payer.calls()); n != 0 {
		t.Fatalf("transfers=%d want=0", n)
	}
	if msgs := h.notifier.to(1); len(msgs) != 1 || !strings.Contains(msgs[0], "/set_wallet") {
		t.Fatalf("winner msgs=%v", msgs)
	}

	if err := h.store.SetWalletAddress(ctx, 1, "4242", t0); err != nil {
		t.Fatalf("SetWalletAddress() err=%v", err)
	}
	out, err := h.settler.RetryForWinner(ctx, 1, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("RetryForWinner() err=%v", err)
	}
	if len(out) != 1 || out[0].Status != ledger.SettlementPaid {
		t.Fatalf("retried=%+v want one paid", out)
	}
	if !out[0].Prize.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("prize=%s want=18", out[0].Prize)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	t.Parallel()

	var picks int
	h := newHarness(t, func(n int) (int, error) {
		picks++
		return picks % n, nil
	})
	snap := h.fill(t, 3)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := h.store.SetWalletAddress(ctx, i, fmt.Sprint(1000+i), t0); err != nil {
			t.Fatalf("SetWalletAddress() err=%v", err)
		}
	}

	first, err := h.settler.Settle(ctx, snap, t0)
	if err != nil {
		t.Fatalf("Settle() err=%v", err)
	}
	second, err := h.settler.Settle(ctx, snap, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Settle() second err=%v", err)
	}
	if second.WinnerID != first.WinnerID || second.Status != ledger.SettlementPaid {
		t.Fatalf("second=%+v first=%+v", second, first)
	}
	if n := len(h.payer.calls()); n != 1 {
		t.Fatalf("transfers=%d want=1", n)
	}
	if n := len(h.store.Transfers()); n != 1 {
		t.Fatalf("recorded transfers=%d want=1", n)
	}
}

func TestRetry_GatewayFailureThenDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedPicker(0))
	snap := h.fill(t, 1)
	ctx := context.Background()
	if err := h.store.SetWalletAddress(ctx, 1, "55", t0); err != nil {
		t.Fatalf("SetWalletAddress() err=%v", err)
	}

	h.payer.err = cryptopay.ErrTransient
	st, err := h.settler.Settle(ctx, snap, t0)
	if !errors.Is(err, cryptopay.ErrTransient) {
		t.Fatalf("Settle() err=%v want transient", err)
	}
	if st.Status != ledger.SettlementFailed || st.LastError == "" {
		t.Fatalf("settlement=%+v want failed", st)
	}
	if !h.feed.has(v1.TypeSettlementFailed) {
		t.Fatalf("feed=%v want settlement.failed", h.feed.types)
	}

	// The transfer went through on the gateway side before the failure was reported.
	h.payer.err = nil
	spend, _ := SpendID([]byte("test-key"), "bronze", 1)
	h.payer.spent = map[string]bool{spend: true}

	paid, err := h.settler.RetryFailed(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("RetryFailed() err=%v", err)
	}
	if len(paid) != 1 || paid[0].Status != ledger.SettlementPaid {
		t.Fatalf("paid=%+v", paid)
	}
	again, err := h.settler.Retry(ctx, "bronze", 1, t0.Add(2*time.Hour))
	if err != nil || again.Status != ledger.SettlementPaid {
		t.Fatalf("Retry() st=%+v err=%v", again, err)
	}
	if n := len(h.payer.calls()); n != 2 {
		t.Fatalf("transfers=%d want=2", n)
	}
}

func TestRetryForWinner_ConcurrentPaysOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settlers int
	}{
		{name: "same settler", settlers: 1},
		{name: "separate settlers", settlers: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, fixedPicker(0))
			snap := h.fill(t, 2)
			ctx := context.Background()
			if _, err := h.settler.Settle(ctx, snap, t0); !errors.Is(err, ErrNoWalletConfigured) {
				t.Fatalf("Settle() err=%v want=%v", err, ErrNoWalletConfigured)
			}
			if err := h.store.SetWalletAddress(ctx, 1, "4242", t0); err != nil {
				t.Fatalf("SetWalletAddress() err=%v", err)
			}
			h.payer.delay = 20 * time.Millisecond

			settlers := []*Settler{h.settler, h.settler}
			if tc.settlers == 2 {
				other, err := New(h.store, h.payer, tier.Default(time.UTC), Config{
					Cut:       decimal.RequireFromString("0.10"),
					Precision: 2,
					SpendKey:  []byte("test-key"),
				}, WithNotifier(h.notifier), WithFeed(h.feed),
					WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
				if err != nil {
					t.Fatalf("New() err=%v", err)
				}
				settlers[1] = other
			}

			var wg sync.WaitGroup
			errs := make([]error, len(settlers))
			for i, st := range settlers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = st.RetryForWinner(ctx, 1, t0.Add(time.Hour))
				}()
			}
			wg.Wait()
			for i, err := range errs {
				if err != nil {
					t.Fatalf("RetryForWinner()[%d] err=%v", i, err)
				}
			}

			calls := len(h.payer.calls())
			if tc.settlers == 1 && calls != 1 {
				t.Fatalf("transfers=%d want=1", calls)
			}
			if calls < 1 || calls > 2 {
				t.Fatalf("transfers=%d want 1 or 2", calls)
			}
			want := notify.Won("Bronze Pool", decimal.NewFromInt(18))
			won := 0
			for _, msg := range h.notifier.to(1) {
				if msg == want {
					won++
				}
			}
			if won != 1 {
				t.Fatalf("winner msgs=%v want one congratulation", h.notifier.to(1))
			}
			if n := h.feed.count(v1.TypeSettlementPaid); n != 1 {
				t.Fatalf("settlement.paid events=%d want=1", n)
			}
			tr := h.store.Transfers()
			if len(tr) != 1 || tr[0].GatewayTransferID != "tr-1" {
				t.Fatalf("transfers=%+v want one with gateway id tr-1", tr)
			}
		})
	}
}

func TestSpendID(t *testing.T) {
	t.Parallel()

	a, err := SpendID([]byte("k"), "gold", 3)
	if err != nil {
		t.Fatalf("SpendID() err=%v", err)
	}
	b, _ := SpendID([]byte("k"), "gold", 3)
	c, _ := SpendID([]byte("k"), "gold", 4)
	d, _ := SpendID([]byte("other"), "gold", 3)
	if a != b {
		t.Fatalf("not deterministic: %q vs %q", a, b)
	}
	if a == c || a == d {
		t.Fatalf("collision: %q %q %q", a, c, d)
	}
	if len(a) != 64 {
		t.Fatalf("len=%d want=64", len(a))
	}
	if _, err := SpendID(make([]byte, 65), "gold", 3); err == nil {
		t.Fatalf("expected error for oversized key")
	}
}

func TestPrize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount, cut string
		precision   int32
		want        string
	}{
		{"50", "0.10", 2, "45"},
		{"10", "0.10", 2, "9"},
		{"33.33", "0.10", 2, "29.99"},
		{"0.07", "0.10", 2, "0.06"},
		{"100", "0", 2, "100"},
	}
	for _, tc := range tests {
		got := Prize(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.cut), tc.precision)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Prize(%s,%s)=%s want=%s", tc.amount, tc.cut, got, tc.want)
		}
	}
}

func TestCryptoPicker_Uniform(t *testing.T) {
	t.Parallel()

	const n, trials = 5, 10000
	counts := make([]int, n)
	for i := 0; i < trials; i++ {
		idx, err := CryptoPicker(n)
		if err != nil {
			t.Fatalf("CryptoPicker() err=%v", err)
		}
		counts[idx]++
	}
	expected := trials / n
	for i, c := range counts {
		if c < expected*8/10 || c > expected*12/10 {
			t.Fatalf("counts[%d]=%d want within 20%% of %d (all=%v)", i, c, expected, counts)
		}
	}
	if _, err := CryptoPicker(0); err == nil {
		t.Fatalf("expected error for empty set")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	if _, err := New(store, &fakePayer{}, nil, Config{Cut: decimal.NewFromInt(1)}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v want=%v", err, ErrInvalidConfig)
	}
	if _, err := New(nil, &fakePayer{}, nil, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v want=%v", err, ErrInvalidConfig)
	}
	if _, err := New(store, &fakePayer{}, nil, Config{Precision: 2}); err != nil {
		t.Fatalf("zero cut err=%v", err)
	}
}
