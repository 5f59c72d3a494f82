package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var (
	testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	testFee = decimal.NewFromInt(10)
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AdmitCreditsOnce", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustOpenPool(t, st, "bronze")
		inv := mustPaidInvoice(t, st, "inv-1", 1, "bronze", 1)

		if _, err := st.AdmitParticipant(ctx, admitFor(inv)); err != nil {
			t.Fatalf("admit: %v", err)
		}
		_, err := st.AdmitParticipant(ctx, admitFor(inv))
		if !errors.Is(err, ErrAlreadyMember) {
			t.Fatalf("second admit err=%v want=%v", err, ErrAlreadyMember)
		}
		amount, err := st.GetPoolAmount(ctx, "bronze")
		if err != nil {
			t.Fatalf("amount: %v", err)
		}
		if !amount.Equal(testFee) {
			t.Fatalf("amount=%s want=%s", amount, testFee)
		}
	})

	t.Run("AdmitRejectsClosedOrStaleCycle", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		if err := st.EnsurePool(ctx, "silver"); err != nil {
			t.Fatalf("ensure pool: %v", err)
		}
		inv := mustPaidInvoice(t, st, "inv-closed", 7, "silver", 1)

		if _, err := st.AdmitParticipant(ctx, admitFor(inv)); !errors.Is(err, ErrPoolClosed) {
			t.Fatalf("closed admit err=%v want=%v", err, ErrPoolClosed)
		}
		if _, err := st.OpenPool(ctx, "silver", testNow, testNow.Add(time.Hour)); err != nil {
			t.Fatalf("open: %v", err)
		}
		stale := admitFor(inv)
		stale.Cycle = 2
		if _, err := st.AdmitParticipant(ctx, stale); !errors.Is(err, ErrPoolClosed) {
			t.Fatalf("stale admit err=%v want=%v", err, ErrPoolClosed)
		}
		amount, _ := st.GetPoolAmount(ctx, "silver")
		if !amount.IsZero() {
			t.Fatalf("amount=%s want=0", amount)
		}
	})

	t.Run("OpenTwice", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		mustOpenPool(t, st, "gold")
		_, err := st.OpenPool(context.Background(), "gold", testNow, testNow.Add(time.Hour))
		if !errors.Is(err, ErrPoolOpen) {
			t.Fatalf("err=%v want=%v", err, ErrPoolOpen)
		}
		if _, err := st.OpenPool(context.Background(), "platinum", testNow, testNow.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown pool err=%v want=%v", err, ErrNotFound)
		}
	})

	t.Run("ResetAdvancesCycle", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustOpenPool(t, st, "bronze")
		for i := int64(1); i <= 3; i++ {
			inv := mustPaidInvoice(t, st, fmt.Sprintf("inv-r%d", i), i, "bronze", 1)
			if _, err := st.AdmitParticipant(ctx, admitFor(inv)); err != nil {
				t.Fatalf("admit %d: %v", i, err)
			}
		}
		if _, err := st.ClosePool(ctx, "bronze"); err != nil {
			t.Fatalf("close: %v", err)
		}
		if _, err := st.ResetPool(ctx, "bronze", 3); !errors.Is(err, ErrStaleCycle) {
			t.Fatalf("stale reset err=%v want=%v", err, ErrStaleCycle)
		}
		p, err := st.ResetPool(ctx, "bronze", 2)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if p.Cycle != 2 || p.Open || !p.Amount.IsZero() || p.CycleStart != nil {
			t.Fatalf("pool after reset=%+v", p)
		}
		if _, err := st.ResetPool(ctx, "bronze", 2); !errors.Is(err, ErrStaleCycle) {
			t.Fatalf("repeated reset err=%v want=%v", err, ErrStaleCycle)
		}
		members, err := st.ListParticipants(ctx, "bronze", 2)
		if err != nil || len(members) != 0 {
			t.Fatalf("new cycle members=%v err=%v", members, err)
		}
		old, err := st.ListParticipants(ctx, "bronze", 1)
		if err != nil || len(old) != 3 {
			t.Fatalf("old cycle members=%d err=%v", len(old), err)
		}
		mine, err := st.ListMemberships(ctx, 1)
		if err != nil || len(mine) != 0 {
			t.Fatalf("memberships after reset=%v err=%v", mine, err)
		}
	})

	t.Run("InvoiceLifecycle", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustOpenPool(t, st, "bronze")
		mustUser(t, st, 5)

		inv := Invoice{ID: "inv-a", UserID: 5, Tier: "bronze", Cycle: 1, Amount: testFee, PayURL: "https://pay/a", CreatedAt: testNow}
		if _, err := st.CreateInvoice(ctx, inv); err != nil {
			t.Fatalf("create: %v", err)
		}
		dup := inv
		dup.ID = "inv-b"
		if _, err := st.CreateInvoice(ctx, dup); !errors.Is(err, ErrDuplicateInvoice) {
			t.Fatalf("duplicate err=%v want=%v", err, ErrDuplicateInvoice)
		}
		got, err := st.PendingInvoice(ctx, 5, "bronze", 1)
		if err != nil || got.ID != "inv-a" || !got.Amount.Equal(testFee) {
			t.Fatalf("pending=%+v err=%v", got, err)
		}

		paid, changed, err := st.MarkInvoice(ctx, "inv-a", InvoicePaid, testNow.Add(time.Minute))
		if err != nil || !changed || paid.Status != InvoicePaid || paid.ResolvedAt == nil {
			t.Fatalf("mark paid=%+v changed=%v err=%v", paid, changed, err)
		}
		if _, changed, err := st.MarkInvoice(ctx, "inv-a", InvoicePaid, testNow.Add(2*time.Minute)); err != nil || changed {
			t.Fatalf("repeat mark changed=%v err=%v", changed, err)
		}
		if _, _, err := st.MarkInvoice(ctx, "inv-a", InvoiceExpired, testNow); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("paid->expired err=%v want=%v", err, ErrInvalidTransition)
		}
		if _, _, err := st.MarkInvoice(ctx, "missing", InvoicePaid, testNow); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing err=%v want=%v", err, ErrNotFound)
		}

		if _, err := st.CreateInvoice(ctx, dup); err != nil {
			t.Fatalf("create after resolve: %v", err)
		}
		pending, err := st.ListPendingInvoices(ctx)
		if err != nil || len(pending) != 1 || pending[0].ID != "inv-b" {
			t.Fatalf("pending=%v err=%v", pending, err)
		}
		unadmitted, err := st.ListUnadmittedPaid(ctx)
		if err != nil || len(unadmitted) != 1 || unadmitted[0].ID != "inv-a" {
			t.Fatalf("unadmitted=%v err=%v", unadmitted, err)
		}
		if _, err := st.AdmitParticipant(ctx, admitFor(paid)); err != nil {
			t.Fatalf("admit: %v", err)
		}
		unadmitted, _ = st.ListUnadmittedPaid(ctx)
		if len(unadmitted) != 0 {
			t.Fatalf("unadmitted after admit=%v", unadmitted)
		}
	})

	t.Run("Wallet", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustUser(t, st, 9)
		if _, err := st.GetWalletAddress(ctx, 9); !errors.Is(err, ErrNoWallet) {
			t.Fatalf("err=%v want=%v", err, ErrNoWallet)
		}
		if err := st.SetWalletAddress(ctx, 9, " 12345 ", testNow); err != nil {
			t.Fatalf("set: %v", err)
		}
		addr, err := st.GetWalletAddress(ctx, 9)
		if err != nil || addr != "12345" {
			t.Fatalf("addr=%q err=%v", addr, err)
		}
		if err := st.SetWalletAddress(ctx, 9, "  ", testNow); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("blank err=%v want=%v", err, ErrInvalidInput)
		}
		users, err := st.ListUsers(ctx)
		if err != nil || len(users) != 1 || users[0] != 9 {
			t.Fatalf("users=%v err=%v", users, err)
		}
	})

	t.Run("SettlementLifecycle", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustOpenPool(t, st, "bronze")
		mustUser(t, st, 3)

		in := Settlement{
			Tier:         "bronze",
			Cycle:        1,
			WinnerID:     3,
			PoolAmount:   decimal.NewFromInt(50),
			Prize:        decimal.NewFromInt(45),
			Participants: 5,
			SpendID:      "spend-1",
			Status:       SettlementPending,
			CreatedAt:    testNow,
		}
		created, ok, err := st.CreateSettlement(ctx, in)
		if err != nil || !ok || created.Status != SettlementPending {
			t.Fatalf("create=%+v ok=%v err=%v", created, ok, err)
		}
		again, ok, err := st.CreateSettlement(ctx, in)
		if err != nil || ok || again.SpendID != "spend-1" {
			t.Fatalf("recreate=%+v ok=%v err=%v", again, ok, err)
		}

		failed, err := st.RecordAttempt(ctx, "bronze", 1, SettlementAwaitingWallet, "no wallet", testNow.Add(time.Second))
		if err != nil || failed.Attempts != 1 || failed.Status != SettlementAwaitingWallet {
			t.Fatalf("attempt=%+v err=%v", failed, err)
		}
		held, err := st.ListSettlementsForWinner(ctx, 3, SettlementAwaitingWallet, SettlementFailed)
		if err != nil || len(held) != 1 {
			t.Fatalf("held=%v err=%v", held, err)
		}

		tr := Transfer{
			ID:        "01J0000000000000000000TRAN",
			UserID:    3,
			Tier:      "bronze",
			Cycle:     1,
			Amount:    decimal.NewFromInt(45),
			Asset:     "USDT",
			Status:    "completed",
			SpendID:   "spend-1",
			CreatedAt: testNow,
		}
		paid, completed, err := st.CompleteSettlement(ctx, tr, testNow.Add(2*time.Second))
		if err != nil || !completed || paid.Status != SettlementPaid || paid.Attempts != 2 || paid.LastError != "" {
			t.Fatalf("complete=%+v completed=%v err=%v", paid, completed, err)
		}
		again, completed, err = st.CompleteSettlement(ctx, tr, testNow.Add(3*time.Second))
		if err != nil || completed || again.Attempts != 2 {
			t.Fatalf("repeat complete=%+v completed=%v err=%v want completed=false", again, completed, err)
		}
		if _, err := st.RecordAttempt(ctx, "bronze", 1, SettlementFailed, "late", testNow); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("attempt after paid err=%v want=%v", err, ErrInvalidTransition)
		}
		open, err := st.ListSettlements(ctx, SettlementPending, SettlementFailed, SettlementAwaitingWallet)
		if err != nil || len(open) != 0 {
			t.Fatalf("open settlements=%v err=%v", open, err)
		}
		all, err := st.ListSettlements(ctx)
		if err != nil || len(all) != 1 || !all[0].Prize.Equal(decimal.NewFromInt(45)) {
			t.Fatalf("all settlements=%v err=%v", all, err)
		}
	})

	t.Run("NoWinnerSettlement", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustOpenPool(t, st, "gold")
		out, created, err := st.CreateSettlement(ctx, Settlement{
			Tier: "gold", Cycle: 1, PoolAmount: decimal.Zero, Prize: decimal.Zero, Status: SettlementNoWinner, CreatedAt: testNow,
		})
		if err != nil || !created || out.WinnerID != 0 || out.SpendID != "" {
			t.Fatalf("no winner=%+v created=%v err=%v", out, created, err)
		}
	})

	t.Run("ConcurrentAdmissions", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctx := context.Background()
		mustOpenPool(t, st, "bronze")

		const n = 20
		invoices := make([]Invoice, n)
		for i := range invoices {
			invoices[i] = mustPaidInvoice(t, st, fmt.Sprintf("inv-c%02d", i), int64(100+i), "bronze", 1)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 2*n)
		for _, inv := range invoices {
			for range 2 {
				wg.Add(1)
				go func(inv Invoice) {
					defer wg.Done()
					if _, err := st.AdmitParticipant(ctx, admitFor(inv)); err != nil && !errors.Is(err, ErrAlreadyMember) {
						errs <- err
					}
				}(inv)
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("admit: %v", err)
		}

		amount, err := st.GetPoolAmount(ctx, "bronze")
		if err != nil {
			t.Fatalf("amount: %v", err)
		}
		want := testFee.Mul(decimal.NewFromInt(n))
		if !amount.Equal(want) {
			t.Fatalf("amount=%s want=%s", amount, want)
		}
		members, _ := st.ListParticipants(ctx, "bronze", 1)
		if len(members) != n {
			t.Fatalf("members=%d want=%d", len(members), n)
		}
	})
}

func admitFor(inv Invoice) AdmitInput {
	return AdmitInput{UserID: inv.UserID, Tier: inv.Tier, Cycle: inv.Cycle, InvoiceID: inv.ID, Fee: inv.Amount, Now: testNow}
}

func mustUser(t *testing.T, st Store, id int64) {
	t.Helper()
	if err := st.EnsureUser(context.Background(), id, testNow); err != nil {
		t.Fatalf("ensure user %d: %v", id, err)
	}
}

func mustOpenPool(t *testing.T, st Store, tier string) {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsurePool(ctx, tier); err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if _, err := st.OpenPool(ctx, tier, testNow, testNow.Add(24*time.Hour)); err != nil {
		t.Fatalf("open pool: %v", err)
	}
}

func mustPaidInvoice(t *testing.T, st Store, id string, userID int64, tier string, cycle int64) Invoice {
	t.Helper()
	ctx := context.Background()
	mustUser(t, st, userID)
	if _, err := st.CreateInvoice(ctx, Invoice{ID: id, UserID: userID, Tier: tier, Cycle: cycle, Amount: testFee, CreatedAt: testNow}); err != nil {
		t.Fatalf("create invoice %s: %v", id, err)
	}
	inv, _, err := st.MarkInvoice(ctx, id, InvoicePaid, testNow)
	if err != nil {
		t.Fatalf("mark invoice %s: %v", id, err)
	}
	return inv
}
