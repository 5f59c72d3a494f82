// Package lottery is the set of user-facing operations the chat front end calls.
// Results are plain structs; rendering is up to the caller.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"luckypool/cmd/internal/cryptopay"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/metrics"
	"luckypool/cmd/internal/pool"
	"luckypool/cmd/internal/tier"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidWallet: the payout destination is not a CryptoBot user id.
	ErrInvalidWallet = errors.New("invalid wallet id")
)

// Gateway is the invoice side of the payment gateway.
type Gateway interface {
	CreateInvoice(ctx context.Context, amount decimal.Decimal, description string) (cryptopay.Invoice, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
}

// Tracker polls a pending invoice until it resolves.
type Tracker interface {
	Track(inv ledger.Invoice) bool
}

// PrizeRetrier pays prizes held for a winner.
type PrizeRetrier interface {
	RetryForWinner(ctx context.Context, userID int64, now time.Time) ([]ledger.Settlement, error)
}

type Service struct {
	store   ledger.Store
	gw      Gateway
	tracker Tracker
	prizes  PrizeRetrier
	pools   *pool.Controller
	tiers   *tier.Catalogue
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(store ledger.Store, gw Gateway, tracker Tracker, prizes PrizeRetrier, pools *pool.Controller, opts ...Option) *Service {
	s := &Service{
		store:   store,
		gw:      gw,
		tracker: tracker,
		prizes:  prizes,
		pools:   pools,
		tiers:   pools.Tiers(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Service) Tiers() *tier.Catalogue { return s.tiers }

// Register records the user so pool-open broadcasts reach them.
func (s *Service) Register(ctx context.Context, userID int64) error {
	return s.store.EnsureUser(ctx, userID, s.now())
}

// JoinResult is the invoice the user has to pay.
type JoinResult struct {
	Tier    tier.Tier
	Invoice ledger.Invoice
	// Existing is set when a pending invoice for this cycle was reused.
	Existing bool
}

// Join starts the payment flow for a tier. The user is admitted once the reconcile
// worker sees the invoice paid.
func (s *Service) Join(ctx context.Context, userID int64, tierName string) (JoinResult, error) {
	t, err := s.tiers.Get(tierName)
	if err != nil {
		return JoinResult{}, err
	}
	now := s.now()
	if err := s.store.EnsureUser(ctx, userID, now); err != nil {
		return JoinResult{}, err
	}

	p, err := s.store.GetPool(ctx, t.Name)
	if errors.Is(err, ledger.ErrNotFound) {
		return JoinResult{}, ledger.ErrPoolClosed
	}
	if err != nil {
		return JoinResult{}, err
	}
	if !p.Open || (p.CycleEnd != nil && !now.Before(*p.CycleEnd)) {
		return JoinResult{}, ledger.ErrPoolClosed
	}

	members, err := s.store.ListMemberships(ctx, userID)
	if err != nil {
		return JoinResult{}, err
	}
	for _, m := range members {
		if m.Tier == t.Name && m.Cycle == p.Cycle {
			return JoinResult{}, ledger.ErrAlreadyMember
		}
	}

	if inv, err := s.store.PendingInvoice(ctx, userID, t.Name, p.Cycle); err == nil {
		s.tracker.Track(inv)
		return JoinResult{Tier: t, Invoice: inv, Existing: true}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return JoinResult{}, err
	}

	gwInv, err := s.gw.CreateInvoice(ctx, t.EntryFee, fmt.Sprintf("%s entry, cycle %d", t.Title, p.Cycle))
	if err != nil {
		return JoinResult{}, fmt.Errorf("create invoice: %w", err)
	}
	inv, err := s.store.CreateInvoice(ctx, ledger.Invoice{
		ID:        gwInv.ID,
		UserID:    userID,
		Tier:      t.Name,
		Cycle:     p.Cycle,
		Amount:    t.EntryFee,
		Status:    ledger.InvoicePending,
		PayURL:    gwInv.URL,
		CreatedAt: now,
	})
	if err != nil {
		s.void(ctx, gwInv.ID, err)
		if errors.Is(err, ledger.ErrDuplicateInvoice) {
			// A concurrent join won; hand out its invoice.
			if existing, gerr := s.store.PendingInvoice(ctx, userID, t.Name, p.Cycle); gerr == nil {
				return JoinResult{Tier: t, Invoice: existing, Existing: true}, nil
			}
		}
		return JoinResult{}, err
	}

	s.metrics.InvoiceCreated(t.Name)
	s.log.Info("invoice.create", "invoice_id", inv.ID, "user_id", userID, "tier", t.Name, "cycle", p.Cycle)
	s.tracker.Track(inv)
	return JoinResult{Tier: t, Invoice: inv}, nil
}

// void deletes a gateway invoice that could not be recorded locally.
func (s *Service) void(ctx context.Context, invoiceID string, cause error) {
	if err := s.gw.DeleteInvoice(context.WithoutCancel(ctx), invoiceID); err != nil {
		s.log.Error("invoice.orphan", "invoice_id", invoiceID, "cause", cause, "err", err)
		return
	}
	s.log.Warn("invoice.void", "invoice_id", invoiceID, "cause", cause)
}

// SetWallet stores the payout destination and retries any prize held for the user.
func (s *Service) SetWallet(ctx context.Context, userID int64, wallet string) ([]ledger.Settlement, error) {
	wallet = strings.TrimSpace(wallet)
	if id, err := strconv.ParseInt(wallet, 10, 64); err != nil || id <= 0 {
		return nil, ErrInvalidWallet
	}
	now := s.now()
	if err := s.store.EnsureUser(ctx, userID, now); err != nil {
		return nil, err
	}
	if err := s.store.SetWalletAddress(ctx, userID, wallet, now); err != nil {
		return nil, err
	}
	s.log.Info("wallet.set", "user_id", userID)

	if s.prizes == nil {
		return nil, nil
	}
	paid, err := s.prizes.RetryForWinner(ctx, userID, now)
	if err != nil {
		s.log.Error("wallet.retry.fail", "user_id", userID, "err", err)
	}
	return paid, nil
}

// Status reports every tier, open or closed, with the time to its next transition.
func (s *Service) Status(ctx context.Context) ([]pool.Status, error) {
	return s.pools.StatusAll(ctx, s.now())
}

type PoolSize struct {
	Tier         tier.Tier
	Cycle        int64
	Amount       decimal.Decimal
	Participants int
}

func (s *Service) PoolSizes(ctx context.Context) ([]PoolSize, error) {
	out := make([]PoolSize, 0, len(s.tiers.All()))
	for _, t := range s.tiers.All() {
		p, err := s.store.GetPool(ctx, t.Name)
		if errors.Is(err, ledger.ErrNotFound) {
			out = append(out, PoolSize{Tier: t, Cycle: 1, Amount: decimal.Zero})
			continue
		}
		if err != nil {
			return nil, err
		}
		parts, err := s.store.ListParticipants(ctx, t.Name, p.Cycle)
		if err != nil {
			return nil, err
		}
		out = append(out, PoolSize{Tier: t, Cycle: p.Cycle, Amount: p.Amount, Participants: len(parts)})
	}
	return out, nil
}

type Players struct {
	Tier    tier.Tier
	Cycle   int64
	UserIDs []int64
}

func (s *Service) Players(ctx context.Context) ([]Players, error) {
	out := make([]Players, 0, len(s.tiers.All()))
	for _, t := range s.tiers.All() {
		p, err := s.store.GetPool(ctx, t.Name)
		if errors.Is(err, ledger.ErrNotFound) {
			out = append(out, Players{Tier: t, Cycle: 1})
			continue
		}
		if err != nil {
			return nil, err
		}
		parts, err := s.store.ListParticipants(ctx, t.Name, p.Cycle)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(parts))
		for _, pt := range parts {
			ids = append(ids, pt.UserID)
		}
		out = append(out, Players{Tier: t, Cycle: p.Cycle, UserIDs: ids})
	}
	return out, nil
}

type Membership struct {
	Tier      tier.Tier
	Cycle     int64
	InvoiceID string
}

// Info is what the user sees about themselves.
type Info struct {
	Wallet      string
	Memberships []Membership
	// Held lists prizes won but not yet paid out.
	Held []ledger.Settlement
}

func (s *Service) MyInfo(ctx context.Context, userID int64) (Info, error) {
	var info Info
	wallet, err := s.store.GetWalletAddress(ctx, userID)
	switch {
	case err == nil:
		info.Wallet = wallet
	case errors.Is(err, ledger.ErrNoWallet), errors.Is(err, ledger.ErrNotFound):
	default:
		return Info{}, err
	}

	members, err := s.store.ListMemberships(ctx, userID)
	if err != nil {
		return Info{}, err
	}
	for _, m := range members {
		t, err := s.tiers.Get(m.Tier)
		if err != nil {
			t = tier.Tier{Name: m.Tier, Title: m.Tier}
		}
		info.Memberships = append(info.Memberships, Membership{Tier: t, Cycle: m.Cycle, InvoiceID: m.InvoiceID})
	}

	info.Held, err = s.store.ListSettlementsForWinner(ctx, userID,
		ledger.SettlementPending, ledger.SettlementFailed, ledger.SettlementAwaitingWallet)
	if err != nil {
		return Info{}, err
	}
	return info, nil
}
