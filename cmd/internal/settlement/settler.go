// Package settlement picks a winner for a closed pool cycle and pays the prize.
//
// The settlement row, including winner, prize and idempotency token, is written
// before the first payout attempt. A payout that cannot complete leaves the prize
// held on that row for Retry or RetryForWinner; it is never silently dropped.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"luckypool/cmd/internal/cryptopay"
	"luckypool/cmd/internal/feed"
	"luckypool/cmd/internal/ids"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/metrics"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/tier"
	v1 "luckypool/shared/contracts/feed/v1"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoWalletConfigured: the winner has no usable payout destination. The prize is held.
	ErrNoWalletConfigured = errors.New("winner has no wallet configured")

	ErrInvalidConfig = errors.New("invalid settlement config")

	// ErrNotRecorded: no settlement row exists for the cycle, so its pool must not be reset.
	ErrNotRecorded = errors.New("settlement not recorded")
)

// Payer is the payout side of the payment gateway.
type Payer interface {
	Transfer(ctx context.Context, req cryptopay.TransferRequest) (cryptopay.TransferResult, error)
	Asset() string
}

// Config fixes the prize formula and the idempotency token key.
type Config struct {
	// Cut is the operator fraction kept from every pool, e.g. 0.10.
	Cut decimal.Decimal
	// Precision is the number of decimal places the settlement asset supports.
	Precision int32
	// SpendKey keys the idempotency token hash (at most 64 bytes).
	SpendKey []byte
}

// Snapshot is the participant list and pool amount of one (tier, cycle), read together.
type Snapshot struct {
	Tier         string
	Cycle        int64
	Amount       decimal.Decimal
	Participants []ledger.Participant
}

// Settler records settlements and pays prizes. Payouts of the same (tier, cycle)
// are serialized within the process.
type Settler struct {
	store    ledger.Store
	payer    Payer
	tiers    *tier.Catalogue
	cfg      Config
	pick     Picker
	notifier notify.Notifier
	feed     feed.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	paying map[settlementKey]*sync.Mutex
}

type settlementKey struct {
	tier  string
	cycle int64
}

type Option func(*Settler)

func WithPicker(p Picker) Option            { return func(s *Settler) { s.pick = p } }
func WithNotifier(n notify.Notifier) Option { return func(s *Settler) { s.notifier = n } }
func WithFeed(p feed.Publisher) Option      { return func(s *Settler) { s.feed = p } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Settler) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Settler) { s.log = l } }

// New validates cfg and returns a Settler that picks winners with crypto/rand
// unless WithPicker says otherwise.
func New(store ledger.Store, payer Payer, tiers *tier.Catalogue, cfg Config, opts ...Option) (*Settler, error) {
	if store == nil || payer == nil {
		return nil, fmt.Errorf("%w: store and payer are required", ErrInvalidConfig)
	}
	if cfg.Cut.IsNegative() || cfg.Cut.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: cut %s outside [0, 1)", ErrInvalidConfig, cfg.Cut)
	}
	if cfg.Precision < 0 {
		return nil, fmt.Errorf("%w: negative precision", ErrInvalidConfig)
	}
	if len(cfg.SpendKey) > 64 {
		return nil, fmt.Errorf("%w: spend key longer than 64 bytes", ErrInvalidConfig)
	}
	s := &Settler{
		store:  store,
		payer:  payer,
		tiers:  tiers,
		cfg:    cfg,
		pick:   CryptoPicker,
		paying: map[settlementKey]*sync.Mutex{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLog(s.log)
	}
	if s.feed == nil {
		s.feed = feed.Discard
	}
	return s, nil
}

// Settle records the outcome of a closed cycle and attempts the payout.
//
// Calling Settle again for a cycle that already has a settlement row never picks a
// new winner: a final row is returned as is, a held one is retried.
func (s *Settler) Settle(ctx context.Context, snap Snapshot, now time.Time) (ledger.Settlement, error) {
	if len(snap.Participants) == 0 {
		st, created, err := s.store.CreateSettlement(ctx, ledger.Settlement{
			Tier:       snap.Tier,
			Cycle:      snap.Cycle,
			PoolAmount: snap.Amount,
			Prize:      decimal.Zero,
			Status:     ledger.SettlementNoWinner,
			CreatedAt:  now,
		})
		if err != nil {
			return ledger.Settlement{}, fmt.Errorf("%w: %w", ErrNotRecorded, err)
		}
		if created {
			s.metrics.Payout(snap.Tier, "no_winner")
			s.log.Info("settlement.no_winner", "tier", snap.Tier, "cycle", snap.Cycle)
			s.feed.Publish(v1.TypeSettlementNoWinner, payload(st, ""))
		}
		return st, nil
	}

	idx, err := s.pick(len(snap.Participants))
	if err != nil {
		return ledger.Settlement{}, fmt.Errorf("%w: pick winner: %w", ErrNotRecorded, err)
	}
	if idx < 0 || idx >= len(snap.Participants) {
		return ledger.Settlement{}, fmt.Errorf("%w: pick winner: index %d out of range", ErrNotRecorded, idx)
	}
	winner := snap.Participants[idx]

	spendID, err := SpendID(s.cfg.SpendKey, snap.Tier, snap.Cycle)
	if err != nil {
		return ledger.Settlement{}, fmt.Errorf("%w: %w", ErrNotRecorded, err)
	}
	st, created, err := s.store.CreateSettlement(ctx, ledger.Settlement{
		Tier:         snap.Tier,
		Cycle:        snap.Cycle,
		WinnerID:     winner.UserID,
		PoolAmount:   snap.Amount,
		Prize:        Prize(snap.Amount, s.cfg.Cut, s.cfg.Precision),
		Participants: len(snap.Participants),
		SpendID:      spendID,
		Status:       ledger.SettlementPending,
		CreatedAt:    now,
	})
	if err != nil {
		return ledger.Settlement{}, fmt.Errorf("%w: %w", ErrNotRecorded, err)
	}
	if created {
		s.log.Info("settlement.winner",
			"tier", st.Tier, "cycle", st.Cycle, "winner_id", st.WinnerID,
			"participants", st.Participants, "pool_amount", st.PoolAmount.String(), "prize", st.Prize.String())
	}
	if st.Status.Final() {
		return st, nil
	}
	return s.pay(ctx, st, now)
}

// Retry attempts the payout of a held settlement again.
func (s *Settler) Retry(ctx context.Context, tierName string, cycle int64, now time.Time) (ledger.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, tierName, cycle)
	if err != nil {
		return ledger.Settlement{}, err
	}
	if st.Status.Final() {
		return st, nil
	}
	return s.pay(ctx, st, now)
}

// RetryForWinner retries every held prize of userID, e.g. right after they set a wallet.
func (s *Settler) RetryForWinner(ctx context.Context, userID int64, now time.Time) ([]ledger.Settlement, error) {
	held, err := s.store.ListSettlementsForWinner(ctx, userID,
		ledger.SettlementPending, ledger.SettlementFailed, ledger.SettlementAwaitingWallet)
	if err != nil {
		return nil, err
	}
	return s.payAll(ctx, held, now)
}

// RetryFailed retries settlements that failed on the gateway side. Prizes waiting
// for a wallet are left alone until the winner acts.
func (s *Settler) RetryFailed(ctx context.Context, now time.Time) ([]ledger.Settlement, error) {
	held, err := s.store.ListSettlements(ctx, ledger.SettlementPending, ledger.SettlementFailed)
	if err != nil {
		return nil, err
	}
	return s.payAll(ctx, held, now)
}

func (s *Settler) payAll(ctx context.Context, held []ledger.Settlement, now time.Time) ([]ledger.Settlement, error) {
	out := make([]ledger.Settlement, 0, len(held))
	var errs []error
	for _, st := range held {
		res, err := s.pay(ctx, st, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%d: %w", st.Tier, st.Cycle, err))
			out = append(out, st)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// lock serializes payouts of one settlement row.
func (s *Settler) lock(tierName string, cycle int64) func() {
	key := settlementKey{tier: tierName, cycle: cycle}
	s.mu.Lock()
	m, ok := s.paying[key]
	if !ok {
		m = &sync.Mutex{}
		s.paying[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Settler) pay(ctx context.Context, held ledger.Settlement, now time.Time) (ledger.Settlement, error) {
	unlock := s.lock(held.Tier, held.Cycle)
	defer unlock()

	// Another caller may have paid it while this one waited.
	st, err := s.store.GetSettlement(ctx, held.Tier, held.Cycle)
	if err != nil {
		return held, err
	}
	if st.Status.Final() {
		return st, nil
	}
	title := s.title(st.Tier)

	wallet, err := s.store.GetWalletAddress(ctx, st.WinnerID)
	if errors.Is(err, ledger.ErrNoWallet) || errors.Is(err, ledger.ErrNotFound) {
		return s.hold(ctx, st, now, ErrNoWalletConfigured, notify.PrizeHeld(title, st.Prize))
	}
	if err != nil {
		return st, err
	}

	res, err := s.payer.Transfer(ctx, cryptopay.TransferRequest{
		Destination: wallet,
		Amount:      st.Prize,
		SpendID:     st.SpendID,
		Comment:     fmt.Sprintf("%s prize, cycle %d", title, st.Cycle),
	})
	switch {
	case err == nil:
	case errors.Is(err, cryptopay.ErrAlreadyPaid):
		s.log.Info("settlement.payout.duplicate", "tier", st.Tier, "cycle", st.Cycle, "spend_id", st.SpendID)
	case errors.Is(err, cryptopay.ErrInvalidDestination):
		return s.hold(ctx, st, now, fmt.Errorf("%w: %v", ErrNoWalletConfigured, err), notify.PrizeHeld(title, st.Prize))
	default:
		return s.fail(ctx, st, now, err, title)
	}

	done, completed, err := s.store.CompleteSettlement(ctx, ledger.Transfer{
		ID:                ids.MustULID(now),
		UserID:            st.WinnerID,
		Tier:              st.Tier,
		Cycle:             st.Cycle,
		Amount:            st.Prize,
		Asset:             s.payer.Asset(),
		Status:            "completed",
		SpendID:           st.SpendID,
		GatewayTransferID: res.TransferID,
		CreatedAt:         now,
	}, now)
	if err != nil {
		// The gateway holds the spend id; the next retry collapses into ErrAlreadyPaid and records it.
		s.log.Error("settlement.record.fail", "tier", st.Tier, "cycle", st.Cycle, "spend_id", st.SpendID, "err", err)
		return st, err
	}
	if !completed {
		// Paid by another process between the reload and now.
		return done, nil
	}

	s.metrics.Payout(st.Tier, "paid")
	s.log.Info("settlement.payout.ok", "tier", st.Tier, "cycle", st.Cycle, "winner_id", st.WinnerID, "prize", st.Prize.String(), "transfer_id", res.TransferID)
	s.feed.Publish(v1.TypeSettlementPaid, payload(done, ""))
	notify.Safe(ctx, s.notifier, s.log, st.WinnerID, notify.Won(title, st.Prize))
	return done, nil
}

func (s *Settler) hold(ctx context.Context, st ledger.Settlement, now time.Time, cause error, msg string) (ledger.Settlement, error) {
	rec, err := s.store.RecordAttempt(ctx, st.Tier, st.Cycle, ledger.SettlementAwaitingWallet, cause.Error(), now)
	if err != nil {
		return st, errors.Join(cause, err)
	}
	s.metrics.Payout(st.Tier, "held")
	s.log.Error("settlement.payout.held", "tier", st.Tier, "cycle", st.Cycle, "winner_id", st.WinnerID, "attempts", rec.Attempts, "err", cause)
	s.feed.Publish(v1.TypeSettlementHeld, payload(rec, cause.Error()))
	// Tell the winner once; repeated retries stay quiet.
	if rec.Attempts == 1 {
		notify.Safe(ctx, s.notifier, s.log, st.WinnerID, msg)
	}
	return rec, cause
}

func (s *Settler) fail(ctx context.Context, st ledger.Settlement, now time.Time, cause error, title string) (ledger.Settlement, error) {
	rec, err := s.store.RecordAttempt(ctx, st.Tier, st.Cycle, ledger.SettlementFailed, truncate(cause.Error(), 500), now)
	if err != nil {
		return st, errors.Join(cause, err)
	}
	s.metrics.Payout(st.Tier, "failed")
	s.log.Error("settlement.payout.fail", "tier", st.Tier, "cycle", st.Cycle, "winner_id", st.WinnerID, "attempts", rec.Attempts, "err", cause)
	s.feed.Publish(v1.TypeSettlementFailed, payload(rec, cause.Error()))
	if rec.Attempts == 1 {
		notify.Safe(ctx, s.notifier, s.log, st.WinnerID, notify.PrizeDelayed(title, st.Prize))
	}
	return rec, fmt.Errorf("payout %s/%d: %w", st.Tier, st.Cycle, cause)
}

func (s *Settler) title(name string) string {
	if s.tiers == nil {
		return name
	}
	t, err := s.tiers.Get(name)
	if err != nil {
		return name
	}
	return t.Title
}

func payload(st ledger.Settlement, errText string) v1.SettlementPayload {
	p := v1.SettlementPayload{
		Tier:         st.Tier,
		Cycle:        st.Cycle,
		WinnerID:     st.WinnerID,
		PoolAmount:   st.PoolAmount.String(),
		Participants: st.Participants,
		SpendID:      st.SpendID,
		Attempts:     st.Attempts,
		Error:        errText,
	}
	if st.WinnerID != 0 {
		p.Prize = st.Prize.String()
	}
	return p
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
