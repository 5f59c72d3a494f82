// Package pool drives the per-tier Closed -> Open -> Closed cycle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"luckypool/cmd/internal/feed"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/metrics"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/settlement"
	"luckypool/cmd/internal/tier"
	v1 "luckypool/shared/contracts/feed/v1"

	"github.com/shopspring/decimal"
)

// Settler settles one closed cycle.
type Settler interface {
	Settle(ctx context.Context, snap settlement.Snapshot, now time.Time) (ledger.Settlement, error)
}

type Controller struct {
	store    ledger.Store
	tiers    *tier.Catalogue
	settler  Settler
	notifier notify.Notifier
	feed     feed.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
}

type Option func(*Controller)

func WithNotifier(n notify.Notifier) Option { return func(c *Controller) { c.notifier = n } }
func WithFeed(p feed.Publisher) Option      { return func(c *Controller) { c.feed = p } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(c *Controller) { c.log = l } }

func NewController(store ledger.Store, tiers *tier.Catalogue, settler Settler, opts ...Option) *Controller {
	c := &Controller{store: store, tiers: tiers, settler: settler}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.notifier == nil {
		c.notifier = notify.NewLog(c.log)
	}
	if c.feed == nil {
		c.feed = feed.Discard
	}
	return c
}

// Tiers exposes the catalogue the controller runs.
func (c *Controller) Tiers() *tier.Catalogue { return c.tiers }

// Open starts the tier's current cycle, closing at now + window, and tells every known user.
// Opening an already open pool returns the stored pool with ledger.ErrPoolOpen.
func (c *Controller) Open(ctx context.Context, name string, now time.Time) (ledger.Pool, error) {
	t, err := c.tiers.Get(name)
	if err != nil {
		return ledger.Pool{}, err
	}
	if err := c.store.EnsurePool(ctx, t.Name); err != nil {
		return ledger.Pool{}, err
	}

	p, err := c.store.OpenPool(ctx, t.Name, now, now.Add(t.Window))
	if errors.Is(err, ledger.ErrPoolOpen) {
		c.metrics.SchedulerEvent(t.Name, "open", "noop")
		existing, gerr := c.store.GetPool(ctx, t.Name)
		if gerr != nil {
			return ledger.Pool{}, gerr
		}
		return existing, err
	}
	if err != nil {
		c.metrics.SchedulerEvent(t.Name, "open", "error")
		return ledger.Pool{}, err
	}
	c.metrics.SchedulerEvent(t.Name, "open", "ok")
	c.metrics.SetPoolAmount(t.Name, p.Amount.InexactFloat64())

	c.log.Info("pool.open", "tier", t.Name, "cycle", p.Cycle, "closes_at", p.CycleEnd)
	c.feed.Publish(v1.TypePoolOpened, v1.PoolPayload{
		Tier:     t.Name,
		Cycle:    p.Cycle,
		Amount:   p.Amount.String(),
		ClosesAt: p.CycleEnd,
	})

	users, err := c.store.ListUsers(ctx)
	if err != nil {
		c.log.Error("pool.open.broadcast.fail", "tier", t.Name, "err", err)
		return p, nil
	}
	text := notify.PoolOpened(t.Title, "join_"+t.Name, p.CycleEnd.In(c.tiers.Location))
	sent, failed := notify.Broadcast(ctx, c.notifier, c.log, users, text)
	c.log.Info("pool.open.broadcast", "tier", t.Name, "sent", sent, "failed", failed)
	return p, nil
}

// CloseResult describes one close event.
type CloseResult struct {
	Closed     ledger.Pool
	Next       ledger.Pool
	Settlement ledger.Settlement
	// SettleErr is a payout failure. The prize is held on the settlement row and the
	// cycle has rolled over regardless.
	SettleErr error
}

// Close snapshots the cycle, settles it and advances the pool to the next cycle once
// a settlement row exists. Without one the pool stays closed and Close returns an error.
func (c *Controller) Close(ctx context.Context, name string, now time.Time) (CloseResult, error) {
	t, err := c.tiers.Get(name)
	if err != nil {
		return CloseResult{}, err
	}

	closed, err := c.store.ClosePool(ctx, t.Name)
	if err != nil {
		c.metrics.SchedulerEvent(t.Name, "close", "error")
		return CloseResult{}, err
	}
	res := CloseResult{Closed: closed}

	participants, err := c.store.ListParticipants(ctx, t.Name, closed.Cycle)
	if err != nil {
		// Without a snapshot the cycle cannot be settled; leave it closed for the next attempt.
		c.metrics.SchedulerEvent(t.Name, "close", "error")
		return res, fmt.Errorf("snapshot %s/%d: %w", t.Name, closed.Cycle, err)
	}
	c.log.Info("pool.close", "tier", t.Name, "cycle", closed.Cycle,
		"participants", len(participants), "amount", closed.Amount.String())
	c.feed.Publish(v1.TypePoolClosed, v1.PoolPayload{
		Tier:         t.Name,
		Cycle:        closed.Cycle,
		Amount:       closed.Amount.String(),
		Participants: len(participants),
	})

	res.Settlement, res.SettleErr = c.settler.Settle(ctx, settlement.Snapshot{
		Tier:         t.Name,
		Cycle:        closed.Cycle,
		Amount:       closed.Amount,
		Participants: participants,
	}, now)
	if errors.Is(res.SettleErr, settlement.ErrNotRecorded) {
		// No row holds the pool amount yet; keep the cycle closed for the next attempt.
		c.metrics.SchedulerEvent(t.Name, "close", "error")
		c.log.Error("pool.settle.unrecorded", "tier", t.Name, "cycle", closed.Cycle, "err", res.SettleErr)
		return res, fmt.Errorf("settle %s/%d: %w", t.Name, closed.Cycle, res.SettleErr)
	}
	if res.SettleErr != nil {
		c.log.Error("pool.settle.fail", "tier", t.Name, "cycle", closed.Cycle, "err", res.SettleErr)
	}

	next, err := c.store.ResetPool(ctx, t.Name, closed.Cycle+1)
	switch {
	case errors.Is(err, ledger.ErrStaleCycle):
		next, err = c.store.GetPool(ctx, t.Name)
		if err != nil {
			return res, err
		}
		c.log.Warn("pool.reset.stale", "tier", t.Name, "cycle", closed.Cycle, "current", next.Cycle)
	case err != nil:
		c.metrics.SchedulerEvent(t.Name, "close", "error")
		c.log.Error("pool.reset.fail", "tier", t.Name, "cycle", closed.Cycle, "err", err)
		return res, fmt.Errorf("reset %s/%d: %w", t.Name, closed.Cycle, err)
	}
	res.Next = next
	c.metrics.SchedulerEvent(t.Name, "close", "ok")
	c.metrics.SetPoolAmount(t.Name, 0)
	c.log.Info("pool.reset", "tier", t.Name, "cycle", next.Cycle)

	recipients := make([]int64, 0, len(participants))
	for _, p := range participants {
		recipients = append(recipients, p.UserID)
	}
	notify.Broadcast(ctx, c.notifier, c.log, recipients, notify.PoolReset(t.Title))
	return res, nil
}

// Status is a point-in-time view of one tier's pool.
type Status struct {
	Tier         tier.Tier
	Open         bool
	Cycle        int64
	Amount       decimal.Decimal
	Participants int
	// Until is the next transition: the close boundary when open, the next open otherwise.
	Until     time.Time
	Remaining time.Duration
}

// Left splits the remaining time into whole days, hours and minutes.
func (s Status) Left() (days, hours, minutes int) {
	m := int(s.Remaining / time.Minute)
	return m / (24 * 60), (m / 60) % 24, m % 60
}

func (c *Controller) Status(ctx context.Context, name string, now time.Time) (Status, error) {
	t, err := c.tiers.Get(name)
	if err != nil {
		return Status{}, err
	}
	p, err := c.store.GetPool(ctx, t.Name)
	if errors.Is(err, ledger.ErrNotFound) {
		p = ledger.Pool{Tier: t.Name, Amount: decimal.Zero, Cycle: 1}
	} else if err != nil {
		return Status{}, err
	}

	st := Status{Tier: t, Cycle: p.Cycle, Amount: p.Amount}
	if p.Open && p.CycleEnd != nil && now.Before(*p.CycleEnd) {
		st.Open = true
		st.Until = *p.CycleEnd
	} else {
		st.Until = c.tiers.NextOpen(t, now)
	}
	st.Remaining = max(st.Until.Sub(now), 0)

	if p.Open {
		parts, err := c.store.ListParticipants(ctx, t.Name, p.Cycle)
		if err != nil {
			return Status{}, err
		}
		st.Participants = len(parts)
	}
	return st, nil
}

// StatusAll reports every tier in catalogue order.
func (c *Controller) StatusAll(ctx context.Context, now time.Time) ([]Status, error) {
	out := make([]Status, 0, len(c.tiers.All()))
	for _, t := range c.tiers.All() {
		st, err := c.Status(ctx, t.Name, now)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
