// Package scheduler raises the open and close events of every tier.
//
// Each tier runs in its own goroutine. The next event is always derived from the
// stored pool state, so a restart resumes where the previous process stopped: an
// open pool whose end boundary has passed is closed right away, and a close that
// was interrupted before the cycle advanced is finished.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/pool"
	"luckypool/cmd/internal/tier"
)

const DefaultRetryDelay = time.Minute

type Kind string

const (
	KindOpen  Kind = "open"
	KindClose Kind = "close"
)

// Event is the next boundary of a tier.
type Event struct {
	Tier string
	Kind Kind
	At   time.Time
}

// Controller handles the events.
type Controller interface {
	Open(ctx context.Context, name string, now time.Time) (ledger.Pool, error)
	Close(ctx context.Context, name string, now time.Time) (pool.CloseResult, error)
}

type Scheduler struct {
	store      ledger.Store
	ctrl       Controller
	tiers      *tier.Catalogue
	log        *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	retryDelay time.Duration
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithRetryDelay(d time.Duration) Option { return func(s *Scheduler) { s.retryDelay = d } }
func withSleep(f func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = f }
}

func New(store ledger.Store, ctrl Controller, tiers *tier.Catalogue, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		ctrl:       ctrl,
		tiers:      tiers,
		now:        time.Now,
		sleep:      sleepCtx,
		retryDelay: DefaultRetryDelay,
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

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range s.tiers.All() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.loop(ctx, name)
		}(t.Name)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, name string) {
	for ctx.Err() == nil {
		ev, err := s.Next(ctx, name, s.now())
		if err != nil {
			s.log.Error("scheduler.plan.fail", "tier", name, "err", err)
			if s.sleep(ctx, s.retryDelay) != nil {
				return
			}
			continue
		}
		s.log.Info("scheduler.next", "tier", name, "event", ev.Kind, "at", ev.At)
		if wait := ev.At.Sub(s.now()); wait > 0 {
			if s.sleep(ctx, wait) != nil {
				return
			}
		}
		if err := s.Fire(ctx, ev); err != nil {
			s.log.Error("scheduler.fire.fail", "tier", name, "event", ev.Kind, "err", err)
			if s.sleep(ctx, s.retryDelay) != nil {
				return
			}
		}
	}
}

// Next computes the upcoming event for a tier from the stored pool state.
func (s *Scheduler) Next(ctx context.Context, name string, now time.Time) (Event, error) {
	t, err := s.tiers.Get(name)
	if err != nil {
		return Event{}, err
	}
	if err := s.store.EnsurePool(ctx, t.Name); err != nil {
		return Event{}, err
	}
	p, err := s.store.GetPool(ctx, t.Name)
	if err != nil {
		return Event{}, err
	}

	switch {
	case p.Open && p.CycleEnd != nil:
		return Event{Tier: t.Name, Kind: KindClose, At: *p.CycleEnd}, nil
	case p.Open, p.CycleEnd != nil:
		// Open without a boundary, or closed without being reset.
		return Event{Tier: t.Name, Kind: KindClose, At: now}, nil
	default:
		return Event{Tier: t.Name, Kind: KindOpen, At: s.tiers.NextOpen(t, now)}, nil
	}
}

// Fire dispatches one event to the controller.
func (s *Scheduler) Fire(ctx context.Context, ev Event) error {
	now := s.now()
	switch ev.Kind {
	case KindOpen:
		_, err := s.ctrl.Open(ctx, ev.Tier, now)
		if errors.Is(err, ledger.ErrPoolOpen) {
			return nil
		}
		return err
	case KindClose:
		res, err := s.ctrl.Close(ctx, ev.Tier, now)
		if err != nil {
			return err
		}
		if res.SettleErr != nil {
			s.log.Warn("scheduler.close.held", "tier", ev.Tier, "cycle", res.Closed.Cycle, "err", res.SettleErr)
		}
		return nil
	default:
		return errors.New("unknown event kind " + string(ev.Kind))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
