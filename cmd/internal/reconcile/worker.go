// Package reconcile tracks join invoices from pending to paid or expired and
// admits paying users into their pool exactly once.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"luckypool/cmd/internal/cryptopay"
	"luckypool/cmd/internal/feed"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/metrics"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/tier"
	v1 "luckypool/shared/contracts/feed/v1"
)

const (
	DefaultPollDelay = 60 * time.Second
	DefaultTimeout   = 15 * time.Minute

	defaultTickTimeout = 2 * time.Minute
)

// Outcome is the result of one poll.
type Outcome int

const (
	StillPending Outcome = iota
	Paid
	AlreadyMember
	Expired
	Terminal
	Late
)

func (o Outcome) String() string {
	switch o {
	case StillPending:
		return "pending"
	case Paid:
		return "paid"
	case AlreadyMember:
		return "already_member"
	case Expired:
		return "expired"
	case Terminal:
		return "terminal"
	case Late:
		return "late"
	}
	return "unknown"
}

// Done reports whether no further polls are needed.
func (o Outcome) Done() bool { return o != StillPending }

// Gateway is the part of the payment gateway the worker needs.
type Gateway interface {
	InvoiceStatus(ctx context.Context, invoiceID string) (cryptopay.InvoiceStatus, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
}

// Config controls poll cadence and the local invoice deadline.
type Config struct {
	PollDelay time.Duration
	// Timeout is measured from invoice creation.
	Timeout time.Duration
	// TickTimeout bounds one poll including gateway retries.
	TickTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.PollDelay <= 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaultTickTimeout
	}
	return c
}

// Worker polls the gateway for invoice state.
//
// Ticks for one invoice are sequential; different invoices poll concurrently.
// Every tick re-reads the persisted invoice so duplicate or late ticks are no-ops.
type Worker struct {
	store    ledger.Store
	gw       Gateway
	tiers    *tier.Catalogue
	notifier notify.Notifier
	feed     feed.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Worker)

func WithNotifier(n notify.Notifier) Option { return func(w *Worker) { w.notifier = n } }
func WithFeed(p feed.Publisher) Option      { return func(w *Worker) { w.feed = p } }
func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(w *Worker) { w.log = l } }

// WithClock overrides the clock used by scheduled ticks.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// NewWorker returns an idle worker; nothing polls until Track or Resume.
// The caller must Close it.
func NewWorker(store ledger.Store, gw Gateway, tiers *tier.Catalogue, cfg Config, opts ...Option) *Worker {
	base, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:  store,
		gw:     gw,
		tiers:  tiers,
		cfg:    cfg.normalized(),
		now:    func() time.Time { return time.Now().UTC() },
		base:   base,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.notifier == nil {
		w.notifier = notify.NewLog(w.log)
	}
	if w.feed == nil {
		w.feed = feed.Discard
	}
	return w
}

// Poll runs one reconciliation step for invoiceID.
func (w *Worker) Poll(ctx context.Context, invoiceID string, now time.Time) (Outcome, error) {
	inv, err := w.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return StillPending, err
	}
	switch inv.Status {
	case ledger.InvoiceExpired:
		return Terminal, nil
	case ledger.InvoicePaid:
		// Paid but possibly not admitted if a previous tick failed mid-way.
		out, err := w.admit(ctx, inv, now, false)
		if out == AlreadyMember {
			out = Terminal
		}
		return out, err
	}

	status, err := w.gw.InvoiceStatus(ctx, inv.ID)
	if err != nil {
		// Gateway trouble counts as "not yet paid"; the next tick retries.
		w.log.Warn("reconcile.poll.gateway_fail", "invoice_id", inv.ID, "tier", inv.Tier, "err", err)
		status = cryptopay.StatusActive
	}

	if status == cryptopay.StatusPaid {
		paid, changed, err := w.store.MarkInvoice(ctx, inv.ID, ledger.InvoicePaid, now)
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return Terminal, nil
		}
		if err != nil {
			return StillPending, err
		}
		if changed {
			w.metrics.InvoiceResolved(inv.Tier, string(ledger.InvoicePaid))
			w.log.Info("reconcile.poll.paid", "invoice_id", inv.ID, "user_id", inv.UserID, "tier", inv.Tier, "cycle", inv.Cycle)
		}
		return w.admit(ctx, paid, now, changed)
	}

	if status == cryptopay.StatusExpired || now.Sub(inv.CreatedAt) >= w.cfg.Timeout {
		return w.expire(ctx, inv, now)
	}
	return StillPending, nil
}

// admit enters the payer of a paid invoice into the pool.
// AlreadyMember is success; Late means the pool closed or rolled over first. A late
// payment is announced only when justPaid, i.e. by the poll that marked the invoice paid.
func (w *Worker) admit(ctx context.Context, inv ledger.Invoice, now time.Time, justPaid bool) (Outcome, error) {
	// The pool is credited with the tier's entry fee; the invoice amount is what the user was asked for.
	fee := inv.Amount
	if t, err := w.tiers.Get(inv.Tier); err == nil {
		fee = t.EntryFee
	} else {
		w.log.Warn("reconcile.admit.unknown_tier", "invoice_id", inv.ID, "tier", inv.Tier)
	}
	_, err := w.store.AdmitParticipant(ctx, ledger.AdmitInput{
		UserID:    inv.UserID,
		Tier:      inv.Tier,
		Cycle:     inv.Cycle,
		InvoiceID: inv.ID,
		Fee:       fee,
		Now:       now,
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAlreadyMember):
		return AlreadyMember, nil
	case errors.Is(err, ledger.ErrPoolClosed):
		if justPaid {
			w.late(ctx, inv)
		} else {
			w.log.Debug("reconcile.payment.late.seen", "invoice_id", inv.ID, "tier", inv.Tier, "cycle", inv.Cycle)
		}
		return Late, nil
	default:
		w.log.Error("reconcile.admit.fail", "invoice_id", inv.ID, "user_id", inv.UserID, "tier", inv.Tier, "err", err)
		return StillPending, err
	}

	w.metrics.Admitted(inv.Tier)
	if amount, err := w.store.GetPoolAmount(ctx, inv.Tier); err == nil {
		w.metrics.SetPoolAmount(inv.Tier, amount.InexactFloat64())
	}
	w.log.Info("reconcile.admit", "invoice_id", inv.ID, "user_id", inv.UserID, "tier", inv.Tier, "cycle", inv.Cycle)
	w.feed.Publish(v1.TypeParticipantAdmitted, invoicePayload(inv))
	notify.Safe(ctx, w.notifier, w.log, inv.UserID, notify.Joined(w.title(inv.Tier)))
	return Paid, nil
}

func (w *Worker) expire(ctx context.Context, inv ledger.Invoice, now time.Time) (Outcome, error) {
	_, changed, err := w.store.MarkInvoice(ctx, inv.ID, ledger.InvoiceExpired, now)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		return Terminal, nil
	}
	if err != nil {
		return StillPending, err
	}
	if !changed {
		return Terminal, nil
	}

	w.metrics.InvoiceResolved(inv.Tier, string(ledger.InvoiceExpired))
	w.log.Info("reconcile.poll.expired", "invoice_id", inv.ID, "user_id", inv.UserID, "tier", inv.Tier, "age", now.Sub(inv.CreatedAt))
	w.feed.Publish(v1.TypeInvoiceExpired, invoicePayload(inv))
	notify.Safe(ctx, w.notifier, w.log, inv.UserID, notify.PaymentTimedOut(w.title(inv.Tier)))

	// Void the gateway invoice so it cannot be paid after the local deadline.
	if err := w.gw.DeleteInvoice(ctx, inv.ID); err != nil {
		w.log.Warn("reconcile.void.fail", "invoice_id", inv.ID, "err", err)
	}
	return Expired, nil
}

func (w *Worker) late(ctx context.Context, inv ledger.Invoice) {
	w.log.Error("reconcile.payment.late", "invoice_id", inv.ID, "user_id", inv.UserID, "tier", inv.Tier, "cycle", inv.Cycle, "amount", inv.Amount.String())
	w.feed.Publish(v1.TypePaymentLate, invoicePayload(inv))
	notify.Safe(ctx, w.notifier, w.log, inv.UserID, notify.PaymentLate(w.title(inv.Tier), inv.ID))
}

// Track schedules polling for inv every PollDelay until it reaches a terminal outcome.
// Tracking an invoice that is already tracked is a no-op.
func (w *Worker) Track(inv ledger.Invoice) bool {
	return w.schedule(inv.ID, w.cfg.PollDelay)
}

func (w *Worker) schedule(invoiceID string, delay time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if _, ok := w.timers[invoiceID]; ok {
		return false
	}
	w.timers[invoiceID] = time.AfterFunc(delay, func() { w.tick(invoiceID) })
	return true
}

func (w *Worker) tick(invoiceID string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(w.base, w.cfg.TickTimeout)
	out, err := w.Poll(ctx, invoiceID, w.now())
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err != nil {
		w.log.Warn("reconcile.tick.fail", "invoice_id", invoiceID, "err", err)
	}
	if err != nil || !out.Done() {
		w.timers[invoiceID].Reset(w.cfg.PollDelay)
		return
	}
	delete(w.timers, invoiceID)
	w.log.Debug("reconcile.tick.done", "invoice_id", invoiceID, "outcome", out.String())
}

// Tracked returns the number of invoices with a scheduled poll.
func (w *Worker) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Resume restarts polling for every pending invoice and admits paid invoices
// that were never admitted, e.g. after a crash between the two writes.
func (w *Worker) Resume(ctx context.Context) (tracked, admitted int, err error) {
	now := w.now()
	pending, err := w.store.ListPendingInvoices(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, inv := range pending {
		delay := w.cfg.PollDelay
		if now.Sub(inv.CreatedAt) >= w.cfg.Timeout {
			delay = 0
		}
		if w.schedule(inv.ID, delay) {
			tracked++
		}
	}

	paid, err := w.store.ListUnadmittedPaid(ctx)
	if err != nil {
		return tracked, 0, err
	}
	for _, inv := range paid {
		out, err := w.admit(ctx, inv, now, false)
		if err != nil {
			w.schedule(inv.ID, w.cfg.PollDelay)
			continue
		}
		if out == Paid {
			admitted++
		}
	}
	w.log.Info("reconcile.resume", "tracked", tracked, "admitted", admitted)
	return tracked, admitted, nil
}

// Close stops all timers and waits for in-flight polls.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

func (w *Worker) title(name string) string {
	t, err := w.tiers.Get(name)
	if err != nil {
		return name
	}
	return t.Title
}

func invoicePayload(inv ledger.Invoice) v1.InvoicePayload {
	return v1.InvoicePayload{
		InvoiceID: inv.ID,
		UserID:    inv.UserID,
		Tier:      inv.Tier,
		Cycle:     inv.Cycle,
		Amount:    inv.Amount.String(),
	}
}
