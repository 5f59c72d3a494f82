// Package app wires the luckypool runtime: config, logging, ledger, payment gateway,
// reconciliation, scheduling, the Telegram front end and the HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"luckypool/cmd/internal/bot"
	"luckypool/cmd/internal/feed"
	"luckypool/cmd/internal/lottery"
	"luckypool/cmd/internal/pool"
	"luckypool/cmd/internal/reconcile"
	"luckypool/cmd/internal/scheduler"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// App is the long-running server: it owns the HTTP server and the background loops.
type App struct {
	*Core

	pools   *pool.Controller
	worker  *reconcile.Worker
	sched   *scheduler.Scheduler
	lottery *lottery.Service
	bot     *bot.Handler
	feedGW  *feed.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	core, err := NewCore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log = core.Log

	a := &App{Core: core}
	a.pools = pool.NewController(core.Store, core.Tiers, core.Settler,
		pool.WithNotifier(core.Notifier),
		pool.WithFeed(core.Feed),
		pool.WithMetrics(core.Metrics),
		pool.WithLogger(log),
	)
	a.worker = reconcile.NewWorker(core.Store, core.Gateway, core.Tiers, reconcile.Config{
		PollDelay: cfg.PollDelay,
		Timeout:   cfg.InvoiceTimeout,
	},
		reconcile.WithNotifier(core.Notifier),
		reconcile.WithFeed(core.Feed),
		reconcile.WithMetrics(core.Metrics),
		reconcile.WithLogger(log),
	)
	a.sched = scheduler.New(core.Store, a.pools, core.Tiers, scheduler.WithLogger(log))
	a.lottery = lottery.New(core.Store, core.Gateway, a.worker, core.Settler, a.pools,
		lottery.WithMetrics(core.Metrics),
		lottery.WithLogger(log),
	)
	if core.botAPI != nil {
		a.bot = bot.NewHandler(a.lottery, core.botAPI, bot.Config{
			Cut:           cfg.Cut,
			Asset:         core.Gateway.Asset(),
			CommandLimit:  cfg.CommandLimit,
			CommandWindow: cfg.CommandWindow,
		}, log)
	}
	a.feedGW = feed.NewGateway(log, core.Feed)
	return a, nil
}

// Handler returns the HTTP surface: probes, metrics, the operator feed and pool status.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:       a.Log,
		cfg:       a.Cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbPool != nil,
		metrics:   a.Metrics.Handler(),
		feed:      a.feedGW,
		pools:     a.pools,
		now:       time.Now,
	})
	return WithSecurityHeaders(WithRequestLogging(mux, a.Log))
}

// Run starts the HTTP server and the background loops and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	tracked, admitted, err := a.worker.Resume(runCtx)
	if err != nil {
		a.Log.Error("reconcile.resume.fail", "err", err)
	}
	a.Log.Info("reconcile.resume", "tracked", tracked, "admitted", admitted)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.sched.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		a.retryPayouts(runCtx)
	}()
	if a.bot != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		u.AllowedUpdates = []string{"message"}
		updates := a.botAPI.GetUpdatesChan(u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.bot.Run(runCtx, updates)
		}()
	}

	srv := &http.Server{
		Addr:              a.Cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.Cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.Cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.Cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.Cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.Cfg.MaxHeaderBytes, 1<<20),
	}

	a.Log.Info("server.start", "addr", a.Cfg.HTTPAddr, "db_enabled", a.dbPool != nil,
		"tiers", a.Tiers.Names(), "bot_enabled", a.bot != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.Log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.Log.Error("server.fail", "err", runErr)
	}

	stop()
	if a.botAPI != nil {
		a.botAPI.StopReceivingUpdates()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.worker.Close()
	wg.Wait()

	a.Log.Info("server.stopped")
	return runErr
}

// retryPayouts periodically retries settlements whose payout failed at the gateway.
func (a *App) retryPayouts(ctx context.Context) {
	t := time.NewTicker(nonZeroDuration(a.Cfg.RetryInterval, 10*time.Minute))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			out, err := a.Settler.RetryFailed(ctx, now)
			if err != nil {
				a.Log.Error("settlement.retry.fail", "count", len(out), "err", err)
			} else if len(out) > 0 {
				a.Log.Info("settlement.retry", "count", len(out))
			}
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
