package app

import (
	"encoding/json"
	"net/http"
	"time"

	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/pool"

	"github.com/jackc/pgx/v5/pgxpool"
)

type routes struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	metrics   http.Handler
	feed      http.Handler
	pools     *pool.Controller
	now       func() time.Time
}

type poolView struct {
	Tier         string    `json:"tier"`
	Title        string    `json:"title"`
	Open         bool      `json:"open"`
	Cycle        int64     `json:"cycle"`
	Amount       string    `json:"amount"`
	Display      string    `json:"display"`
	Participants int       `json:"participants"`
	Until        time.Time `json:"until"`
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.dbEnabled && rt.dbPool != nil {
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics)
	}
	if rt.feed != nil {
		mux.Handle("/feed", rt.feed)
	}

	if rt.pools != nil {
		mux.HandleFunc("GET /pools", func(w http.ResponseWriter, r *http.Request) {
			st, err := rt.pools.StatusAll(r.Context(), rt.now())
			if err != nil {
				rt.log.Error("http.pools.fail", "err", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			out := make([]poolView, 0, len(st))
			for _, s := range st {
				out = append(out, poolView{
					Tier:         s.Tier.Name,
					Title:        s.Tier.Title,
					Open:         s.Open,
					Cycle:        s.Cycle,
					Amount:       s.Amount.String(),
					Display:      notify.Money(s.Amount),
					Participants: s.Participants,
					Until:        s.Until.UTC(),
				})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(out)
		})
	}
}
