package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("LUCKYPOOL_CUT", "")
	t.Setenv("LUCKYPOOL_DATABASE_URL", "")
	t.Setenv("LUCKYPOOL_OPERATOR_CHAT_ID", "-100200")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	if !cfg.Cut.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("cut=%s want=0.1", cfg.Cut)
	}
	if cfg.Timezone != "Asia/Kolkata" || cfg.PollDelay != time.Minute || cfg.InvoiceTimeout != 15*time.Minute {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.OperatorChatID != -100200 {
		t.Fatalf("operator chat=%d want=-100200", cfg.OperatorChatID)
	}
	if cfg.DBSchema != "luckypool" || cfg.Asset != "USDT" {
		t.Fatalf("schema=%q asset=%q", cfg.DBSchema, cfg.Asset)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name, key, val string
	}{
		{"malformed cut", "LUCKYPOOL_CUT", "ten percent"},
		{"cut of one", "LUCKYPOOL_CUT", "1"},
		{"log format", "LUCKYPOOL_LOG_FORMAT", "xml"},
		{"long spend key", "LUCKYPOOL_SPEND_KEY", strings.Repeat("k", 65)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("%s=%q: expected error", tc.key, tc.val)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "not required", cfg: Config{}},
		{name: "required missing", cfg: Config{RequireSpendKey: true}, wantErr: true},
		{name: "required short", cfg: Config{RequireSpendKey: true, SpendKey: "short"}, wantErr: true},
		{name: "required ok", cfg: Config{RequireSpendKey: true, SpendKey: strings.Repeat("s", 32)}},
	}
	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func testConfig() Config {
	return Config{
		LogFormat:     "json",
		Timezone:      "UTC",
		GatewayURL:    "http://127.0.0.1:1/api/",
		GatewayToken:  "test-token",
		Cut:           decimal.RequireFromString("0.1"),
		Precision:     2,
		SpendKey:      strings.Repeat("k", 32),
		PollDelay:     time.Minute,
		RetryInterval: time.Minute,
	}
}

func TestNew_InMemoryRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := New(ctx, testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	t.Cleanup(func() {
		a.worker.Close()
		a.Close()
	})
	if a.bot != nil {
		t.Fatalf("bot enabled without a token")
	}
	if _, err := a.pools.Open(ctx, "bronze", time.Now()); err != nil {
		t.Fatalf("Open() err=%v", err)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s err=%v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("GET %s missing security headers", path)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics err=%v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics missing runtime collectors")
	}

	resp, err = http.Get(srv.URL + "/pools")
	if err != nil {
		t.Fatalf("GET /pools err=%v", err)
	}
	defer resp.Body.Close()
	var pools []poolView
	if err := json.NewDecoder(resp.Body).Decode(&pools); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if len(pools) != 3 || pools[0].Tier != "bronze" || !pools[0].Open || pools[0].Display != "$0.00" {
		t.Fatalf("pools=%+v", pools)
	}

	// Feed requires the subprotocol; a plain GET is not an upgrade.
	resp2, err := http.Get(srv.URL + "/feed")
	if err != nil {
		t.Fatalf("GET /feed err=%v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode == http.StatusOK {
		t.Fatalf("GET /feed status=200 want upgrade failure")
	}
}

func TestReadyz_RequiresDB(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	registerHTTP(mux, routes{log: quietLogger(), cfg: Config{ReadinessRequireDB: true}})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", rr.Code)
	}
}

func TestNewCore_MissingGatewayToken(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.GatewayToken = ""
	if _, err := NewCore(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected error without gateway token")
	}
}

func TestLoadTiers(t *testing.T) {
	t.Parallel()

	c, err := LoadTiers(Config{Timezone: "Asia/Kolkata"})
	if err != nil {
		t.Fatalf("LoadTiers() err=%v", err)
	}
	if got := strings.Join(c.Names(), ","); got != "bronze,silver,gold" {
		t.Fatalf("names=%s", got)
	}
	if _, err := LoadTiers(Config{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
