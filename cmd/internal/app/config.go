package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects the in-memory ledger (development only).
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	AutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	TelegramToken   string
	OperatorChatID  int64
	OperatorChatAll bool
	CommandLimit    int
	CommandWindow   time.Duration

	GatewayURL      string
	GatewayToken    string
	Asset           string
	Fiat            string
	GatewayTimeout  time.Duration
	GatewayAttempts int
	GatewayBackoff  time.Duration

	TiersFile string
	Timezone  string

	Cut       decimal.Decimal
	Precision int32
	SpendKey  string

	PollDelay      time.Duration
	InvoiceTimeout time.Duration
	// RetryInterval is how often failed payouts are retried in the background.
	RetryInterval time.Duration

	// Security policy:
	// If true, LUCKYPOOL_SPEND_KEY MUST be set (>= 32 bytes).
	RequireSpendKey bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cut, err := EnvDecimal("LUCKYPOOL_CUT", decimal.RequireFromString("0.10"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:  EnvString("LUCKYPOOL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LUCKYPOOL_LOG_LEVEL", "info"),
		LogFormat: EnvString("LUCKYPOOL_LOG_FORMAT", "json"),
		LogColor:  EnvBool("LUCKYPOOL_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("LUCKYPOOL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LUCKYPOOL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LUCKYPOOL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LUCKYPOOL_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("LUCKYPOOL_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("LUCKYPOOL_DATABASE_URL", ""),
		DBSchema:    EnvString("LUCKYPOOL_DB_SCHEMA", "luckypool"),
		DBMaxConns:  EnvInt32("LUCKYPOOL_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("LUCKYPOOL_DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("LUCKYPOOL_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("LUCKYPOOL_READINESS_REQUIRE_DB", false),

		TelegramToken:   EnvString("LUCKYPOOL_TELEGRAM_TOKEN", ""),
		OperatorChatID:  EnvInt64("LUCKYPOOL_OPERATOR_CHAT_ID", 0),
		OperatorChatAll: EnvBool("LUCKYPOOL_OPERATOR_CHAT_ALL", false),
		CommandLimit:    EnvInt("LUCKYPOOL_COMMAND_LIMIT", 10),
		CommandWindow:   EnvDuration("LUCKYPOOL_COMMAND_WINDOW", 30*time.Second),

		GatewayURL:      EnvString("LUCKYPOOL_CRYPTOPAY_URL", "https://pay.crypt.bot/api/"),
		GatewayToken:    EnvString("LUCKYPOOL_CRYPTOPAY_TOKEN", ""),
		Asset:           EnvString("LUCKYPOOL_ASSET", "USDT"),
		Fiat:            EnvString("LUCKYPOOL_FIAT", "USD"),
		GatewayTimeout:  EnvDuration("LUCKYPOOL_CRYPTOPAY_TIMEOUT", 10*time.Second),
		GatewayAttempts: EnvInt("LUCKYPOOL_CRYPTOPAY_ATTEMPTS", 3),
		GatewayBackoff:  EnvDuration("LUCKYPOOL_CRYPTOPAY_BACKOFF", 500*time.Millisecond),

		TiersFile: EnvString("LUCKYPOOL_TIERS_FILE", ""),
		Timezone:  EnvString("LUCKYPOOL_TIMEZONE", "Asia/Kolkata"),

		Cut:       cut,
		Precision: EnvInt32("LUCKYPOOL_ASSET_PRECISION", 2),
		SpendKey:  EnvString("LUCKYPOOL_SPEND_KEY", ""),

		PollDelay:      EnvDuration("LUCKYPOOL_POLL_DELAY", 60*time.Second),
		InvoiceTimeout: EnvDuration("LUCKYPOOL_INVOICE_TIMEOUT", 15*time.Minute),
		RetryInterval:  EnvDuration("LUCKYPOOL_PAYOUT_RETRY_INTERVAL", 10*time.Minute),

		RequireSpendKey: EnvBool("LUCKYPOOL_REQUIRE_SPEND_KEY", false),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no safe default.
func (c Config) Validate() error {
	if c.Cut.IsNegative() || c.Cut.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("LUCKYPOOL_CUT must be in [0, 1): %s", c.Cut)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("LUCKYPOOL_DB_MIN_CONNS (%d) exceeds LUCKYPOOL_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LUCKYPOOL_LOG_FORMAT must be json or pretty: %q", c.LogFormat)
	}
	return ValidateSecurityConfig(c)
}
