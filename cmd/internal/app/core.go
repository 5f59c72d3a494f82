package app

import (
	"context"
	"fmt"

	"luckypool/cmd/internal/cryptopay"
	"luckypool/cmd/internal/feed"
	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/metrics"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/settlement"
	"luckypool/cmd/internal/tier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Core is the part of the runtime shared by `serve` and the operator commands:
// ledger, tiers, gateway client, settler and the notification sinks.
type Core struct {
	Cfg      Config
	Log      Logger
	Store    ledger.Store
	Tiers    *tier.Catalogue
	Gateway  *cryptopay.Client
	Settler  *settlement.Settler
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Feed     *feed.Hub

	botAPI *tgbotapi.BotAPI
	dbPool *pgxpool.Pool
}

// NewCore builds the Core. The caller owns it and must Close it.
func NewCore(ctx context.Context, cfg Config, log Logger) (*Core, error) {
	if log == nil {
		log = NewLogger(cfg)
	}
	c := &Core{Cfg: cfg, Log: log, Metrics: metrics.New()}

	tiers, err := LoadTiers(cfg)
	if err != nil {
		return nil, err
	}
	c.Tiers = tiers

	st, pool, err := OpenStore(ctx, cfg, log, cfg.AutoMigrate)
	if err != nil {
		return nil, err
	}
	c.Store, c.dbPool = st, pool

	c.Notifier = notify.NewLog(log)
	if cfg.TelegramToken != "" {
		api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		log.Info("telegram.ready", "bot", api.Self.UserName)
		c.botAPI = api
		c.Notifier = notify.NewTelegram(api)
	}

	var sinks []feed.Sink
	if cfg.OperatorChatID != 0 {
		sinks = append(sinks, notify.NewOperatorChat(c.Notifier, cfg.OperatorChatID, cfg.OperatorChatAll))
	}
	c.Feed = feed.NewHub(log, sinks...)

	c.Gateway, err = cryptopay.New(cryptopay.Config{
		BaseURL: cfg.GatewayURL,
		Token:   cfg.GatewayToken,
		Asset:   cfg.Asset,
		Fiat:    cfg.Fiat,
		Timeout: cfg.GatewayTimeout,
		Backoff: cryptopay.Backoff{Attempts: cfg.GatewayAttempts, Initial: cfg.GatewayBackoff},
	}, cryptopay.WithLogger(log), cryptopay.WithMetrics(c.Metrics))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("cryptopay: %w", err)
	}

	c.Settler, err = settlement.New(c.Store, c.Gateway, tiers, settlement.Config{
		Cut:       cfg.Cut,
		Precision: cfg.Precision,
		SpendKey:  []byte(cfg.SpendKey),
	},
		settlement.WithNotifier(c.Notifier),
		settlement.WithFeed(c.Feed),
		settlement.WithMetrics(c.Metrics),
		settlement.WithLogger(log),
	)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the ledger and the database pool.
func (c *Core) Close() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.Log.Error("store.close.fail", "err", err)
		}
	}
	if c.dbPool != nil {
		c.dbPool.Close()
	}
}

// LoadTiers reads the tier catalogue file, or falls back to bronze/silver/gold.
func LoadTiers(cfg Config) (*tier.Catalogue, error) {
	if cfg.TiersFile != "" {
		return tier.LoadFile(cfg.TiersFile, cfg.Timezone)
	}
	loc, err := tier.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return tier.Default(loc), nil
}

// OpenStore decides between the Postgres ledger and the in-memory dev ledger.
// The returned pool is nil in memory mode; when set, the caller closes it.
func OpenStore(ctx context.Context, cfg Config, log Logger, migrate bool) (ledger.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("db.disabled.inmemory_store")
		return ledger.NewMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := ledger.NewPostgresStore(pool, ledger.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if migrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}
	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}
