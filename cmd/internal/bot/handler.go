// Package bot maps Telegram commands onto the lottery operations.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/lottery"
	"luckypool/cmd/internal/pool"
	"luckypool/cmd/internal/ratelimit"
	"luckypool/cmd/internal/tier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

const (
	DefaultCommandLimit  = 10
	DefaultCommandWindow = 30 * time.Second
	handleTimeout        = 30 * time.Second
)

// Service is the lottery surface the bot needs.
type Service interface {
	Tiers() *tier.Catalogue
	Register(ctx context.Context, userID int64) error
	Join(ctx context.Context, userID int64, tierName string) (lottery.JoinResult, error)
	SetWallet(ctx context.Context, userID int64, wallet string) ([]ledger.Settlement, error)
	Status(ctx context.Context) ([]pool.Status, error)
	PoolSizes(ctx context.Context) ([]lottery.PoolSize, error)
	Players(ctx context.Context) ([]lottery.Players, error)
	MyInfo(ctx context.Context, userID int64) (lottery.Info, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Config struct {
	Cut          decimal.Decimal
	Asset        string
	CommandLimit int
	// CommandWindow is the sliding window CommandLimit applies to, per chat.
	CommandWindow time.Duration
}

type Handler struct {
	svc     Service
	bot     sender
	cfg     Config
	limiter *ratelimit.Keyed[int64]
	log     *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewHandler(svc Service, bot sender, cfg Config, log *slog.Logger) *Handler {
	if cfg.CommandLimit <= 0 {
		cfg.CommandLimit = DefaultCommandLimit
	}
	if cfg.CommandWindow <= 0 {
		cfg.CommandWindow = DefaultCommandWindow
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		svc:     svc,
		bot:     bot,
		cfg:     cfg,
		limiter: ratelimit.NewKeyed[int64](cfg.CommandLimit, cfg.CommandWindow),
		log:     log,
		now:     time.Now,
	}
}

// Run handles updates until ctx is cancelled or the channel closes. Each update is
// handled in its own goroutine so a slow gateway call never holds up other chats.
func (h *Handler) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	defer h.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			h.limiter.Sweep(h.now())
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				hctx, cancel := context.WithTimeout(ctx, handleTimeout)
				defer cancel()
				h.HandleUpdate(hctx, u)
			}()
		}
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	msg := u.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID
	if !h.limiter.Allow(chatID, h.now()) {
		h.log.Warn("bot.rate_limited", "chat_id", chatID, "command", msg.Command())
		return
	}
	if err := h.svc.Register(ctx, chatID); err != nil {
		h.log.Error("bot.register.fail", "chat_id", chatID, "err", err)
	}

	reply := h.dispatch(ctx, chatID, msg.Command(), msg.CommandArguments())
	if reply == "" {
		return
	}
	out := tgbotapi.NewMessage(chatID, reply)
	out.DisableWebPagePreview = true
	if _, err := h.bot.Send(out); err != nil {
		h.log.Error("bot.reply.fail", "chat_id", chatID, "err", err)
	}
}

func (h *Handler) dispatch(ctx context.Context, chatID int64, cmd, args string) string {
	tiers := h.svc.Tiers()
	if name, ok := strings.CutPrefix(cmd, "join_"); ok {
		return h.join(ctx, chatID, name)
	}

	switch cmd {
	case "start":
		return welcomeText(tiers)
	case "help":
		return helpText(tiers)
	case "rules":
		return rulesText(tiers, h.cfg.Cut, h.cfg.Asset)
	case "set_wallet":
		return h.setWallet(ctx, chatID, args)
	case "status":
		st, err := h.svc.Status(ctx)
		if err != nil {
			return h.failure("status", chatID, err)
		}
		return renderStatus(st)
	case "time_left":
		st, err := h.svc.Status(ctx)
		if err != nil {
			return h.failure("time_left", chatID, err)
		}
		return renderTimeLeft(st)
	case "pool_size":
		sizes, err := h.svc.PoolSizes(ctx)
		if err != nil {
			return h.failure("pool_size", chatID, err)
		}
		return renderSizes(sizes)
	case "players":
		players, err := h.svc.Players(ctx)
		if err != nil {
			return h.failure("players", chatID, err)
		}
		return renderPlayers(players)
	case "my_info":
		info, err := h.svc.MyInfo(ctx, chatID)
		if err != nil {
			return h.failure("my_info", chatID, err)
		}
		return renderInfo(info)
	default:
		return "Unknown command. Use /help to see what I can do."
	}
}

func (h *Handler) join(ctx context.Context, chatID int64, name string) string {
	res, err := h.svc.Join(ctx, chatID, name)
	switch {
	case err == nil:
		return renderJoin(res)
	case errors.Is(err, tier.ErrUnknownTier):
		return "There is no such pool. Use /help to see the available pools."
	case errors.Is(err, ledger.ErrAlreadyMember):
		return "You are already in the " + title(h.svc.Tiers(), name) + "."
	case errors.Is(err, ledger.ErrPoolClosed):
		return "The " + title(h.svc.Tiers(), name) + " is closed right now. Use /time_left to see when it opens."
	default:
		h.log.Error("bot.join.fail", "chat_id", chatID, "tier", name, "err", err)
		return "Error creating payment. Please try again later."
	}
}

func (h *Handler) setWallet(ctx context.Context, chatID int64, args string) string {
	if strings.TrimSpace(args) == "" {
		return "Usage: /set_wallet <CryptoBot user id>"
	}
	paid, err := h.svc.SetWallet(ctx, chatID, args)
	switch {
	case errors.Is(err, lottery.ErrInvalidWallet):
		return "That does not look like a CryptoBot user id. Usage: /set_wallet <id>"
	case err != nil:
		return h.failure("set_wallet", chatID, err)
	}
	var n int
	for _, st := range paid {
		if st.Status == ledger.SettlementPaid {
			n++
		}
	}
	if n > 0 {
		return "Wallet saved. Your held prizes are on their way."
	}
	return "Wallet saved."
}

func (h *Handler) failure(cmd string, chatID int64, err error) string {
	h.log.Error("bot.command.fail", "command", cmd, "chat_id", chatID, "err", err)
	return "Something went wrong. Please try again later."
}
