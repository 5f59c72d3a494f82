// Package notify delivers plain-text messages to users and operators.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier sends a text message to a chat. For private chats the chat id is the user id.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

var ErrNoRecipient = errors.New("notify: missing recipient")

// Log writes messages to the logger instead of a chat. Used when no bot token is configured.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

func (l *Log) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chatID == 0 {
		return ErrNoRecipient
	}
	l.log.Info("notify.send", "chat_id", chatID, "text", text)
	return nil
}

// Broadcast sends text to every recipient. Failures are logged and skipped.
func Broadcast(ctx context.Context, n Notifier, log *slog.Logger, recipients []int64, text string) (sent, failed int) {
	if log == nil {
		log = slog.Default()
	}
	for _, id := range recipients {
		if ctx.Err() != nil {
			failed += len(recipients) - sent - failed
			log.Warn("notify.broadcast.abort", "err", ctx.Err(), "sent", sent, "failed", failed)
			return sent, failed
		}
		if err := n.Send(ctx, id, text); err != nil {
			failed++
			log.Warn("notify.broadcast.fail", "chat_id", id, "err", err)
			continue
		}
		sent++
	}
	log.Info("notify.broadcast", "sent", sent, "failed", failed)
	return sent, failed
}

// Safe sends one message and logs a failure instead of returning it.
func Safe(ctx context.Context, n Notifier, log *slog.Logger, chatID int64, text string) {
	if n == nil {
		return
	}
	if err := n.Send(ctx, chatID, text); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("notify.send.fail", "chat_id", chatID, "err", err)
	}
}
