package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"attwatch/pkg/logx"
)

// TelegramConfig configures the Telegram delivery sink.
type TelegramConfig struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

// Telegram delivers notifications to a single chat.
type Telegram struct {
	bot     *tele.Bot
	chatID  int64
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Token == "",
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:     bot,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}, nil
}

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	prefix := ""
	switch {
	case n.Priority >= 8:
		prefix = "🚨 "
	case n.Priority >= 5:
		prefix = "⚠️ "
	default:
		prefix = "ℹ️ "
	}
	text := prefix + n.Title
	if n.Body != "" {
		text += "\n" + n.Body
	}

	start := time.Now()
	_, err := t.bot.Send(tele.ChatID(t.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		t.log.Warn("telegram send failed", logx.Int64("chat_id", t.chatID), logx.Err(err))
		return err
	}
	t.log.Debug("notification sent", logx.Int64("chat_id", t.chatID), logx.Int("priority", n.Priority), logx.Duration("took", time.Since(start)))
	return nil
}
