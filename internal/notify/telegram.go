// Package notify pushes operator notifications to Telegram. The notifier is
// fire-and-forget: send failures are logged and never propagate into the
// trading path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"hedgerd/internal/config"
)

const sendTimeout = 10 * time.Second

// Telegram posts messages to one chat via the Bot API. A notifier built
// without a token, chat id, or the enabled flag is inert and safe to call.
type Telegram struct {
	http      *resty.Client
	chatID    string
	enabled   bool
	heartbeat time.Duration
	logger    *slog.Logger
}

// New builds the notifier from config.
func New(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	t := &Telegram{
		chatID:    cfg.ChatID,
		enabled:   cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		heartbeat: cfg.Heartbeat,
		logger:    logger.With("component", "telegram"),
	}
	if t.enabled {
		t.http = resty.New().
			SetBaseURL("https://api.telegram.org/bot" + cfg.BotToken).
			SetTimeout(sendTimeout)
	}
	return t
}

// Enabled reports whether messages will actually be sent.
func (t *Telegram) Enabled() bool { return t.enabled }

// Notify sends one message. Disabled notifiers and send failures are both
// silent no-ops beyond logging.
func (t *Telegram) Notify(ctx context.Context, text string) {
	if !t.enabled {
		return
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    text,
		}).
		Post("/sendMessage")
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return
	}
	if resp.StatusCode() != 200 {
		t.logger.Warn("telegram send rejected",
			"status", resp.StatusCode(), "body", resp.String())
	}
}

// RunHeartbeat sends a liveness message on the configured interval until
// ctx is cancelled. Returns immediately when disabled or unconfigured.
func (t *Telegram) RunHeartbeat(ctx context.Context) {
	if !t.enabled || t.heartbeat <= 0 {
		return
	}

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Notify(ctx, fmt.Sprintf("hedgerd alive, uptime %s",
				time.Since(start).Truncate(time.Second)))
		}
	}
}
