// Package notify delivers operator notifications.
//
// Notifications are best-effort: a failed delivery is logged, never fatal.
// The bot keeps trading whether or not the operator hears about it.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"kraken-gridbot/internal/bus"
)

// Notifier sends one message to one channel. Send reports delivery success.
type Notifier interface {
	Send(ctx context.Context, message string) bool
}

// ————————————————————————————————————————————————————————————————————————
// Telegram
// ————————————————————————————————————————————————————————————————————————

// Telegram sends messages via the Bot API sendMessage method.
type Telegram struct {
	http   *resty.Client
	token  string
	chatID string
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier for one chat.
func NewTelegram(botToken, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		http: resty.New().
			SetBaseURL("https://api.telegram.org").
			SetTimeout(10 * time.Second),
		token:  botToken,
		chatID: chatID,
		logger: logger.With("component", "telegram"),
	}
}

// SetBaseURL overrides the API host. Used by tests.
func (t *Telegram) SetBaseURL(u string) { t.http.SetBaseURL(u) }

// Send posts the message to the configured chat.
func (t *Telegram) Send(ctx context.Context, message string) bool {
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    message,
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		t.logger.Error("telegram send failed", "error", err)
		return false
	}
	if resp.StatusCode() != http.StatusOK {
		t.logger.Error("telegram send rejected",
			"status", resp.StatusCode(), "body", resp.String())
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Fan-out
// ————————————————————————————————————————————————————————————————————————

// Dispatcher fans one message out to every configured channel and always
// logs it, so a bot without channels still leaves a trail.
type Dispatcher struct {
	channels []Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *slog.Logger, channels ...Notifier) *Dispatcher {
	return &Dispatcher{channels: channels, logger: logger.With("component", "notify")}
}

// Notify logs the message and sends it to all channels.
func (d *Dispatcher) Notify(ctx context.Context, message string) {
	d.logger.Info("notification", "message", message)
	for _, ch := range d.channels {
		if !ch.Send(ctx, message) {
			d.logger.Warn("notification channel delivery failed")
		}
	}
}

// BusHandler returns a handler for Notification events carrying a string
// payload. Non-string payloads are ignored.
func (d *Dispatcher) BusHandler(ctx context.Context) bus.Handler {
	return func(evt bus.Event) error {
		if msg, ok := evt.Data.(string); ok {
			d.Notify(ctx, msg)
		}
		return nil
	}
}
