package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/songzhibin97/alertflow/types"
)

// DefaultTelegramAPI is the bot API base used when none is configured.
const DefaultTelegramAPI = "https://api.telegram.org"

var priorityEmoji = map[types.Priority]string{
	types.PriorityLow:      "ℹ️",
	types.PriorityMedium:   "⚠️",
	types.PriorityHigh:     "🚨",
	types.PriorityCritical: "🔥",
}

// TelegramMessage is the sendMessage request body.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Telegram posts to a bot API, once per chat id.
type Telegram struct {
	cfg    types.TelegramConfig
	client *http.Client
}

// NewTelegram returns a Telegram sender.
func NewTelegram(cfg types.TelegramConfig, client *http.Client) *Telegram {
	return &Telegram{cfg: cfg, client: defaultClient(client)}
}

func (t *Telegram) Channel() types.Channel { return types.ChannelTelegram }

// Send delivers to every chat id and joins the failures.
func (t *Telegram) Send(ctx context.Context, n *types.Notification) error {
	if t.cfg.BotToken == "" || len(t.cfg.ChatIDs) == 0 {
		return Wrap(types.ChannelTelegram, ErrChannelNotConfigured)
	}
	base := strings.TrimRight(t.cfg.APIBase, "/")
	if base == "" {
		base = DefaultTelegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.cfg.BotToken)
	text := TelegramText(n)

	var errs []error
	for _, chatID := range t.cfg.ChatIDs {
		msg := TelegramMessage{ChatID: chatID, Text: text, ParseMode: "Markdown"}
		if err := postJSON(ctx, t.client, url, nil, msg); err != nil {
			// The token is part of the URL; keep it out of the error.
			errs = append(errs, fmt.Errorf("chat %s: %s", chatID, strings.ReplaceAll(err.Error(), t.cfg.BotToken, "***")))
		}
	}
	return Wrap(types.ChannelTelegram, errors.Join(errs...))
}

// TelegramText renders the Markdown message body.
func TelegramText(n *types.Notification) string {
	emoji, ok := priorityEmoji[n.Priority]
	if !ok {
		emoji = priorityEmoji[types.PriorityLow]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", emoji, n.Title, n.Message)
	if len(n.Data) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(n.Data) {
			fmt.Fprintf(&b, "\n• %s: %s", k, formatValue(n.Data[k]))
		}
	}
	return b.String()
}
