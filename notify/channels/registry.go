package channels

import (
	"context"
	"net/http"

	"github.com/songzhibin97/alertflow/types"
)

// Build constructs a sender for every channel cfg configures. Channels left
// out of the map are reported as ErrChannelNotConfigured by the dispatcher.
func Build(cfg types.NotificationConfig, client *http.Client) map[types.Channel]Sender {
	client = defaultClient(client)
	out := make(map[types.Channel]Sender)
	if cfg.Email.SMTPHost != "" || cfg.Email.FallbackURL != "" || len(cfg.Webhook.URLs) > 0 {
		out[types.ChannelEmail] = NewEmail(cfg.Email, client).WithWebhook(cfg.Webhook)
	}
	if cfg.Slack.WebhookURL != "" {
		out[types.ChannelSlack] = NewSlack(cfg.Slack, client)
	}
	if cfg.Telegram.BotToken != "" && len(cfg.Telegram.ChatIDs) > 0 {
		out[types.ChannelTelegram] = NewTelegram(cfg.Telegram, client)
	}
	if len(cfg.Webhook.URLs) > 0 {
		out[types.ChannelWebhook] = NewWebhook(cfg.Webhook, client)
	}
	if cfg.Push.Endpoint != "" {
		out[types.ChannelPush] = NewPush(cfg.Push, client)
	}
	return out
}

// SenderFunc adapts a function to Sender for a fixed channel.
type SenderFunc struct {
	Ch types.Channel
	Fn func(ctx context.Context, n *types.Notification) error
}

func (f SenderFunc) Channel() types.Channel { return f.Ch }

func (f SenderFunc) Send(ctx context.Context, n *types.Notification) error {
	return Wrap(f.Ch, f.Fn(ctx, n))
}
