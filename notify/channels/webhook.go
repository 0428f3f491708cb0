package channels

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/songzhibin97/alertflow/types"
)

// WebhookPayload is the generic JSON body.
type WebhookPayload struct {
	ID        string                 `json:"id"`
	Type      types.NotificationType `json:"type"`
	Priority  types.Priority         `json:"priority"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewWebhookPayload copies the delivered fields of n.
func NewWebhookPayload(n *types.Notification) WebhookPayload {
	return WebhookPayload{
		ID:        n.ID,
		Type:      n.Type,
		Priority:  n.Priority,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Timestamp: n.Timestamp,
	}
}

// Webhook posts to every configured URL.
type Webhook struct {
	cfg    types.WebhookConfig
	client *http.Client
}

// NewWebhook returns a generic webhook sender.
func NewWebhook(cfg types.WebhookConfig, client *http.Client) *Webhook {
	return &Webhook{cfg: cfg, client: defaultClient(client)}
}

func (w *Webhook) Channel() types.Channel { return types.ChannelWebhook }

func (w *Webhook) Send(ctx context.Context, n *types.Notification) error {
	if len(w.cfg.URLs) == 0 {
		return Wrap(types.ChannelWebhook, ErrChannelNotConfigured)
	}
	payload := NewWebhookPayload(n)
	var errs []error
	for _, url := range w.cfg.URLs {
		if err := postJSON(ctx, w.client, url, w.cfg.Headers, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return Wrap(types.ChannelWebhook, errors.Join(errs...))
}
