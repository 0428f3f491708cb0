package channels

import (
	"context"
	"net/http"

	"github.com/songzhibin97/alertflow/types"
)

var pushIcons = map[types.Priority]string{
	types.PriorityLow:      "/icons/info.png",
	types.PriorityMedium:   "/icons/warning.png",
	types.PriorityHigh:     "/icons/alert.png",
	types.PriorityCritical: "/icons/critical.png",
}

// PushPayload is the body posted to the push gateway.
type PushPayload struct {
	Title              string                 `json:"title"`
	Body               string                 `json:"body"`
	Icon               string                 `json:"icon"`
	RequireInteraction bool                   `json:"requireInteraction"`
	Tag                string                 `json:"tag"`
	Data               map[string]interface{} `json:"data,omitempty"`
}

// NewPushPayload renders n for the gateway. Critical notifications stay on
// screen until dismissed.
func NewPushPayload(n *types.Notification) PushPayload {
	icon, ok := pushIcons[n.Priority]
	if !ok {
		icon = pushIcons[types.PriorityLow]
	}
	return PushPayload{
		Title:              n.Title,
		Body:               n.Message,
		Icon:               icon,
		RequireInteraction: n.Priority == types.PriorityCritical,
		Tag:                n.ID,
		Data:               n.Data,
	}
}

// Push posts to a push gateway that fans out to subscribed devices.
type Push struct {
	cfg    types.PushConfig
	client *http.Client
}

// NewPush returns a Push sender.
func NewPush(cfg types.PushConfig, client *http.Client) *Push {
	return &Push{cfg: cfg, client: defaultClient(client)}
}

func (p *Push) Channel() types.Channel { return types.ChannelPush }

func (p *Push) Send(ctx context.Context, n *types.Notification) error {
	if p.cfg.Endpoint == "" {
		return Wrap(types.ChannelPush, ErrChannelNotConfigured)
	}
	headers := map[string]string{}
	if p.cfg.PrivateKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.PrivateKey
	}
	if p.cfg.PublicKey != "" {
		headers["Crypto-Key"] = "p256ecdsa=" + p.cfg.PublicKey
	}
	return Wrap(types.ChannelPush, postJSON(ctx, p.client, p.cfg.Endpoint, headers, NewPushPayload(n)))
}
