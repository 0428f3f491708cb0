package channels

import (
	"context"
	"net/http"

	"github.com/songzhibin97/alertflow/types"
)

// SlackPayload is the incoming-webhook body.
type SlackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments"`
}

// SlackAttachment is one colored message block.
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []SlackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

// SlackField is one key/value row of an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackColors = map[types.Priority]string{
	types.PriorityLow:      "#36a64f",
	types.PriorityMedium:   "#ff9900",
	types.PriorityHigh:     "#ff4444",
	types.PriorityCritical: "#8b0000",
}

// SlackColor returns the attachment color for a priority.
func SlackColor(p types.Priority) string {
	if c, ok := slackColors[p]; ok {
		return c
	}
	return slackColors[types.PriorityLow]
}

// Slack posts to a chat incoming webhook.
type Slack struct {
	cfg    types.SlackConfig
	client *http.Client
}

// NewSlack returns a Slack sender.
func NewSlack(cfg types.SlackConfig, client *http.Client) *Slack {
	return &Slack{cfg: cfg, client: defaultClient(client)}
}

func (s *Slack) Channel() types.Channel { return types.ChannelSlack }

func (s *Slack) Send(ctx context.Context, n *types.Notification) error {
	if s.cfg.WebhookURL == "" {
		return Wrap(types.ChannelSlack, ErrChannelNotConfigured)
	}
	return Wrap(types.ChannelSlack, postJSON(ctx, s.client, s.cfg.WebhookURL, nil, s.Payload(n)))
}

// Payload renders n in the attachment format.
func (s *Slack) Payload(n *types.Notification) SlackPayload {
	fields := []SlackField{
		{Title: "Type", Value: string(n.Type), Short: true},
		{Title: "Priority", Value: string(n.Priority), Short: true},
	}
	for _, k := range sortedKeys(n.Data) {
		fields = append(fields, SlackField{Title: k, Value: formatValue(n.Data[k]), Short: true})
	}
	return SlackPayload{
		Channel:   s.cfg.Channel,
		Username:  s.cfg.Username,
		IconEmoji: s.cfg.IconEmoji,
		Attachments: []SlackAttachment{{
			Color:  SlackColor(n.Priority),
			Title:  n.Title,
			Text:   n.Message,
			Fields: fields,
			Footer: "alertflow",
			Ts:     n.Timestamp.Unix(),
		}},
	}
}
