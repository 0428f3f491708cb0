package types

import "time"

// NotificationType classifies what a notification is about.
type NotificationType string

const (
	TypeCompliance  NotificationType = "compliance"
	TypePerformance NotificationType = "performance"
	TypeSecurity    NotificationType = "security"
	TypeEngagement  NotificationType = "engagement"
	TypeSystem      NotificationType = "system"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeCompliance, TypePerformance, TypeSecurity, TypeEngagement, TypeSystem:
		return true
	}
	return false
}

// Priority is the urgency of a notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
	ChannelWebhook  Channel = "webhook"
	ChannelPush     Channel = "push"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSlack, ChannelTelegram, ChannelWebhook, ChannelPush:
		return true
	}
	return false
}

// Notification is an alert created by Send and mutated only by Acknowledge.
type Notification struct {
	ID             string                 `json:"id"`
	Type           NotificationType       `json:"type"`
	Priority       Priority               `json:"priority"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Channels       []Channel              `json:"channels"`
	Timestamp      time.Time              `json:"timestamp"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
}

// Clone returns a copy that shares no slices or maps with n.
func (n Notification) Clone() Notification {
	out := n
	out.Channels = append(make([]Channel, 0, len(n.Channels)), n.Channels...)
	if n.Data != nil {
		out.Data = make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	if n.AcknowledgedAt != nil {
		t := *n.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return out
}

// RuleConditions are the match criteria of a rule. Empty sets match anything.
type RuleConditions struct {
	Types      []NotificationType `json:"types,omitempty"`
	Priorities []Priority         `json:"priorities,omitempty"`
	Custom     []Comparison       `json:"custom,omitempty" validate:"dive"`
}

// Throttle caps a rule at Count firings per WindowMs.
type Throttle struct {
	Count    int   `json:"count" validate:"min=1"`
	WindowMs int64 `json:"windowMs" validate:"min=1"`
}

// Window returns the throttle window as a duration.
func (t Throttle) Window() time.Duration {
	return time.Duration(t.WindowMs) * time.Millisecond
}

// Escalation re-notifies on EscalateTo if not acknowledged after DelayMs.
type Escalation struct {
	DelayMs    int64     `json:"delayMs" validate:"min=0"`
	EscalateTo []Channel `json:"escalateTo" validate:"required,min=1"`
}

// Delay returns the escalation delay as a duration.
func (e Escalation) Delay() time.Duration {
	return time.Duration(e.DelayMs) * time.Millisecond
}

// RuleActions is what a matching rule does.
type RuleActions struct {
	Channels   []Channel   `json:"channels,omitempty"`
	Throttle   *Throttle   `json:"throttle,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
}

// NotificationRule maps matching notifications to channels and policies.
type NotificationRule struct {
	ID         string         `json:"id" validate:"required"`
	Name       string         `json:"name"`
	Enabled    bool           `json:"enabled"`
	Conditions RuleConditions `json:"conditions"`
	Actions    RuleActions    `json:"actions"`
}

// EmailConfig holds SMTP settings and the webhook fallback for email.
type EmailConfig struct {
	Recipients  []string `json:"recipients,omitempty" mapstructure:"recipients"`
	From        string   `json:"from,omitempty" mapstructure:"from"`
	SMTPHost    string   `json:"smtpHost,omitempty" mapstructure:"smtp_host"`
	SMTPPort    int      `json:"smtpPort,omitempty" mapstructure:"smtp_port"`
	Username    string   `json:"username,omitempty" mapstructure:"username"`
	Password    string   `json:"password,omitempty" mapstructure:"password"`
	FallbackURL string   `json:"fallbackUrl,omitempty" mapstructure:"fallback_url" validate:"omitempty,url"`
}

// SlackConfig holds the chat webhook settings.
type SlackConfig struct {
	WebhookURL string `json:"webhookUrl,omitempty" mapstructure:"webhook_url" validate:"omitempty,url"`
	Channel    string `json:"channel,omitempty" mapstructure:"channel"`
	Username   string `json:"username,omitempty" mapstructure:"username"`
	IconEmoji  string `json:"iconEmoji,omitempty" mapstructure:"icon_emoji"`
}

// TelegramConfig holds the bot API settings.
type TelegramConfig struct {
	BotToken string   `json:"botToken,omitempty" mapstructure:"bot_token"`
	ChatIDs  []string `json:"chatIds,omitempty" mapstructure:"chat_ids"`
	APIBase  string   `json:"apiBase,omitempty" mapstructure:"api_base" validate:"omitempty,url"`
}

// WebhookConfig holds generic webhook targets.
type WebhookConfig struct {
	URLs    []string          `json:"urls,omitempty" mapstructure:"urls" validate:"dive,url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// PushConfig holds the push gateway settings.
type PushConfig struct {
	Endpoint   string `json:"endpoint,omitempty" mapstructure:"endpoint" validate:"omitempty,url"`
	PublicKey  string `json:"publicKey,omitempty" mapstructure:"public_key"`
	PrivateKey string `json:"privateKey,omitempty" mapstructure:"private_key"`
}

// NotificationConfig is the dispatcher's process-wide configuration.
type NotificationConfig struct {
	Enabled  bool               `json:"enabled" mapstructure:"enabled"`
	Email    EmailConfig        `json:"email" mapstructure:"email"`
	Slack    SlackConfig        `json:"slack" mapstructure:"slack"`
	Telegram TelegramConfig     `json:"telegram" mapstructure:"telegram"`
	Webhook  WebhookConfig      `json:"webhook" mapstructure:"webhook"`
	Push     PushConfig         `json:"push" mapstructure:"push"`
	Rules    []NotificationRule `json:"rules" mapstructure:"rules" validate:"dive"`
}

// RedactedSecret replaces credentials in configs returned to clients.
const RedactedSecret = "********"

// Redacted returns a copy of c with credentials and webhook header values
// masked.
func (c NotificationConfig) Redacted() NotificationConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return RedactedSecret
	}
	c.Email.Password = mask(c.Email.Password)
	c.Telegram.BotToken = mask(c.Telegram.BotToken)
	c.Push.PrivateKey = mask(c.Push.PrivateKey)
	if c.Webhook.Headers != nil {
		headers := make(map[string]string, len(c.Webhook.Headers))
		for k, v := range c.Webhook.Headers {
			headers[k] = mask(v)
		}
		c.Webhook.Headers = headers
	}
	return c
}

// KeepSecrets returns c with every masked credential taken from current, so a
// redacted config can be edited and sent back.
func (c NotificationConfig) KeepSecrets(current NotificationConfig) NotificationConfig {
	if c.Email.Password == RedactedSecret {
		c.Email.Password = current.Email.Password
	}
	if c.Telegram.BotToken == RedactedSecret {
		c.Telegram.BotToken = current.Telegram.BotToken
	}
	if c.Push.PrivateKey == RedactedSecret {
		c.Push.PrivateKey = current.Push.PrivateKey
	}
	if c.Webhook.Headers != nil {
		headers := make(map[string]string, len(c.Webhook.Headers))
		for k, v := range c.Webhook.Headers {
			if v == RedactedSecret {
				v = current.Webhook.Headers[k]
			}
			headers[k] = v
		}
		c.Webhook.Headers = headers
	}
	return c
}

// NotificationFilter narrows a history listing. Zero values are ignored.
type NotificationFilter struct {
	Type         NotificationType
	Priority     Priority
	Acknowledged *bool
	Since        *time.Time
	Limit        int
}

// Matches reports whether n passes the filter.
func (f NotificationFilter) Matches(n Notification) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Priority != "" && n.Priority != f.Priority {
		return false
	}
	if f.Acknowledged != nil && n.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.Since != nil && n.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}
