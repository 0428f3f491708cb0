package channels

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/alertflow/types"
)

// EmailFallbackPayload is posted to the fallback URL, or to the generic
// webhook URLs, when no SMTP server is configured.
type EmailFallbackPayload struct {
	To           []string            `json:"to"`
	Subject      string              `json:"subject"`
	Body         string              `json:"body"`
	Notification *types.Notification `json:"notification"`
}

// Email delivers over SMTP. Without an SMTP host it posts to FallbackURL, and
// without that to the generic webhook URLs.
type Email struct {
	cfg     types.EmailConfig
	webhook types.WebhookConfig
	client  *http.Client
}

// NewEmail returns an Email sender.
func NewEmail(cfg types.EmailConfig, client *http.Client) *Email {
	return &Email{cfg: cfg, client: defaultClient(client)}
}

// WithWebhook routes mail through the generic webhook URLs when neither an
// SMTP host nor a fallback URL is set.
func (e *Email) WithWebhook(cfg types.WebhookConfig) *Email {
	e.webhook = cfg
	return e
}

func (e *Email) Channel() types.Channel { return types.ChannelEmail }

// Send mails n to the configured recipients, or to n.Data["recipients"] when
// present.
func (e *Email) Send(ctx context.Context, n *types.Notification) error {
	to := Recipients(n, e.cfg.Recipients)
	if len(to) == 0 {
		return Wrap(types.ChannelEmail, fmt.Errorf("%w: no recipients", ErrChannelNotConfigured))
	}
	subject := EmailSubject(n)
	body := EmailBody(n)

	switch {
	case e.cfg.SMTPHost != "":
		return Wrap(types.ChannelEmail, e.sendSMTP(ctx, to, subject, body))
	case e.cfg.FallbackURL != "":
		payload := EmailFallbackPayload{To: to, Subject: subject, Body: body, Notification: n}
		return Wrap(types.ChannelEmail, postJSON(ctx, e.client, e.cfg.FallbackURL, nil, payload))
	case len(e.webhook.URLs) > 0:
		payload := EmailFallbackPayload{To: to, Subject: subject, Body: body, Notification: n}
		var errs []error
		for _, url := range e.webhook.URLs {
			if err := postJSON(ctx, e.client, url, e.webhook.Headers, payload); err != nil {
				errs = append(errs, err)
			}
		}
		return Wrap(types.ChannelEmail, errors.Join(errs...))
	}
	return Wrap(types.ChannelEmail, ErrChannelNotConfigured)
}

// Recipients returns the per-notification override or the defaults.
func Recipients(n *types.Notification, defaults []string) []string {
	switch v := n.Data["recipients"].(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []interface{}:
		var out []string
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaults
}

// EmailSubject prefixes the title with the priority.
func EmailSubject(n *types.Notification) string {
	if s, ok := n.Data["subject"].(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Priority)), n.Title)
}

// EmailBody renders a plain-text body.
func EmailBody(n *types.Notification) string {
	var b strings.Builder
	b.WriteString(n.Message)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Type: %s\nPriority: %s\nTime: %s\n", n.Type, n.Priority, n.Timestamp.UTC().Format(time.RFC3339))
	for _, k := range sortedKeys(n.Data) {
		if k == "recipients" || k == "subject" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, formatValue(n.Data[k]))
	}
	return b.String()
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// headerValue folds line breaks so a value cannot start a new header, and
// Q-encodes it when it is not plain ASCII.
func headerValue(v string) string {
	return mime.QEncoding.Encode("UTF-8", headerBreaks.Replace(v))
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerBreaks.Replace(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerBreaks.Replace(strings.Join(to, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func (e *Email) sendSMTP(ctx context.Context, to []string, subject, body string) error {
	port := e.cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	host := e.cfg.SMTPHost
	from := e.cfg.From
	if from == "" {
		from = "alertflow@" + host
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMessage(from, to, subject, body)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
