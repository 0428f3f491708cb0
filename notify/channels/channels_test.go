package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/alertflow/types"
)

type captured struct {
	Path    string
	Headers http.Header
	Body    map[string]interface{}
}

// recorder is an httptest server that stores every request it receives.
type recorder struct {
	*httptest.Server
	mu       sync.Mutex
	requests []captured
	status   int
}

func newRecorder(t *testing.T, status int) *recorder {
	r := &recorder{status: status}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		r.mu.Lock()
		r.requests = append(r.requests, captured{Path: req.URL.Path, Headers: req.Header.Clone(), Body: body})
		r.mu.Unlock()
		w.WriteHeader(r.status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *recorder) all() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.requests...)
}

func sample(p types.Priority) *types.Notification {
	return &types.Notification{
		ID:        "n-1",
		Type:      types.TypeCompliance,
		Priority:  p,
		Title:     "Audit overdue",
		Message:   "Quarterly audit is 3 days late",
		Data:      map[string]interface{}{"department": "finance", "score": 42},
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSlack_Send(t *testing.T) {
	srv := newRecorder(t, http.StatusOK)
	s := NewSlack(types.SlackConfig{WebhookURL: srv.URL, Channel: "#alerts", Username: "alertflow", IconEmoji: ":bell:"}, srv.Client())

	require.NoError(t, s.Send(context.Background(), sample(types.PriorityHigh)))

	reqs := srv.all()
	require.Len(t, reqs, 1)
	body := reqs[0].Body
	assert.Equal(t, "#alerts", body["channel"])
	assert.Equal(t, "alertflow", body["username"])
	assert.Equal(t, ":bell:", body["icon_emoji"])

	att := body["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "#ff4444", att["color"])
	assert.Equal(t, "Audit overdue", att["title"])
	assert.Equal(t, "Quarterly audit is 3 days late", att["text"])
	assert.Equal(t, float64(1709283600), att["ts"])
	assert.Equal(t, "alertflow", att["footer"])

	fields := att["fields"].([]interface{})
	require.Len(t, fields, 4)
	first := fields[2].(map[string]interface{})
	assert.Equal(t, "department", first["title"])
	assert.Equal(t, "finance", first["value"])
	assert.Equal(t, true, first["short"])
}

func TestSlackColor(t *testing.T) {
	assert.Equal(t, "#36a64f", SlackColor(types.PriorityLow))
	assert.Equal(t, "#ff9900", SlackColor(types.PriorityMedium))
	assert.Equal(t, "#ff4444", SlackColor(types.PriorityHigh))
	assert.Equal(t, "#8b0000", SlackColor(types.PriorityCritical))
	assert.Equal(t, "#36a64f", SlackColor("unknown"))
}

func TestTelegram_Send(t *testing.T) {
	srv := newRecorder(t, http.StatusOK)
	tg := NewTelegram(types.TelegramConfig{BotToken: "123:abc", ChatIDs: []string{"100", "200"}, APIBase: srv.URL}, srv.Client())

	require.NoError(t, tg.Send(context.Background(), sample(types.PriorityCritical)))

	reqs := srv.all()
	require.Len(t, reqs, 2)
	for i, chat := range []string{"100", "200"} {
		assert.Equal(t, "/bot123:abc/sendMessage", reqs[i].Path)
		assert.Equal(t, chat, reqs[i].Body["chat_id"])
		assert.Equal(t, "Markdown", reqs[i].Body["parse_mode"])
	}
	assert.Equal(t, "🔥 *Audit overdue*\n\nQuarterly audit is 3 days late\n\n• department: finance\n• score: 42", reqs[0].Body["text"])
}

func TestTelegram_ErrorHidesToken(t *testing.T) {
	srv := newRecorder(t, http.StatusUnauthorized)
	tg := NewTelegram(types.TelegramConfig{BotToken: "secret-token", ChatIDs: []string{"1"}, APIBase: srv.URL}, srv.Client())

	err := tg.Send(context.Background(), sample(types.PriorityLow))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrChannel))
	assert.NotContains(t, err.Error(), "secret-token")

	var ce *ChannelError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, types.ChannelTelegram, ce.Channel)
}

func TestTelegramText_NoData(t *testing.T) {
	n := sample(types.PriorityMedium)
	n.Data = nil
	assert.Equal(t, "⚠️ *Audit overdue*\n\nQuarterly audit is 3 days late", TelegramText(n))
}

func TestWebhook_SendPartialFailure(t *testing.T) {
	ok := newRecorder(t, http.StatusAccepted)
	bad := newRecorder(t, http.StatusInternalServerError)
	w := NewWebhook(types.WebhookConfig{
		URLs:    []string{bad.URL, ok.URL},
		Headers: map[string]string{"X-Api-Key": "k1"},
	}, nil)

	err := w.Send(context.Background(), sample(types.PriorityMedium))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")

	// The failing URL does not stop the next one.
	reqs := ok.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "k1", reqs[0].Headers.Get("X-Api-Key"))
	assert.Equal(t, "application/json", reqs[0].Headers.Get("Content-Type"))
	body := reqs[0].Body
	for _, k := range []string{"id", "type", "priority", "title", "message", "data", "timestamp"} {
		assert.Contains(t, body, k)
	}
	assert.Equal(t, "n-1", body["id"])
	assert.Equal(t, "compliance", body["type"])
	assert.Equal(t, "medium", body["priority"])
}

func TestEmail_FallbackWebhook(t *testing.T) {
	srv := newRecorder(t, http.StatusOK)
	e := NewEmail(types.EmailConfig{Recipients: []string{"ops@example.com"}, FallbackURL: srv.URL}, srv.Client())

	require.NoError(t, e.Send(context.Background(), sample(types.PriorityHigh)))

	reqs := srv.all()
	require.Len(t, reqs, 1)
	body := reqs[0].Body
	assert.Equal(t, []interface{}{"ops@example.com"}, body["to"])
	assert.Equal(t, "[HIGH] Audit overdue", body["subject"])
	assert.True(t, strings.HasPrefix(body["body"].(string), "Quarterly audit is 3 days late"))
	assert.Equal(t, "n-1", body["notification"].(map[string]interface{})["id"])
}

func TestEmail_GenericWebhookFallback(t *testing.T) {
	srv := newRecorder(t, http.StatusOK)
	e := NewEmail(types.EmailConfig{Recipients: []string{"ops@example.com"}}, srv.Client()).
		WithWebhook(types.WebhookConfig{URLs: []string{srv.URL}, Headers: map[string]string{"X-Token": "abc"}})

	require.NoError(t, e.Send(context.Background(), sample(types.PriorityHigh)))

	reqs := srv.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "abc", reqs[0].Headers.Get("X-Token"))
	assert.Equal(t, []interface{}{"ops@example.com"}, reqs[0].Body["to"])
	assert.Equal(t, "[HIGH] Audit overdue", reqs[0].Body["subject"])

	senders := Build(types.NotificationConfig{Webhook: types.WebhookConfig{URLs: []string{srv.URL}}}, srv.Client())
	require.Contains(t, senders, types.ChannelEmail)
	assert.Contains(t, senders, types.ChannelWebhook)
}

func TestEmail_RecipientOverride(t *testing.T) {
	n := sample(types.PriorityLow)
	n.Data["recipients"] = []interface{}{"a@example.com", "b@example.com"}
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, Recipients(n, []string{"default@example.com"}))

	n.Data["recipients"] = "c@example.com, d@example.com"
	assert.Equal(t, []string{"c@example.com", "d@example.com"}, Recipients(n, nil))

	delete(n.Data, "recipients")
	assert.Equal(t, []string{"default@example.com"}, Recipients(n, []string{"default@example.com"}))
}

func TestEmail_NotConfigured(t *testing.T) {
	e := NewEmail(types.EmailConfig{Recipients: []string{"ops@example.com"}}, nil)
	err := e.Send(context.Background(), sample(types.PriorityLow))
	assert.ErrorIs(t, err, ErrChannelNotConfigured)
	assert.ErrorIs(t, err, types.ErrChannel)

	e = NewEmail(types.EmailConfig{FallbackURL: "http://127.0.0.1:1"}, nil)
	err = e.Send(context.Background(), sample(types.PriorityLow))
	assert.ErrorIs(t, err, ErrChannelNotConfigured)
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("from@example.com", []string{"a@example.com", "b@example.com"}, "[LOW] hi", "line1\nline2"))
	assert.Contains(t, msg, "From: from@example.com\r\n")
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: [LOW] hi\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nline1\r\nline2"))
}

func TestBuildMessage_HeaderLineBreaks(t *testing.T) {
	msg := string(buildMessage("from@example.com\r\nX-Evil: 1", []string{"ops@example.com"},
		"Alert\r\nBcc: attacker@evil.test\r\n\r\nforged body", "real body"))

	headers, body, found := strings.Cut(msg, "\r\n\r\n")
	require.True(t, found)
	assert.Equal(t, "real body", body)
	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), line)
		assert.False(t, strings.HasPrefix(line, "X-Evil:"), line)
	}
	assert.Contains(t, headers, "Subject: Alert Bcc: attacker@evil.test  forged body")

	encoded := string(buildMessage("from@example.com", []string{"ops@example.com"}, "Überprüfung fällig", "x"))
	assert.Contains(t, encoded, "Subject: =?UTF-8?q?")
}

func TestPush_Send(t *testing.T) {
	srv := newRecorder(t, http.StatusCreated)
	p := NewPush(types.PushConfig{Endpoint: srv.URL, PublicKey: "pub", PrivateKey: "priv"}, srv.Client())

	require.NoError(t, p.Send(context.Background(), sample(types.PriorityCritical)))

	reqs := srv.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer priv", reqs[0].Headers.Get("Authorization"))
	body := reqs[0].Body
	assert.Equal(t, "Audit overdue", body["title"])
	assert.Equal(t, "Quarterly audit is 3 days late", body["body"])
	assert.Equal(t, "/icons/critical.png", body["icon"])
	assert.Equal(t, true, body["requireInteraction"])
	assert.Equal(t, "n-1", body["tag"])

	assert.False(t, NewPushPayload(sample(types.PriorityHigh)).RequireInteraction)
}

func TestSenders_RespectContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := NewSlack(types.SlackConfig{WebhookURL: srv.URL}, nil).Send(ctx, sample(types.PriorityLow))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuild(t *testing.T) {
	senders := Build(types.NotificationConfig{
		Email:    types.EmailConfig{FallbackURL: "http://mail.local"},
		Slack:    types.SlackConfig{WebhookURL: "http://slack.local"},
		Telegram: types.TelegramConfig{BotToken: "t"},
		Push:     types.PushConfig{Endpoint: "http://push.local"},
	}, nil)

	assert.Len(t, senders, 3)
	for _, ch := range []types.Channel{types.ChannelEmail, types.ChannelSlack, types.ChannelPush} {
		require.Contains(t, senders, ch)
		assert.Equal(t, ch, senders[ch].Channel())
	}
	assert.NotContains(t, senders, types.ChannelTelegram, "no chat ids")
	assert.NotContains(t, senders, types.ChannelWebhook)
}

func TestSenderFunc(t *testing.T) {
	f := SenderFunc{Ch: types.ChannelWebhook, Fn: func(ctx context.Context, n *types.Notification) error {
		return errors.New("down")
	}}
	err := f.Send(context.Background(), sample(types.PriorityLow))
	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.ChannelWebhook, ce.Channel)
	assert.EqualError(t, err, "channel delivery failed: webhook: down")
}
