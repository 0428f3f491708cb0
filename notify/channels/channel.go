// Package channels implements the outbound adapters a notification is
// delivered through.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/songzhibin97/alertflow/types"
)

// ErrChannelNotConfigured is returned for a channel with no usable settings.
var ErrChannelNotConfigured = errors.New("channel not configured")

// Sender delivers one notification through one channel.
type Sender interface {
	Channel() types.Channel
	Send(ctx context.Context, n *types.Notification) error
}

// ChannelError reports a failed delivery on one channel.
type ChannelError struct {
	Channel types.Channel
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: %s: %v", types.ErrChannel, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() []error { return []error{types.ErrChannel, e.Err} }

// Wrap returns err as a *ChannelError for ch, leaving nil and existing
// ChannelErrors untouched.
func Wrap(ch types.Channel, err error) error {
	if err == nil {
		return nil
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return err
	}
	return &ChannelError{Channel: ch, Err: err}
}

// DefaultHTTPTimeout bounds each outbound request when no client is supplied.
const DefaultHTTPTimeout = 10 * time.Second

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

const maxErrorBody = 512

// postJSON sends payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alertflow/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// sortedKeys returns the keys of m in lexical order so rendered payloads are stable.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(x)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
