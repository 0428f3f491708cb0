package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/songzhibin97/alertflow/notify"
	"github.com/songzhibin97/alertflow/rules"
	"github.com/songzhibin97/alertflow/storage"
	"github.com/songzhibin97/alertflow/types"
)

// ErrNotifierRequired is returned by the email and notification actions when
// the engine has no notifier.
var ErrNotifierRequired = errors.New("notifier is required")

// RecordKeyPrefix namespaces the keys written by database actions so they
// never collide with the engine's own records.
const RecordKeyPrefix = "records/"

const maxResponseBody = 1 << 20

// Notifier is the part of the notification dispatcher used by actions.
type Notifier interface {
	Send(ctx context.Context, req notify.SendRequest) (*types.Notification, error)
	Deliver(ctx context.Context, n *types.Notification, chs []types.Channel) map[types.Channel]error
}

// Analyzer produces an analysis of the execution context for ai_analysis
// action nodes.
type Analyzer interface {
	Analyze(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, data)
}

func (e *WorkflowEngine) registerBuiltins() {
	e.actions[types.ActionEmail] = ActionFunc(e.emailAction)
	e.actions[types.ActionWebhook] = ActionFunc(e.webhookAction)
	e.actions[types.ActionNotification] = ActionFunc(e.notificationAction)
	e.actions[types.ActionDatabase] = ActionFunc(e.databaseAction)
	e.actions[types.ActionAIAnalysis] = ActionFunc(e.analysisAction)
}

// notificationFrom builds the notification fields shared by the email and
// notification actions. Title and message support {$.path} placeholders.
func notificationFrom(cfg types.ActionConfig, data map[string]interface{}) (types.NotificationType, types.Priority, string, string) {
	typ := cfg.NotificationType
	if typ == "" {
		typ = types.TypeSystem
	}
	priority := cfg.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	title := cfg.Title
	if title == "" {
		title = cfg.Subject
	}
	if title == "" {
		title = "Workflow notification"
	}
	return typ, priority, rules.Interpolate(title, data), rules.Interpolate(cfg.Message, data)
}

func (e *WorkflowEngine) emailAction(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error) {
	if e.notifier == nil {
		return nil, ErrNotifierRequired
	}
	typ, priority, title, message := notificationFrom(cfg, data)
	payload := copyMap(data)
	if len(cfg.Recipients) > 0 {
		payload["recipients"] = append([]string(nil), cfg.Recipients...)
	}
	if cfg.Subject != "" {
		payload["subject"] = rules.Interpolate(cfg.Subject, data)
	}
	n := &types.Notification{
		Type:      typ,
		Priority:  priority,
		Title:     title,
		Message:   message,
		Data:      payload,
		Channels:  []types.Channel{types.ChannelEmail},
		Timestamp: e.now(),
	}
	results := e.notifier.Deliver(ctx, n, n.Channels)
	if err := results[types.ChannelEmail]; err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sent":       true,
		"recipients": cfg.Recipients,
		"subject":    title,
	}, nil
}

func (e *WorkflowEngine) webhookAction(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alertflow/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	result := map[string]interface{}{"status": resp.StatusCode}
	var decoded interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		result["response"] = decoded
	} else if len(raw) > 0 {
		result["response"] = string(raw)
	}
	return result, nil
}

func (e *WorkflowEngine) notificationAction(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error) {
	if e.notifier == nil {
		return nil, ErrNotifierRequired
	}
	typ, priority, title, message := notificationFrom(cfg, data)
	n, err := e.notifier.Send(ctx, notify.SendRequest{
		Type:     typ,
		Priority: priority,
		Title:    title,
		Message:  message,
		Data:     copyMap(data),
		Channels: cfg.Channels,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"notificationId": n.ID,
		"channels":       n.Channels,
	}, nil
}

// databaseAction stores a snapshot of the execution context under
// RecordKeyPrefix + cfg.Key.
func (e *WorkflowEngine) databaseAction(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error) {
	key := RecordKeyPrefix + rules.Interpolate(cfg.Key, data)
	if err := storage.Save(ctx, e.store, key, data); err != nil {
		return nil, fmt.Errorf("failed to store record %s: %w", key, err)
	}
	return map[string]interface{}{"stored": true, "key": key}, nil
}

func (e *WorkflowEngine) analysisAction(ctx context.Context, _ types.ActionConfig, data map[string]interface{}) (interface{}, error) {
	return e.analyzer.Analyze(ctx, data)
}

// HeuristicAnalyzer summarises the numeric values found in the context and
// derives a risk level from them. Values are read as scores out of 100.
type HeuristicAnalyzer struct{}

// Analyze implements Analyzer.
func (HeuristicAnalyzer) Analyze(_ context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	values := numericValues(data, nil)
	stats := calculateMetrics(values)

	risk := "unknown"
	var insights []string
	if len(values) > 0 {
		avg := stats["avg"].(float64)
		lo := stats["min"].(float64)
		switch {
		case lo < 40:
			risk = "high"
			insights = append(insights, fmt.Sprintf("lowest score %.1f is below 40", lo))
		case avg < 70:
			risk = "medium"
			insights = append(insights, fmt.Sprintf("average score %.1f is below 70", avg))
		default:
			risk = "low"
		}
	} else {
		insights = append(insights, "no numeric values to analyse")
	}

	summary := fmt.Sprintf("analysed %d values, risk %s", len(values), risk)
	if len(values) > 0 {
		summary = fmt.Sprintf("analysed %d values (avg %.2f), risk %s",
			len(values), math.Round(stats["avg"].(float64)*100)/100, risk)
	}
	return map[string]interface{}{
		"summary":   summary,
		"riskLevel": risk,
		"stats":     stats,
		"insights":  insights,
	}, nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
