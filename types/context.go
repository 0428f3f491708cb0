package types

import "context"

type triggerSourceKey struct{}

// WithTriggerSource records what started an execution ("schedule", "event",
// "webhook", "manual", ...).
func WithTriggerSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, triggerSourceKey{}, source)
}

// TriggerSource returns the source set by WithTriggerSource, or "manual".
func TriggerSource(ctx context.Context) string {
	if s, ok := ctx.Value(triggerSourceKey{}).(string); ok && s != "" {
		return s
	}
	return string(TriggerManual)
}
