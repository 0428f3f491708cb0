// Package notify creates notifications, matches them against rules and fans
// them out to delivery channels.
package notify

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/escalation"
	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/metrics"
	"github.com/songzhibin97/alertflow/notify/channels"
	"github.com/songzhibin97/alertflow/rules"
	"github.com/songzhibin97/alertflow/storage"
	"github.com/songzhibin97/alertflow/throttle"
	"github.com/songzhibin97/alertflow/types"
)

const (
	DefaultChannelTimeout = 10 * time.Second
	DefaultHistoryTTL     = 7 * 24 * time.Hour
	DefaultHistoryCap     = 1000
)

var defaultChannels = map[types.Priority][]types.Channel{
	types.PriorityCritical: {types.ChannelEmail, types.ChannelSlack, types.ChannelTelegram, types.ChannelPush},
	types.PriorityHigh:     {types.ChannelSlack, types.ChannelPush},
	types.PriorityMedium:   {types.ChannelPush},
	types.PriorityLow:      {},
}

// DefaultChannels returns the channels used for a priority when neither the
// caller nor a rule names any.
func DefaultChannels(p types.Priority) []types.Channel {
	return append([]types.Channel{}, defaultChannels[p]...)
}

// SendRequest is the input of Send.
type SendRequest struct {
	Type     types.NotificationType `json:"type" validate:"required,oneof=compliance performance security engagement system"`
	Priority types.Priority         `json:"priority" validate:"required,oneof=low medium high critical"`
	Title    string                 `json:"title" validate:"required"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Channels []types.Channel        `json:"channels,omitempty" validate:"dive,oneof=email slack telegram webhook push"`
}

// Dispatcher owns the notification history, the active configuration and
// the throttle and escalation state.
type Dispatcher struct {
	generate       generator.Generator
	store          storage.Store
	logger         *zap.Logger
	bus            *events.EventBus
	metrics        *metrics.Recorder
	client         *http.Client
	tracker        *throttle.Tracker
	escalator      *escalation.Scheduler
	channelTimeout time.Duration
	historyTTL     time.Duration
	historyCap     int
	escalationTick time.Duration
	now            func() time.Time
	fixedSenders   map[types.Channel]channels.Sender

	mu      sync.RWMutex
	cfg     types.NotificationConfig
	senders map[types.Channel]channels.Sender
	history []*types.Notification
	index   map[string]*types.Notification

	persistMu sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithChannelTimeout bounds every single channel send.
func WithChannelTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.channelTimeout = timeout
		}
	}
}

// WithHistoryLimits sets the history size cap and age limit.
func WithHistoryLimits(capacity int, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if capacity > 0 {
			d.historyCap = capacity
		}
		if ttl > 0 {
			d.historyTTL = ttl
		}
	}
}

// WithSenders installs senders that take precedence over the ones built from
// the configuration.
func WithSenders(senders ...channels.Sender) Option {
	return func(d *Dispatcher) {
		for _, s := range senders {
			d.fixedSenders[s.Channel()] = s
		}
	}
}

func WithEventBus(bus *events.EventBus) Option {
	return func(d *Dispatcher) {
		d.bus = bus
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithClock replaces time.Now for timestamps, history pruning and throttle windows.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithEscalationTick sets the resolution of escalation timers.
func WithEscalationTick(tick time.Duration) Option {
	return func(d *Dispatcher) {
		d.escalationTick = tick
	}
}

// WithConfig seeds the configuration used until Load finds a stored one.
func WithConfig(cfg types.NotificationConfig) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// New creates a Dispatcher. Call Load to restore persisted state and Close
// to stop pending escalations.
func New(generate generator.Generator, store storage.Store, opts ...Option) (*Dispatcher, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	d := &Dispatcher{
		generate:       generate,
		store:          store,
		logger:         zap.NewNop(),
		channelTimeout: DefaultChannelTimeout,
		historyTTL:     DefaultHistoryTTL,
		historyCap:     DefaultHistoryCap,
		escalationTick: escalation.DefaultTick,
		now:            time.Now,
		fixedSenders:   make(map[types.Channel]channels.Sender),
		cfg:            types.NotificationConfig{Enabled: true},
		index:          make(map[string]*types.Notification),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tracker = throttle.NewTracker(throttle.WithClock(d.now))
	d.escalator = escalation.New(d.escalationTick, escalation.DefaultWheelSize, d.logger.Named("escalation"))
	d.senders = channels.Build(d.cfg, d.client)
	return d, nil
}

// Close cancels every pending escalation.
func (d *Dispatcher) Close() {
	d.escalator.Stop()
}

// Load restores the configuration and history from the store.
func (d *Dispatcher) Load(ctx context.Context) error {
	cfg, found, err := storage.Load[types.NotificationConfig](ctx, d.store, storage.KeyNotificationConfig)
	if err != nil {
		return err
	}
	history, _, err := storage.Load[[]types.Notification](ctx, d.store, storage.KeyNotificationHistory)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if found {
		d.cfg = cfg
		d.senders = channels.Build(cfg, d.client)
	}
	d.history = d.history[:0]
	d.index = make(map[string]*types.Notification, len(history))
	for i := range history {
		n := history[i]
		d.history = append(d.history, &n)
		d.index[n.ID] = &n
	}
	sort.SliceStable(d.history, func(i, j int) bool {
		return d.history[i].Timestamp.Before(d.history[j].Timestamp)
	})
	d.pruneLocked()
	count := len(d.history)
	d.mu.Unlock()

	d.logger.Info("notification state loaded",
		zap.Bool("stored_config", found),
		zap.Int("history", count))
	return nil
}

// Send creates a notification, records it in the history and, when the
// dispatcher is enabled, delivers it according to the matching rules.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*types.Notification, error) {
	if err := types.Validate(req); err != nil {
		return nil, err
	}
	id, err := d.generate.NextID()
	if err != nil {
		return nil, err
	}

	chs := dedupe(req.Channels)
	if len(chs) == 0 {
		chs = DefaultChannels(req.Priority)
	}
	n := &types.Notification{
		ID:        strconv.FormatUint(id, 10),
		Type:      req.Type,
		Priority:  req.Priority,
		Title:     req.Title,
		Message:   req.Message,
		Data:      copyData(req.Data),
		Channels:  chs,
		Timestamp: d.now(),
	}

	d.mu.Lock()
	d.history = append(d.history, n)
	d.index[n.ID] = n
	d.pruneLocked()
	cfg := d.cfg
	d.mu.Unlock()

	d.metrics.NotificationCreated(string(n.Type), string(n.Priority))
	d.persistHistory(ctx)

	snapshot := n.Clone()
	if cfg.Enabled {
		d.process(ctx, &snapshot, cfg.Rules)
	} else {
		d.logger.Debug("notifications disabled, skipping delivery", zap.String("notification", n.ID))
	}
	return &snapshot, nil
}

// process applies every matching rule in order, or the notification's own
// channels when no rule matches.
func (d *Dispatcher) process(ctx context.Context, n *types.Notification, ruleSet []types.NotificationRule) {
	matched := rules.MatchingRules(ruleSet, *n)
	if len(matched) == 0 {
		d.deliver(ctx, n, n.Channels, "")
		return
	}
	for _, rule := range matched {
		if th := rule.Actions.Throttle; th != nil {
			// Capacity check and count are one step so concurrent sends cannot
			// overshoot the ceiling.
			if !d.tracker.Acquire(rule.ID, th.Count, th.Window()) {
				d.logger.Info("rule throttled",
					zap.String("rule", rule.ID),
					zap.String("notification", n.ID))
				d.metrics.Throttled(rule.ID)
				d.publish(events.NotificationThrottled, n.ID, map[string]interface{}{"rule": rule.ID})
				continue
			}
		}
		chs := rule.Actions.Channels
		if len(chs) == 0 {
			chs = n.Channels
		}
		d.deliver(ctx, n, chs, rule.ID)
		if esc := rule.Actions.Escalation; esc != nil {
			d.armEscalation(n.ID, rule.ID, *esc)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *types.Notification, chs []types.Channel, ruleID string) {
	results := d.Deliver(ctx, n, chs)
	delivered := make([]string, 0, len(results))
	failed := make([]string, 0)
	for ch, err := range results {
		if err != nil {
			failed = append(failed, string(ch))
		} else {
			delivered = append(delivered, string(ch))
		}
	}
	sort.Strings(delivered)
	sort.Strings(failed)
	d.publish(events.NotificationSent, n.ID, map[string]interface{}{
		"rule":      ruleID,
		"delivered": delivered,
		"failed":    failed,
	})
}

// Deliver sends n on every channel concurrently, each bounded by the channel
// timeout. A failing channel never affects the others; the per-channel
// outcome is returned and failures are logged.
func (d *Dispatcher) Deliver(ctx context.Context, n *types.Notification, chs []types.Channel) map[types.Channel]error {
	chs = dedupe(chs)
	results := make(map[types.Channel]error, len(chs))
	if len(chs) == 0 {
		return results
	}

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, ch := range chs {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			err := d.sendOne(ctx, ch, n)
			rmu.Lock()
			results[ch] = err
			rmu.Unlock()
		}(ch)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, ch types.Channel, n *types.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &channels.ChannelError{Channel: ch, Err: errors.New("sender panicked")}
			d.logger.Error("channel sender panicked", zap.String("channel", string(ch)), zap.Any("panic", r))
		}
		d.metrics.ChannelSend(string(ch), err == nil)
		if err != nil {
			d.logger.Warn("channel delivery failed",
				zap.String("channel", string(ch)),
				zap.String("notification", n.ID),
				zap.Error(err))
		}
	}()

	sender := d.sender(ch)
	if sender == nil {
		return &channels.ChannelError{Channel: ch, Err: channels.ErrChannelNotConfigured}
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.channelTimeout)
	defer cancel()
	return channels.Wrap(ch, sender.Send(sendCtx, n))
}

func (d *Dispatcher) sender(ch types.Channel) channels.Sender {
	if s, ok := d.fixedSenders[ch]; ok {
		return s
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.senders[ch]
}

func escalationID(notificationID, ruleID string) string {
	return notificationID + "/" + ruleID
}

func (d *Dispatcher) armEscalation(notificationID, ruleID string, esc types.Escalation) {
	targets := append([]types.Channel(nil), esc.EscalateTo...)
	d.escalator.Schedule(escalationID(notificationID, ruleID), esc.Delay(), func() {
		d.mu.RLock()
		cur, ok := d.index[notificationID]
		var snapshot types.Notification
		if ok {
			snapshot = cur.Clone()
		}
		d.mu.RUnlock()

		if !ok || snapshot.Acknowledged {
			return
		}
		d.logger.Info("escalating unacknowledged notification",
			zap.String("notification", notificationID),
			zap.String("rule", ruleID))
		d.metrics.Escalated(ruleID)
		ctx, cancel := context.WithTimeout(context.Background(), d.channelTimeout)
		defer cancel()
		d.Deliver(ctx, &snapshot, targets)
		d.publish(events.NotificationEscalated, notificationID, map[string]interface{}{"rule": ruleID})
	})
}

// Acknowledge marks a notification as handled and cancels its pending
// escalations. Acknowledging twice keeps the first acknowledger.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, who string) (*types.Notification, error) {
	d.mu.Lock()
	n, ok := d.index[id]
	if !ok {
		d.mu.Unlock()
		return nil, types.NotFoundError("notification", id)
	}
	if n.Acknowledged {
		out := n.Clone()
		d.mu.Unlock()
		return &out, nil
	}
	now := d.now()
	n.Acknowledged = true
	n.AcknowledgedBy = who
	n.AcknowledgedAt = &now
	out := n.Clone()
	d.mu.Unlock()

	if cancelled := d.escalator.CancelPrefix(id + "/"); cancelled > 0 {
		d.logger.Debug("escalations cancelled", zap.String("notification", id), zap.Int("count", cancelled))
	}
	d.persistHistory(ctx)
	d.publish(events.NotificationAcknowledged, id, map[string]interface{}{"by": who})
	return &out, nil
}

// Get returns one notification.
func (d *Dispatcher) Get(id string) (types.Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.index[id]
	if !ok {
		return types.Notification{}, types.NotFoundError("notification", id)
	}
	return n.Clone(), nil
}

// List returns the notifications passing filter, newest first.
func (d *Dispatcher) List(filter types.NotificationFilter) []types.Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Notification, 0)
	for i := len(d.history) - 1; i >= 0; i-- {
		n := d.history[i]
		if !filter.Matches(*n) {
			continue
		}
		out = append(out, n.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Config returns a copy of the active configuration.
func (d *Dispatcher) Config() types.NotificationConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg := d.cfg
	cfg.Rules = append([]types.NotificationRule(nil), d.cfg.Rules...)
	return cfg
}

// UpdateConfig validates, applies and persists cfg.
func (d *Dispatcher) UpdateConfig(ctx context.Context, cfg types.NotificationConfig) error {
	if err := types.Validate(cfg); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if err := rules.ValidateRule(r); err != nil {
			return err
		}
		if seen[r.ID] {
			return types.NewValidationError("rules", "duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
	}

	d.mu.Lock()
	d.cfg = cfg
	d.senders = channels.Build(cfg, d.client)
	d.mu.Unlock()

	if err := storage.Save(ctx, d.store, storage.KeyNotificationConfig, cfg); err != nil {
		return err
	}
	d.logger.Info("notification config updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("rules", len(cfg.Rules)))
	return nil
}

// TestChannel sends a synthetic low-priority notification to one channel.
// It is not recorded in the history.
func (d *Dispatcher) TestChannel(ctx context.Context, ch types.Channel) error {
	if !ch.Valid() {
		return types.NewValidationError("channel", "unknown channel %q", ch)
	}
	id, err := d.generate.NextID()
	if err != nil {
		return err
	}
	n := &types.Notification{
		ID:        "test-" + strconv.FormatUint(id, 10),
		Type:      types.TypeSystem,
		Priority:  types.PriorityLow,
		Title:     "Test notification",
		Message:   "This is a test notification from alertflow.",
		Channels:  []types.Channel{ch},
		Timestamp: d.now(),
	}
	return d.sendOne(ctx, ch, n)
}

// pruneLocked drops expired entries and trims the oldest beyond the cap.
// Callers hold d.mu.
func (d *Dispatcher) pruneLocked() {
	cutoff := d.now().Add(-d.historyTTL)
	keep := d.history[:0]
	for _, n := range d.history {
		if n.Timestamp.Before(cutoff) {
			d.evictLocked(n.ID)
			continue
		}
		keep = append(keep, n)
	}
	for i := len(keep); i < len(d.history); i++ {
		d.history[i] = nil
	}
	d.history = keep
	if over := len(d.history) - d.historyCap; over > 0 {
		for _, n := range d.history[:over] {
			d.evictLocked(n.ID)
		}
		d.history = append([]*types.Notification(nil), d.history[over:]...)
	}
}

// evictLocked forgets a notification and its pending escalations. Callers
// hold d.mu; the escalator never takes d.mu while holding its own lock.
func (d *Dispatcher) evictLocked(id string) {
	delete(d.index, id)
	if cancelled := d.escalator.CancelPrefix(id + "/"); cancelled > 0 {
		d.logger.Warn("evicted notification had pending escalations",
			zap.String("notification", id),
			zap.Int("cancelled", cancelled))
	}
}

func (d *Dispatcher) persistHistory(ctx context.Context) {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	d.mu.RLock()
	snapshot := make([]types.Notification, len(d.history))
	for i, n := range d.history {
		snapshot[i] = n.Clone()
	}
	d.mu.RUnlock()

	if err := storage.Save(ctx, d.store, storage.KeyNotificationHistory, snapshot); err != nil {
		d.logger.Error("failed to persist notification history", zap.Error(err))
	}
}

func (d *Dispatcher) publish(eventType, subject string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	err := d.bus.Publish(context.Background(), events.Event{Type: eventType, Subject: subject, Data: data})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		d.logger.Debug("event not published", zap.String("event", eventType), zap.Error(err))
	}
}

func dedupe(chs []types.Channel) []types.Channel {
	out := make([]types.Channel, 0, len(chs))
	seen := make(map[types.Channel]bool, len(chs))
	for _, ch := range chs {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

func copyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
