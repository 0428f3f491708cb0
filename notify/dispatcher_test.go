package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/notify/channels"
	"github.com/songzhibin97/alertflow/storage"
	"github.com/songzhibin97/alertflow/types"
)

// MockGenerator is a concurrency-safe sequential id generator.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

// fakeSender counts deliveries per channel and can be told to fail.
type fakeSender struct {
	ch   types.Channel
	mu   sync.Mutex
	got  []types.Notification
	fail error
	wait bool
}

func (s *fakeSender) Channel() types.Channel { return s.ch }

func (s *fakeSender) Send(ctx context.Context, n *types.Notification) error {
	if s.wait {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n.Clone())
	return s.fail
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	d       *Dispatcher
	store   *storage.MemoryStore
	senders map[types.Channel]*fakeSender
}

func newHarness(t *testing.T, cfg types.NotificationConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(), senders: make(map[types.Channel]*fakeSender)}
	var list []channels.Sender
	for _, ch := range []types.Channel{types.ChannelEmail, types.ChannelSlack, types.ChannelTelegram, types.ChannelWebhook, types.ChannelPush} {
		s := &fakeSender{ch: ch}
		h.senders[ch] = s
		list = append(list, s)
	}
	base := []Option{
		WithSenders(list...),
		WithConfig(cfg),
		WithEscalationTick(time.Millisecond),
		WithLogger(zap.NewNop()),
	}
	d, err := New(&MockGenerator{}, h.store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	h.d = d
	return h
}

func complianceRule() types.NotificationRule {
	return types.NotificationRule{
		ID:      "compliance-high",
		Name:    "Compliance escalations",
		Enabled: true,
		Conditions: types.RuleConditions{
			Types:      []types.NotificationType{types.TypeCompliance},
			Priorities: []types.Priority{types.PriorityHigh, types.PriorityCritical},
		},
		Actions: types.RuleActions{
			Channels: []types.Channel{types.ChannelSlack},
			Throttle: &types.Throttle{Count: 2, WindowMs: 300000},
		},
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil)
	assert.EqualError(t, err, "generator is required")

	d, err := New(&MockGenerator{}, nil)
	require.NoError(t, err)
	defer d.Close()
	assert.True(t, d.Config().Enabled)
}

func TestDispatcher_ThrottleCeiling(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t, types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{complianceRule()}},
		WithClock(clock.Now))

	bus := events.NewEventBus()
	defer bus.Stop()
	var throttled int32
	bus.SubscribeFunc(events.NotificationThrottled, func(ctx context.Context, e events.Event) error {
		atomic.AddInt32(&throttled, 1)
		return nil
	})
	h.d.bus = bus

	for i := 0; i < 3; i++ {
		_, err := h.d.Send(context.Background(), SendRequest{
			Type: types.TypeCompliance, Priority: types.PriorityHigh, Title: "Policy breach",
		})
		require.NoError(t, err)
		clock.Advance(20 * time.Second)
	}

	assert.Equal(t, 2, h.senders[types.ChannelSlack].count())
	assert.Len(t, h.d.List(types.NotificationFilter{}), 3, "throttled notifications stay in history")
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&throttled) == 1 }, time.Second, 5*time.Millisecond)

	// Once the window has passed the rule fires again.
	clock.Advance(5 * time.Minute)
	_, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeCompliance, Priority: types.PriorityCritical, Title: "again"})
	require.NoError(t, err)
	assert.Equal(t, 3, h.senders[types.ChannelSlack].count())
}

func TestDispatcher_DefaultChannels(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true})

	tests := []struct {
		priority types.Priority
		want     []types.Channel
	}{
		{types.PriorityCritical, []types.Channel{types.ChannelEmail, types.ChannelSlack, types.ChannelTelegram, types.ChannelPush}},
		{types.PriorityHigh, []types.Channel{types.ChannelSlack, types.ChannelPush}},
		{types.PriorityMedium, []types.Channel{types.ChannelPush}},
		{types.PriorityLow, []types.Channel{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			n, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeSystem, Priority: tt.priority, Title: "disk"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Channels)
		})
	}

	assert.Equal(t, 1, h.senders[types.ChannelEmail].count())
	assert.Equal(t, 2, h.senders[types.ChannelSlack].count())
	assert.Equal(t, 1, h.senders[types.ChannelTelegram].count())
	assert.Equal(t, 3, h.senders[types.ChannelPush].count())
	assert.Equal(t, 0, h.senders[types.ChannelWebhook].count())
}

func TestDispatcher_ExplicitChannelsWithoutRule(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{complianceRule()}})

	n, err := h.d.Send(context.Background(), SendRequest{
		Type: types.TypeSecurity, Priority: types.PriorityCritical, Title: "login storm",
		Channels: []types.Channel{types.ChannelWebhook, types.ChannelWebhook},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Channel{types.ChannelWebhook}, n.Channels)
	assert.Equal(t, 1, h.senders[types.ChannelWebhook].count())
	assert.Equal(t, 0, h.senders[types.ChannelSlack].count())
}

func TestDispatcher_RuleWithoutChannelsUsesNotificationChannels(t *testing.T) {
	rule := complianceRule()
	rule.Actions.Channels = nil
	rule.Actions.Throttle = nil
	h := newHarness(t, types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{rule}})

	_, err := h.d.Send(context.Background(), SendRequest{
		Type: types.TypeCompliance, Priority: types.PriorityHigh, Title: "x",
		Channels: []types.Channel{types.ChannelTelegram},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.senders[types.ChannelTelegram].count())
}

func TestDispatcher_FailureTolerance(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true}, WithChannelTimeout(50*time.Millisecond))
	h.senders[types.ChannelSlack].fail = errors.New("slack is down")
	h.senders[types.ChannelEmail].wait = true

	n, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeSystem, Priority: types.PriorityCritical, Title: "outage"})
	require.NoError(t, err, "channel failures are not returned to the caller")
	assert.Equal(t, 1, h.senders[types.ChannelPush].count())
	assert.Equal(t, 1, h.senders[types.ChannelTelegram].count())

	got, err := h.d.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
}

func TestDispatcher_ChannelTimeout(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true}, WithChannelTimeout(20*time.Millisecond))
	h.senders[types.ChannelSlack].wait = true

	start := time.Now()
	results := h.d.Deliver(context.Background(), &types.Notification{ID: "x"}, []types.Channel{types.ChannelSlack, types.ChannelPush})
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, results, 2)
	assert.ErrorIs(t, results[types.ChannelSlack], context.DeadlineExceeded)
	assert.ErrorIs(t, results[types.ChannelSlack], types.ErrChannel)
	assert.NoError(t, results[types.ChannelPush])
}

func TestDispatcher_UnconfiguredChannel(t *testing.T) {
	d, err := New(&MockGenerator{}, nil, WithConfig(types.NotificationConfig{Enabled: true}))
	require.NoError(t, err)
	defer d.Close()

	results := d.Deliver(context.Background(), &types.Notification{ID: "x"}, []types.Channel{types.ChannelSlack})
	assert.ErrorIs(t, results[types.ChannelSlack], channels.ErrChannelNotConfigured)
}

func TestDispatcher_Escalation(t *testing.T) {
	rule := complianceRule()
	rule.Actions.Throttle = nil
	rule.Actions.Escalation = &types.Escalation{DelayMs: 30, EscalateTo: []types.Channel{types.ChannelEmail, types.ChannelTelegram}}
	cfg := types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{rule}}

	t.Run("FiresOnceWhenUnacknowledged", func(t *testing.T) {
		h := newHarness(t, cfg)
		_, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeCompliance, Priority: types.PriorityCritical, Title: "t"})
		require.NoError(t, err)
		assert.Equal(t, 0, h.senders[types.ChannelEmail].count())

		assert.Eventually(t, func() bool {
			return h.senders[types.ChannelEmail].count() == 1 && h.senders[types.ChannelTelegram].count() == 1
		}, time.Second, 5*time.Millisecond)
		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, 1, h.senders[types.ChannelEmail].count())
	})

	t.Run("SuppressedByAcknowledge", func(t *testing.T) {
		slow := rule
		slow.Actions.Escalation = &types.Escalation{DelayMs: 100, EscalateTo: []types.Channel{types.ChannelEmail}}
		h := newHarness(t, types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{slow}})

		n, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeCompliance, Priority: types.PriorityHigh, Title: "t"})
		require.NoError(t, err)
		assert.Equal(t, 1, h.d.escalator.Pending())

		_, err = h.d.Acknowledge(context.Background(), n.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, h.d.escalator.Pending())

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 0, h.senders[types.ChannelEmail].count())
		assert.Equal(t, 1, h.senders[types.ChannelSlack].count())
	})
}

func TestDispatcher_Acknowledge(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true})
	n, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeSecurity, Priority: types.PriorityLow, Title: "t"})
	require.NoError(t, err)

	first, err := h.d.Acknowledge(context.Background(), n.ID, "alice")
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)
	assert.Equal(t, "alice", first.AcknowledgedBy)
	require.NotNil(t, first.AcknowledgedAt)

	second, err := h.d.Acknowledge(context.Background(), n.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", second.AcknowledgedBy)
	assert.Equal(t, *first.AcknowledgedAt, *second.AcknowledgedAt)

	_, err = h.d.Acknowledge(context.Background(), "missing", "alice")
	assert.True(t, types.IsNotFound(err))

	stored, found, err := storage.Load[[]types.Notification](context.Background(), h.store, storage.KeyNotificationHistory)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Acknowledged)
}

func TestDispatcher_List(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, types.NotificationConfig{Enabled: true}, WithClock(clock.Now))
	ctx := context.Background()

	send := func(typ types.NotificationType, p types.Priority) *types.Notification {
		n, err := h.d.Send(ctx, SendRequest{Type: typ, Priority: p, Title: string(typ)})
		require.NoError(t, err)
		clock.Advance(time.Minute)
		return n
	}
	a := send(types.TypeCompliance, types.PriorityHigh)
	send(types.TypePerformance, types.PriorityLow)
	c := send(types.TypeCompliance, types.PriorityLow)
	_, err := h.d.Acknowledge(ctx, a.ID, "ops")
	require.NoError(t, err)

	all := h.d.List(types.NotificationFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID, "newest first")

	assert.Len(t, h.d.List(types.NotificationFilter{Type: types.TypeCompliance}), 2)
	assert.Len(t, h.d.List(types.NotificationFilter{Priority: types.PriorityLow}), 2)
	yes := true
	acked := h.d.List(types.NotificationFilter{Acknowledged: &yes})
	require.Len(t, acked, 1)
	assert.Equal(t, a.ID, acked[0].ID)
	since := a.Timestamp.Add(30 * time.Second)
	assert.Len(t, h.d.List(types.NotificationFilter{Since: &since}), 2)
	assert.Len(t, h.d.List(types.NotificationFilter{Limit: 1}), 1)
}

func TestDispatcher_HistoryBounds(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t, types.NotificationConfig{Enabled: true},
		WithClock(clock.Now), WithHistoryLimits(3, 24*time.Hour))
	ctx := context.Background()

	var first *types.Notification
	for i := 0; i < 5; i++ {
		n, err := h.d.Send(ctx, SendRequest{Type: types.TypeSystem, Priority: types.PriorityLow, Title: "n"})
		require.NoError(t, err)
		if first == nil {
			first = n
		}
	}
	assert.Len(t, h.d.List(types.NotificationFilter{}), 3)
	_, err := h.d.Get(first.ID)
	assert.True(t, types.IsNotFound(err), "oldest entries are trimmed")

	clock.Advance(25 * time.Hour)
	_, err = h.d.Send(ctx, SendRequest{Type: types.TypeSystem, Priority: types.PriorityLow, Title: "fresh"})
	require.NoError(t, err)
	list := h.d.List(types.NotificationFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].Title)
}

func TestDispatcher_EvictionCancelsEscalation(t *testing.T) {
	rule := complianceRule()
	rule.Actions.Throttle = nil
	rule.Actions.Escalation = &types.Escalation{DelayMs: 100, EscalateTo: []types.Channel{types.ChannelEmail}}
	h := newHarness(t, types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{rule}},
		WithHistoryLimits(1, 24*time.Hour))
	ctx := context.Background()

	req := SendRequest{Type: types.TypeCompliance, Priority: types.PriorityHigh, Title: "t"}
	first, err := h.d.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.d.escalator.Pending())

	second, err := h.d.Send(ctx, req)
	require.NoError(t, err)
	_, err = h.d.Get(first.ID)
	require.True(t, types.IsNotFound(err))
	assert.Equal(t, 1, h.d.escalator.Pending(), "only the retained notification escalates")

	assert.Eventually(t, func() bool { return h.senders[types.ChannelEmail].count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, h.senders[types.ChannelEmail].count())
	assert.Equal(t, second.ID, h.senders[types.ChannelEmail].got[0].ID)
}

func TestDispatcher_SendValidation(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true})
	bad := []SendRequest{
		{Type: "gossip", Priority: types.PriorityLow, Title: "t"},
		{Type: types.TypeSystem, Priority: "urgent", Title: "t"},
		{Type: types.TypeSystem, Priority: types.PriorityLow},
		{Type: types.TypeSystem, Priority: types.PriorityLow, Title: "t", Channels: []types.Channel{"fax"}},
	}
	for _, req := range bad {
		_, err := h.d.Send(context.Background(), req)
		assert.True(t, types.IsValidation(err), "request %+v", req)
	}
	assert.Empty(t, h.d.List(types.NotificationFilter{}))
}

func TestDispatcher_Disabled(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: false})
	n, err := h.d.Send(context.Background(), SendRequest{Type: types.TypeSystem, Priority: types.PriorityCritical, Title: "t"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	for ch, s := range h.senders {
		assert.Equal(t, 0, s.count(), "channel %s", ch)
	}
}

func TestDispatcher_ConfigPersistence(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true})
	ctx := context.Background()

	invalid := types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{{ID: "r", Enabled: true,
		Actions: types.RuleActions{Throttle: &types.Throttle{Count: 0, WindowMs: 10}}}}}
	assert.True(t, types.IsValidation(h.d.UpdateConfig(ctx, invalid)))

	dup := types.NotificationConfig{Enabled: true, Rules: []types.NotificationRule{complianceRule(), complianceRule()}}
	assert.True(t, types.IsValidation(h.d.UpdateConfig(ctx, dup)))

	cfg := types.NotificationConfig{
		Enabled: true,
		Slack:   types.SlackConfig{WebhookURL: "https://hooks.example.com/T1"},
		Rules:   []types.NotificationRule{complianceRule()},
	}
	require.NoError(t, h.d.UpdateConfig(ctx, cfg))
	assert.Equal(t, cfg, h.d.Config())

	_, err := h.d.Send(ctx, SendRequest{Type: types.TypeSystem, Priority: types.PriorityHigh, Title: "persist me"})
	require.NoError(t, err)

	reloaded, err := New(&MockGenerator{id: 100}, h.store)
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, cfg, reloaded.Config())
	list := reloaded.List(types.NotificationFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, "persist me", list[0].Title)
	assert.Contains(t, reloaded.senders, types.ChannelSlack)
}

func TestDispatcher_TestChannel(t *testing.T) {
	h := newHarness(t, types.NotificationConfig{Enabled: true})
	ctx := context.Background()

	require.NoError(t, h.d.TestChannel(ctx, types.ChannelTelegram))
	require.Equal(t, 1, h.senders[types.ChannelTelegram].count())
	got := h.senders[types.ChannelTelegram].got[0]
	assert.Equal(t, types.PriorityLow, got.Priority)
	assert.Empty(t, h.d.List(types.NotificationFilter{}), "test sends are not recorded")

	h.senders[types.ChannelSlack].fail = errors.New("bad webhook")
	err := h.d.TestChannel(ctx, types.ChannelSlack)
	assert.ErrorIs(t, err, types.ErrChannel)

	assert.True(t, types.IsValidation(h.d.TestChannel(ctx, "fax")))

	bare, err := New(&MockGenerator{}, nil)
	require.NoError(t, err)
	defer bare.Close()
	assert.ErrorIs(t, bare.TestChannel(ctx, types.ChannelPush), channels.ErrChannelNotConfigured)
}

func TestDefaultChannelsIsCopy(t *testing.T) {
	chs := DefaultChannels(types.PriorityHigh)
	chs[0] = types.ChannelWebhook
	assert.Equal(t, types.ChannelSlack, DefaultChannels(types.PriorityHigh)[0])
}
