// Package scheduler turns workflow trigger definitions into recurring timers
// and event-bus subscriptions.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/metrics"
	"github.com/songzhibin97/alertflow/types"
)

// ErrNoEventBus is returned when an event trigger is registered without a bus.
var ErrNoEventBus = errors.New("event bus is required for event triggers")

// Runner executes a workflow. The workflow engine implements it.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, id string, input map[string]interface{}) (*types.Execution, error)
}

// ScheduleInterval maps a schedule descriptor to its interval. Only these
// literal descriptors are recognised; anything else runs hourly.
func ScheduleInterval(descriptor string) time.Duration {
	switch strings.TrimSpace(descriptor) {
	case "0 9 * * *", "daily":
		return 24 * time.Hour
	case "0 * * * *", "hourly":
		return time.Hour
	case "*/15 * * * *":
		return 15 * time.Minute
	default:
		return time.Hour
	}
}

type listener struct {
	eventType string
	sub       events.SubscriptionID
}

// Scheduler owns one cron entry per scheduled workflow and one bus
// subscription per event-triggered workflow.
type Scheduler struct {
	cron         *cron.Cron
	bus          *events.EventBus
	logger       *zap.Logger
	metrics      *metrics.Recorder
	intervalFunc func(string) time.Duration

	mu        sync.Mutex
	runner    Runner
	jobs      map[string]cron.EntryID
	listeners map[string]listener
	stopped   bool
	inflight  sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIntervalFunc replaces ScheduleInterval.
func WithIntervalFunc(f func(descriptor string) time.Duration) Option {
	return func(s *Scheduler) {
		s.intervalFunc = f
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a stopped Scheduler. bus may be nil when no workflow uses
// event triggers.
func New(bus *events.EventBus, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		bus:          bus,
		logger:       logger,
		intervalFunc: ScheduleInterval,
		jobs:         make(map[string]cron.EntryID),
		listeners:    make(map[string]listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{logger.Sugar()}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	return s
}

// SetRunner sets the workflow runner. Ticks before it is set are dropped.
func (s *Scheduler) SetRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Register replaces any registration of wf with one matching its trigger
// kind. Disabled workflows end up unregistered.
func (s *Scheduler) Register(wf types.Workflow) error {
	s.Deregister(wf.ID)
	if !wf.Enabled {
		return nil
	}
	switch wf.Trigger {
	case types.TriggerSchedule:
		s.Schedule(wf)
	case types.TriggerEvent:
		return s.Listen(wf)
	}
	return nil
}

// Deregister removes every registration of the workflow.
func (s *Scheduler) Deregister(id string) {
	s.Unschedule(id)
	s.Unlisten(id)
}

// Schedule arms a recurring timer for wf.
func (s *Scheduler) Schedule(wf types.Workflow) {
	descriptor := wf.ScheduleDescriptor()
	interval := s.intervalFunc(descriptor)
	id := wf.ID

	s.mu.Lock()
	if old, ok := s.jobs[id]; ok {
		s.cron.Remove(old)
	}
	entry := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.fire(id, string(types.TriggerSchedule), nil)
	}))
	s.jobs[id] = entry
	s.updateGauge()
	s.mu.Unlock()

	s.logger.Info("workflow scheduled",
		zap.String("workflow", id),
		zap.String("schedule", descriptor),
		zap.Duration("interval", interval))
}

// Unschedule cancels the recurring timer of a workflow and reports whether
// one existed.
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.cron.Remove(entry)
	delete(s.jobs, id)
	s.updateGauge()
	s.logger.Info("workflow unscheduled", zap.String("workflow", id))
	return true
}

// Scheduled reports whether a workflow has a recurring timer.
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Listen subscribes wf to its trigger event on the bus. Each event runs the
// workflow with the event data as input.
func (s *Scheduler) Listen(wf types.Workflow) error {
	if s.bus == nil {
		return ErrNoEventBus
	}
	name := wf.EventName()
	if name == "" {
		return types.NewValidationError("event", "event trigger of workflow %s has no event name", wf.ID)
	}
	id := wf.ID
	s.Unlisten(id)

	eventType := events.TriggerEventType(name)
	sub := s.bus.SubscribeFunc(eventType, func(ctx context.Context, e events.Event) error {
		// Runs detached so a long workflow does not hold up the bus.
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.inflight.Done()
			s.fire(id, string(types.TriggerEvent), e.Data)
		}()
		return nil
	})

	s.mu.Lock()
	s.listeners[id] = listener{eventType: eventType, sub: sub}
	s.updateGauge()
	s.mu.Unlock()

	s.logger.Info("workflow listening", zap.String("workflow", id), zap.String("event", name))
	return nil
}

// Unlisten removes the event subscription of a workflow.
func (s *Scheduler) Unlisten(id string) bool {
	s.mu.Lock()
	l, ok := s.listeners[id]
	if ok {
		delete(s.listeners, id)
		s.updateGauge()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.bus.Unsubscribe(l.eventType, l.sub)
	return true
}

// Listening reports whether a workflow has an event subscription.
func (s *Scheduler) Listening(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[id]
	return ok
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the cron loop, drops later trigger events and waits for
// running executions, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(id, source string, input map[string]interface{}) {
	s.mu.Lock()
	runner := s.runner
	_, scheduled := s.jobs[id]
	_, listening := s.listeners[id]
	s.mu.Unlock()

	// A tick can race with Deregister; a removed workflow never runs.
	if !scheduled && !listening {
		return
	}
	if runner == nil {
		s.logger.Warn("no runner set, dropping trigger", zap.String("workflow", id))
		return
	}

	ctx := types.WithTriggerSource(context.Background(), source)
	exec, err := runner.ExecuteWorkflow(ctx, id, input)
	if err != nil {
		s.logger.Error("triggered execution failed to start",
			zap.String("workflow", id),
			zap.String("trigger", source),
			zap.Error(err))
		return
	}
	s.logger.Info("triggered execution finished",
		zap.String("workflow", id),
		zap.String("trigger", source),
		zap.String("execution", exec.ID),
		zap.String("status", string(exec.Status)))
}

// updateGauge reports the registration count. Callers hold s.mu.
func (s *Scheduler) updateGauge() {
	s.metrics.SetScheduled(len(s.jobs) + len(s.listeners))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
