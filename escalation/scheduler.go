// Package escalation arms cancellable one-shot timers for unacknowledged
// notifications.
package escalation

import (
	"strings"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"go.uber.org/zap"
)

const (
	DefaultTick      = 10 * time.Millisecond
	DefaultWheelSize = 100
)

// Scheduler owns a timing wheel and the handles of every pending timer,
// keyed by caller-chosen id.
type Scheduler struct {
	wheel  *timingwheel.TimingWheel
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[string]*timingwheel.Timer
	stopped bool
}

// New starts a timing wheel with the given tick and size. A tick below one
// millisecond is raised to one millisecond.
func New(tick time.Duration, wheelSize int64, logger *zap.Logger) *Scheduler {
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	if wheelSize <= 0 {
		wheelSize = DefaultWheelSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		wheel:  timingwheel.NewTimingWheel(tick, wheelSize),
		logger: logger,
		timers: make(map[string]*timingwheel.Timer),
	}
	s.wheel.Start()
	return s
}

// Schedule runs fn once after delay unless Cancel(id) is called first.
// Scheduling an id that is already pending replaces the earlier timer.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Warn("escalation scheduler stopped, dropping timer", zap.String("id", id))
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}

	var timer *timingwheel.Timer
	timer = s.wheel.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		s.run(id, fn)
	})
	s.timers[id] = timer
}

func (s *Scheduler) run(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("escalation callback panicked", zap.String("id", id), zap.Any("panic", r))
		}
	}()
	fn()
}

// Cancel stops the pending timer for id. It reports whether one was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	timer.Stop()
	return true
}

// CancelPrefix stops every pending timer whose id starts with prefix and
// returns how many were stopped.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, timer := range s.timers {
		if strings.HasPrefix(id, prefix) {
			delete(s.timers, id)
			timer.Stop()
			n++
		}
	}
	return n
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer and stops the wheel.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wheel.Stop()
}
