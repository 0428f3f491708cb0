package escalation

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) *Scheduler {
	s := New(time.Millisecond, 20, zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_Fires(t *testing.T) {
	s := newTestScheduler(t)
	var fired int32
	s.Schedule("n1:r1", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	assert.Equal(t, 1, s.Pending())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired), "one-shot")
}

func TestScheduler_Cancel(t *testing.T) {
	s := newTestScheduler(t)
	var fired int32
	s.Schedule("n1:r1", 50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	assert.True(t, s.Cancel("n1:r1"))
	assert.False(t, s.Cancel("n1:r1"))
	assert.Equal(t, 0, s.Pending())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestScheduler_CancelPrefix(t *testing.T) {
	s := newTestScheduler(t)
	var fired int32
	inc := func() { atomic.AddInt32(&fired, 1) }
	s.Schedule("n1:a", 50*time.Millisecond, inc)
	s.Schedule("n1:b", 50*time.Millisecond, inc)
	s.Schedule("n2:a", 50*time.Millisecond, inc)

	assert.Equal(t, 2, s.CancelPrefix("n1:"))
	assert.Equal(t, 1, s.Pending())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestScheduler_Replace(t *testing.T) {
	s := newTestScheduler(t)
	var first, second int32
	s.Schedule("x", 30*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	s.Schedule("x", 30*time.Millisecond, func() { atomic.AddInt32(&second, 1) })
	assert.Equal(t, 1, s.Pending())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&second) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	s := newTestScheduler(t)
	var after int32
	s.Schedule("boom", time.Millisecond, func() { panic("bad callback") })
	s.Schedule("ok", 10*time.Millisecond, func() { atomic.AddInt32(&after, 1) })
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&after) == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopDropsPending(t *testing.T) {
	s := New(time.Millisecond, 20, nil)
	var fired int32
	s.Schedule("late", 30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Stop()
	s.Stop()
	assert.Equal(t, 0, s.Pending())

	s.Schedule("after-stop", time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
