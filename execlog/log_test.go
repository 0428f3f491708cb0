package execlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog(t *testing.T) {
	t.Run("AppendKeepsOrder", func(t *testing.T) {
		l := New(10)
		l.Infof("trigger", "fired")
		l.Warnf("check", "value %d below threshold", 3)
		l.Errorf("send", "boom")

		entries := l.Entries()
		assert.Len(t, entries, 3)
		assert.Equal(t, "trigger", entries[0].NodeID)
		assert.Equal(t, LevelInfo, entries[0].Level)
		assert.Equal(t, "value 3 below threshold", entries[1].Message)
		assert.Equal(t, LevelError, entries[2].Level)
	})

	t.Run("DropsOldestWhenFull", func(t *testing.T) {
		l := New(3)
		for i := 0; i < 5; i++ {
			l.Infof(fmt.Sprintf("n%d", i), "step %d", i)
		}
		entries := l.Entries()
		assert.Len(t, entries, 3)
		assert.Equal(t, "n2", entries[0].NodeID)
		assert.Equal(t, "n4", entries[2].NodeID)
		assert.Equal(t, 2, l.Dropped())
	})

	t.Run("DefaultCapacity", func(t *testing.T) {
		l := New(0)
		assert.Equal(t, DefaultCapacity, l.capacity)
	})

	t.Run("EntriesIsACopy", func(t *testing.T) {
		l := New(2)
		l.Infof("a", "x")
		entries := l.Entries()
		entries[0].Message = "changed"
		assert.Equal(t, "x", l.Entries()[0].Message)
	})

	t.Run("ConcurrentAppend", func(t *testing.T) {
		l := New(1000)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				l.Infof("node", "entry %d", i)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 50, l.Len())
	})
}
