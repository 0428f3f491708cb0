// Package execlog holds the bounded, append-only history attached to one
// workflow execution.
package execlog

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 1000

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a single timestamped log line produced while executing a node.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Log is a bounded append-only list of entries. When full, the oldest
// entry is dropped.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	dropped  int
	now      func() time.Time
}

// New creates a Log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Entry, 0, min(capacity, 64)),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append records a message for nodeID.
func (l *Log) Append(nodeID string, level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
		l.dropped++
	}
	l.entries = append(l.entries, Entry{
		Timestamp: l.now(),
		NodeID:    nodeID,
		Level:     level,
		Message:   message,
	})
}

// Infof appends an info entry.
func (l *Log) Infof(nodeID, format string, args ...interface{}) {
	l.Append(nodeID, LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf appends a warn entry.
func (l *Log) Warnf(nodeID, format string, args ...interface{}) {
	l.Append(nodeID, LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf appends an error entry.
func (l *Log) Errorf(nodeID, format string, args ...interface{}) {
	l.Append(nodeID, LevelError, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the current entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped returns how many entries were evicted because the log was full.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
