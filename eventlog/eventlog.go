// Package eventlog keeps a bounded, insertion-ordered ring of diagnostic
// entries. It is pure bookkeeping: the detection engine, protocol session and
// dispatcher write into it, the control surface reads it back out.
package eventlog

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained before the oldest is
// evicted.
const DefaultCapacity = 50

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one diagnostic record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Log is a FIFO-bounded diagnostic history. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	onAppend func(Entry)
}

// New creates a log with the default capacity.
func New() *Log {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a log retaining at most capacity entries.
func NewWithCapacity(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// OnAppend registers a callback fired after every append, used by the control
// surface to push new entries to observers. Must be set before writers start.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	l.onAppend = fn
	l.mu.Unlock()
}

// Append pushes one entry, evicting the oldest when the bound is exceeded.
func (l *Log) Append(level Level, message string, detail map[string]any) {
	entry := Entry{
		Time:    time.Now(),
		Level:   level,
		Message: message,
		Detail:  detail,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	fn := l.onAppend
	l.mu.Unlock()

	if fn != nil {
		fn(entry)
	}
}

// Info appends an info-level entry.
func (l *Log) Info(message string, detail map[string]any) {
	l.Append(LevelInfo, message, detail)
}

// Warn appends a warn-level entry.
func (l *Log) Warn(message string, detail map[string]any) {
	l.Append(LevelWarn, message, detail)
}

// Error appends an error-level entry.
func (l *Log) Error(message string, detail map[string]any) {
	l.Append(LevelError, message, detail)
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Entries returns a snapshot copy, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the current number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
