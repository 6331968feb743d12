package logger

import (
	"strings"
	"sync"
)

// Entry is a single record captured by MemoryLogger.
type Entry struct {
	Level   string
	Message string
	KeyVals []any
}

// MemoryLogger keeps every record in memory. Tests use it to assert on warnings.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLogger() *MemoryLogger { return &MemoryLogger{} }

func (m *MemoryLogger) Debug(msg string, keyvals ...any) { m.add("debug", msg, keyvals) }
func (m *MemoryLogger) Info(msg string, keyvals ...any)  { m.add("info", msg, keyvals) }
func (m *MemoryLogger) Warn(msg string, keyvals ...any)  { m.add("warn", msg, keyvals) }
func (m *MemoryLogger) Error(msg string, keyvals ...any) { m.add("error", msg, keyvals) }

func (m *MemoryLogger) add(level, msg string, keyvals []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Level: level, Message: msg, KeyVals: append([]any(nil), keyvals...)})
}

// Entries returns a copy of the captured records.
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Count returns how many records at level contain substr in their message.
func (m *MemoryLogger) Count(level, substr string) int {
	n := 0
	for _, e := range m.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}
