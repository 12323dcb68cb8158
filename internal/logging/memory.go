package logging

import (
	"sync"
	"time"
)

var timeNow = time.Now

// Entry is one record kept by a Memory logger.
type Entry struct {
	Level  Level
	Msg    string
	Fields map[string]any
}

// Memory is a Logger that keeps every entry in memory. Tests use it to
// assert on emitted warnings.
type Memory struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  []Field
}

// NewMemory returns an empty Memory logger.
func NewMemory() *Memory {
	return &Memory{mu: new(sync.Mutex), entries: new([]Entry)}
}

func (m *Memory) Debug(msg string, fields ...Field) { m.add(Debug, msg, fields) }
func (m *Memory) Info(msg string, fields ...Field)  { m.add(Info, msg, fields) }
func (m *Memory) Warn(msg string, fields ...Field)  { m.add(Warn, msg, fields) }
func (m *Memory) Error(msg string, fields ...Field) { m.add(Error, msg, fields) }

func (m *Memory) With(fields ...Field) Logger {
	combined := append(append([]Field{}, m.fields...), fields...)
	return &Memory{mu: m.mu, entries: m.entries, fields: combined}
}

func (m *Memory) add(level Level, msg string, fields []Field) {
	e := Entry{Level: level, Msg: msg, Fields: make(map[string]any, len(m.fields)+len(fields))}
	for _, f := range m.fields {
		e.Fields[f.Key] = f.Value
	}
	for _, f := range fields {
		e.Fields[f.Key] = f.Value
	}
	m.mu.Lock()
	*m.entries = append(*m.entries, e)
	m.mu.Unlock()
}

// Entries returns a copy of everything logged so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), *m.entries...)
}

// Count returns how many entries carry msg.
func (m *Memory) Count(msg string) int {
	n := 0
	for _, e := range m.Entries() {
		if e.Msg == msg {
			n++
		}
	}
	return n
}
