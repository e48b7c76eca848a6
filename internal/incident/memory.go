package incident

import (
	"context"
	"sync"
)

// Memory keeps the most recent records in memory. It backs the incident
// query endpoint and is useful in tests.
type Memory struct {
	mu      sync.RWMutex
	max     int
	records []Record
}

// NewMemory returns a Memory sink retaining at most max records (0 means
// unbounded).
func NewMemory(max int) *Memory {
	return &Memory{max: max}
}

// Publish implements [Sink].
func (m *Memory) Publish(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.max > 0 && len(m.records) > m.max {
		m.records = append(m.records[:0:0], m.records[len(m.records)-m.max:]...)
	}
	return nil
}

// List returns the retained records for callID, oldest first. An empty
// callID returns all records.
func (m *Memory) List(callID string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if callID == "" || r.CallID == callID {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of retained records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ Sink = (*Memory)(nil)
