package state

import (
	"slices"
	"sync"
	"time"

	"github.com/dhcgn/mailsheet-sync/model"
)

// Ledger is the durable record of attachments already delivered.
type Ledger interface {
	HasProcessed(key model.ItemKey) bool
	MarkProcessed(key model.ItemKey, at time.Time) error
	Flush() error
	Snapshot() Snapshot
	Entries() []model.Marker
	Close() error
}

type Snapshot struct {
	Processed int
}

// MemoryLedger keeps markers in memory only. It backs the persistent
// ledgers and serves as the test fake.
type MemoryLedger struct {
	mu        sync.RWMutex
	processed map[model.ItemKey]time.Time
	order     []model.ItemKey
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{processed: make(map[model.ItemKey]time.Time)}
}

func (m *MemoryLedger) HasProcessed(key model.ItemKey) bool {
	m.mu.RLock()
	_, ok := m.processed[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryLedger) MarkProcessed(key model.ItemKey, at time.Time) error {
	m.remember(key, at)
	return nil
}

// remember records key and reports whether it was new.
func (m *MemoryLedger) remember(key model.ItemKey, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[key]; exists {
		return false
	}
	m.processed[key] = at
	m.order = append(m.order, key)
	return true
}

func (m *MemoryLedger) forget(key model.ItemKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}

func (m *MemoryLedger) Flush() error { return nil }

func (m *MemoryLedger) Close() error { return nil }

func (m *MemoryLedger) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// Entries returns markers in the order they were recorded.
func (m *MemoryLedger) Entries() []model.Marker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Marker, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, model.Marker{ItemKey: key, ProcessedAt: m.processed[key]})
	}
	return out
}
