package mirror

import (
	"context"
	"sort"
	"sync"

	"github.com/vinayprograms/fleetlink/registry"
)

// MemoryMirror keeps records in a map.
type MemoryMirror struct {
	mu      sync.RWMutex
	records map[string]registry.NodeRecord
	closed  bool
}

// NewMemoryMirror creates an empty in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{records: make(map[string]registry.NodeRecord)}
}

// Put stores a node record.
func (m *MemoryMirror) Put(_ context.Context, rec registry.NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[rec.NodeID] = rec
	return nil
}

// Delete removes a node record.
func (m *MemoryMirror) Delete(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, nodeID)
	return nil
}

// List returns all stored records sorted by node ID.
func (m *MemoryMirror) List(_ context.Context) ([]registry.NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	result := make([]registry.NodeRecord, 0, len(m.records))
	for _, rec := range m.records {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NodeID < result[j].NodeID
	})
	return result, nil
}

// Close marks the mirror closed.
func (m *MemoryMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
