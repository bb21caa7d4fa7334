package persistor

import (
	"context"
	"sync"

	"goa.design/goa-ai/runtime/kernel/ksnapshot"
)

// Memory is an in-memory Persistor backed by a map, suitable for tests and
// single-process development. It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]ksnapshot.Snapshot
}

var _ Persistor = (*Memory)(nil)

// NewMemory constructs an empty in-memory Persistor.
func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string]ksnapshot.Snapshot)}
}

// Append stores snapshot if its hash is not already present.
func (m *Memory) Append(_ context.Context, snapshot ksnapshot.Snapshot, _ AppendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snapshots[snapshot.Hash]; exists {
		return nil
	}
	m.snapshots[snapshot.Hash] = snapshot
	return nil
}

// GetByHash retrieves the snapshot stored under hash.
func (m *Memory) GetByHash(_ context.Context, hash string) (ksnapshot.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[hash]
	if !ok {
		return ksnapshot.Snapshot{}, ErrNotFound
	}
	return s, nil
}

// Len reports the number of distinct snapshots stored. Used by tests.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}
