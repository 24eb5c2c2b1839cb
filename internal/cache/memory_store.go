package cache

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps values in memory. It doubles as the test store: save
// and load failures can be injected.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte

	saveErr error
	loadErr error
	saves   map[string]int
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]byte),
		saves:   make(map[string]int),
	}
}

// Load returns a copy of the stored value.
func (m *MemoryStore) Load(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}

	data, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Save stores a copy of value.
func (m *MemoryStore) Save(key string, value []byte) error {
	value, err := compact(key, value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}

	m.entries[key] = value
	m.saves[key]++
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Keys returns stored keys in order.
func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Helper methods for testing

// FailSaves makes every subsequent Save return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// FailLoads makes every subsequent Load return err. Pass nil to recover.
func (m *MemoryStore) FailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SaveCount returns how many successful saves key has seen.
func (m *MemoryStore) SaveCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[key]
}
