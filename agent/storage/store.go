// Package storage holds the agent's small amount of persistent local state:
// a key/value state store, the sealed device identity and the data directory
// layout.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// StateStore is a JSON key/value store. Get reports whether the key existed;
// dest is left untouched when it did not.
type StateStore interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Clear(ctx context.Context, key string) error
	// CompareAndClear removes key only while it still holds expected, the
	// raw JSON a Get into a json.RawMessage returned. It reports whether
	// the key was removed.
	CompareAndClear(ctx context.Context, key string, expected json.RawMessage) (bool, error)
	Close() error
}

// MemoryStore is an in-process StateStore used by tests and by agents run
// with an ephemeral data directory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.RLock()
	raw, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *MemoryStore) Set(_ context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) CompareAndClear(_ context.Context, key string, expected json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.values[key]
	if !ok || !bytes.Equal(raw, expected) {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }
