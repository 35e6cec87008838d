package store

import (
	"os"
	"strings"
	"sync"
)

// MemoryMirror is a Mirror held in process memory. It is used by tests and by
// deployments that run without a local database.
type MemoryMirror struct {
	mux   sync.RWMutex
	items map[string][]byte
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{items: make(map[string][]byte)}
}

func (m *MemoryMirror) GetItem(key string) ([]byte, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryMirror) SetItem(key string, value []byte) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.items[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryMirror) RemoveItem(key string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryMirror) Keys() ([]string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryMirror) ClearPrefix(prefix string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
		}
	}
	return nil
}

func (m *MemoryMirror) Close() error { return nil }
