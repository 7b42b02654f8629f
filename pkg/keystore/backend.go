package keystore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Backend persists raw JSON entries grouped by namespace. Each entry holds
// the value of one root key; encrypted roots hold a JSON string of ciphertext.
type Backend interface {
	GetEntry(ctx context.Context, namespace, key string) (json.RawMessage, bool, error)
	PutEntry(ctx context.Context, namespace, key string, value json.RawMessage) error

	// PutEntries writes all entries atomically: either every entry is
	// stored or none is.
	PutEntries(ctx context.Context, namespace string, entries map[string]json.RawMessage) error

	DeleteEntry(ctx context.Context, namespace, key string) error
	ClearNamespace(ctx context.Context, namespace string) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryBackend) GetEntry(_ context.Context, namespace, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (m *MemoryBackend) PutEntry(_ context.Context, namespace, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ns(namespace)[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *MemoryBackend) PutEntries(_ context.Context, namespace string, entries map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.ns(namespace)
	for k, v := range entries {
		ns[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

func (m *MemoryBackend) DeleteEntry(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryBackend) ClearNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}

func (m *MemoryBackend) ListKeys(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[namespace]))
	for k := range m.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) ns(namespace string) map[string]json.RawMessage {
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		m.data[namespace] = ns
	}
	return ns
}
