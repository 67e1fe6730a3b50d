package storage

import (
	"errors"
	"sync"
)

// ErrInvalidKey is returned for keys that are empty or would escape the
// storage directory.
var ErrInvalidKey = errors.New("invalid storage key")

// KV is a small durable key-value store holding JSON documents.
type KV interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (data []byte, ok bool, err error)
	Set(key string, data []byte) error
	Delete(key string) error
}

// MemoryKV keeps values in memory. It backs tests and the degraded mode the
// progression engine falls back to when the disk is unusable.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Set(key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
