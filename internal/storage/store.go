// Package storage provides the shard-local storage layers: the flat Store
// interface for unversioned bookkeeping and the MVCC table the streaming
// read engine operates on. See doc.go for the package overview.
package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoSuchKey is returned by Store.Get when the key is absent. Callers
// compare against it (errors.Cause for wrapped chains) to distinguish a
// missing key from a storage failure.
var ErrNoSuchKey = errors.New("key not found")

// Store is the flat key-value surface a shard uses for data that needs no
// version history: membership bookkeeping, the plain get/put/delete data
// API, anything where only the latest value matters.
//
// Implementations must be safe for concurrent use, must copy values on
// both sides of the boundary (a caller mutating a slice it handed in or
// got back must not corrupt the store), and must report missing keys with
// ErrNoSuchKey.
type Store interface {
	// Get returns a copy of key's value, or ErrNoSuchKey.
	Get(key string) ([]byte, error)

	// Put stores a copy of value under key, overwriting any prior value.
	// Empty and nil values are legal and stored as such.
	Put(key string, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op, not an
	// error, so retried deletes stay idempotent.
	Delete(key string) error

	// List returns a snapshot of all keys in no particular order. Never
	// nil.
	List() []string

	// Stats returns a point-in-time key/byte count for monitoring. The
	// numbers may be stale by the time the caller reads them.
	Stats() StoreStats
}

// StoreStats is a monitoring snapshot: number of keys and total value
// bytes (values only, not keys or per-entry overhead).
type StoreStats struct {
	Keys  int
	Bytes int
}

// MemoryStore is the in-RAM Store used by every shard in this build: a
// map guarded by an RWMutex, with totals maintained on write so Stats is
// O(1) rather than a scan. Nothing survives a restart; durability is the
// data shard's own concern, not this layer's.
type MemoryStore struct {
	data       map[string][]byte
	totalBytes int
	mu         sync.RWMutex
}

// NewMemoryStore returns an empty store ready for concurrent use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of key's value, or ErrNoSuchKey.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrNoSuchKey
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	if prev, exists := m.data[key]; exists {
		m.totalBytes -= len(prev)
	}
	m.data[key] = stored
	m.totalBytes += len(stored)
	return nil
}

// Delete removes key; absent keys are ignored.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, exists := m.data[key]; exists {
		m.totalBytes -= len(prev)
		delete(m.data, key)
	}
	return nil
}

// List returns a snapshot of all keys, never nil.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns the maintained key and byte totals.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Keys:  len(m.data),
		Bytes: m.totalBytes,
	}
}
