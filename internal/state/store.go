package state

import (
	"sort"
	"sync"

	"OpBatch/internal/storage"
)

// Backend is the committed key-value layer under a Store.
// *storage.Storage satisfies it for durable nodes, MemoryBackend for tests.
type Backend interface {
	Get(key []byte) ([]byte, error)
	SetBatch(pairs []storage.KeyValue) error
}

// change records the overlay value a key had before a write.
type change struct {
	key     string
	prev    []byte
	existed bool
}

// Store is a journaled overlay on a Backend.
// Writes stay in memory until Commit. Snapshot and RevertToSnapshot give
// the all-or-nothing call semantics operations and sub-calls rely on.
// Store is not safe for concurrent use; callers serialize batches.
type Store struct {
	backend Backend
	dirty   map[string][]byte // dirty holds pending writes, nil marks a deletion
	journal []change
	err     error // err is the first backend read error, sticky until Discard
}

// New creates a Store over the given backend.
func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		dirty:   make(map[string][]byte),
	}
}

// NewMemory creates a Store over a fresh in-memory backend.
func NewMemory() *Store {
	return New(NewMemoryBackend())
}

// Get returns the current value of key, or nil if absent.
// Backend failures are recorded and reported by Err.
func (s *Store) Get(key []byte) []byte {
	if v, ok := s.dirty[string(key)]; ok {
		return v
	}

	v, err := s.backend.Get(key)
	if err != nil {
		if s.err == nil {
			s.err = err
		}
		return nil
	}

	return v
}

// Has reports whether key currently holds a value.
func (s *Store) Has(key []byte) bool {
	return s.Get(key) != nil
}

// Set writes value under key.
func (s *Store) Set(key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)

	s.record(key)
	s.dirty[string(key)] = v
}

// Delete removes key.
func (s *Store) Delete(key []byte) {
	s.record(key)
	s.dirty[string(key)] = nil
}

// record appends the key's current overlay entry to the journal.
func (s *Store) record(key []byte) {
	prev, existed := s.dirty[string(key)]
	s.journal = append(s.journal, change{key: string(key), prev: prev, existed: existed})
}

// Snapshot returns an identifier for the current state.
func (s *Store) Snapshot() int {
	return len(s.journal)
}

// RevertToSnapshot undoes every write made after Snapshot returned id.
func (s *Store) RevertToSnapshot(id int) {
	if id < 0 || id > len(s.journal) {
		return
	}

	for i := len(s.journal) - 1; i >= id; i-- {
		c := s.journal[i]
		if c.existed {
			s.dirty[c.key] = c.prev
		} else {
			delete(s.dirty, c.key)
		}
	}

	s.journal = s.journal[:id]
}

// Commit writes all pending changes to the backend atomically and
// clears the journal. Snapshots taken before Commit become invalid.
func (s *Store) Commit() error {
	if s.err != nil {
		return s.err
	}

	if len(s.dirty) == 0 {
		s.journal = s.journal[:0]
		return nil
	}

	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]storage.KeyValue, len(keys))
	for i, k := range keys {
		pairs[i] = storage.KeyValue{Key: []byte(k), Value: s.dirty[k]}
	}

	if err := s.backend.SetBatch(pairs); err != nil {
		return err
	}

	s.Discard()

	return nil
}

// Discard drops all pending changes and clears any recorded error.
func (s *Store) Discard() {
	s.dirty = make(map[string][]byte)
	s.journal = s.journal[:0]
	s.err = nil
}

// Err returns the first backend read error since the last Commit or Discard.
func (s *Store) Err() error {
	return s.err
}

// Pending returns the number of keys with uncommitted writes.
func (s *Store) Pending() int {
	return len(s.dirty)
}

// MemoryBackend is an in-memory Backend.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get returns the value of key, or nil if absent.
func (m *MemoryBackend) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, nil
}

// SetBatch applies writes. A nil Value deletes the key.
func (m *MemoryBackend) SetBatch(pairs []storage.KeyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kv := range pairs {
		if kv.Value == nil {
			delete(m.data, string(kv.Key))
			continue
		}

		v := make([]byte, len(kv.Value))
		copy(v, kv.Value)
		m.data[string(kv.Key)] = v
	}

	return nil
}

// Iterate visits every pair in lexicographic key order.
func (m *MemoryBackend) Iterate(fn func(key, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	for _, k := range keys {
		m.mu.RLock()
		v := m.data[k]
		m.mu.RUnlock()

		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of stored keys.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data)
}
