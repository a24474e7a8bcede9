package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// KeyValue is a single write. A nil Value deletes the key.
type KeyValue struct {
	Key   []byte // Key is the key to write
	Value []byte // Value is the new value, nil for deletion
}

// Storage is the durable key-value backend of the ledger state, backed by Pebble.
// Writes are NoSync and a background goroutine periodically syncs the WAL.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	interval time.Duration // interval between WAL syncs
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens (or creates) a Storage at the given path.
func New(path string) (*Storage, error) {
	return Open(path, defaultSyncInterval)
}

// Open is New with an explicit WAL sync interval.
func Open(path string, syncInterval time.Duration) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}

	s := &Storage{
		db:       db,
		interval: syncInterval,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically applies multiple writes.
// Pairs with a nil Value are deletions. Either all writes land or none.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		var err error
		if kv.Value == nil {
			err = batch.Delete(kv.Key, nil)
		} else {
			err = batch.Set(kv.Key, kv.Value, nil)
		}

		if err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// Iterate calls fn for each key-value pair in the database.
// If fn returns an error, iteration stops and the error is returned.
// Keys are visited in lexicographic order.
func (s *Storage) Iterate(fn func(key, value []byte) error) error {
	return s.IteratePrefix(nil, fn)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// An empty prefix visits the whole keyspace.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	var opts *pebble.IterOptions
	if len(prefix) > 0 {
		opts = &pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: PrefixUpperBound(prefix),
		}
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// PrefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil // all 0xFF, unbounded
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.Sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// Sync forces a WAL sync to disk.
func (s *Storage) Sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.Sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}
