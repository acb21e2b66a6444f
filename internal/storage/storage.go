// Package storage wraps Pebble as the on-disk key-value engine backing
// internal/store's literal and terminal-ops indices. It knows nothing about
// hashobj literals or the op-DAG — it's the raw byte-in, byte-out layer
// internal/store builds its content-addressed semantics on top of.
package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// walSyncInterval is how often the background goroutine flushes the WAL.
	walSyncInterval = 100 * time.Millisecond
)

// Entry is one key-value pair for a batched write.
type Entry struct {
	Key   []byte
	Value []byte
}

// DB is a Pebble-backed key-value engine. Writes go in with pebble.NoSync
// and a background goroutine syncs the WAL on walSyncInterval, trading a
// bounded durability window for write latency that doesn't block on disk —
// acceptable here since a lost recent write just means a peer re-syncs it
// on the next terminal-ops round.
type DB struct {
	pebble   *pebble.DB
	stopSync chan struct{}
	wg       sync.WaitGroup
}

// New opens (or creates) a DB at path.
func New(path string) (*DB, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	pdb, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	db := &DB{
		pebble:   pdb,
		stopSync: make(chan struct{}),
	}
	db.startSyncLoop()

	return db, nil
}

// Get returns the value stored at key, or nil if key is absent.
func (db *DB) Get(key []byte) ([]byte, error) {
	value, closer, err := db.pebble.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close(); copy it out.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores key/value, buffered until the next background WAL sync.
func (db *DB) Set(key, value []byte) error {
	return db.pebble.Set(key, value, pebble.NoSync)
}

// Delete removes key, buffered the same way as Set.
func (db *DB) Delete(key []byte) error {
	return db.pebble.Delete(key, pebble.NoSync)
}

// SetBatch writes entries atomically: either all land or none do.
func (db *DB) SetBatch(entries []Entry) error {
	batch := db.pebble.NewBatch()
	defer batch.Close()

	for _, e := range entries {
		if err := batch.Set(e.Key, e.Value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// Iterate calls fn for every key-value pair, in lexicographic key order,
// stopping early if fn returns an error.
func (db *DB) Iterate(fn func(key, value []byte) error) error {
	iter, err := db.pebble.NewIter(nil)
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

// IteratePrefix is Iterate restricted to keys sharing prefix, used by
// internal/store to scan its reference index without a full table walk.
func (db *DB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := db.pebble.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
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

// prefixUpperBound computes the exclusive upper bound for a prefix scan by
// incrementing prefix's last byte; nil (unbounded) if prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}

// Close stops the sync goroutine, flushes a final sync, and closes Pebble.
func (db *DB) Close() error {
	close(db.stopSync)
	db.wg.Wait()

	if err := db.sync(); err != nil {
		return err
	}
	return db.pebble.Close()
}

func (db *DB) startSyncLoop() {
	db.wg.Add(1)

	go func() {
		defer db.wg.Done()

		ticker := time.NewTicker(walSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = db.sync()
			case <-db.stopSync:
				return
			}
		}
	}()
}

func (db *DB) sync() error {
	return db.pebble.LogData(nil, pebble.Sync)
}
