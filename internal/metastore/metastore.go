// Package metastore persists the engine's metadata tables: the
// allocation table, dedup entries, Merkle nodes, audit entries,
// snapshot records, commit records and scrub checkpoints. It is a thin
// keyspace-prefixed layer over Badger so every table survives process
// restart without its own file format.
package metastore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Keyspace prefixes. Each metadata table lives under its own prefix.
const (
	PrefixAlloc    = "alloc:"
	PrefixDedup    = "dedup:"
	PrefixMerkle   = "merkle:"
	PrefixAudit    = "audit:"
	PrefixSnapshot = "snap:"
	PrefixCommit   = "commit:"
	PrefixScrub    = "scrub:"
	PrefixStripe   = "stripe:"
	PrefixSuper    = "super:"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("metastore: key not found")

// Store wraps a Badger instance holding all metadata tables.
type Store struct {
	config Config
	log    *slog.Logger
	db     *badger.DB
}

// New opens (or creates) the metadata store at config.Path.
func New(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := config.check(); err != nil {
		return nil, fmt.Errorf("metastore: config: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 100 * 1024 * 1024
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("metastore: open badger at %s: %w", config.Path, err)
	}

	s := &Store{
		config: config,
		log:    config.Logger,
		db:     db,
	}
	s.logDiskUsage()
	return s, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: get %q: %w", key, err)
	}
	return value, nil
}

// Has reports whether key exists.
func (s *Store) Has(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("metastore: has %q: %w", key, err)
	}
	return true, nil
}

// Set stores key → value.
func (s *Store) Set(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("metastore: set %q: %w", key, err)
	}
	return nil
}

// SetBatch stores several key/value pairs in one transaction.
func (s *Store) SetBatch(batch [][2][]byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metastore: set batch of %d: %w", len(batch), err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("metastore: delete %q: %w", key, err)
	}
	return nil
}

// IteratePrefix calls fn for every key under prefix, in key order.
// Returning an error from fn aborts the iteration.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metastore: iterate %q: %w", prefix, err)
	}
	return nil
}

// DeletePrefix removes every key under prefix.
func (s *Store) DeletePrefix(prefix []byte) error {
	if err := s.db.DropPrefix(prefix); err != nil {
		return fmt.Errorf("metastore: drop prefix %q: %w", prefix, err)
	}
	return nil
}

// Sync flushes Badger to stable storage.
func (s *Store) Sync() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("metastore: sync: %w", err)
	}
	return nil
}

// Close shuts the store down.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metastore: close: %w", err)
	}
	return nil
}
