// Package dedup is the content-addressable deduplication index: it
// maps chunk content hashes to physical blocks with reference counts,
// so bit-identical content is stored exactly once.
//
// The index is sharded 256 ways by the first hash byte. Each shard has
// its own lock, so inserts for unrelated content proceed in parallel,
// while hit-then-increment stays an atomic check-then-act within the
// owning shard.
package dedup

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

const shardCount = 256

// Config configures the index.
type Config struct {
	Store  *metastore.Store
	Logger *slog.Logger

	// MaxEntries caps the number of distinct content hashes. At
	// capacity, misses fail with ErrDedupTableFull and the writer
	// falls back to storing without deduplication; hits keep working.
	// Zero means unlimited.
	MaxEntries int
}

type entry struct {
	phys model.PhysicalAddress
	refs uint32
}

type shard struct {
	mu      sync.Mutex
	entries map[hashing.Hash]entry
}

// Index is the dedup table.
type Index struct {
	log    *slog.Logger
	store  *metastore.Store
	max    int
	count  atomic.Int64
	shards [shardCount]shard

	// reverse maps physical block to content hash so the collector
	// can drop the entry of a block it reclaims.
	revMu   sync.Mutex
	reverse map[model.PhysicalAddress]hashing.Hash
}

type persistedEntry struct {
	Phys uint64 `cbor:"1,keyasint"`
	Refs uint32 `cbor:"2,keyasint"`
}

func entryKey(hash hashing.Hash) []byte {
	return append([]byte(metastore.PrefixDedup), hash[:]...)
}

// New restores the index from the metastore.
func New(config Config) (*Index, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	idx := &Index{
		log:     config.Logger,
		store:   config.Store,
		max:     config.MaxEntries,
		reverse: make(map[model.PhysicalAddress]hashing.Hash),
	}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[hashing.Hash]entry)
	}

	prefix := []byte(metastore.PrefixDedup)
	err := config.Store.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+len(hashing.Hash{}) {
			return fmt.Errorf("malformed dedup key %q", key)
		}
		var hash hashing.Hash
		copy(hash[:], key[len(prefix):])
		var p persistedEntry
		if err := cbor.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decoding dedup entry %s: %w", hash.Short(), err)
		}
		idx.shards[hash[0]].entries[hash] = entry{
			phys: model.PhysicalAddress(p.Phys),
			refs: p.Refs,
		}
		idx.reverse[model.PhysicalAddress(p.Phys)] = hash
		idx.count.Add(1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: restoring index: %w", err)
	}
	if n := idx.count.Load(); n > 0 {
		config.Logger.Info("dedup index restored", "entries", n)
	}
	return idx, nil
}

func (idx *Index) persistLocked(hash hashing.Hash, e entry) error {
	raw, err := cbor.Marshal(persistedEntry{Phys: uint64(e.phys), Refs: e.refs})
	if err != nil {
		return err
	}
	return idx.store.Set(entryKey(hash), raw)
}

// Acquire resolves hash to a physical block. On a hit it increments
// the entry's refcount and returns the existing address with hit true;
// no new block is allocated. On a miss it calls create to allocate and
// persist a fresh block, then inserts the entry at refcount one.
//
// create runs while the shard lock is held, which is what makes the
// miss-then-insert atomic against a concurrent writer of the same
// content.
func (idx *Index) Acquire(hash hashing.Hash, create func() (model.PhysicalAddress, error)) (model.PhysicalAddress, bool, error) {
	s := &idx.shards[hash[0]]
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[hash]; ok {
		e.refs++
		if err := idx.persistLocked(hash, e); err != nil {
			return 0, false, fmt.Errorf("dedup: persisting refcount: %w", err)
		}
		s.entries[hash] = e
		return e.phys, true, nil
	}

	if idx.max > 0 && idx.count.Load() >= int64(idx.max) {
		return 0, false, model.ErrDedupTableFull
	}

	phys, err := create()
	if err != nil {
		return 0, false, err
	}
	e := entry{phys: phys, refs: 1}
	if err := idx.persistLocked(hash, e); err != nil {
		return 0, false, fmt.Errorf("dedup: persisting entry: %w", err)
	}
	s.entries[hash] = e
	idx.count.Add(1)

	idx.revMu.Lock()
	idx.reverse[phys] = hash
	idx.revMu.Unlock()
	return phys, false, nil
}

// Lookup resolves hash without touching refcounts.
func (idx *Index) Lookup(hash hashing.Hash) (model.PhysicalAddress, bool) {
	s := &idx.shards[hash[0]]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	return e.phys, ok
}

// Release decrements an entry's refcount. At zero the entry is removed
// from the index; the block itself is reclaimed by the allocator's
// collector once no mapping or snapshot needs it.
func (idx *Index) Release(hash hashing.Hash) error {
	s := &idx.shards[hash[0]]
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[hash]
	if !ok {
		return fmt.Errorf("dedup: release of unknown hash %s", hash.Short())
	}
	if e.refs <= 1 {
		return idx.removeLocked(s, hash, e)
	}
	e.refs--
	if err := idx.persistLocked(hash, e); err != nil {
		return fmt.Errorf("dedup: persisting refcount: %w", err)
	}
	s.entries[hash] = e
	return nil
}

func (idx *Index) removeLocked(s *shard, hash hashing.Hash, e entry) error {
	if err := idx.store.Delete(entryKey(hash)); err != nil && err != metastore.ErrNotFound {
		return fmt.Errorf("dedup: deleting entry: %w", err)
	}
	delete(s.entries, hash)
	idx.count.Add(-1)
	idx.revMu.Lock()
	delete(idx.reverse, e.phys)
	idx.revMu.Unlock()
	return nil
}

// Drop removes the entry for a physical block regardless of refcount.
// The collector calls it just before returning the block to the free
// pool so the index never hands out a freed address.
func (idx *Index) Drop(phys model.PhysicalAddress) error {
	idx.revMu.Lock()
	hash, ok := idx.reverse[phys]
	idx.revMu.Unlock()
	if !ok {
		return nil
	}

	s := &idx.shards[hash[0]]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok || e.phys != phys {
		return nil
	}
	return idx.removeLocked(s, hash, e)
}

// Entries returns the number of distinct content hashes indexed.
func (idx *Index) Entries() int {
	return int(idx.count.Load())
}

// Refs returns the refcount of hash, zero if absent.
func (idx *Index) Refs(hash hashing.Hash) uint32 {
	s := &idx.shards[hash[0]]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[hash].refs
}
