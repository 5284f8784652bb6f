// Package commit provides the write-intent journal that makes a
// logical write atomic across the allocator, dedup index, Merkle tree
// and audit log. An intent is journaled before any shared structure is
// touched and deleted as the final act of the write; an intent still
// present at startup marks a write interrupted mid-flight, and
// recovery rolls it forward or discards it depending on whether the
// mapping redirect had already landed.
package commit

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

// Intent records one in-flight logical write.
type Intent struct {
	Logical     model.LogicalAddress
	Phys        model.PhysicalAddress
	ContentHash hashing.Hash
	StartedAt   time.Time
}

type persistedIntent struct {
	Phys        uint64 `cbor:"1,keyasint"`
	ContentHash []byte `cbor:"2,keyasint"`
	StartedAt   int64  `cbor:"3,keyasint"`
}

// Journal persists write intents. One intent per logical address;
// per-address write serialization in the volume guarantees no two
// writers share an address.
type Journal struct {
	log   *slog.Logger
	store *metastore.Store
}

// New returns a journal over the metastore.
func New(store *metastore.Store, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{log: log, store: store}
}

func intentKey(logical model.LogicalAddress) []byte {
	key := make([]byte, len(metastore.PrefixCommit)+8)
	n := copy(key, metastore.PrefixCommit)
	binary.BigEndian.PutUint64(key[n:], uint64(logical))
	return key
}

// Begin journals an intent before the write touches shared state.
func (j *Journal) Begin(intent Intent) error {
	raw, err := cbor.Marshal(persistedIntent{
		Phys:        uint64(intent.Phys),
		ContentHash: intent.ContentHash[:],
		StartedAt:   intent.StartedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("commit: encoding intent: %w", err)
	}
	if err := j.store.Set(intentKey(intent.Logical), raw); err != nil {
		return fmt.Errorf("commit: journaling intent: %w", err)
	}
	return nil
}

// Complete removes the intent; the write is now durable everywhere.
func (j *Journal) Complete(logical model.LogicalAddress) error {
	if err := j.store.Delete(intentKey(logical)); err != nil {
		return fmt.Errorf("commit: completing intent: %w", err)
	}
	return nil
}

// Recover returns every intent left behind by a crash. Callers decide
// per intent whether to roll it forward or discard it, then Complete
// it either way.
func (j *Journal) Recover() ([]Intent, error) {
	var intents []Intent
	prefix := []byte(metastore.PrefixCommit)
	err := j.store.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+8 {
			return fmt.Errorf("malformed intent key %q", key)
		}
		var p persistedIntent
		if err := cbor.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decoding intent %q: %w", key, err)
		}
		var hash hashing.Hash
		copy(hash[:], p.ContentHash)
		intents = append(intents, Intent{
			Logical:     model.LogicalAddress(binary.BigEndian.Uint64(key[len(prefix):])),
			Phys:        model.PhysicalAddress(p.Phys),
			ContentHash: hash,
			StartedAt:   time.Unix(0, p.StartedAt),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit: recovering intents: %w", err)
	}
	if len(intents) > 0 {
		j.log.Warn("recovered interrupted writes", "count", len(intents))
	}
	return intents, nil
}
