package alloc

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

// snapshotState is the allocator's view of one snapshot: the frozen
// mapping version, the version watermark it resolves through after a
// restart, and the deadlist of blocks it alone keeps alive.
type snapshotState struct {
	meta      model.Snapshot
	mapping   Mapping
	watermark uint64
	deadlist  []model.PhysicalAddress
}

type persistedSnapshot struct {
	ID         string   `cbor:"1,keyasint"`
	Name       string   `cbor:"2,keyasint"`
	Epoch      uint64   `cbor:"3,keyasint"`
	Watermark  uint64   `cbor:"4,keyasint"`
	MerkleRoot []byte   `cbor:"5,keyasint"`
	CreatedAt  int64    `cbor:"6,keyasint"`
	Deadlist   []uint64 `cbor:"7,keyasint,omitempty"`
}

func snapshotKey(id string) []byte {
	return append([]byte(metastore.PrefixSnapshot), id...)
}

func (s *snapshotState) persist(store *metastore.Store) error {
	deadlist := make([]uint64, len(s.deadlist))
	for i, phys := range s.deadlist {
		deadlist[i] = uint64(phys)
	}
	raw, err := cbor.Marshal(persistedSnapshot{
		ID:         s.meta.ID,
		Name:       s.meta.Name,
		Epoch:      s.meta.Epoch,
		Watermark:  s.watermark,
		MerkleRoot: s.meta.MerkleRoot[:],
		CreatedAt:  s.meta.CreatedAt.UnixNano(),
		Deadlist:   deadlist,
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", s.meta.ID, err)
	}
	return store.Set(snapshotKey(s.meta.ID), raw)
}

func (s *snapshotState) dropDead(phys model.PhysicalAddress) bool {
	for i, p := range s.deadlist {
		if p == phys {
			s.deadlist = append(s.deadlist[:i], s.deadlist[i+1:]...)
			return true
		}
	}
	return false
}

func (s *snapshotState) onDeadlist(phys model.PhysicalAddress) bool {
	for _, p := range s.deadlist {
		if p == phys {
			return true
		}
	}
	return false
}

// loadSnapshots restores snapshot records ordered by epoch ascending.
// Mappings are rebuilt separately from the version log.
func loadSnapshots(store *metastore.Store) ([]*snapshotState, error) {
	var snaps []*snapshotState
	err := store.IteratePrefix([]byte(metastore.PrefixSnapshot), func(key, value []byte) error {
		var p persistedSnapshot
		if err := cbor.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decoding snapshot record %q: %w", key, err)
		}
		var root hashing.Hash
		copy(root[:], p.MerkleRoot)
		deadlist := make([]model.PhysicalAddress, len(p.Deadlist))
		for i, phys := range p.Deadlist {
			deadlist[i] = model.PhysicalAddress(phys)
		}
		snaps = append(snaps, &snapshotState{
			meta: model.Snapshot{
				ID:         p.ID,
				Name:       p.Name,
				Epoch:      p.Epoch,
				MerkleRoot: root,
				CreatedAt:  time.Unix(0, p.CreatedAt),
			},
			watermark: p.Watermark,
			deadlist:  deadlist,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j-1].meta.Epoch > snaps[j].meta.Epoch; j-- {
			snaps[j-1], snaps[j] = snaps[j], snaps[j-1]
		}
	}
	return snaps, nil
}
