package alloc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/model"
)

// blockKind distinguishes what a physical slot is used for. Parity
// slots never appear in any logical mapping, so reference counting
// and snapshot protection skip them.
type blockKind uint8

const (
	kindData blockKind = iota
	kindParity
)

// slot is the in-memory allocation table entry for one physical block.
type slot struct {
	State    model.BlockState
	Kind     blockKind
	Refcount int32
	Birth    uint64
}

type persistedSlot struct {
	State    uint8  `cbor:"1,keyasint"`
	Kind     uint8  `cbor:"2,keyasint"`
	Refcount int32  `cbor:"3,keyasint"`
	Birth    uint64 `cbor:"4,keyasint"`
}

// table is the allocation table: one entry per physical block, a
// free-slot stack, and write-through persistence to the metastore.
// All mutation goes through the table mutex; the fast read paths
// (State, Refcount) take it too because entries are multi-field.
type table struct {
	mu    sync.Mutex
	slots []slot
	free  []model.PhysicalAddress
	store *metastore.Store
}

func newTable(total uint64, store *metastore.Store) *table {
	t := &table{
		slots: make([]slot, total),
		free:  make([]model.PhysicalAddress, 0, total),
		store: store,
	}
	// Slot 0 holds the superblock and is never handed out.
	for i := total - 1; i >= 1; i-- {
		t.free = append(t.free, model.PhysicalAddress(i))
	}
	return t
}

func slotKey(phys model.PhysicalAddress) []byte {
	key := make([]byte, len(metastore.PrefixAlloc)+4+8)
	n := copy(key, metastore.PrefixAlloc)
	n += copy(key[n:], "tbl:")
	binary.BigEndian.PutUint64(key[n:], uint64(phys))
	return key
}

// loadTable restores the allocation table from the metastore. Slots
// without a persisted record stay free.
func loadTable(total uint64, store *metastore.Store) (*table, error) {
	t := &table{
		slots: make([]slot, total),
		store: store,
	}
	prefix := append([]byte(metastore.PrefixAlloc), "tbl:"...)
	err := store.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+8 {
			return fmt.Errorf("malformed allocation table key %q", key)
		}
		phys := binary.BigEndian.Uint64(key[len(prefix):])
		if phys >= total {
			return fmt.Errorf("allocation table entry %d beyond device size %d", phys, total)
		}
		var p persistedSlot
		if err := cbor.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decoding allocation table entry %d: %w", phys, err)
		}
		t.slots[phys] = slot{
			State:    model.BlockState(p.State),
			Kind:     blockKind(p.Kind),
			Refcount: p.Refcount,
			Birth:    p.Birth,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.free = make([]model.PhysicalAddress, 0, total)
	for i := total - 1; i >= 1; i-- {
		if t.slots[i].State == model.BlockFree {
			t.free = append(t.free, model.PhysicalAddress(i))
		}
	}
	return t, nil
}

// persistLocked writes one slot through to the metastore. Free slots
// are removed instead of stored; absence means free.
func (t *table) persistLocked(phys model.PhysicalAddress) error {
	s := t.slots[phys]
	if s.State == model.BlockFree {
		err := t.store.Delete(slotKey(phys))
		if err == metastore.ErrNotFound {
			return nil
		}
		return err
	}
	raw, err := cbor.Marshal(persistedSlot{
		State:    uint8(s.State),
		Kind:     uint8(s.Kind),
		Refcount: s.Refcount,
		Birth:    s.Birth,
	})
	if err != nil {
		return err
	}
	return t.store.Set(slotKey(phys), raw)
}

// allocate claims a free slot and moves it to ALLOCATED.
func (t *table) allocate(kind blockKind, birth uint64) (model.PhysicalAddress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return 0, model.ErrAllocationExhausted
	}
	phys := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[phys] = slot{State: model.BlockAllocated, Kind: kind, Birth: birth}
	if err := t.persistLocked(phys); err != nil {
		t.free = append(t.free, phys)
		t.slots[phys] = slot{}
		return 0, err
	}
	return phys, nil
}

// retain adds one mapping reference. ALLOCATED and ORPHANED slots
// transition to REFERENCED; an ORPHANED slot being retained is a
// resurrection racing the collector, which re-checks the refcount
// before reclaiming. Retaining a FREE slot means the caller lost that
// race outright and must restart its operation.
func (t *table) retain(phys model.PhysicalAddress) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[phys]
	if s.State == model.BlockFree {
		return model.ErrStaleBlock
	}
	s.Refcount++
	s.State = model.BlockReferenced
	return t.persistLocked(phys)
}

// release drops one mapping reference. When the count reaches zero the
// slot becomes ORPHANED unless protected is true, in which case a
// snapshot still needs it and it stays REFERENCED at count zero until
// that snapshot is deleted. Exactly one of orphaned and pinned is true
// when the count hits zero.
func (t *table) release(phys model.PhysicalAddress, protected bool) (orphaned, pinned bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[phys]
	if s.Refcount <= 0 {
		return false, false, fmt.Errorf("release of block %d with refcount %d", phys, s.Refcount)
	}
	s.Refcount--
	if s.Refcount > 0 {
		return false, false, t.persistLocked(phys)
	}
	if protected {
		return false, true, t.persistLocked(phys)
	}
	s.State = model.BlockOrphaned
	return true, false, t.persistLocked(phys)
}

// reclaim finishes the ORPHANED → FREE transition. It is a no-op if
// the block was resurrected in the meantime.
func (t *table) reclaim(phys model.PhysicalAddress) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[phys]
	if s.State != model.BlockOrphaned || s.Refcount != 0 {
		return false, nil
	}
	t.slots[phys] = slot{}
	t.free = append(t.free, phys)
	return true, t.persistLocked(phys)
}

// orphan moves a zero-refcount slot that lost its snapshot protection
// to ORPHANED.
func (t *table) orphan(phys model.PhysicalAddress) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[phys]
	if s.State == model.BlockFree || s.Refcount != 0 {
		return nil
	}
	s.State = model.BlockOrphaned
	return t.persistLocked(phys)
}

func (t *table) get(phys model.PhysicalAddress) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[phys]
}

// setRefcount overwrites a slot's reference count during rollback
// reconciliation.
func (t *table) setRefcount(phys model.PhysicalAddress, count int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[phys]
	s.Refcount = count
	if count > 0 {
		s.State = model.BlockReferenced
	}
	return t.persistLocked(phys)
}

func (t *table) freeCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.free))
}

// usedData counts non-free data slots, for stats.
func (t *table) usedData() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint64
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].State != model.BlockFree && t.slots[i].Kind == kindData {
			n++
		}
	}
	return n
}

// forEach visits every non-free slot without holding the lock across
// the callback.
func (t *table) forEach(fn func(model.PhysicalAddress, slot)) {
	t.mu.Lock()
	snapshot := make([]slot, len(t.slots))
	copy(snapshot, t.slots)
	t.mu.Unlock()
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i].State != model.BlockFree {
			fn(model.PhysicalAddress(i), snapshot[i])
		}
	}
}
