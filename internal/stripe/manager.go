package stripe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

// ErrNotStriped is returned when a physical address belongs to no
// sealed stripe yet.
var ErrNotStriped = errors.New("stripe: block is not part of a sealed stripe")

// SlotStore is the raw slot access the manager needs: whole-slot reads
// and writes by physical address.
type SlotStore interface {
	ReadSlot(addr model.PhysicalAddress) ([]byte, error)
	WriteSlot(addr model.PhysicalAddress, data []byte) error
}

// Allocator hands out free slots for parity blocks.
type Allocator interface {
	AllocateParity() (model.PhysicalAddress, error)
}

// record is the persisted form of a sealed stripe. Parity slots carry
// no block header, so their integrity hashes live here.
type record struct {
	Stripe       model.Stripe   `cbor:"1,keyasint"`
	ParityHashes []hashing.Hash `cbor:"2,keyasint"`
}

// Manager groups freshly written data blocks into stripes, seals each
// full stripe by computing and persisting parity, and reconstructs
// members on demand.
//
// Stripes are immutable once sealed; CoW writes never touch an
// existing member. A member address of 0 in a sealed stripe marks a
// slot that was reclaimed and re-encoded as zeros.
type Manager struct {
	coder    Coder
	store    *metastore.Store
	slots    SlotStore
	alloc    Allocator
	slotSize int

	mu      sync.Mutex
	nextID  uint64
	pending []model.PhysicalAddress
}

// NewManager restores stripe state from the metadata store.
func NewManager(coder Coder, store *metastore.Store, slots SlotStore, alloc Allocator, slotSize int) (*Manager, error) {
	m := &Manager{
		coder:    coder,
		store:    store,
		slots:    slots,
		alloc:    alloc,
		slotSize: slotSize,
	}

	// the next stripe ID is one past the highest persisted one
	prefix := []byte(metastore.PrefixStripe + "rec:")
	err := m.store.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) >= len(prefix)+8 {
			id := binary.BigEndian.Uint64(key[len(prefix):])
			if id >= m.nextID {
				m.nextID = id + 1
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: restore sequence: %w", err)
	}
	if err := m.loadPending(); err != nil {
		return nil, err
	}
	return m, nil
}

// Add enrolls a freshly written data block into the open stripe and
// seals the stripe when it reaches k members.
func (m *Manager) Add(addr model.PhysicalAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, addr)
	if err := m.savePending(); err != nil {
		return err
	}
	if len(m.pending) < m.coder.DataShards() {
		return nil
	}
	return m.sealLocked()
}

// Flush seals a partial open stripe, if any. The absent tail members
// are encoded as zero shards but never persisted.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	return m.sealLocked()
}

func (m *Manager) sealLocked() error {
	k := m.coder.DataShards()

	data := make([][]byte, k)
	sized := false
	for i, addr := range m.pending {
		slot, err := m.slots.ReadSlot(addr)
		if err != nil {
			return fmt.Errorf("stripe: read member %d (physical %d): %w", i, addr, err)
		}
		data[i] = slot
		sized = true
	}
	if !sized {
		return fmt.Errorf("stripe: sealing empty stripe")
	}

	parity, err := m.coder.Encode(data)
	if err != nil {
		return err
	}

	rec := record{
		Stripe: model.Stripe{
			ID:   m.nextID,
			Mode: m.coder.Mode(),
			K:    k,
			M:    m.coder.ParityShards(),
			Data: append([]model.PhysicalAddress(nil), m.pending...),
		},
		ParityHashes: make([]hashing.Hash, len(parity)),
	}

	for i, p := range parity {
		addr, err := m.alloc.AllocateParity()
		if err != nil {
			return fmt.Errorf("stripe: allocate parity %d: %w", i, err)
		}
		if err := m.slots.WriteSlot(addr, p); err != nil {
			return fmt.Errorf("stripe: write parity %d (physical %d): %w", i, addr, err)
		}
		rec.Stripe.Parity = append(rec.Stripe.Parity, addr)
		rec.ParityHashes[i] = hashing.Sum(p)
	}

	if err := m.saveRecord(rec); err != nil {
		return err
	}

	m.nextID++
	m.pending = m.pending[:0]
	return m.savePending()
}

// Reconstruct rebuilds the slot bytes of one stripe member, treating
// that member as lost. Other members that fail their integrity check
// count as lost too. The repaired slot is returned, not written back;
// repair policy belongs to the caller.
func (m *Manager) Reconstruct(addr model.PhysicalAddress) ([]byte, error) {
	rec, err := m.lookupByMember(addr)
	if err != nil {
		return nil, err
	}

	k, mm := rec.Stripe.K, rec.Stripe.M
	shards := make([][]byte, k+mm)
	target := -1

	for i := 0; i < k; i++ {
		var member model.PhysicalAddress
		if i < len(rec.Stripe.Data) {
			member = rec.Stripe.Data[i]
		}
		switch {
		case member == addr:
			target = i
			// lost: leave nil
		case member == 0:
			// absent tail or reclaimed member: known zero
			shards[i] = make([]byte, m.slotSize)
		default:
			slot, err := m.slots.ReadSlot(member)
			if err != nil || !slotVerifies(slot) {
				continue // treat as lost
			}
			shards[i] = slot
		}
	}

	for j := 0; j < mm; j++ {
		member := rec.Stripe.Parity[j]
		if member == addr {
			target = k + j
			continue
		}
		slot, err := m.slots.ReadSlot(member)
		if err != nil || hashing.Sum(slot) != rec.ParityHashes[j] {
			continue
		}
		shards[k+j] = slot
	}

	if target == -1 {
		return nil, fmt.Errorf("stripe: physical %d not found in stripe %d members", addr, rec.Stripe.ID)
	}

	if err := m.coder.Reconstruct(shards); err != nil {
		var unrecoverable *model.UnrecoverableErasureError
		if errors.As(err, &unrecoverable) {
			unrecoverable.Stripe = rec.Stripe.ID
		}
		return nil, err
	}
	return shards[target], nil
}

// Invalidate re-encodes a stripe without the given member, treating
// its slot as zeros from now on. Called by the collector before a
// striped slot is reused.
func (m *Manager) Invalidate(addr model.PhysicalAddress) error {
	rec, err := m.lookupByMember(addr)
	if errors.Is(err, ErrNotStriped) {
		return nil
	}
	if err != nil {
		return err
	}

	k := rec.Stripe.K
	data := make([][]byte, k)
	idx := -1
	for i := 0; i < k; i++ {
		var member model.PhysicalAddress
		if i < len(rec.Stripe.Data) {
			member = rec.Stripe.Data[i]
		}
		if member == addr {
			idx = i
			continue
		}
		if member == 0 {
			continue
		}
		slot, err := m.slots.ReadSlot(member)
		if err != nil {
			return fmt.Errorf("stripe: read member for re-encode (physical %d): %w", member, err)
		}
		data[i] = slot
	}
	if idx == -1 {
		// parity members are never invalidated individually
		return nil
	}

	parity, err := m.coder.Encode(data)
	if err != nil {
		return err
	}
	for j, p := range parity {
		if err := m.slots.WriteSlot(rec.Stripe.Parity[j], p); err != nil {
			return fmt.Errorf("stripe: rewrite parity %d: %w", j, err)
		}
		rec.ParityHashes[j] = hashing.Sum(p)
	}

	if err := m.store.Delete(memberKey(addr)); err != nil {
		return err
	}
	rec.Stripe.Data[idx] = 0
	return m.saveRecord(rec)
}

// Stripes calls fn for every sealed stripe, in ID order.
func (m *Manager) Stripes(fn func(model.Stripe) error) error {
	prefix := []byte(metastore.PrefixStripe + "rec:")
	return m.store.IteratePrefix(prefix, func(key, value []byte) error {
		var rec record
		if err := cbor.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("stripe: decode record: %w", err)
		}
		return fn(rec.Stripe)
	})
}

// Lookup returns the sealed stripe containing addr.
func (m *Manager) Lookup(addr model.PhysicalAddress) (model.Stripe, error) {
	rec, err := m.lookupByMember(addr)
	if err != nil {
		return model.Stripe{}, err
	}
	return rec.Stripe, nil
}

func slotVerifies(slot []byte) bool {
	header, payload, err := model.DecodeBlock(slot)
	if err != nil {
		return false
	}
	return hashing.Sum(payload) == header.ContentHash
}

func recordKey(id uint64) []byte {
	key := make([]byte, 0, len(metastore.PrefixStripe)+4+8)
	key = append(key, metastore.PrefixStripe...)
	key = append(key, "rec:"...)
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func memberKey(addr model.PhysicalAddress) []byte {
	key := make([]byte, 0, len(metastore.PrefixStripe)+4+8)
	key = append(key, metastore.PrefixStripe...)
	key = append(key, "mbr:"...)
	key = binary.BigEndian.AppendUint64(key, uint64(addr))
	return key
}

func pendingKey() []byte {
	return []byte(metastore.PrefixStripe + "pending")
}

func (m *Manager) saveRecord(rec record) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("stripe: encode record %d: %w", rec.Stripe.ID, err)
	}
	batch := [][2][]byte{{recordKey(rec.Stripe.ID), blob}}
	for _, addr := range rec.Stripe.Data {
		if addr == 0 {
			continue
		}
		batch = append(batch, [2][]byte{memberKey(addr), binary.BigEndian.AppendUint64(nil, rec.Stripe.ID)})
	}
	for _, addr := range rec.Stripe.Parity {
		batch = append(batch, [2][]byte{memberKey(addr), binary.BigEndian.AppendUint64(nil, rec.Stripe.ID)})
	}
	return m.store.SetBatch(batch)
}

func (m *Manager) lookupByMember(addr model.PhysicalAddress) (record, error) {
	idBytes, err := m.store.Get(memberKey(addr))
	if errors.Is(err, metastore.ErrNotFound) {
		return record{}, ErrNotStriped
	}
	if err != nil {
		return record{}, err
	}

	blob, err := m.store.Get(recordKey(binary.BigEndian.Uint64(idBytes)))
	if err != nil {
		return record{}, fmt.Errorf("stripe: load record for physical %d: %w", addr, err)
	}
	var rec record
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return record{}, fmt.Errorf("stripe: decode record: %w", err)
	}
	return rec, nil
}

func (m *Manager) savePending() error {
	blob, err := cbor.Marshal(m.pending)
	if err != nil {
		return fmt.Errorf("stripe: encode pending: %w", err)
	}
	return m.store.Set(pendingKey(), blob)
}

func (m *Manager) loadPending() error {
	blob, err := m.store.Get(pendingKey())
	if errors.Is(err, metastore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(blob, &m.pending); err != nil {
		return fmt.Errorf("stripe: decode pending: %w", err)
	}
	return nil
}
