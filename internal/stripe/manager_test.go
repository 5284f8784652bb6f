package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnfs/cairn/internal/device"
	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

const testSlotSize = 512

// devSlots adapts a memory device to the SlotStore interface.
type devSlots struct {
	dev *device.MemDev
}

func (d devSlots) ReadSlot(addr model.PhysicalAddress) ([]byte, error) {
	buf := make([]byte, d.dev.SectorSize())
	if err := d.dev.ReadSector(uint64(addr), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d devSlots) WriteSlot(addr model.PhysicalAddress, data []byte) error {
	return d.dev.WriteSector(uint64(addr), data)
}

// bumpAlloc hands out sequential parity slots.
type bumpAlloc struct {
	next model.PhysicalAddress
}

func (a *bumpAlloc) AllocateParity() (model.PhysicalAddress, error) {
	addr := a.next
	a.next++
	return addr, nil
}

type managerFixture struct {
	mgr   *Manager
	dev   *device.MemDev
	slots devSlots
	alloc *bumpAlloc
	store *metastore.Store
}

func newManagerFixture(t *testing.T, coder Coder) *managerFixture {
	t.Helper()

	store, err := metastore.New(metastore.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dev := device.NewMemDev(256, testSlotSize)
	slots := devSlots{dev: dev}
	alloc := &bumpAlloc{next: 100}

	mgr, err := NewManager(coder, store, slots, alloc, testSlotSize)
	require.NoError(t, err)
	return &managerFixture{mgr: mgr, dev: dev, slots: slots, alloc: alloc, store: store}
}

// writeDataBlock writes a valid header+payload slot at addr.
func writeDataBlock(t *testing.T, slots devSlots, addr model.PhysicalAddress, payload []byte) {
	t.Helper()
	header := model.BlockHeader{
		PayloadSize: uint32(len(payload)),
		ContentHash: hashing.Sum(payload),
	}
	slot, err := model.EncodeBlock(header, payload, testSlotSize)
	require.NoError(t, err)
	require.NoError(t, slots.WriteSlot(addr, slot))
}

func TestManagerSealsFullStripe(t *testing.T) {
	coder, err := NewXOR(3)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	for i := 1; i <= 3; i++ {
		writeDataBlock(t, f.slots, model.PhysicalAddress(i), []byte{byte(i), byte(i * 2)})
		require.NoError(t, f.mgr.Add(model.PhysicalAddress(i)))
	}

	s, err := f.mgr.Lookup(2)
	require.NoError(t, err)
	assert.Equal(t, []model.PhysicalAddress{1, 2, 3}, s.Data)
	require.Len(t, s.Parity, 1)
	assert.Equal(t, model.PhysicalAddress(100), s.Parity[0])
}

func TestManagerReconstructsCorruptMember(t *testing.T) {
	coder, err := NewReedSolomon(4, 2)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	payloads := map[model.PhysicalAddress][]byte{}
	for i := 1; i <= 4; i++ {
		addr := model.PhysicalAddress(i)
		payload := []byte{byte(i), byte(i + 10), byte(i + 20)}
		payloads[addr] = payload
		writeDataBlock(t, f.slots, addr, payload)
		require.NoError(t, f.mgr.Add(addr))
	}

	// corrupt member 3 on the device
	f.dev.Corrupt(3, model.HeaderSize, 0xff)

	slot, err := f.mgr.Reconstruct(3)
	require.NoError(t, err)

	header, payload, err := model.DecodeBlock(slot)
	require.NoError(t, err)
	assert.Equal(t, payloads[3], payload)
	assert.Equal(t, hashing.Sum(payload), header.ContentHash)
}

func TestManagerReportsUnrecoverableStripe(t *testing.T) {
	coder, err := NewXOR(3)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	for i := 1; i <= 3; i++ {
		writeDataBlock(t, f.slots, model.PhysicalAddress(i), []byte{byte(i)})
		require.NoError(t, f.mgr.Add(model.PhysicalAddress(i)))
	}

	// two corrupt members exceed XOR tolerance
	f.dev.Corrupt(1, model.HeaderSize, 0xff)
	f.dev.Corrupt(2, model.HeaderSize, 0xff)

	_, err = f.mgr.Reconstruct(1)
	var unrecoverable *model.UnrecoverableErasureError
	require.ErrorAs(t, err, &unrecoverable)
	assert.Equal(t, uint64(0), unrecoverable.Stripe)
	assert.Contains(t, unrecoverable.Missing, 0)
	assert.Contains(t, unrecoverable.Missing, 1)
}

func TestManagerFlushSealsPartialStripe(t *testing.T) {
	coder, err := NewReedSolomon(4, 1)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	writeDataBlock(t, f.slots, 1, []byte("only member"))
	require.NoError(t, f.mgr.Add(1))
	require.NoError(t, f.mgr.Flush())

	// the single real member is reconstructible from parity + zero tail
	f.dev.Corrupt(1, 0, 0xff)
	slot, err := f.mgr.Reconstruct(1)
	require.NoError(t, err)

	_, payload, err := model.DecodeBlock(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("only member"), payload)
}

func TestManagerInvalidateRemovesMember(t *testing.T) {
	coder, err := NewXOR(2)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	writeDataBlock(t, f.slots, 1, []byte("first"))
	writeDataBlock(t, f.slots, 2, []byte("second"))
	require.NoError(t, f.mgr.Add(1))
	require.NoError(t, f.mgr.Add(2))

	require.NoError(t, f.mgr.Invalidate(1))

	_, err = f.mgr.Lookup(1)
	assert.ErrorIs(t, err, ErrNotStriped)

	// the surviving member still reconstructs after re-encode
	f.dev.Corrupt(2, 0, 0xff)
	slot, err := f.mgr.Reconstruct(2)
	require.NoError(t, err)
	_, payload, err := model.DecodeBlock(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), payload)
}

func TestManagerNotStriped(t *testing.T) {
	coder, err := NewXOR(2)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	_, err = f.mgr.Reconstruct(55)
	assert.ErrorIs(t, err, ErrNotStriped)
}

func TestManagerPendingSurvivesRestart(t *testing.T) {
	coder, err := NewXOR(3)
	require.NoError(t, err)
	f := newManagerFixture(t, coder)

	writeDataBlock(t, f.slots, 1, []byte("buffered"))
	require.NoError(t, f.mgr.Add(1))

	// a new manager over the same store resumes the open stripe
	mgr2, err := NewManager(coder, f.store, f.slots, f.alloc, testSlotSize)
	require.NoError(t, err)

	writeDataBlock(t, f.slots, 2, []byte("second"))
	writeDataBlock(t, f.slots, 3, []byte("third"))
	require.NoError(t, mgr2.Add(2))
	require.NoError(t, mgr2.Add(3))

	s, err := mgr2.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, []model.PhysicalAddress{1, 2, 3}, s.Data)
}
