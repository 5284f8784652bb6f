package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

func newTestAlloc(t *testing.T, totalBlocks uint64) (*Allocator, *metastore.Store) {
	t.Helper()
	store, err := metastore.New(metastore.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a, err := New(Config{TotalBlocks: totalBlocks, Store: store})
	require.NoError(t, err)
	return a, store
}

// write allocates a block and commits it under logical.
func write(t *testing.T, a *Allocator, logical model.LogicalAddress) model.PhysicalAddress {
	t.Helper()
	phys, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.Commit(logical, phys))
	return phys
}

func TestAllocateCommitResolve(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	phys := write(t, a, 3)
	assert.NotEqual(t, model.PhysicalAddress(0), phys)

	got, ok := a.Resolve(3)
	require.True(t, ok)
	assert.Equal(t, phys, got)
	assert.Equal(t, model.BlockReferenced, a.State(phys))

	_, ok = a.Resolve(4)
	assert.False(t, ok)
}

func TestCopyOnWriteOrphansOldBlock(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	old := write(t, a, 1)
	free := a.FreeBlocks()
	newer := write(t, a, 1)
	assert.NotEqual(t, old, newer)

	got, _ := a.Resolve(1)
	assert.Equal(t, newer, got)
	assert.Equal(t, model.BlockOrphaned, a.State(old))

	a.SweepNow()
	assert.Equal(t, model.BlockFree, a.State(old))
	assert.Equal(t, free, a.FreeBlocks())
}

func TestReclaimHookRunsBeforeFree(t *testing.T) {
	store, err := metastore.New(metastore.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var reclaimed []model.PhysicalAddress
	a, err := New(Config{
		TotalBlocks: 16,
		Store:       store,
		Reclaim: func(phys model.PhysicalAddress) error {
			reclaimed = append(reclaimed, phys)
			return nil
		},
	})
	require.NoError(t, err)

	old := write(t, a, 1)
	write(t, a, 1)
	a.SweepNow()
	assert.Equal(t, []model.PhysicalAddress{old}, reclaimed)
}

func TestAllocationExhausted(t *testing.T) {
	a, _ := newTestAlloc(t, 4)

	for i := 0; i < 3; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	assert.ErrorIs(t, err, model.ErrAllocationExhausted)
}

func TestSharedBlockSurvivesSingleRelease(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	phys := write(t, a, 1)
	// Second logical address maps the same block, as a dedup hit does.
	require.NoError(t, a.Commit(2, phys))

	write(t, a, 1)
	assert.Equal(t, model.BlockReferenced, a.State(phys))

	got, _ := a.Resolve(2)
	assert.Equal(t, phys, got)
}

func TestSnapshotPinsOverwrittenBlock(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	old := write(t, a, 1)
	snap, err := a.CreateSnapshot("before", hashing.Hash{})
	require.NoError(t, err)

	write(t, a, 1)

	// Old block is off the head but pinned by the snapshot, so the
	// collector must not touch it.
	a.SweepNow()
	assert.NotEqual(t, model.BlockFree, a.State(old))

	got, err := a.ResolveSnapshot(snap.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, old, got)
}

func TestSnapshotCreationDoesNotTouchRefcounts(t *testing.T) {
	a, _ := newTestAlloc(t, 64)

	var blocks []model.PhysicalAddress
	for i := model.LogicalAddress(0); i < 20; i++ {
		blocks = append(blocks, write(t, a, i))
	}

	before := make([]slot, len(blocks))
	for i, phys := range blocks {
		before[i] = a.table.get(phys)
	}

	_, err := a.CreateSnapshot("frozen", hashing.Hash{})
	require.NoError(t, err)

	for i, phys := range blocks {
		assert.Equal(t, before[i], a.table.get(phys))
	}
}

func TestDeleteSnapshotFreesPinnedBlocks(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	old := write(t, a, 1)
	snap, err := a.CreateSnapshot("s", hashing.Hash{})
	require.NoError(t, err)
	write(t, a, 1)

	require.NoError(t, a.DeleteSnapshot(snap.ID))
	a.SweepNow()
	assert.Equal(t, model.BlockFree, a.State(old))

	_, err = a.ResolveSnapshot(snap.ID, 1)
	assert.ErrorIs(t, err, model.ErrSnapshotNotFound)
}

func TestDeleteSnapshotCascadesToOlder(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	old := write(t, a, 1)
	older, err := a.CreateSnapshot("older", hashing.Hash{})
	require.NoError(t, err)
	newer, err := a.CreateSnapshot("newer", hashing.Hash{})
	require.NoError(t, err)

	write(t, a, 1)

	// The release pinned old on the newest snapshot. Deleting it must
	// hand the pin down to the older snapshot, which still maps old.
	require.NoError(t, a.DeleteSnapshot(newer.ID))
	a.SweepNow()
	assert.NotEqual(t, model.BlockFree, a.State(old))

	got, err := a.ResolveSnapshot(older.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, old, got)

	require.NoError(t, a.DeleteSnapshot(older.ID))
	a.SweepNow()
	assert.Equal(t, model.BlockFree, a.State(old))
}

func TestRollbackRestoresMapping(t *testing.T) {
	a, _ := newTestAlloc(t, 32)

	var original []model.PhysicalAddress
	for i := model.LogicalAddress(0); i < 5; i++ {
		original = append(original, write(t, a, i))
	}
	snap, err := a.CreateSnapshot("clean", hashing.Hash{})
	require.NoError(t, err)

	for i := model.LogicalAddress(0); i < 5; i++ {
		write(t, a, i)
	}
	write(t, a, 100)

	restored, err := a.Rollback(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, restored.ID)

	for i := model.LogicalAddress(0); i < 5; i++ {
		got, ok := a.Resolve(i)
		require.True(t, ok)
		assert.Equal(t, original[i], got)
	}
	_, ok := a.Resolve(100)
	assert.False(t, ok, "logical written after the snapshot must vanish")

	// Blocks only the discarded head referenced become free again.
	a.SweepNow()
	assert.Equal(t, 5, a.MappedBlocks())
	for _, phys := range original {
		assert.Equal(t, model.BlockReferenced, a.State(phys))
	}
}

func TestRollbackDeletesNewerSnapshots(t *testing.T) {
	a, _ := newTestAlloc(t, 32)

	write(t, a, 1)
	first, err := a.CreateSnapshot("first", hashing.Hash{})
	require.NoError(t, err)
	write(t, a, 1)
	second, err := a.CreateSnapshot("second", hashing.Hash{})
	require.NoError(t, err)

	_, err = a.Rollback(first.ID)
	require.NoError(t, err)

	_, err = a.Lookup(second.ID)
	assert.ErrorIs(t, err, model.ErrSnapshotNotFound)
	_, err = a.Lookup(first.ID)
	assert.NoError(t, err)
	assert.Len(t, a.Snapshots(), 1)
}

func TestRollbackResurrectsDeadlistedBlocks(t *testing.T) {
	a, _ := newTestAlloc(t, 32)

	old := write(t, a, 1)
	snap, err := a.CreateSnapshot("s", hashing.Hash{})
	require.NoError(t, err)
	write(t, a, 1)

	_, err = a.Rollback(snap.ID)
	require.NoError(t, err)

	got, _ := a.Resolve(1)
	assert.Equal(t, old, got)
	assert.Equal(t, model.BlockReferenced, a.State(old))

	// Resurrection must clear the pin; deleting the snapshot later
	// must not free a block the head references.
	require.NoError(t, a.DeleteSnapshot(snap.ID))
	a.SweepNow()
	assert.Equal(t, model.BlockReferenced, a.State(old))
}

func TestRestartRestoresState(t *testing.T) {
	store, err := metastore.New(metastore.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a, err := New(Config{TotalBlocks: 32, Store: store})
	require.NoError(t, err)

	old := write(t, a, 1)
	write(t, a, 2)
	snap, err := a.CreateSnapshot("persisted", hashing.Hash{})
	require.NoError(t, err)
	newer := write(t, a, 1)

	b, err := New(Config{TotalBlocks: 32, Store: store})
	require.NoError(t, err)

	got, ok := b.Resolve(1)
	require.True(t, ok)
	assert.Equal(t, newer, got)

	snapPhys, err := b.ResolveSnapshot(snap.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, old, snapPhys)

	assert.Equal(t, a.FreeBlocks(), b.FreeBlocks())
	assert.Equal(t, model.BlockReferenced, b.State(newer))

	// The pinned block survives restart and collection.
	b.SweepNow()
	assert.NotEqual(t, model.BlockFree, b.State(old))
}

func TestDiscardStagedBlock(t *testing.T) {
	a, _ := newTestAlloc(t, 16)

	phys, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.DiscardStaged(phys))
	a.SweepNow()
	assert.Equal(t, model.BlockFree, a.State(phys))
}

func TestRetainFreeBlockIsStale(t *testing.T) {
	a, _ := newTestAlloc(t, 16)
	err := a.table.retain(5)
	assert.ErrorIs(t, err, model.ErrStaleBlock)
}

// Snapshot creation is a reference capture: the keys written and the
// record persisted must not grow with the number of mapped blocks.
func TestSnapshotCreationCostIndependentOfMappedSize(t *testing.T) {
	snapshotFootprint := func(mapped int) (newKeys, recordBytes int) {
		a, store := newTestAlloc(t, uint64(mapped)+8)
		for i := 0; i < mapped; i++ {
			write(t, a, model.LogicalAddress(i))
		}
		countKeys := func() int {
			n := 0
			require.NoError(t, store.IteratePrefix(nil, func(key, value []byte) error {
				n++
				return nil
			}))
			return n
		}

		before := countKeys()
		snap, err := a.CreateSnapshot("fill", hashing.Hash{})
		require.NoError(t, err)
		after := countKeys()

		record, err := store.Get(snapshotKey(snap.ID))
		require.NoError(t, err)
		return after - before, len(record)
	}

	smallKeys, smallRecord := snapshotFootprint(8)
	largeKeys, largeRecord := snapshotFootprint(2048)

	assert.Equal(t, smallKeys, largeKeys)
	// Only varint-width fields (watermark, epoch) may differ.
	assert.LessOrEqual(t, largeRecord, smallRecord+16)
}

func TestParityBlocksIgnoredByRollback(t *testing.T) {
	a, _ := newTestAlloc(t, 32)

	parity, err := a.AllocateParity()
	require.NoError(t, err)

	write(t, a, 1)
	snap, err := a.CreateSnapshot("s", hashing.Hash{})
	require.NoError(t, err)
	write(t, a, 1)

	_, err = a.Rollback(snap.ID)
	require.NoError(t, err)

	// Parity lives outside the mapping; reconciliation must not zero
	// its refcount.
	a.SweepNow()
	assert.Equal(t, model.BlockReferenced, a.State(parity))
}
