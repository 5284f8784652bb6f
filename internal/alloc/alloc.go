// Package alloc is the copy-on-write block allocator: the allocation
// table, the persistent logical→physical mapping, snapshots and
// rollback, and the lazy collector that returns orphaned blocks to the
// free pool.
//
// Blocks move FREE → ALLOCATED → REFERENCED → ORPHANED → FREE. A write
// never overwrites a referenced slot; it claims a fresh one and
// redirects the mapping. Snapshots freeze a mapping version by cloning
// its root reference and pin released blocks through per-snapshot
// deadlists, so creation cost does not depend on data size.
package alloc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

// ReclaimFunc runs just before an orphaned block returns to the free
// pool. The volume uses it to drop the block's dedup entry and patch
// its redundancy stripe. Returning an error leaves the block orphaned
// for a later sweep.
type ReclaimFunc func(phys model.PhysicalAddress) error

// Config configures the allocator.
type Config struct {
	// TotalBlocks is the device size in blocks, including the
	// superblock slot.
	TotalBlocks uint64

	Store  *metastore.Store
	Logger *slog.Logger

	// Reclaim is called by the collector for every block it frees.
	// Optional.
	Reclaim ReclaimFunc

	// SweepInterval is how often the collector sweeps the table for
	// orphans missed by the notification channel, such as leftovers
	// from a crash. Zero means a minute.
	SweepInterval time.Duration
}

// Allocator owns the allocation table and the mapping.
type Allocator struct {
	log     *slog.Logger
	store   *metastore.Store
	table   *table
	reclaim ReclaimFunc
	sweep   time.Duration

	// mu guards head, epoch, seq and snapshots. Mapping reads take it
	// briefly to copy the head reference; path copying keeps old
	// versions valid without the lock.
	mu        sync.Mutex
	head      Mapping
	epoch     uint64
	seq       uint64
	snapshots []*snapshotState

	orphans  chan model.PhysicalAddress
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	shutdown atomic.Bool
}

// New restores the allocator from the metastore, or initializes an
// empty one on first open.
func New(config Config) (*Allocator, error) {
	if config.TotalBlocks < 2 {
		return nil, fmt.Errorf("alloc: need at least 2 blocks, have %d", config.TotalBlocks)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}

	tbl, err := loadTable(config.TotalBlocks, config.Store)
	if err != nil {
		return nil, fmt.Errorf("alloc: loading allocation table: %w", err)
	}
	seq, err := loadCounter(config.Store, seqKey())
	if err != nil {
		return nil, fmt.Errorf("alloc: loading sequence counter: %w", err)
	}
	epoch, err := loadCounter(config.Store, epochKey())
	if err != nil {
		return nil, fmt.Errorf("alloc: loading epoch counter: %w", err)
	}
	snaps, err := loadSnapshots(config.Store)
	if err != nil {
		return nil, fmt.Errorf("alloc: loading snapshots: %w", err)
	}
	watermarks := make([]uint64, len(snaps))
	for i, s := range snaps {
		watermarks[i] = s.watermark
	}
	head, frozen, err := loadMappings(config.Store, watermarks)
	if err != nil {
		return nil, fmt.Errorf("alloc: replaying mapping versions: %w", err)
	}
	for i, s := range snaps {
		s.mapping = frozen[i]
	}

	a := &Allocator{
		log:       config.Logger,
		store:     config.Store,
		table:     tbl,
		reclaim:   config.Reclaim,
		sweep:     config.SweepInterval,
		head:      head,
		epoch:     epoch,
		seq:       seq,
		snapshots: snaps,
		orphans:   make(chan model.PhysicalAddress, 1024),
	}
	a.log.Info("allocator restored",
		"blocks", config.TotalBlocks,
		"mapped", head.Len(),
		"free", tbl.freeCount(),
		"snapshots", len(snaps),
		"epoch", epoch)
	return a, nil
}

// Start launches the background collector.
func (a *Allocator) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.collect(ctx)
}

// Close stops the collector and waits for it to drain.
func (a *Allocator) Close() {
	if !a.shutdown.CompareAndSwap(false, true) {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Allocate claims a free block for data. The block is ALLOCATED but
// unreferenced until Commit links it into the mapping.
func (a *Allocator) Allocate() (model.PhysicalAddress, error) {
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()
	return a.table.allocate(kindData, epoch)
}

// AllocateParity claims a free block for stripe parity. Parity blocks
// live outside the mapping; they are held at refcount one until their
// stripe is rewritten.
func (a *Allocator) AllocateParity() (model.PhysicalAddress, error) {
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()
	phys, err := a.table.allocate(kindParity, epoch)
	if err != nil {
		return 0, err
	}
	if err := a.table.retain(phys); err != nil {
		return 0, err
	}
	return phys, nil
}

// Resolve returns the physical block the head maps logical to.
func (a *Allocator) Resolve(logical model.LogicalAddress) (model.PhysicalAddress, bool) {
	a.mu.Lock()
	head := a.head
	a.mu.Unlock()
	return head.Get(logical)
}

// ResolveSnapshot resolves logical through a snapshot's frozen mapping.
func (a *Allocator) ResolveSnapshot(id string, logical model.LogicalAddress) (model.PhysicalAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.snapshots {
		if s.meta.ID == id {
			phys, ok := s.mapping.Get(logical)
			if !ok {
				return 0, fmt.Errorf("alloc: logical %d not mapped in snapshot %s", logical, id)
			}
			return phys, nil
		}
	}
	return 0, model.ErrSnapshotNotFound
}

// Walk visits every head mapping entry in ascending logical order,
// over a consistent copy of the mapping.
func (a *Allocator) Walk(fn func(model.LogicalAddress, model.PhysicalAddress) error) error {
	a.mu.Lock()
	head := a.head
	a.mu.Unlock()
	return head.Walk(fn)
}

// NextMapped returns the first mapped logical address after the given
// one, or at it when start is true.
func (a *Allocator) NextMapped(after model.LogicalAddress, start bool) (model.LogicalAddress, bool) {
	a.mu.Lock()
	head := a.head
	a.mu.Unlock()

	min := after
	if !start {
		if after == ^model.LogicalAddress(0) {
			return 0, false
		}
		min = after + 1
	}
	addr, _, ok := head.Seek(min)
	return addr, ok
}

// Commit redirects logical to phys: the copy-on-write step after the
// new block's payload is durably on the device. The new block gains a
// reference; the previous block, if any, loses one and is orphaned or
// pushed onto the newest snapshot's deadlist.
//
// Returns ErrStaleBlock if phys was reclaimed concurrently; the caller
// restarts the write.
func (a *Allocator) Commit(logical model.LogicalAddress, phys model.PhysicalAddress) error {
	if err := a.table.retain(phys); err != nil {
		return err
	}

	a.mu.Lock()
	prev, hadPrev := a.head.Get(logical)
	a.head = a.head.Set(logical, phys)
	a.seq++
	seq := a.seq
	err := a.store.SetBatch([][2][]byte{
		{versionKey(logical, seq), versionValue(phys)},
		{seqKey(), counterValue(seq)},
	})
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("alloc: persisting mapping version: %w", err)
	}
	if hadPrev && prev != phys {
		err = a.releaseLocked(prev)
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if hadPrev && prev == phys {
		// Dedup rewrite of the same content: the retain above is the
		// only net change, undo it.
		_, _, err = a.table.release(phys, false)
	}
	return err
}

// releaseLocked drops the head's reference to phys. Caller holds mu.
func (a *Allocator) releaseLocked(phys model.PhysicalAddress) error {
	protected := false
	if len(a.snapshots) > 0 {
		newest := a.snapshots[len(a.snapshots)-1]
		protected = newest.meta.Epoch >= a.table.get(phys).Birth
	}
	orphaned, pinned, err := a.table.release(phys, protected)
	if err != nil {
		return err
	}
	if pinned {
		newest := a.snapshots[len(a.snapshots)-1]
		newest.deadlist = append(newest.deadlist, phys)
		return newest.persist(a.store)
	}
	if orphaned {
		a.notifyOrphan(phys)
	}
	return nil
}

func (a *Allocator) notifyOrphan(phys model.PhysicalAddress) {
	select {
	case a.orphans <- phys:
	default:
		// Channel full; the periodic sweep will find it.
	}
}

// CreateSnapshot freezes the current mapping under a new snapshot.
// Cost is one mapping reference copy regardless of volume size.
func (a *Allocator) CreateSnapshot(name string, merkleRoot hashing.Hash) (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &snapshotState{
		meta: model.Snapshot{
			ID:         uuid.NewString(),
			Name:       name,
			Epoch:      a.epoch,
			MerkleRoot: merkleRoot,
			CreatedAt:  time.Now().UTC(),
		},
		mapping:   a.head,
		watermark: a.seq,
	}
	if err := snap.persist(a.store); err != nil {
		return model.Snapshot{}, fmt.Errorf("alloc: persisting snapshot: %w", err)
	}
	a.epoch++
	if err := storeCounter(a.store, epochKey(), a.epoch); err != nil {
		return model.Snapshot{}, fmt.Errorf("alloc: persisting epoch: %w", err)
	}
	a.snapshots = append(a.snapshots, snap)
	a.log.Info("snapshot created", "id", snap.meta.ID, "name", name, "epoch", snap.meta.Epoch)
	return snap.meta, nil
}

// Snapshots lists snapshots ordered oldest first.
func (a *Allocator) Snapshots() []model.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Snapshot, len(a.snapshots))
	for i, s := range a.snapshots {
		out[i] = s.meta
	}
	return out
}

// Lookup returns a snapshot's metadata.
func (a *Allocator) Lookup(id string) (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.snapshots {
		if s.meta.ID == id {
			return s.meta, nil
		}
	}
	return model.Snapshot{}, model.ErrSnapshotNotFound
}

// DeleteSnapshot removes a snapshot. Its deadlist blocks cascade to
// the newest older snapshot that still covers them; uncovered blocks
// with no live references are orphaned for collection.
func (a *Allocator) DeleteSnapshot(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i, s := range a.snapshots {
		if s.meta.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.ErrSnapshotNotFound
	}
	doomed := a.snapshots[idx]
	a.snapshots = append(a.snapshots[:idx], a.snapshots[idx+1:]...)

	if err := a.scatterDeadlist(doomed.deadlist); err != nil {
		return err
	}
	if err := a.store.Delete(snapshotKey(id)); err != nil {
		return fmt.Errorf("alloc: deleting snapshot record: %w", err)
	}
	if err := a.pruneLocked(); err != nil {
		return err
	}
	a.log.Info("snapshot deleted", "id", id, "name", doomed.meta.Name,
		"deadlist", len(doomed.deadlist))
	return nil
}

// scatterDeadlist re-homes deadlist entries of a removed snapshot.
// Caller holds mu.
func (a *Allocator) scatterDeadlist(deadlist []model.PhysicalAddress) error {
	touched := map[*snapshotState]bool{}
	for _, phys := range deadlist {
		birth := a.table.get(phys).Birth
		var heir *snapshotState
		for i := len(a.snapshots) - 1; i >= 0; i-- {
			if a.snapshots[i].meta.Epoch >= birth {
				heir = a.snapshots[i]
				break
			}
		}
		if heir != nil {
			if !heir.onDeadlist(phys) {
				heir.deadlist = append(heir.deadlist, phys)
				touched[heir] = true
			}
			continue
		}
		if a.table.get(phys).Refcount == 0 {
			if err := a.table.orphan(phys); err != nil {
				return err
			}
			a.notifyOrphan(phys)
		}
	}
	for s := range touched {
		if err := s.persist(a.store); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) pruneLocked() error {
	watermarks := make([]uint64, len(a.snapshots))
	for i, s := range a.snapshots {
		watermarks[i] = s.watermark
	}
	if err := pruneVersions(a.store, watermarks); err != nil {
		return fmt.Errorf("alloc: pruning mapping versions: %w", err)
	}
	return nil
}

// Rollback restores a snapshot's mapping as the head. Snapshots newer
// than the target are superseded and deleted; reference counts are
// recomputed from the restored mapping, resurrecting deadlisted blocks
// it references and orphaning blocks only the discarded head needed.
// Returns the restored snapshot so the caller can reinstate its Merkle
// root.
func (a *Allocator) Rollback(id string) (model.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i, s := range a.snapshots {
		if s.meta.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Snapshot{}, model.ErrSnapshotNotFound
	}
	target := a.snapshots[idx]

	// Superseded snapshots disappear; their deadlists fold into the
	// reconciliation below via recomputed refcounts, so only their
	// records need to go.
	for _, s := range a.snapshots[idx+1:] {
		if err := a.store.Delete(snapshotKey(s.meta.ID)); err != nil {
			return model.Snapshot{}, fmt.Errorf("alloc: deleting superseded snapshot: %w", err)
		}
	}
	a.snapshots = a.snapshots[:idx+1]

	oldHead := a.head
	a.head = target.mapping

	// Persist the restored mapping as fresh versions: every entry of
	// the restored head, plus tombstones for logicals only the old
	// head had.
	var batch [][2][]byte
	err := a.head.Walk(func(logical model.LogicalAddress, phys model.PhysicalAddress) error {
		a.seq++
		batch = append(batch, [2][]byte{versionKey(logical, a.seq), versionValue(phys)})
		return nil
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	err = oldHead.Walk(func(logical model.LogicalAddress, _ model.PhysicalAddress) error {
		if _, ok := a.head.Get(logical); !ok {
			a.seq++
			batch = append(batch, [2][]byte{versionKey(logical, a.seq), versionValue(0)})
		}
		return nil
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	batch = append(batch, [2][]byte{seqKey(), counterValue(a.seq)})
	if err := a.store.SetBatch(batch); err != nil {
		return model.Snapshot{}, fmt.Errorf("alloc: persisting restored mapping: %w", err)
	}

	if err := a.reconcileLocked(); err != nil {
		return model.Snapshot{}, err
	}

	a.epoch++
	if err := storeCounter(a.store, epochKey(), a.epoch); err != nil {
		return model.Snapshot{}, fmt.Errorf("alloc: persisting epoch: %w", err)
	}
	if err := a.pruneLocked(); err != nil {
		return model.Snapshot{}, err
	}
	a.log.Info("rolled back", "snapshot", id, "name", target.meta.Name,
		"epoch", a.epoch, "mapped", a.head.Len())
	return target.meta, nil
}

// reconcileLocked recomputes every data block's refcount from the
// head mapping after a rollback. Caller holds mu.
func (a *Allocator) reconcileLocked() error {
	counts := make(map[model.PhysicalAddress]int32)
	err := a.head.Walk(func(_ model.LogicalAddress, phys model.PhysicalAddress) error {
		counts[phys]++
		return nil
	})
	if err != nil {
		return err
	}

	var reconcileErr error
	a.table.forEach(func(phys model.PhysicalAddress, s slot) {
		if reconcileErr != nil || s.Kind != kindData {
			return
		}
		// Orphaned blocks predate every surviving snapshot's coverage
		// and staged blocks belong to an in-flight write; neither is
		// reachable from the restored mapping.
		if s.State == model.BlockOrphaned || s.State == model.BlockAllocated {
			return
		}
		want := counts[phys]
		if want == s.Refcount {
			if want == 0 {
				reconcileErr = a.settleUnreferencedLocked(phys, s.Birth)
			}
			return
		}
		if err := a.table.setRefcount(phys, want); err != nil {
			reconcileErr = err
			return
		}
		if want > 0 {
			// Resurrected: no snapshot deadlist may still claim it.
			for _, snap := range a.snapshots {
				if snap.dropDead(phys) {
					if err := snap.persist(a.store); err != nil {
						reconcileErr = err
						return
					}
				}
			}
			return
		}
		reconcileErr = a.settleUnreferencedLocked(phys, s.Birth)
	})
	return reconcileErr
}

// settleUnreferencedLocked parks a zero-refcount block either on the
// deadlist of the newest snapshot covering it or in the orphan queue.
func (a *Allocator) settleUnreferencedLocked(phys model.PhysicalAddress, birth uint64) error {
	for i := len(a.snapshots) - 1; i >= 0; i-- {
		snap := a.snapshots[i]
		if snap.meta.Epoch < birth {
			continue
		}
		if !snap.onDeadlist(phys) {
			snap.deadlist = append(snap.deadlist, phys)
			if err := snap.persist(a.store); err != nil {
				return err
			}
		}
		return nil
	}
	if err := a.table.orphan(phys); err != nil {
		return err
	}
	a.notifyOrphan(phys)
	return nil
}

// State reports a block's allocation state, for scrubbing and stats.
func (a *Allocator) State(phys model.PhysicalAddress) model.BlockState {
	return a.table.get(phys).State
}

// FreeBlocks returns the number of blocks in the free pool.
func (a *Allocator) FreeBlocks() uint64 {
	return a.table.freeCount()
}

// UsedBlocks returns the number of allocated data blocks.
func (a *Allocator) UsedBlocks() uint64 {
	return a.table.usedData()
}

// MappedBlocks returns the number of live logical addresses.
func (a *Allocator) MappedBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.head.Len()
}

// Release drops one reference to phys outside the mapping path, used
// when a staged block never gets committed.
func (a *Allocator) Release(phys model.PhysicalAddress) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(phys)
}

// StagedData lists data slots still in the ALLOCATED state. After a
// restart these can only be leftovers of writes that died before
// journaling an intent, since parity slots are retained immediately.
func (a *Allocator) StagedData() []model.PhysicalAddress {
	var staged []model.PhysicalAddress
	a.table.forEach(func(phys model.PhysicalAddress, s slot) {
		if s.State == model.BlockAllocated && s.Kind == kindData {
			staged = append(staged, phys)
		}
	})
	return staged
}

// DiscardStaged frees a block that was allocated but never written or
// referenced, such as after a failed write.
func (a *Allocator) DiscardStaged(phys model.PhysicalAddress) error {
	if s := a.table.get(phys); s.State != model.BlockAllocated {
		return nil
	}
	if err := a.table.orphan(phys); err != nil {
		return err
	}
	a.notifyOrphan(phys)
	return nil
}

// collect is the lazy reclamation loop. It drains orphan
// notifications and periodically sweeps the whole table for orphans
// that were dropped on the floor, including those left by a crash.
func (a *Allocator) collect(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case phys := <-a.orphans:
			a.reclaimOne(phys)
		case <-ticker.C:
			a.sweepOrphans()
		}
	}
}

func (a *Allocator) reclaimOne(phys model.PhysicalAddress) {
	// Re-check under the table lock happens inside reclaim; run the
	// hook first so dedup and stripe state never point at a free slot.
	if s := a.table.get(phys); s.State != model.BlockOrphaned || s.Refcount != 0 {
		return
	}
	if a.reclaim != nil {
		if err := a.reclaim(phys); err != nil {
			a.log.Warn("reclaim hook failed, leaving block orphaned",
				"block", phys, "error", err)
			return
		}
	}
	freed, err := a.table.reclaim(phys)
	if err != nil {
		a.log.Error("freeing orphaned block", "block", phys, "error", err)
		return
	}
	if freed {
		a.log.Debug("block reclaimed", "block", phys)
	}
}

func (a *Allocator) sweepOrphans() {
	var swept int
	a.table.forEach(func(phys model.PhysicalAddress, s slot) {
		if s.State == model.BlockOrphaned && s.Refcount == 0 {
			a.reclaimOne(phys)
			swept++
		}
	})
	if swept > 0 {
		a.log.Debug("orphan sweep", "candidates", swept)
	}
}

// SweepNow runs one synchronous collection pass, for tests and for
// flushing before close.
func (a *Allocator) SweepNow() {
	for {
		select {
		case phys := <-a.orphans:
			a.reclaimOne(phys)
			continue
		default:
		}
		break
	}
	a.sweepOrphans()
}
