// Package cairn is a verified block-storage engine: a copy-on-write
// allocator with snapshots and rollback, content-addressable
// deduplication, a Merkle integrity tree over all blocks, XOR and
// Reed-Solomon stripe redundancy, and a tamper-evident hash-chained
// audit log, all behind one write/read path.
package cairn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cairnfs/cairn/internal/alloc"
	"github.com/cairnfs/cairn/internal/audit"
	"github.com/cairnfs/cairn/internal/commit"
	"github.com/cairnfs/cairn/internal/dedup"
	"github.com/cairnfs/cairn/internal/device"
	"github.com/cairnfs/cairn/internal/merkle"
	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/internal/scrub"
	"github.com/cairnfs/cairn/internal/stripe"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/logging"
	"github.com/cairnfs/cairn/pkg/model"
)

var (
	ErrNotStarted = errors.New("cairn: volume not started")
	ErrClosed     = errors.New("cairn: volume closed")
)

const addrLockCount = 256

// Volume is the engine handle. It owns the device, the metadata store
// and every subsystem's lifecycle.
type Volume struct {
	log    *slog.Logger
	config Config

	dev      device.Device
	store    *metastore.Store
	alloc    *alloc.Allocator
	dedup    *dedup.Index
	stripes  *stripe.Manager
	tree     *merkle.Tree
	audit    *audit.Log
	journal  *commit.Journal
	scrubber *scrub.Scrubber
	signer   audit.Signer

	// cache holds verified payloads keyed by physical address. A
	// physical block's content never changes while referenced, so
	// entries stay valid until the collector reclaims the block.
	cache *lru.Cache[model.PhysicalAddress, []byte]

	// opMu is held shared by per-address reads and writes and
	// exclusively by snapshot, rollback and close, which need the
	// whole volume quiescent.
	opMu      sync.RWMutex
	addrLocks [addrLockCount]sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// Signer is re-exported so callers can plug signing into the audit
// log without importing internal packages.
type Signer = audit.Signer

// Verifier is the audit signature check counterpart.
type Verifier = audit.Verifier

// Option tweaks volume construction.
type Option func(*Volume)

// WithSigner makes every audit entry carry a signature.
func WithSigner(s Signer) Option {
	return func(v *Volume) { v.signer = s }
}

// New constructs a volume handle. No I/O happens until Start.
func New(config Config, opts ...Option) (*Volume, error) {
	if config.Logger == nil {
		config.Logger = logging.Logger
	}
	if err := config.resolveRedundancy(); err != nil {
		return nil, err
	}
	if err := config.check(); err != nil {
		return nil, err
	}
	if config.Chunking.MaxSize > model.MaxPayload(config.BlockSize) {
		return nil, fmt.Errorf("cairn: max chunk size %d exceeds block payload capacity %d",
			config.Chunking.MaxSize, model.MaxPayload(config.BlockSize))
	}

	v := &Volume{
		log:    config.Logger,
		config: config,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Start opens the device and metadata store, recovers interrupted
// writes, rebuilds the in-memory Merkle tree and launches background
// collection. Safe to call more than once; only the first call works.
func (v *Volume) Start(ctx context.Context) error {
	var startErr error
	v.startOnce.Do(func() { startErr = v.start(ctx) })
	return startErr
}

func (v *Volume) start(ctx context.Context) error {
	var err error

	if v.config.Path == "" {
		v.dev = device.NewMemDev(v.config.TotalBlocks, v.config.BlockSize)
		v.store, err = metastore.New(metastore.Config{
			Path:   filepath.Join("/tmp", fmt.Sprintf("cairn-mem-%d", time.Now().UnixNano())),
			Logger: v.log,
		})
	} else {
		v.dev, err = device.NewFileDev(
			filepath.Join(v.config.Path, "blocks.dev"),
			v.config.TotalBlocks, v.config.BlockSize)
		if err != nil {
			return fmt.Errorf("cairn: opening block device: %w", err)
		}
		v.store, err = metastore.New(metastore.Config{
			Path:          filepath.Join(v.config.Path, "meta"),
			MinimumFreeGB: v.config.MinimumFreeGB,
			Logger:        v.log,
		})
	}
	if err != nil {
		return fmt.Errorf("cairn: opening metadata store: %w", err)
	}

	if err := v.loadOrInitSuperblock(); err != nil {
		return err
	}

	v.alloc, err = alloc.New(alloc.Config{
		TotalBlocks:   v.config.TotalBlocks,
		Store:         v.store,
		Logger:        v.log,
		Reclaim:       v.reclaimBlock,
		SweepInterval: v.config.SweepInterval,
	})
	if err != nil {
		return err
	}

	v.dedup, err = dedup.New(dedup.Config{
		Store:      v.store,
		Logger:     v.log,
		MaxEntries: v.config.DedupMaxEntries,
	})
	if err != nil {
		return err
	}

	if v.config.Redundancy != model.RedundancyNone {
		coder, err := stripe.NewCoder(v.config.Redundancy, v.config.StripeData, v.config.StripeParity)
		if err != nil {
			return err
		}
		v.stripes, err = stripe.NewManager(coder, v.store, devSlots{v.dev}, v.alloc, v.config.BlockSize)
		if err != nil {
			return err
		}
	}

	if v.config.ReadCacheBlocks > 0 {
		v.cache, err = lru.New[model.PhysicalAddress, []byte](v.config.ReadCacheBlocks)
		if err != nil {
			return err
		}
	}

	v.audit, err = audit.Open(v.store, v.signer)
	if err != nil {
		return err
	}
	v.journal = commit.New(v.store, v.log)

	if err := v.recoverIntents(); err != nil {
		return err
	}
	if err := v.rebuildTree(); err != nil {
		return err
	}

	v.scrubber = scrub.New(scrub.Config{
		Store:  v.store,
		Logger: v.log,
		Verify: v.verifyLogical,
		Next:   v.alloc.NextMapped,
	})

	ctx, v.cancel = context.WithCancel(ctx)
	v.alloc.Start(ctx)
	v.wg.Add(1)
	go v.monitor(ctx)

	v.started.Store(true)
	v.log.Info("volume started",
		"blocks", v.config.TotalBlocks,
		"block_size", v.config.BlockSize,
		"redundancy", v.config.Redundancy.String(),
		"mapped", v.alloc.MappedBlocks())
	return nil
}

// Close seals the open stripe, persists the Merkle root and shuts
// everything down. Safe to call more than once.
func (v *Volume) Close() error {
	var closeErr error
	v.closeOnce.Do(func() { closeErr = v.close() })
	return closeErr
}

func (v *Volume) close() error {
	if !v.started.Load() {
		return ErrNotStarted
	}
	v.closed.Store(true)

	// Stop the background goroutines before taking the operation lock:
	// the monitor takes it shared on every tick, so waiting for it
	// while holding the lock exclusively can deadlock.
	if v.cancel != nil {
		v.cancel()
	}
	v.wg.Wait()

	v.opMu.Lock()
	defer v.opMu.Unlock()

	v.alloc.Close()

	var errs []error
	if v.stripes != nil {
		if err := v.stripes.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.writeSuperblock(); err != nil {
		errs = append(errs, err)
	}
	if err := v.dev.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := v.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.store.Close(); err != nil {
		errs = append(errs, err)
	}
	v.log.Info("volume closed")
	return errors.Join(errs...)
}

func (v *Volume) ready() error {
	if v.closed.Load() {
		return ErrClosed
	}
	if !v.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// devSlots adapts the sector device to the stripe manager's slot view.
type devSlots struct {
	dev device.Device
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

// reclaimBlock runs in the collector just before a slot returns to the
// free pool: the dedup index must forget the block and its stripe must
// be re-encoded without it.
func (v *Volume) reclaimBlock(phys model.PhysicalAddress) error {
	if v.cache != nil {
		v.cache.Remove(phys)
	}
	if err := v.dedup.Drop(phys); err != nil {
		return err
	}
	if v.stripes != nil {
		if err := v.stripes.Invalidate(phys); err != nil {
			return err
		}
	}
	return nil
}

// cached returns a copy of the cached payload for phys, if any.
func (v *Volume) cached(phys model.PhysicalAddress) ([]byte, bool) {
	if v.cache == nil {
		return nil, false
	}
	payload, ok := v.cache.Get(phys)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}

// cacheAdd stores a private copy of a verified payload.
func (v *Volume) cacheAdd(phys model.PhysicalAddress, payload []byte) {
	if v.cache == nil {
		return
	}
	own := make([]byte, len(payload))
	copy(own, payload)
	v.cache.Add(phys, own)
}

func (v *Volume) loadOrInitSuperblock() error {
	buf := make([]byte, v.config.BlockSize)
	if err := v.dev.ReadSector(0, buf); err != nil {
		return fmt.Errorf("cairn: reading superblock: %w", err)
	}
	if bytes.Equal(buf, make([]byte, len(buf))) {
		// Fresh device.
		return v.writeSuperblockRoot(hashing.Hash{})
	}

	sb, err := model.DecodeSuperblock(buf)
	if err != nil {
		return fmt.Errorf("cairn: %w", err)
	}
	if int(sb.BlockSize) != v.config.BlockSize || sb.TotalBlocks != v.config.TotalBlocks {
		return fmt.Errorf("cairn: device geometry %d×%d does not match config %d×%d",
			sb.TotalBlocks, sb.BlockSize, v.config.TotalBlocks, v.config.BlockSize)
	}
	if sb.RedundancyMode != v.config.Redundancy {
		return fmt.Errorf("cairn: device uses %s redundancy, config says %s",
			sb.RedundancyMode, v.config.Redundancy)
	}
	return nil
}

func (v *Volume) writeSuperblock() error {
	return v.writeSuperblockRoot(v.tree.Root())
}

func (v *Volume) writeSuperblockRoot(root hashing.Hash) error {
	sb := model.Superblock{
		Version:        model.SuperblockVersion,
		RedundancyMode: v.config.Redundancy,
		BlockSize:      uint32(v.config.BlockSize),
		TotalBlocks:    v.config.TotalBlocks,
		RootMerkleHash: root,
	}
	buf, err := sb.Encode(v.config.BlockSize)
	if err != nil {
		return err
	}
	if err := v.dev.WriteSector(0, buf); err != nil {
		return fmt.Errorf("cairn: writing superblock: %w", err)
	}
	return nil
}

// recoverIntents settles writes a crash interrupted: an intent whose
// mapping redirect landed is rolled forward, anything else is
// discarded. The Merkle tree is rebuilt afterwards either way.
func (v *Volume) recoverIntents() error {
	intents, err := v.journal.Recover()
	if err != nil {
		return err
	}
	for _, intent := range intents {
		switch {
		case intent.Phys == 0:
			// Crashed before any block was staged.
		case v.mappingPoints(intent.Logical, intent.Phys):
			v.log.Info("rolling interrupted write forward",
				"logical", intent.Logical, "physical", intent.Phys)
			if _, err := v.audit.Append(
				fmt.Sprintf("write.recovered logical=%d hash=%s", intent.Logical, intent.ContentHash.Short()),
				v.config.Actor); err != nil {
				return err
			}
		default:
			v.log.Info("discarding interrupted write",
				"logical", intent.Logical, "physical", intent.Phys)
			if v.alloc.State(intent.Phys) == model.BlockAllocated {
				if err := v.dedup.Drop(intent.Phys); err != nil {
					return err
				}
				if err := v.alloc.DiscardStaged(intent.Phys); err != nil {
					return err
				}
			}
		}
		if err := v.journal.Complete(intent.Logical); err != nil {
			return err
		}
	}

	// A write can also die between staging a block and journaling the
	// intent. Any data slot still ALLOCATED now has no intent and no
	// reference; reclaim it before it leaks.
	for _, phys := range v.alloc.StagedData() {
		v.log.Info("discarding abandoned staged block", "physical", phys)
		if err := v.dedup.Drop(phys); err != nil {
			return err
		}
		if err := v.alloc.DiscardStaged(phys); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) mappingPoints(logical model.LogicalAddress, phys model.PhysicalAddress) bool {
	got, ok := v.alloc.Resolve(logical)
	return ok && got == phys
}

// rebuildTree recomputes the Merkle tree from the mapped blocks on
// the device. Unmapped gaps in the logical range hash as sentinels.
func (v *Volume) rebuildTree() error {
	var leaves []hashing.Hash
	sentinel := hashing.Sentinel()

	err := v.alloc.Walk(func(logical model.LogicalAddress, phys model.PhysicalAddress) error {
		for uint64(len(leaves)) < uint64(logical) {
			leaves = append(leaves, sentinel)
		}
		slot, err := devSlots{v.dev}.ReadSlot(phys)
		if err != nil {
			return fmt.Errorf("cairn: reading block %d for tree rebuild: %w", phys, err)
		}
		leaves = append(leaves, leafHash(slot))
		return nil
	})
	if err != nil {
		return err
	}

	v.tree = merkle.New(leaves)

	// Detect drift against the root the superblock recorded. A
	// mismatch after a crash is expected; the recomputed tree wins.
	buf := make([]byte, v.config.BlockSize)
	if err := v.dev.ReadSector(0, buf); err != nil {
		return err
	}
	if sb, err := model.DecodeSuperblock(buf); err == nil {
		if !sb.RootMerkleHash.IsZero() && sb.RootMerkleHash != v.tree.Root() {
			v.log.Warn("merkle root drift after restart, adopting recomputed root",
				"recorded", sb.RootMerkleHash.Short(),
				"recomputed", v.tree.Root().Short())
		}
	}
	return v.writeSuperblock()
}

// leafHash hashes header plus payload of an encoded block slot. A slot
// that does not decode hashes as raw slot bytes, so corruption still
// produces a stable, mismatching leaf.
func leafHash(slot []byte) hashing.Hash {
	header, _, err := model.DecodeBlock(slot)
	if err != nil {
		return hashing.Sum(slot)
	}
	return hashing.Sum(slot[:model.HeaderSize+int(header.PayloadSize)])
}

func (v *Volume) addrLock(logical model.LogicalAddress) *sync.Mutex {
	return &v.addrLocks[uint64(logical)%addrLockCount]
}

// rootPersistInterval is how often the monitor flushes the Merkle
// root to the superblock. Tests shorten it.
var rootPersistInterval = 30 * time.Second

// monitor periodically persists the Merkle root, logs accounting and
// runs background scrub passes.
func (v *Volume) monitor(ctx context.Context) {
	defer v.wg.Done()

	rootTicker := time.NewTicker(rootPersistInterval)
	defer rootTicker.Stop()

	var scrubC <-chan time.Time
	if v.config.ScrubInterval > 0 {
		scrubTicker := time.NewTicker(v.config.ScrubInterval)
		defer scrubTicker.Stop()
		scrubC = scrubTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-rootTicker.C:
			v.opMu.RLock()
			err := v.writeSuperblock()
			v.opMu.RUnlock()
			if err != nil {
				v.log.Error("persisting merkle root", "error", err)
			}
			stats, err := v.Stats()
			if err == nil {
				v.log.Debug("volume stats", "summary", FormatStats(stats))
			}
		case <-scrubC:
			if report, err := v.scrubber.Run(ctx); err == nil && !report.Clean() {
				v.log.Error("background scrub found unhealable blocks",
					"errors", len(report.Errors))
			}
		}
	}
}
