package cairn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cairnfs/cairn/internal/chunker"
	"github.com/cairnfs/cairn/internal/commit"
	"github.com/cairnfs/cairn/internal/merkle"
	"github.com/cairnfs/cairn/internal/stripe"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

// maxWriteAttempts bounds internal retries when a write races the
// collector over a dedup-shared block.
const maxWriteAttempts = 3

// WriteResult reports where a write landed.
type WriteResult struct {
	Physical    model.PhysicalAddress
	ContentHash hashing.Hash

	// Deduplicated is true when the content already existed and no
	// new block was written.
	Deduplicated bool
}

// Write stores payload under a logical address. Identical content is
// deduplicated to a single physical block; a new version of an
// existing address copy-on-writes a fresh block and redirects the
// mapping. The block, its stripe parity, the Merkle path and an audit
// entry become visible together or not at all.
func (v *Volume) Write(ctx context.Context, logical model.LogicalAddress, payload []byte) (WriteResult, error) {
	if err := v.ready(); err != nil {
		return WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	if uint64(logical) >= v.config.TotalBlocks {
		return WriteResult{}, fmt.Errorf("cairn: logical address %d beyond volume capacity %d",
			logical, v.config.TotalBlocks)
	}
	if len(payload) > model.MaxPayload(v.config.BlockSize) {
		return WriteResult{}, fmt.Errorf("cairn: payload of %d bytes exceeds block capacity %d",
			len(payload), model.MaxPayload(v.config.BlockSize))
	}

	v.opMu.RLock()
	defer v.opMu.RUnlock()
	lock := v.addrLock(logical)
	lock.Lock()
	defer lock.Unlock()

	hash := hashing.Sum(payload)
	for attempt := 1; ; attempt++ {
		result, err := v.writeOnce(logical, payload, hash)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, model.ErrStaleBlock) {
			return WriteResult{}, err
		}
		if attempt >= maxWriteAttempts {
			return WriteResult{}, &model.ConflictError{Logical: logical, Attempts: attempt}
		}
		v.log.Debug("write raced the collector, retrying", "logical", logical, "attempt", attempt)
	}
}

func (v *Volume) writeOnce(logical model.LogicalAddress, payload []byte, hash hashing.Hash) (WriteResult, error) {
	stage := func() (model.PhysicalAddress, error) {
		return v.stageBlock(payload, hash)
	}

	phys, hit, err := v.dedup.Acquire(hash, stage)
	if errors.Is(err, model.ErrDedupTableFull) {
		v.log.Warn("dedup table full, storing without deduplication", "logical", logical)
		phys, err = stage()
		hit = false
	}
	if err != nil {
		return WriteResult{}, err
	}

	err = v.journal.Begin(commit.Intent{
		Logical:     logical,
		Phys:        phys,
		ContentHash: hash,
		StartedAt:   time.Now().UTC(),
	})
	if err != nil {
		v.undoStage(phys, hash, hit)
		return WriteResult{}, err
	}

	if err := v.alloc.Commit(logical, phys); err != nil {
		v.undoStage(phys, hash, hit)
		if completeErr := v.journal.Complete(logical); completeErr != nil {
			return WriteResult{}, completeErr
		}
		return WriteResult{}, err
	}

	if err := v.updateLeaf(logical, phys); err != nil {
		return WriteResult{}, err
	}

	_, err = v.audit.Append(
		fmt.Sprintf("write logical=%d hash=%s dedup=%t", logical, hash.Short(), hit),
		v.config.Actor)
	if err != nil {
		return WriteResult{}, err
	}

	if err := v.journal.Complete(logical); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Physical: phys, ContentHash: hash, Deduplicated: hit}, nil
}

// stageBlock allocates a slot, lays the encoded block down on the
// device and enrolls it in the open stripe. Runs under the dedup shard
// lock, which keeps concurrent writers of identical content from
// staging the block twice.
func (v *Volume) stageBlock(payload []byte, hash hashing.Hash) (model.PhysicalAddress, error) {
	phys, err := v.alloc.Allocate()
	if err != nil {
		return 0, err
	}

	stored := payload
	codec := model.CodecNone
	if v.config.Compression {
		compressed, shrunk, err := compressPayload(payload)
		if err != nil {
			return 0, err
		}
		if shrunk {
			stored = compressed
			codec = model.CodecCompressed
		}
	}

	slot, err := model.EncodeBlock(model.BlockHeader{
		PayloadSize: uint32(len(stored)),
		Codec:       codec,
		ContentHash: hash,
	}, stored, v.config.BlockSize)
	if err != nil {
		return 0, err
	}
	if err := v.dev.WriteSector(uint64(phys), slot); err != nil {
		return 0, fmt.Errorf("cairn: writing block %d: %w", phys, err)
	}

	if v.stripes != nil {
		if err := v.stripes.Add(phys); err != nil {
			return 0, err
		}
	}
	return phys, nil
}

// undoStage returns a block staged by a failed write attempt. A dedup
// hit only took a reference; a fresh block is discarded outright.
func (v *Volume) undoStage(phys model.PhysicalAddress, hash hashing.Hash, hit bool) {
	var err error
	if hit {
		err = v.dedup.Release(hash)
	} else {
		if err = v.dedup.Drop(phys); err == nil {
			err = v.alloc.DiscardStaged(phys)
		}
	}
	if err != nil {
		v.log.Warn("undoing staged block", "physical", phys, "error", err)
	}
}

// updateLeaf installs the block's hash at the leaf for logical,
// growing the tree through sentinel leaves for any unwritten gap.
func (v *Volume) updateLeaf(logical model.LogicalAddress, phys model.PhysicalAddress) error {
	slot, err := devSlots{v.dev}.ReadSlot(phys)
	if err != nil {
		return err
	}
	leaf := leafHash(slot)

	sentinel := hashing.Sentinel()
	for v.tree.Len() <= int(logical) {
		if _, err := v.tree.Append(sentinel); err != nil {
			return err
		}
	}
	return v.tree.UpdateLeaf(int(logical), leaf)
}

// Read returns the payload at a logical address after verifying its
// content hash. A corrupt block is reconstructed from its stripe,
// healed in place, and the repaired payload returned; only when
// reconstruction is impossible does the read fail.
func (v *Volume) Read(ctx context.Context, logical model.LogicalAddress) ([]byte, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.opMu.RLock()
	defer v.opMu.RUnlock()
	lock := v.addrLock(logical)
	lock.Lock()
	defer lock.Unlock()

	phys, ok := v.alloc.Resolve(logical)
	if !ok {
		return nil, model.ErrNotMapped
	}
	if payload, ok := v.cached(phys); ok {
		return payload, nil
	}
	payload, err := v.readVerified(logical, phys, true)
	if err != nil {
		return nil, err
	}
	v.cacheAdd(phys, payload)
	return payload, nil
}

// ReadSnapshot reads a logical address through a snapshot's frozen
// mapping, with the same verification and repair as Read.
func (v *Volume) ReadSnapshot(ctx context.Context, snapshotID string, logical model.LogicalAddress) ([]byte, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.opMu.RLock()
	defer v.opMu.RUnlock()

	phys, err := v.alloc.ResolveSnapshot(snapshotID, logical)
	if err != nil {
		return nil, err
	}
	if payload, ok := v.cached(phys); ok {
		return payload, nil
	}
	payload, err := v.readVerified(logical, phys, true)
	if err != nil {
		return nil, err
	}
	v.cacheAdd(phys, payload)
	return payload, nil
}

// readVerified reads and checks one block, repairing through the
// stripe layer when repair is requested and possible.
func (v *Volume) readVerified(logical model.LogicalAddress, phys model.PhysicalAddress, repair bool) ([]byte, error) {
	slot, err := devSlots{v.dev}.ReadSlot(phys)
	if err != nil {
		return nil, fmt.Errorf("cairn: reading block %d: %w", phys, err)
	}

	if payload, ok := verifySlot(slot); ok {
		return payload, nil
	}
	if !repair || v.stripes == nil {
		return nil, v.integrityError(logical, phys, slot)
	}

	repaired, err := v.stripes.Reconstruct(phys)
	if err != nil {
		if errors.Is(err, stripe.ErrNotStriped) {
			return nil, v.integrityError(logical, phys, slot)
		}
		return nil, err
	}
	payload, ok := verifySlot(repaired)
	if !ok {
		return nil, v.integrityError(logical, phys, repaired)
	}

	// Restore in place: the block's content is immutable and every
	// snapshot mapping resolves this same physical address, so a
	// copy-on-write redirect would heal only the head's view.
	if err := v.dev.WriteSector(uint64(phys), repaired); err != nil {
		v.log.Error("writing healed block back", "physical", phys, "error", err)
	} else {
		v.log.Warn("healed corrupt block", "logical", logical, "physical", phys)
		if _, err := v.audit.Append(
			fmt.Sprintf("read.repair logical=%d physical=%d", logical, phys),
			v.config.Actor); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// verifySlot decodes a slot and checks the payload against the
// header's content hash. The hash always covers the uncompressed
// bytes, so identical content deduplicates whatever its stored form.
func verifySlot(slot []byte) ([]byte, bool) {
	header, payload, err := model.DecodeBlock(slot)
	if err != nil {
		return nil, false
	}
	if header.Codec == model.CodecCompressed {
		if payload, err = decompressPayload(payload); err != nil {
			return nil, false
		}
	}
	if hashing.Sum(payload) != header.ContentHash {
		return nil, false
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}

func (v *Volume) integrityError(logical model.LogicalAddress, phys model.PhysicalAddress, slot []byte) error {
	var expected, actual hashing.Hash
	if header, payload, err := model.DecodeBlock(slot); err == nil {
		expected = header.ContentHash
		actual = hashing.Sum(payload)
	}
	return &model.IntegrityError{
		Logical:  logical,
		Physical: phys,
		Expected: expected,
		Actual:   actual,
	}
}

// verifyLogical is the scrubber's per-address check: it verifies the
// mapped block and lets the stripe layer heal it, reporting whether a
// repair happened.
func (v *Volume) verifyLogical(ctx context.Context, logical model.LogicalAddress) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	v.opMu.RLock()
	defer v.opMu.RUnlock()
	lock := v.addrLock(logical)
	lock.Lock()
	defer lock.Unlock()

	phys, ok := v.alloc.Resolve(logical)
	if !ok {
		return false, nil
	}

	slot, err := devSlots{v.dev}.ReadSlot(phys)
	if err != nil {
		return false, err
	}
	if _, ok := verifySlot(slot); ok {
		return false, nil
	}

	if _, err := v.readVerified(logical, phys, true); err != nil {
		return false, err
	}
	return true, nil
}

// BlobResult describes a chunked write: one entry per chunk, in
// payload order, at consecutive logical addresses from Start.
type BlobResult struct {
	Start  model.LogicalAddress
	Chunks []WriteResult
}

// WriteBlob splits data with content-defined chunking and writes each
// chunk at consecutive logical addresses starting at start. A one-byte
// edit to a later version shifts only the enclosing chunk, so most
// chunks deduplicate against the previous version.
func (v *Volume) WriteBlob(ctx context.Context, start model.LogicalAddress, data []byte) (BlobResult, error) {
	if err := v.ready(); err != nil {
		return BlobResult{}, err
	}

	chunks, err := chunker.SplitBytes(data, v.config.Chunking)
	if err != nil {
		return BlobResult{}, err
	}

	result := BlobResult{Start: start}
	for i, chunk := range chunks {
		wr, err := v.Write(ctx, start+model.LogicalAddress(i), chunk.Data)
		if err != nil {
			return result, fmt.Errorf("cairn: writing chunk %d of %d: %w", i, len(chunks), err)
		}
		result.Chunks = append(result.Chunks, wr)
	}
	return result, nil
}

// Proof returns the Merkle inclusion proof for a logical address,
// ordered leaf to root, together with the leaf hash it proves.
func (v *Volume) Proof(logical model.LogicalAddress) (hashing.Hash, []merkle.ProofStep, error) {
	if err := v.ready(); err != nil {
		return hashing.Hash{}, nil, err
	}

	v.opMu.RLock()
	defer v.opMu.RUnlock()

	leaf, err := v.tree.Leaf(int(logical))
	if err != nil {
		return hashing.Hash{}, nil, err
	}
	proof, err := v.tree.Proof(int(logical))
	if err != nil {
		return hashing.Hash{}, nil, err
	}
	return leaf, proof, nil
}

// VerifyProof checks a Merkle inclusion proof against a root.
func VerifyProof(leaf hashing.Hash, proof []merkle.ProofStep, root hashing.Hash) bool {
	return merkle.Verify(leaf, proof, root)
}

// Root returns the current Merkle root over all blocks.
func (v *Volume) Root() (hashing.Hash, error) {
	if err := v.ready(); err != nil {
		return hashing.Hash{}, err
	}
	return v.tree.Root(), nil
}
