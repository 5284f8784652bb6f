package cairn

import (
	"context"
	"fmt"

	"github.com/cairnfs/cairn/pkg/model"
)

// CreateSnapshot freezes the current volume state under a name and
// returns the snapshot. Creation cost does not depend on data size:
// the mapping is captured by reference, not copied. The open stripe is
// sealed first so every block the snapshot covers has parity.
func (v *Volume) CreateSnapshot(ctx context.Context, name string) (model.Snapshot, error) {
	if err := v.ready(); err != nil {
		return model.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()

	if v.stripes != nil {
		if err := v.stripes.Flush(); err != nil {
			return model.Snapshot{}, err
		}
	}

	snap, err := v.alloc.CreateSnapshot(name, v.tree.Root())
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := v.writeSuperblock(); err != nil {
		return model.Snapshot{}, err
	}
	if _, err := v.audit.Append(
		fmt.Sprintf("snapshot.create id=%s name=%s root=%s", snap.ID, name, snap.MerkleRoot.Short()),
		v.config.Actor); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// Rollback restores the volume to a snapshot. Snapshots taken after it
// are superseded and deleted; blocks only the abandoned head needed
// are reclaimed; the Merkle tree is rebuilt over the restored mapping
// and checked against the root recorded at snapshot time.
func (v *Volume) Rollback(ctx context.Context, snapshotID string) error {
	if err := v.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()

	restored, err := v.alloc.Rollback(snapshotID)
	if err != nil {
		return err
	}
	if err := v.rebuildTree(); err != nil {
		return err
	}

	if !restored.MerkleRoot.IsZero() && restored.MerkleRoot != v.tree.Root() {
		v.log.Error("restored state does not match snapshot merkle root",
			"snapshot", snapshotID,
			"recorded", restored.MerkleRoot.Short(),
			"recomputed", v.tree.Root().Short())
		if _, err := v.audit.Append(
			fmt.Sprintf("rollback.root-mismatch id=%s recorded=%s recomputed=%s",
				snapshotID, restored.MerkleRoot.Short(), v.tree.Root().Short()),
			v.config.Actor); err != nil {
			return err
		}
	}

	if _, err := v.audit.Append(
		fmt.Sprintf("rollback id=%s name=%s", snapshotID, restored.Name),
		v.config.Actor); err != nil {
		return err
	}
	return nil
}

// DeleteSnapshot removes a snapshot; blocks it alone kept alive are
// reclaimed by the collector.
func (v *Volume) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := v.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()

	if err := v.alloc.DeleteSnapshot(snapshotID); err != nil {
		return err
	}
	if _, err := v.audit.Append(
		fmt.Sprintf("snapshot.delete id=%s", snapshotID),
		v.config.Actor); err != nil {
		return err
	}
	return nil
}

// Snapshots lists live snapshots, oldest first.
func (v *Volume) Snapshots() ([]model.Snapshot, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	return v.alloc.Snapshots(), nil
}
