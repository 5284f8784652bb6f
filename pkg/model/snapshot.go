package model

import (
	"time"

	"github.com/cairnfs/cairn/pkg/hashing"
)

// Snapshot is a frozen, named view of the volume.
//
// Creating a snapshot clones the mapping reference, not the mapping
// contents, so creation cost is independent of data size. The frozen
// mapping shares structure with the active head except along paths
// rewritten by CoW writes taken after the snapshot.
type Snapshot struct {
	// ID is the stable identifier handed back to callers.
	ID string

	// Name is the caller-chosen label.
	Name string

	// Epoch is the allocator epoch at creation time. Blocks born at
	// or before this epoch may be pinned by the snapshot even after
	// the head stops referencing them.
	Epoch uint64

	// MerkleRoot is the volume Merkle root at creation time.
	MerkleRoot hashing.Hash

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time
}

// Stripe describes one redundancy group: an ordered run of data block
// slots plus the parity slots protecting them. Any m or fewer missing
// members are reconstructible from the remaining k.
type Stripe struct {
	// ID is the stripe's sequence number within the volume.
	ID uint64

	// Mode is the encoding scheme of this stripe.
	Mode RedundancyMode

	// K is the number of data members.
	K int

	// M is the number of parity members; the loss tolerance.
	M int

	// Data holds the physical addresses of the data members in
	// encoding order. A partial final stripe holds fewer than K
	// entries; the absent tail is treated as zero blocks during
	// encoding but never persisted.
	Data []PhysicalAddress

	// Parity holds the physical addresses of the parity members.
	Parity []PhysicalAddress
}

// Member returns the physical address of stripe member i, where
// members 0..K-1 are data and K..K+M-1 are parity. The second return
// is false for an absent data member of a partial stripe.
func (s Stripe) Member(i int) (PhysicalAddress, bool) {
	if i < s.K {
		if i >= len(s.Data) {
			return 0, false
		}
		return s.Data[i], true
	}
	j := i - s.K
	if j >= len(s.Parity) {
		return 0, false
	}
	return s.Parity[j], true
}
