package model

// IntegrityReport summarizes a verification pass over a block range.
type IntegrityReport struct {
	// BlocksChecked is the number of blocks whose content hash was
	// recomputed.
	BlocksChecked int

	// Repaired is the number of corrupt blocks healed through stripe
	// reconstruction.
	Repaired int

	// Errors lists the failures that could not be healed.
	Errors []error
}

// Clean reports whether the pass found no unhealed errors.
func (r IntegrityReport) Clean() bool {
	return len(r.Errors) == 0
}

// AuditReport is the result of walking the audit chain from genesis.
type AuditReport struct {
	// Valid is true when every entry rehashes correctly and links to
	// its predecessor.
	Valid bool

	// Entries is the number of entries walked.
	Entries uint64

	// FirstBrokenIndex is the index of the first entry failing either
	// the hash or the linkage check. Only meaningful when !Valid.
	FirstBrokenIndex uint64

	// BrokenReason describes what failed at FirstBrokenIndex. Empty
	// when Valid.
	BrokenReason string
}

// Stats is the volume-level accounting snapshot.
type Stats struct {
	// LogicalSize is the number of bytes addressed through live
	// logical mappings.
	LogicalSize uint64

	// PhysicalSize is the number of bytes held by referenced physical
	// blocks, after deduplication.
	PhysicalSize uint64

	// DedupRatio is LogicalSize / PhysicalSize; 1.0 when nothing
	// deduplicates, 0 when the volume is empty.
	DedupRatio float64

	// SnapshotCount is the number of live snapshots.
	SnapshotCount int

	// FreeBlocks is the number of allocatable slots remaining.
	FreeBlocks uint64
}
