package model

import (
	"errors"
	"fmt"

	"github.com/cairnfs/cairn/pkg/hashing"
)

var (
	// ErrAllocationExhausted is returned when no free block exists.
	// Fatal to the write; propagated immediately.
	ErrAllocationExhausted = errors.New("cairn: allocation exhausted, no free blocks")

	// ErrDedupTableFull is returned when the dedup index is at
	// capacity. Soft failure: the writer falls back to the non-dedup
	// path and emits a warning.
	ErrDedupTableFull = errors.New("cairn: dedup table full")

	// ErrSnapshotNotFound is returned for an unknown snapshot ID.
	ErrSnapshotNotFound = errors.New("cairn: snapshot not found")

	// ErrNotMapped is returned when reading a logical address no write
	// ever touched.
	ErrNotMapped = errors.New("cairn: logical address not mapped")

	// ErrStaleBlock is returned when an operation races the garbage
	// collector and its target block was reclaimed underneath it. The
	// operation can be retried from the top.
	ErrStaleBlock = errors.New("cairn: block reclaimed concurrently")
)

// IntegrityError reports a checksum mismatch on a specific block. It
// surfaces only when redundancy reconstruction was impossible or
// itself failed.
type IntegrityError struct {
	Logical  LogicalAddress
	Physical PhysicalAddress
	Expected hashing.Hash
	Actual   hashing.Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cairn: integrity error at logical %d (physical %d): content hash %s, expected %s",
		e.Logical, e.Physical, e.Actual.Short(), e.Expected.Short())
}

// UnrecoverableErasureError reports that losses within a stripe exceed
// its tolerance m. It names the stripe and every missing member index
// so an operator can act on it.
type UnrecoverableErasureError struct {
	Stripe    uint64
	Missing   []int
	Tolerance int
}

func (e *UnrecoverableErasureError) Error() string {
	return fmt.Sprintf("cairn: stripe %d unrecoverable: %d members missing %v, tolerance %d",
		e.Stripe, len(e.Missing), e.Missing, e.Tolerance)
}

// ChainBrokenError reports that audit verification found a hash or
// linkage mismatch. Non-fatal to new appends, but callers should
// surface it prominently.
type ChainBrokenError struct {
	Index  uint64
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("cairn: audit chain broken at index %d: %s", e.Index, e.Reason)
}

// ConflictError reports a concurrent-modification conflict that
// remained after bounded internal retries.
type ConflictError struct {
	Logical  LogicalAddress
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cairn: concurrent modification of logical %d persisted after %d attempts",
		e.Logical, e.Attempts)
}
