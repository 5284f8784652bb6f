package model

import (
	"time"

	"github.com/cairnfs/cairn/pkg/hashing"
)

// AuditEntry is one link of the tamper-evident audit chain.
//
// Entries are strictly ordered by Index. Every entry embeds the hash
// of its predecessor, so editing any persisted entry breaks the chain
// at exactly that index. Entries are never modified or removed; the
// log offers no API for either.
type AuditEntry struct {
	// Index is the entry's position in the chain, starting at 0.
	Index uint64 `cbor:"1,keyasint"`

	// Timestamp is the append time in Unix milliseconds.
	Timestamp int64 `cbor:"2,keyasint"`

	// Event describes the structural mutation being recorded.
	Event string `cbor:"3,keyasint"`

	// Actor names who caused the mutation.
	Actor string `cbor:"4,keyasint"`

	// PreviousHash is the chain tip at append time. Entry 0 carries
	// the genesis constant.
	PreviousHash hashing.Hash `cbor:"5,keyasint"`

	// Signature is an optional detached signature over the entry
	// hash, produced by an external signer.
	Signature []byte `cbor:"6,keyasint,omitempty"`

	// Hash is the audit-domain hash of the canonical serialization of
	// all fields above. It is excluded from its own preimage.
	Hash hashing.Hash `cbor:"-"`
}

// Time returns the entry timestamp as a time.Time.
func (e AuditEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
