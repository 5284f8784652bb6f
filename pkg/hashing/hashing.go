// Package hashing provides the content hash used everywhere in cairn:
// block identities, dedup addressing, Merkle nodes and the audit chain.
//
// All hashes are 32-byte BLAKE3 digests. Keyed hashing provides domain
// separation so the same bytes hashed as a block payload, a Merkle
// interior node or an audit entry can never collide across contexts.
package hashing

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of a Hash in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values
// are the ASCII domain name zero-padded to 32 bytes, so the keys stay
// readable in hex dumps.
type domainKey [32]byte

var (
	blockDomainKey = domainKey{
		'c', 'a', 'i', 'r', 'n', '.', 'b', 'l', 'o', 'c', 'k', 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	interiorDomainKey = domainKey{
		'c', 'a', 'i', 'r', 'n', '.', 'm', 'e', 'r', 'k', 'l', 'e', '.', 'n', 'o', 'd',
		'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	sentinelDomainKey = domainKey{
		'c', 'a', 'i', 'r', 'n', '.', 'm', 'e', 'r', 'k', 'l', 'e', '.', 'p', 'a', 'd',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	auditDomainKey = domainKey{
		'c', 'a', 'i', 'r', 'n', '.', 'a', 'u', 'd', 'i', 't', 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Sum computes the block-domain hash of data. This is the content hash
// used for deduplication and block headers.
func Sum(data []byte) Hash {
	return keyedHash(blockDomainKey, data)
}

// Interior computes the hash of a Merkle interior node from its two
// children, H(left ∥ right) in the interior domain.
func Interior(left, right Hash) Hash {
	var buf [2 * Size]byte
	copy(buf[:Size], left[:])
	copy(buf[Size:], right[:])
	return keyedHash(interiorDomainKey, buf[:])
}

// Sentinel returns the deterministic padding hash for a Merkle leaf
// slot that holds no block.
func Sentinel() Hash {
	return keyedHash(sentinelDomainKey, nil)
}

// AuditSum computes the audit-domain hash of a canonically serialized
// audit entry.
func AuditSum(data []byte) Hash {
	return keyedHash(auditDomainKey, data)
}

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(fmt.Sprintf("hashing: keyed hasher init: %v", err))
	}
	_, _ = hasher.Write(data)

	var out Hash
	hasher.Digest().Read(out[:])
	return out
}

// IsZero reports whether h is the all-zero hash. The zero hash is used
// as the "no hash" marker and never produced by hashing.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// FromHex parses a 64-character hex string into a Hash.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hashing: decode hex: %w", err)
	}
	if len(b) != Size {
		return Hash{}, fmt.Errorf("hashing: expected %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
