package model

import (
	"encoding/binary"
	"fmt"

	"github.com/cairnfs/cairn/pkg/hashing"
)

// RedundancyMode selects the stripe encoding scheme for a volume.
type RedundancyMode uint8

const (
	// RedundancyNone disables stripe encoding.
	RedundancyNone RedundancyMode = iota

	// RedundancyXOR uses k data blocks + 1 XOR parity block per
	// stripe and tolerates exactly one loss.
	RedundancyXOR

	// RedundancyReedSolomon uses k data blocks + m parity blocks over
	// GF(2^8) and tolerates up to m losses per stripe.
	RedundancyReedSolomon
)

func (m RedundancyMode) String() string {
	switch m {
	case RedundancyNone:
		return "none"
	case RedundancyXOR:
		return "xor"
	case RedundancyReedSolomon:
		return "reed-solomon"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// SuperblockMagic identifies a cairn volume. ASCII "CRNV".
const SuperblockMagic uint32 = 0x43524e56

// SuperblockVersion is the current on-disk format version.
const SuperblockVersion uint16 = 1

// SuperblockSize is the serialized size of a Superblock in bytes.
const SuperblockSize = 4 + 2 + 1 + 1 + 4 + 8 + hashing.Size

// Superblock occupies physical address 0 and anchors the volume: it
// names the geometry and carries the current Merkle root, which makes
// the whole volume contents verifiable from one hash.
//
// Layout (little endian):
//
//	offset 0  magic          uint32
//	offset 4  version        uint16
//	offset 6  redundancyMode uint8
//	offset 7  reserved       uint8
//	offset 8  blockSize      uint32
//	offset 12 totalBlocks    uint64
//	offset 20 rootMerkleHash [32]byte
type Superblock struct {
	Version        uint16
	RedundancyMode RedundancyMode
	BlockSize      uint32
	TotalBlocks    uint64
	RootMerkleHash hashing.Hash
}

// Encode serializes the superblock into a block-sized slot.
func (sb Superblock) Encode(blockSize int) ([]byte, error) {
	if blockSize < SuperblockSize {
		return nil, fmt.Errorf("model: block size %d cannot hold a superblock", blockSize)
	}

	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], SuperblockMagic)
	binary.LittleEndian.PutUint16(buf[4:6], sb.Version)
	buf[6] = byte(sb.RedundancyMode)
	binary.LittleEndian.PutUint32(buf[8:12], sb.BlockSize)
	binary.LittleEndian.PutUint64(buf[12:20], sb.TotalBlocks)
	copy(buf[20:20+hashing.Size], sb.RootMerkleHash[:])
	return buf, nil
}

// DecodeSuperblock parses and validates a superblock slot.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockSize {
		return Superblock{}, fmt.Errorf("model: superblock slot of %d bytes is too short", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != SuperblockMagic {
		return Superblock{}, fmt.Errorf("model: bad superblock magic %#x", magic)
	}

	sb := Superblock{
		Version:        binary.LittleEndian.Uint16(buf[4:6]),
		RedundancyMode: RedundancyMode(buf[6]),
		BlockSize:      binary.LittleEndian.Uint32(buf[8:12]),
		TotalBlocks:    binary.LittleEndian.Uint64(buf[12:20]),
	}
	copy(sb.RootMerkleHash[:], buf[20:20+hashing.Size])

	if sb.Version != SuperblockVersion {
		return Superblock{}, fmt.Errorf("model: unsupported superblock version %d", sb.Version)
	}
	return sb, nil
}
