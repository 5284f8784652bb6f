package model

import (
	"encoding/binary"
	"fmt"

	"github.com/cairnfs/cairn/pkg/hashing"
)

// LogicalAddress is the stable identifier a client writes and reads
// through. Each logical address maps to exactly one physical address
// per active version; the mapping is redirected on every write (CoW).
type LogicalAddress uint64

// PhysicalAddress identifies a fixed-size block slot on the device.
// Address 0 is reserved for the superblock and never allocated.
type PhysicalAddress uint64

// BlockState tracks a physical block through its lifecycle.
//
// The transitions are strictly:
//
//	Free → Allocated → Referenced → Orphaned → Free
//
// Referenced → Orphaned happens when the last mapping reference goes
// away; the transition schedules lazy garbage collection rather than
// erasing the block on the write path.
type BlockState uint8

const (
	// BlockFree marks a slot available for allocation.
	BlockFree BlockState = iota

	// BlockAllocated marks a slot claimed by a writer but not yet
	// visible through any mapping.
	BlockAllocated

	// BlockReferenced marks a slot referenced by at least one live
	// mapping entry (head or dedup-shared).
	BlockReferenced

	// BlockOrphaned marks a slot whose refcount dropped to zero and
	// that is waiting for the background collector.
	BlockOrphaned
)

func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "free"
	case BlockAllocated:
		return "allocated"
	case BlockReferenced:
		return "referenced"
	case BlockOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// HeaderSize is the serialized size of a BlockHeader in bytes:
// payload size (4) + codec tag (1) + content hash (32).
const HeaderSize = 4 + 1 + hashing.Size

// Codec identifies an optional payload transformation applied by an
// external collaborator before the payload reached the engine. The
// engine itself never compresses or encrypts; it only records the tag
// so readers can undo the transformation.
type Codec uint8

const (
	// CodecNone marks a raw payload.
	CodecNone Codec = iota

	// CodecCompressed marks an lzma-compressed payload.
	CodecCompressed

	// CodecEncrypted marks an externally encrypted payload.
	CodecEncrypted
)

// BlockHeader precedes every block payload on the device.
//
// Blocks are immutable once written: the header and payload are laid
// down together and never mutated in place. The content hash covers
// the payload bytes only, so a read can verify integrity without any
// other metadata.
//
// On-disk layout (little endian), padded with zeros to the block
// boundary after the payload:
//
//	offset 0  payloadSize uint32
//	offset 4  codec       uint8
//	offset 5  contentHash [32]byte
//	offset 37 payload     [payloadSize]byte
type BlockHeader struct {
	// PayloadSize is the number of meaningful payload bytes that
	// follow the header within the block slot.
	PayloadSize uint32

	// Codec is the external transformation tag for the payload.
	Codec Codec

	// ContentHash is the block-domain hash of the payload bytes.
	ContentHash hashing.Hash
}

// EncodeBlock serializes header+payload into a block slot of the given
// size. The remainder of the slot is zero padding.
func EncodeBlock(header BlockHeader, payload []byte, blockSize int) ([]byte, error) {
	if int(header.PayloadSize) != len(payload) {
		return nil, fmt.Errorf("model: header payload size %d does not match payload length %d",
			header.PayloadSize, len(payload))
	}
	if HeaderSize+len(payload) > blockSize {
		return nil, fmt.Errorf("model: payload of %d bytes exceeds block capacity %d",
			len(payload), blockSize-HeaderSize)
	}

	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], header.PayloadSize)
	buf[4] = byte(header.Codec)
	copy(buf[5:5+hashing.Size], header.ContentHash[:])
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeBlock parses a block slot back into header and payload. The
// returned payload aliases buf.
func DecodeBlock(buf []byte) (BlockHeader, []byte, error) {
	if len(buf) < HeaderSize {
		return BlockHeader{}, nil, fmt.Errorf("model: block slot of %d bytes is shorter than header", len(buf))
	}

	header := BlockHeader{
		PayloadSize: binary.LittleEndian.Uint32(buf[0:4]),
		Codec:       Codec(buf[4]),
	}
	copy(header.ContentHash[:], buf[5:5+hashing.Size])

	if HeaderSize+int(header.PayloadSize) > len(buf) {
		return BlockHeader{}, nil, fmt.Errorf("model: header claims %d payload bytes, slot holds %d",
			header.PayloadSize, len(buf)-HeaderSize)
	}
	return header, buf[HeaderSize : HeaderSize+int(header.PayloadSize)], nil
}

// MaxPayload returns the payload capacity of a block slot.
func MaxPayload(blockSize int) int {
	return blockSize - HeaderSize
}
