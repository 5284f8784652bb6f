package model

import (
	"testing"

	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockEncodeDecode(t *testing.T) {
	payload := []byte("some block payload")
	header := BlockHeader{
		PayloadSize: uint32(len(payload)),
		Codec:       CodecNone,
		ContentHash: hashing.Sum(payload),
	}

	buf, err := EncodeBlock(header, payload, 4096)
	require.NoError(t, err)
	require.Len(t, buf, 4096)

	decoded, decodedPayload, err := DecodeBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
	assert.Equal(t, payload, decodedPayload)
}

func TestBlockEncodeRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, 4096)
	header := BlockHeader{PayloadSize: uint32(len(payload))}

	_, err := EncodeBlock(header, payload, 4096)
	assert.Error(t, err)
}

func TestBlockEncodeRejectsSizeMismatch(t *testing.T) {
	header := BlockHeader{PayloadSize: 10}
	_, err := EncodeBlock(header, []byte("short"), 4096)
	assert.Error(t, err)
}

func TestBlockDecodeRejectsTruncatedSlot(t *testing.T) {
	_, _, err := DecodeBlock(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestBlockDecodeRejectsLyingHeader(t *testing.T) {
	buf := make([]byte, 64)
	// payloadSize far beyond the slot
	buf[0] = 0xff
	buf[1] = 0xff
	_, _, err := DecodeBlock(buf)
	assert.Error(t, err)
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		Version:        SuperblockVersion,
		RedundancyMode: RedundancyReedSolomon,
		BlockSize:      4096,
		TotalBlocks:    1024,
		RootMerkleHash: hashing.Sum([]byte("root")),
	}

	buf, err := sb.Encode(4096)
	require.NoError(t, err)

	decoded, err := DecodeSuperblock(buf)
	require.NoError(t, err)
	assert.Equal(t, sb, decoded)
}

func TestSuperblockRejectsBadMagic(t *testing.T) {
	buf := make([]byte, SuperblockSize)
	_, err := DecodeSuperblock(buf)
	assert.Error(t, err)
}

func TestStripeMember(t *testing.T) {
	s := Stripe{
		K:      3,
		M:      1,
		Data:   []PhysicalAddress{10, 11},
		Parity: []PhysicalAddress{20},
	}

	addr, ok := s.Member(0)
	assert.True(t, ok)
	assert.Equal(t, PhysicalAddress(10), addr)

	// absent tail member of a partial stripe
	_, ok = s.Member(2)
	assert.False(t, ok)

	addr, ok = s.Member(3)
	assert.True(t, ok)
	assert.Equal(t, PhysicalAddress(20), addr)
}

func TestBlockStateString(t *testing.T) {
	assert.Equal(t, "free", BlockFree.String())
	assert.Equal(t, "orphaned", BlockOrphaned.String())
}
