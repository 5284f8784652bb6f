// Package stripe implements the redundancy encoders: XOR parity
// (k data blocks + 1 parity, tolerates one loss) and Reed-Solomon
// erasure coding over GF(2^8) (k data + m parity, tolerates m losses).
// Both work on fixed-size shards, one shard per block slot, and are
// interchangeable behind the Coder interface.
package stripe

import (
	"fmt"

	"github.com/cairnfs/cairn/pkg/model"
)

// Coder encodes parity over a stripe of equally sized shards and
// reconstructs missing shards from the survivors.
type Coder interface {
	// Encode computes the parity shards for k data shards. Each data
	// shard must have the same length; a partial stripe passes zero
	// shards for the absent tail.
	Encode(data [][]byte) ([][]byte, error)

	// Reconstruct fills the nil entries of shards, which holds all
	// k+m stripe members in order (data first, then parity). More
	// than m nil entries is unrecoverable.
	Reconstruct(shards [][]byte) error

	// DataShards returns k.
	DataShards() int

	// ParityShards returns m, the loss tolerance.
	ParityShards() int

	// Mode identifies the scheme.
	Mode() model.RedundancyMode
}

// NewCoder builds the coder for a redundancy mode. XOR ignores m and
// always uses a single parity shard.
func NewCoder(mode model.RedundancyMode, k, m int) (Coder, error) {
	switch mode {
	case model.RedundancyXOR:
		return NewXOR(k)
	case model.RedundancyReedSolomon:
		return NewReedSolomon(k, m)
	default:
		return nil, fmt.Errorf("stripe: no coder for redundancy mode %s", mode)
	}
}

// missingIndexes returns the positions of nil shards.
func missingIndexes(shards [][]byte) []int {
	var missing []int
	for i, s := range shards {
		if s == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

func checkShardSizes(shards [][]byte) (int, error) {
	size := -1
	for i, s := range shards {
		if s == nil {
			continue
		}
		if size == -1 {
			size = len(s)
			continue
		}
		if len(s) != size {
			return 0, fmt.Errorf("stripe: shard %d has %d bytes, expected %d", i, len(s), size)
		}
	}
	if size <= 0 {
		return 0, fmt.Errorf("stripe: no shard data")
	}
	return size, nil
}
