package stripe

import (
	"fmt"

	rs "github.com/klauspost/reedsolomon"

	"github.com/cairnfs/cairn/pkg/model"
)

var _ Coder = &ReedSolomon{}

// ReedSolomon encodes k data shards into k+m total shards over
// GF(2^8): addition is XOR, multiplication runs through log/exp tables
// modulo the irreducible polynomial 0x11B, and parity rows come from a
// Vandermonde-derived generator matrix. Reconstruction inverts the
// k×k submatrix matching the surviving members, so any pattern of at
// most m losses restores the original bytes exactly.
type ReedSolomon struct {
	k, m int
	enc  rs.Encoder
}

// NewReedSolomon returns an RS(k, k+m) coder.
func NewReedSolomon(k, m int) (*ReedSolomon, error) {
	if k < 1 || m < 1 {
		return nil, fmt.Errorf("stripe: reed-solomon needs k ≥ 1 and m ≥ 1, got k=%d m=%d", k, m)
	}
	enc, err := rs.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("stripe: reed-solomon encoder: %w", err)
	}
	return &ReedSolomon{k: k, m: m, enc: enc}, nil
}

// Encode computes the m parity shards for k data shards. Nil entries
// (absent tail of a partial stripe) are treated as zero shards.
func (r *ReedSolomon) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != r.k {
		return nil, fmt.Errorf("stripe: rs encode got %d shards, expected %d", len(data), r.k)
	}
	size, err := checkShardSizes(data)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, r.k+r.m)
	for i, d := range data {
		if d == nil {
			shards[i] = make([]byte, size)
			continue
		}
		shards[i] = d
	}
	for i := r.k; i < r.k+r.m; i++ {
		shards[i] = make([]byte, size)
	}

	if err := r.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("stripe: rs encode: %w", err)
	}
	return shards[r.k:], nil
}

// Reconstruct fills the nil members in place.
func (r *ReedSolomon) Reconstruct(shards [][]byte) error {
	if len(shards) != r.k+r.m {
		return fmt.Errorf("stripe: rs reconstruct got %d shards, expected %d", len(shards), r.k+r.m)
	}

	missing := missingIndexes(shards)
	if len(missing) == 0 {
		return nil
	}
	if len(missing) > r.m {
		return &model.UnrecoverableErasureError{Missing: missing, Tolerance: r.m}
	}

	if err := r.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("stripe: rs reconstruct: %w", err)
	}
	return nil
}

// DataShards returns k.
func (r *ReedSolomon) DataShards() int { return r.k }

// ParityShards returns m.
func (r *ReedSolomon) ParityShards() int { return r.m }

// Mode returns RedundancyReedSolomon.
func (r *ReedSolomon) Mode() model.RedundancyMode { return model.RedundancyReedSolomon }
