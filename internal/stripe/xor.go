package stripe

import (
	"fmt"

	"github.com/cairnfs/cairn/pkg/model"
)

var _ Coder = &XOR{}

// XOR is the single-parity scheme: parity = data[0] ⊕ … ⊕ data[k-1].
// Any one missing member is the XOR of the remaining k members.
type XOR struct {
	k int
}

// NewXOR returns an XOR coder over k data shards.
func NewXOR(k int) (*XOR, error) {
	if k < 1 {
		return nil, fmt.Errorf("stripe: xor needs k ≥ 1, got %d", k)
	}
	return &XOR{k: k}, nil
}

// Encode computes the single parity shard.
func (x *XOR) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != x.k {
		return nil, fmt.Errorf("stripe: xor encode got %d shards, expected %d", len(data), x.k)
	}
	size, err := checkShardSizes(data)
	if err != nil {
		return nil, err
	}

	parity := make([]byte, size)
	for _, shard := range data {
		if shard == nil {
			continue // absent tail of a partial stripe is all zeros
		}
		for i, b := range shard {
			parity[i] ^= b
		}
	}
	return [][]byte{parity}, nil
}

// Reconstruct recovers at most one missing member.
func (x *XOR) Reconstruct(shards [][]byte) error {
	if len(shards) != x.k+1 {
		return fmt.Errorf("stripe: xor reconstruct got %d shards, expected %d", len(shards), x.k+1)
	}

	missing := missingIndexes(shards)
	if len(missing) == 0 {
		return nil
	}
	if len(missing) > 1 {
		return &model.UnrecoverableErasureError{Missing: missing, Tolerance: 1}
	}

	size, err := checkShardSizes(shards)
	if err != nil {
		return err
	}

	restored := make([]byte, size)
	for i, shard := range shards {
		if i == missing[0] {
			continue
		}
		for j, b := range shard {
			restored[j] ^= b
		}
	}
	shards[missing[0]] = restored
	return nil
}

// DataShards returns k.
func (x *XOR) DataShards() int { return x.k }

// ParityShards returns 1.
func (x *XOR) ParityShards() int { return 1 }

// Mode returns RedundancyXOR.
func (x *XOR) Mode() model.RedundancyMode { return model.RedundancyXOR }
