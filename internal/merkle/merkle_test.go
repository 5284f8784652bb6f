package merkle

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnfs/cairn/pkg/hashing"
)

func leafHashes(n int) []hashing.Hash {
	leaves := make([]hashing.Hash, n)
	for i := range leaves {
		leaves[i] = hashing.Sum([]byte(fmt.Sprintf("block-%d", i)))
	}
	return leaves
}

func TestEveryLeafVerifies(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 64} {
		leaves := leafHashes(n)
		tree := New(leaves)
		root := tree.Root()

		for i, leaf := range leaves {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, Verify(leaf, proof, root), "n=%d leaf=%d", n, i)
		}
	}
}

func TestFlippedLeafFailsVerification(t *testing.T) {
	leaves := leafHashes(8)
	tree := New(leaves)
	root := tree.Root()

	proof, err := tree.Proof(3)
	require.NoError(t, err)

	tampered := leaves[3]
	tampered[0] ^= 0x01
	assert.False(t, Verify(tampered, proof, root))
}

// Five leaves pad to eight, so every proof has exactly three steps.
func TestPaddedProofShape(t *testing.T) {
	leaves := leafHashes(5)
	tree := New(leaves)

	proof, err := tree.Proof(3)
	require.NoError(t, err)
	assert.Len(t, proof, 3)
	assert.True(t, Verify(leaves[3], proof, tree.Root()))
}

func TestSentinelPaddingIsDeterministic(t *testing.T) {
	a := New(leafHashes(5))
	b := New(leafHashes(5))
	assert.Equal(t, a.Root(), b.Root())

	// padding changes the root relative to the unpadded prefix tree
	c := New(leafHashes(4))
	assert.NotEqual(t, a.Root(), c.Root())
}

func TestRootChangesIffLeafChanges(t *testing.T) {
	leaves := leafHashes(16)
	tree := New(leaves)
	before := tree.Root()

	require.NoError(t, tree.UpdateLeaf(7, leaves[7]))
	assert.Equal(t, before, tree.Root(), "no-op update must keep the root")

	require.NoError(t, tree.UpdateLeaf(7, hashing.Sum([]byte("changed"))))
	assert.NotEqual(t, before, tree.Root())
}

func TestUpdateLeafMatchesRebuild(t *testing.T) {
	leaves := leafHashes(13)
	tree := New(leaves)

	leaves[9] = hashing.Sum([]byte("rewritten"))
	require.NoError(t, tree.UpdateLeaf(9, leaves[9]))

	assert.Equal(t, New(leaves).Root(), tree.Root())
}

func TestAppendWithinCapacity(t *testing.T) {
	leaves := leafHashes(5)
	tree := New(leaves)

	extra := hashing.Sum([]byte("block-5"))
	index, err := tree.Append(extra)
	require.NoError(t, err)
	assert.Equal(t, 5, index)

	assert.Equal(t, New(append(leafHashes(5), extra)).Root(), tree.Root())
}

func TestAppendGrowsCapacity(t *testing.T) {
	leaves := leafHashes(8)
	tree := New(leaves)

	extra := hashing.Sum([]byte("block-8"))
	index, err := tree.Append(extra)
	require.NoError(t, err)
	assert.Equal(t, 8, index)
	assert.Equal(t, 9, tree.Len())

	grown := New(append(leafHashes(8), extra))
	assert.Equal(t, grown.Root(), tree.Root())

	// proofs over the grown tree have one more step
	proof, err := tree.Proof(8)
	require.NoError(t, err)
	assert.Len(t, proof, 4)
	assert.True(t, Verify(extra, proof, tree.Root()))
}

func TestConcurrentDisjointUpdates(t *testing.T) {
	const n = 64
	leaves := leafHashes(n)
	tree := New(leaves)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaf := hashing.Sum([]byte(fmt.Sprintf("concurrent-%d", i)))
			require.NoError(t, tree.UpdateLeaf(i, leaf))
		}(i)
	}
	wg.Wait()

	want := make([]hashing.Hash, n)
	for i := range want {
		want[i] = hashing.Sum([]byte(fmt.Sprintf("concurrent-%d", i)))
	}
	assert.Equal(t, New(want).Root(), tree.Root())
}

func TestLeavesRoundTrip(t *testing.T) {
	leaves := leafHashes(6)
	tree := New(leaves)
	assert.Equal(t, leaves, tree.Leaves())
	assert.Equal(t, New(tree.Leaves()).Root(), tree.Root())
}

func TestProofOutOfRange(t *testing.T) {
	tree := New(leafHashes(4))
	_, err := tree.Proof(4)
	assert.Error(t, err)
	assert.Error(t, tree.UpdateLeaf(-1, hashing.Hash{}))
}

func TestEmptyTree(t *testing.T) {
	tree := New(nil)
	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, hashing.Sentinel(), tree.Root())
}
