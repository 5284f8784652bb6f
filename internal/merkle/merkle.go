// Package merkle maintains the per-volume integrity tree: a binary
// hash tree over block content hashes, ordered by logical block index.
//
// The leaf level is always padded to the next power of two with a
// deterministic sentinel hash, so proof shapes are well defined and
// stay stable when leaves are appended. (Duplicating the last node
// instead would make proof shapes ambiguous under insertion.)
//
// Concurrency: leaf updates lock only the ancestor path being
// modified, hand over hand from leaf to root, so updates in disjoint
// subtrees proceed in parallel and overlapping paths serialize at
// their lowest common ancestor.
package merkle

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/cairnfs/cairn/pkg/hashing"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	// Sibling is the hash combined with the running hash at this
	// level.
	Sibling hashing.Hash

	// Left is true when the sibling sits on the left, i.e. the
	// running hash is the right child.
	Left bool
}

// Tree is the in-memory integrity tree. levels[0] holds the padded
// leaves; the last level holds the single root.
type Tree struct {
	// mu taken exclusively for structural operations (build, growth,
	// proofs); shared for path updates, which then rely on node
	// locks.
	mu sync.RWMutex

	levels [][]hashing.Hash

	// locks[l][j] guards the values of the two children of node j at
	// level l, for l ≥ 1. rootLock guards the root value itself.
	locks    [][]sync.Mutex
	rootLock sync.Mutex

	leafCount int
	sentinels []hashing.Hash // sentinel hash per level
}

// New builds a tree over the given leaf hashes in O(n). An empty leaf
// set yields a one-sentinel tree.
func New(leaves []hashing.Hash) *Tree {
	t := &Tree{}
	t.rebuild(leaves)
	return t
}

// capacityFor returns the smallest power of two ≥ n (minimum 1).
func capacityFor(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// rebuild constructs all levels from scratch. Callers hold mu.
func (t *Tree) rebuild(leaves []hashing.Hash) {
	capacity := capacityFor(len(leaves))
	depth := bits.TrailingZeros(uint(capacity)) // levels above the leaves

	t.sentinels = make([]hashing.Hash, depth+1)
	t.sentinels[0] = hashing.Sentinel()
	for l := 1; l <= depth; l++ {
		t.sentinels[l] = hashing.Interior(t.sentinels[l-1], t.sentinels[l-1])
	}

	level0 := make([]hashing.Hash, capacity)
	copy(level0, leaves)
	for i := len(leaves); i < capacity; i++ {
		level0[i] = t.sentinels[0]
	}

	t.levels = [][]hashing.Hash{level0}
	for l := 1; l <= depth; l++ {
		below := t.levels[l-1]
		level := make([]hashing.Hash, len(below)/2)
		for j := range level {
			level[j] = hashing.Interior(below[2*j], below[2*j+1])
		}
		t.levels = append(t.levels, level)
	}

	t.locks = make([][]sync.Mutex, len(t.levels))
	for l := 1; l < len(t.levels); l++ {
		t.locks[l] = make([]sync.Mutex, len(t.levels[l]))
	}

	t.leafCount = len(leaves)
}

// Root returns the current root hash.
func (t *Tree) Root() hashing.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()

	t.rootLock.Lock()
	defer t.rootLock.Unlock()
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of real (non-sentinel) leaves.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leafCount
}

// Leaf returns the hash at a leaf index, sentinel included.
func (t *Tree) Leaf(index int) (hashing.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= len(t.levels[0]) {
		return hashing.Hash{}, fmt.Errorf("merkle: leaf %d out of range, capacity %d", index, len(t.levels[0]))
	}
	return t.levels[0][index], nil
}

// UpdateLeaf replaces the hash at a leaf index and recomputes only the
// O(log n) ancestor path.
func (t *Tree) UpdateLeaf(index int, h hashing.Hash) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= len(t.levels[0]) {
		return fmt.Errorf("merkle: leaf %d out of range, capacity %d", index, len(t.levels[0]))
	}

	if len(t.levels) == 1 {
		// single-leaf tree: the leaf is the root
		t.rootLock.Lock()
		t.levels[0][index] = h
		t.rootLock.Unlock()
		return nil
	}

	// hand-over-hand: hold the lock guarding the current node's value
	// while acquiring the one guarding its parent's value
	idx := index
	cur := &t.locks[1][idx/2]
	cur.Lock()
	t.levels[0][idx] = h

	top := len(t.levels) - 1
	for level := 1; level <= top; level++ {
		idx /= 2
		below := t.levels[level-1]
		v := hashing.Interior(below[2*idx], below[2*idx+1])

		var next *sync.Mutex
		if level == top {
			next = &t.rootLock
		} else {
			next = &t.locks[level+1][idx/2]
		}
		next.Lock()
		t.levels[level][idx] = v
		cur.Unlock()
		cur = next
	}
	cur.Unlock()
	return nil
}

// Append adds a new leaf, growing the tree to the next power of two
// when the padded frontier is exhausted. Growth reuses the existing
// tree as the left subtree and extends each level with sentinel nodes,
// so only the new right spine is rehashed.
func (t *Tree) Append(h hashing.Hash) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.leafCount == len(t.levels[0]) {
		t.grow()
	}

	index := t.leafCount
	t.leafCount++
	t.levels[0][index] = h
	t.recomputePath(index)
	return index, nil
}

// grow doubles the leaf capacity. Callers hold mu exclusively.
func (t *Tree) grow() {
	oldTop := len(t.levels) - 1

	for l := range t.levels {
		extended := make([]hashing.Hash, 2*len(t.levels[l]))
		copy(extended, t.levels[l])
		for i := len(t.levels[l]); i < len(extended); i++ {
			extended[i] = t.sentinels[l]
		}
		t.levels[l] = extended
	}

	newRootLevel := []hashing.Hash{
		hashing.Interior(t.levels[oldTop][0], t.levels[oldTop][1]),
	}
	t.levels = append(t.levels, newRootLevel)
	t.sentinels = append(t.sentinels,
		hashing.Interior(t.sentinels[oldTop], t.sentinels[oldTop]))

	t.locks = make([][]sync.Mutex, len(t.levels))
	for l := 1; l < len(t.levels); l++ {
		t.locks[l] = make([]sync.Mutex, len(t.levels[l]))
	}
}

// recomputePath rehashes the ancestors of a leaf. Callers hold mu
// exclusively.
func (t *Tree) recomputePath(index int) {
	idx := index
	for level := 1; level < len(t.levels); level++ {
		idx /= 2
		below := t.levels[level-1]
		t.levels[level][idx] = hashing.Interior(below[2*idx], below[2*idx+1])
	}
}

// Proof returns the sibling path for a leaf, ordered leaf to root. A
// tree padded to 2^d leaves always yields proofs of length d.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("merkle: leaf %d out of range, capacity %d", index, len(t.levels[0]))
	}

	proof := make([]ProofStep, 0, len(t.levels)-1)
	idx := index
	for level := 0; level < len(t.levels)-1; level++ {
		sibling := idx ^ 1
		proof = append(proof, ProofStep{
			Sibling: t.levels[level][sibling],
			Left:    sibling < idx,
		})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf hash and its proof and
// compares it to the expected root.
func Verify(leaf hashing.Hash, proof []ProofStep, root hashing.Hash) bool {
	h := leaf
	for _, step := range proof {
		if step.Left {
			h = hashing.Interior(step.Sibling, h)
		} else {
			h = hashing.Interior(h, step.Sibling)
		}
	}
	return h == root
}

// Leaves returns a copy of the real (non-sentinel) leaf hashes.
func (t *Tree) Leaves() []hashing.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]hashing.Hash, t.leafCount)
	copy(out, t.levels[0][:t.leafCount])
	return out
}
