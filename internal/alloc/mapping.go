package alloc

import "github.com/cairnfs/cairn/pkg/model"

// Mapping is a persistent logical→physical address map. It is a
// 16-way radix tree over the nibbles of the logical address: Set and
// Delete copy only the touched path and share every other node with
// the previous version, so cloning a version is copying a root
// reference and mutating through a clone never disturbs the original.
//
// This structural sharing is what makes snapshot creation cost
// independent of data size.
type Mapping struct {
	root *mapNode
	size int
}

// mapDepth is the number of 4-bit steps in a 64-bit logical address.
const mapDepth = 16

type mapNode struct {
	children [16]*mapNode

	// set only on depth-mapDepth leaves
	phys     model.PhysicalAddress
	occupied bool
}

// NewMapping returns an empty mapping.
func NewMapping() Mapping {
	return Mapping{}
}

// Len returns the number of live entries.
func (m Mapping) Len() int {
	return m.size
}

func nibble(addr model.LogicalAddress, depth int) int {
	shift := uint(4 * (mapDepth - 1 - depth))
	return int((uint64(addr) >> shift) & 0xf)
}

// Get resolves a logical address.
func (m Mapping) Get(addr model.LogicalAddress) (model.PhysicalAddress, bool) {
	n := m.root
	for depth := 0; depth < mapDepth && n != nil; depth++ {
		n = n.children[nibble(addr, depth)]
	}
	if n == nil || !n.occupied {
		return 0, false
	}
	return n.phys, true
}

// Set returns a new version with addr → phys. The receiver is left
// untouched.
func (m Mapping) Set(addr model.LogicalAddress, phys model.PhysicalAddress) Mapping {
	root, added := setPath(m.root, addr, 0, phys)
	size := m.size
	if added {
		size++
	}
	return Mapping{root: root, size: size}
}

func setPath(n *mapNode, addr model.LogicalAddress, depth int, phys model.PhysicalAddress) (*mapNode, bool) {
	clone := &mapNode{}
	if n != nil {
		*clone = *n
	}

	if depth == mapDepth {
		added := !clone.occupied
		clone.phys = phys
		clone.occupied = true
		return clone, added
	}

	idx := nibble(addr, depth)
	child, added := setPath(clone.children[idx], addr, depth+1, phys)
	clone.children[idx] = child
	return clone, added
}

// Delete returns a new version without addr. Empty interior nodes are
// left in place; they are shared and cheap.
func (m Mapping) Delete(addr model.LogicalAddress) Mapping {
	if _, ok := m.Get(addr); !ok {
		return m
	}
	root := deletePath(m.root, addr, 0)
	return Mapping{root: root, size: m.size - 1}
}

func deletePath(n *mapNode, addr model.LogicalAddress, depth int) *mapNode {
	clone := &mapNode{}
	*clone = *n

	if depth == mapDepth {
		clone.occupied = false
		clone.phys = 0
		return clone
	}

	idx := nibble(addr, depth)
	clone.children[idx] = deletePath(clone.children[idx], addr, depth+1)
	return clone
}

// Seek returns the smallest mapped address ≥ min.
func (m Mapping) Seek(min model.LogicalAddress) (model.LogicalAddress, model.PhysicalAddress, bool) {
	return seek(m.root, 0, 0, uint64(min))
}

func seek(n *mapNode, depth int, prefix, min uint64) (model.LogicalAddress, model.PhysicalAddress, bool) {
	if n == nil {
		return 0, 0, false
	}
	if depth == mapDepth {
		if n.occupied && prefix >= min {
			return model.LogicalAddress(prefix), n.phys, true
		}
		return 0, 0, false
	}
	span := uint(4 * (mapDepth - depth - 1))
	for i, child := range n.children {
		if child == nil {
			continue
		}
		childPrefix := prefix<<4 | uint64(i)
		hi := childPrefix<<span + (uint64(1)<<span - 1)
		if hi < min {
			continue
		}
		if addr, phys, ok := seek(child, depth+1, childPrefix, min); ok {
			return addr, phys, ok
		}
	}
	return 0, 0, false
}

// Walk visits every entry in ascending logical-address order.
// Returning an error aborts the walk.
func (m Mapping) Walk(fn func(model.LogicalAddress, model.PhysicalAddress) error) error {
	return walk(m.root, 0, 0, fn)
}

func walk(n *mapNode, depth int, prefix uint64, fn func(model.LogicalAddress, model.PhysicalAddress) error) error {
	if n == nil {
		return nil
	}
	if depth == mapDepth {
		if n.occupied {
			return fn(model.LogicalAddress(prefix), n.phys)
		}
		return nil
	}
	for i, child := range n.children {
		if child == nil {
			continue
		}
		if err := walk(child, depth+1, prefix<<4|uint64(i), fn); err != nil {
			return err
		}
	}
	return nil
}
