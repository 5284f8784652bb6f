package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnfs/cairn/pkg/model"
)

func TestMappingSetGet(t *testing.T) {
	m := NewMapping()
	m = m.Set(7, 100)
	m = m.Set(0, 3)
	m = m.Set(1<<40, 200)

	phys, ok := m.Get(7)
	require.True(t, ok)
	assert.Equal(t, model.PhysicalAddress(100), phys)

	phys, ok = m.Get(1 << 40)
	require.True(t, ok)
	assert.Equal(t, model.PhysicalAddress(200), phys)

	_, ok = m.Get(8)
	assert.False(t, ok)
	assert.Equal(t, 3, m.Len())
}

func TestMappingVersionsAreIndependent(t *testing.T) {
	v1 := NewMapping().Set(1, 10).Set(2, 20)
	v2 := v1.Set(2, 99).Set(3, 30)
	v3 := v2.Delete(1)

	phys, _ := v1.Get(2)
	assert.Equal(t, model.PhysicalAddress(20), phys)
	_, ok := v1.Get(3)
	assert.False(t, ok)

	phys, _ = v2.Get(2)
	assert.Equal(t, model.PhysicalAddress(99), phys)
	_, ok = v2.Get(1)
	assert.True(t, ok)

	_, ok = v3.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 2, v1.Len())
	assert.Equal(t, 3, v2.Len())
	assert.Equal(t, 2, v3.Len())
}

func TestMappingOverwriteKeepsLen(t *testing.T) {
	m := NewMapping().Set(5, 1).Set(5, 2)
	assert.Equal(t, 1, m.Len())
	phys, _ := m.Get(5)
	assert.Equal(t, model.PhysicalAddress(2), phys)
}

func TestMappingDeleteMissing(t *testing.T) {
	m := NewMapping().Set(1, 1)
	m2 := m.Delete(42)
	assert.Equal(t, 1, m2.Len())
}

func TestMappingWalkOrdered(t *testing.T) {
	m := NewMapping()
	addrs := []model.LogicalAddress{900, 3, 1 << 50, 77, 0}
	for i, addr := range addrs {
		m = m.Set(addr, model.PhysicalAddress(i+1))
	}

	var seen []model.LogicalAddress
	require.NoError(t, m.Walk(func(l model.LogicalAddress, _ model.PhysicalAddress) error {
		seen = append(seen, l)
		return nil
	}))
	assert.Equal(t, []model.LogicalAddress{0, 3, 77, 900, 1 << 50}, seen)
}

func TestMappingSeek(t *testing.T) {
	m := NewMapping().Set(5, 1).Set(300, 2).Set(1<<33, 3)

	addr, phys, ok := m.Seek(0)
	require.True(t, ok)
	assert.Equal(t, model.LogicalAddress(5), addr)
	assert.Equal(t, model.PhysicalAddress(1), phys)

	addr, _, ok = m.Seek(6)
	require.True(t, ok)
	assert.Equal(t, model.LogicalAddress(300), addr)

	addr, _, ok = m.Seek(301)
	require.True(t, ok)
	assert.Equal(t, model.LogicalAddress(1<<33), addr)

	_, _, ok = m.Seek(1<<33 + 1)
	assert.False(t, ok)

	addr, _, ok = m.Seek(300)
	require.True(t, ok)
	assert.Equal(t, model.LogicalAddress(300), addr)
}

func TestMappingSharing(t *testing.T) {
	// A million-entry clone must not touch the original when written
	// through; spot-check structural sharing by mutating a clone.
	base := NewMapping()
	for i := model.LogicalAddress(0); i < 1000; i++ {
		base = base.Set(i, model.PhysicalAddress(i+1))
	}
	clone := base
	clone = clone.Set(500, 9999)

	phys, _ := base.Get(500)
	assert.Equal(t, model.PhysicalAddress(501), phys)
	phys, _ = clone.Get(500)
	assert.Equal(t, model.PhysicalAddress(9999), phys)
	phys, _ = clone.Get(499)
	assert.Equal(t, model.PhysicalAddress(500), phys)
}
