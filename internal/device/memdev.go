package device

import "sync"

var _ Device = &MemDev{}

// MemDev simulates a sector device in memory. Used by tests and by
// volumes that do not need durability.
type MemDev struct {
	mu         sync.RWMutex
	sectorSize int
	data       []byte
}

// NewMemDev returns an in-memory device with the given geometry.
func NewMemDev(sectors uint64, sectorSize int) *MemDev {
	return &MemDev{
		sectorSize: sectorSize,
		data:       make([]byte, sectors*uint64(sectorSize)),
	}
}

// ReadSector copies a sector into buf.
func (md *MemDev) ReadSector(index uint64, buf []byte) error {
	if err := checkBounds(index, len(buf), md); err != nil {
		return err
	}

	md.mu.RLock()
	defer md.mu.RUnlock()
	off := index * uint64(md.sectorSize)
	copy(buf, md.data[off:off+uint64(md.sectorSize)])
	return nil
}

// WriteSector replaces a sector with data.
func (md *MemDev) WriteSector(index uint64, data []byte) error {
	if err := checkBounds(index, len(data), md); err != nil {
		return err
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	off := index * uint64(md.sectorSize)
	copy(md.data[off:off+uint64(md.sectorSize)], data)
	return nil
}

// Sectors returns the number of sectors.
func (md *MemDev) Sectors() uint64 {
	return uint64(len(md.data) / md.sectorSize)
}

// SectorSize returns the sector size in bytes.
func (md *MemDev) SectorSize() int {
	return md.sectorSize
}

// Sync is a no-op for memory.
func (md *MemDev) Sync() error {
	return nil
}

// Close is a no-op for memory.
func (md *MemDev) Close() error {
	return nil
}

// Corrupt flips bytes of a sector in place, bypassing WriteSector.
// Exists so tests can simulate media corruption.
func (md *MemDev) Corrupt(index uint64, offset int, xor byte) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.data[index*uint64(md.sectorSize)+uint64(offset)] ^= xor
}
