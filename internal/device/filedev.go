package device

import (
	"fmt"
	"os"
)

var _ Device = &FileDev{}

// FileDev uses a file (or a raw block device node) as the sector
// store. ReadAt/WriteAt keep distinct sectors concurrency-safe without
// a shared seek offset.
type FileDev struct {
	file       *os.File
	sectors    uint64
	sectorSize int
}

// NewFileDev opens or creates path sized to the given geometry. An
// existing file must already have the exact size.
func NewFileDev(path string, sectors uint64, sectorSize int) (*FileDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	want := int64(sectors) * int64(sectorSize)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}
	switch info.Size() {
	case 0:
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, fmt.Errorf("device: size %s to %d bytes: %w", path, want, err)
		}
	case want:
	default:
		f.Close()
		return nil, fmt.Errorf("device: %s has %d bytes, geometry wants %d", path, info.Size(), want)
	}

	return &FileDev{
		file:       f,
		sectors:    sectors,
		sectorSize: sectorSize,
	}, nil
}

// ReadSector reads one sector via ReadAt.
func (fd *FileDev) ReadSector(index uint64, buf []byte) error {
	if err := checkBounds(index, len(buf), fd); err != nil {
		return err
	}
	if _, err := fd.file.ReadAt(buf, int64(index)*int64(fd.sectorSize)); err != nil {
		return fmt.Errorf("device: read sector %d: %w", index, err)
	}
	return nil
}

// WriteSector writes one sector via WriteAt.
func (fd *FileDev) WriteSector(index uint64, data []byte) error {
	if err := checkBounds(index, len(data), fd); err != nil {
		return err
	}
	if _, err := fd.file.WriteAt(data, int64(index)*int64(fd.sectorSize)); err != nil {
		return fmt.Errorf("device: write sector %d: %w", index, err)
	}
	return nil
}

// Sectors returns the number of sectors.
func (fd *FileDev) Sectors() uint64 {
	return fd.sectors
}

// SectorSize returns the sector size in bytes.
func (fd *FileDev) SectorSize() int {
	return fd.sectorSize
}

// Sync flushes to stable storage.
func (fd *FileDev) Sync() error {
	if err := fd.file.Sync(); err != nil {
		return fmt.Errorf("device: sync: %w", err)
	}
	return nil
}

// Close syncs and closes the backing file.
func (fd *FileDev) Close() error {
	if err := fd.file.Sync(); err != nil {
		fd.file.Close()
		return fmt.Errorf("device: sync on close: %w", err)
	}
	return fd.file.Close()
}
