// Package device abstracts the raw fixed-size sector store the engine
// writes blocks to. The engine only ever reads and writes whole
// sectors; everything above sector granularity (headers, payloads,
// parity) is the caller's business.
package device

import "fmt"

// Device is a raw sector store. Implementations must allow concurrent
// ReadSector and WriteSector calls for distinct sectors.
type Device interface {
	// ReadSector fills buf with the contents of the given sector.
	// len(buf) must equal SectorSize.
	ReadSector(index uint64, buf []byte) error

	// WriteSector replaces the contents of the given sector.
	// len(data) must equal SectorSize.
	WriteSector(index uint64, data []byte) error

	// Sectors returns the number of sectors on the device.
	Sectors() uint64

	// SectorSize returns the fixed sector size in bytes.
	SectorSize() int

	// Sync flushes outstanding writes to stable storage.
	Sync() error

	// Close releases the device.
	Close() error
}

func checkBounds(index uint64, bufLen int, d Device) error {
	if index >= d.Sectors() {
		return fmt.Errorf("device: sector %d out of range, device has %d", index, d.Sectors())
	}
	if bufLen != d.SectorSize() {
		return fmt.Errorf("device: buffer of %d bytes does not match sector size %d", bufLen, d.SectorSize())
	}
	return nil
}
