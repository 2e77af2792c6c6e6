package device

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// MemoryDevice is a block device held entirely in memory. It is the device used by tests and by
// short-lived pipes that never need to survive the process.
type MemoryDevice struct {
	mu         sync.RWMutex
	sectorSize int
	data       []byte
	stats      Statistics
}

// NewMemoryDevice creates a zero-filled device with numSectors sectors of sectorSize bytes.
func NewMemoryDevice(sectorSize, numSectors int) *MemoryDevice {
	return &MemoryDevice{
		sectorSize: sectorSize,
		data:       make([]byte, sectorSize*numSectors),
	}
}

// ReadSector copies one sector into data.
func (d *MemoryDevice) ReadSector(sector types.SectorID, data []byte) error {
	off, err := d.offset(sector, data)
	if err != nil {
		return err
	}

	d.mu.RLock()
	copy(data, d.data[off:off+d.sectorSize])
	d.mu.RUnlock()

	d.stats.recordRead(d.sectorSize)
	return nil
}

// WriteSector copies data into one sector.
func (d *MemoryDevice) WriteSector(sector types.SectorID, data []byte) error {
	off, err := d.offset(sector, data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	copy(d.data[off:off+d.sectorSize], data)
	d.mu.Unlock()

	d.stats.recordWrite(d.sectorSize)
	return nil
}

// SectorSize returns the sector size in bytes.
func (d *MemoryDevice) SectorSize() int {
	return d.sectorSize
}

// NumSectors returns the number of sectors on the device.
func (d *MemoryDevice) NumSectors() int {
	return len(d.data) / d.sectorSize
}

// Stats returns a snapshot of the device counters.
func (d *MemoryDevice) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// Close is a no-op; it lets MemoryDevice stand in for a ClosableBlockDevice.
func (d *MemoryDevice) Close() error {
	return nil
}

func (d *MemoryDevice) offset(sector types.SectorID, data []byte) (int, error) {
	if len(data) != d.sectorSize {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrBadBufferSize, len(data), d.sectorSize)
	}
	if !sector.Valid() || int(sector) >= d.NumSectors() {
		return 0, fmt.Errorf("%w: %d", ErrSectorOutOfRange, sector)
	}
	return int(sector) * d.sectorSize, nil
}
