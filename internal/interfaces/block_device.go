package interfaces

import (
	"io"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// BlockDeviceReader provides methods for reading whole sectors from a block device
type BlockDeviceReader interface {
	// ReadSector reads the sector at the specified address into data.
	// data must be exactly SectorSize bytes long.
	ReadSector(sector types.SectorID, data []byte) error

	// SectorSize returns the size of a single sector in bytes
	SectorSize() int

	// NumSectors returns the total number of sectors on the device
	NumSectors() int
}

// BlockDeviceWriter provides methods for writing whole sectors to a block device
type BlockDeviceWriter interface {
	// WriteSector writes data to the sector at the specified address.
	// data must be exactly SectorSize bytes long; there are no partial-sector writes.
	WriteSector(sector types.SectorID, data []byte) error
}

// BlockDevice represents a complete block device interface
type BlockDevice interface {
	BlockDeviceReader
	BlockDeviceWriter
}

// ClosableBlockDevice is a block device backed by a resource that must be released
type ClosableBlockDevice interface {
	BlockDevice
	io.Closer
}
