// Package types holds the on-disk vocabulary shared by every layer of the storage core:
// sector addresses, well-known sector locations, file type tags and the geometry that
// sizes a file header for a given sector size.
package types

import "fmt"

// SectorID is the address of one sector on the block device.
// Negative values are not valid addresses; InvalidSector marks an unused slot.
type SectorID int32

// InvalidSector marks an unused index slot, both in memory and on disk.
const InvalidSector SectorID = -1

// Valid reports whether the sector address can name a real sector.
func (s SectorID) Valid() bool {
	return s >= 0
}

// Well-known sectors written by Format.
const (
	// FreeMapSector holds the file header of the free-sector bitmap file.
	FreeMapSector SectorID = 0

	// DirectorySector holds the file header of the directory image file.
	DirectorySector SectorID = 1

	// RootSector holds the file header of the root directory.
	RootSector SectorID = 2

	// ReservedSectors is the number of sectors claimed by Format before any user file.
	ReservedSectors = 3
)

// Defaults used when no configuration overrides them.
const (
	DefaultSectorSize = 128
	DefaultNumSectors = 1024
)

// FileType is an opaque tag stored in the file header. The storage core never interprets it.
type FileType int32

const (
	FileTypeRegular   FileType = 0
	FileTypeDirectory FileType = 1
	FileTypePipe      FileType = 2
	FileTypeSystem    FileType = 3
)

// String returns a short label for diagnostics.
func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "file"
	case FileTypeDirectory:
		return "dir"
	case FileTypePipe:
		return "pipe"
	case FileTypeSystem:
		return "system"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// DivRoundUp divides n by s, rounding up.
func DivRoundUp(n, s int) int {
	return (n + s - 1) / s
}
