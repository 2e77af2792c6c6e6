package types

import (
	"fmt"
	"math"
)

// File header layout (little endian):
//
//	0   int32  numBytes
//	4   int32  numSectors
//	8   int32  fileType
//	12  int64  creation   (Unix seconds)
//	20  int64  lastAccess (Unix seconds)
//	28  int64  lastWrite  (Unix seconds)
//	36  int32  firstIdx[K]
const (
	// FileHeaderFixedSize is the number of bytes taken by the scalar header fields.
	FileHeaderFixedSize = 36

	// IndexEntrySize is the on-disk size of one sector address.
	IndexEntrySize = 4
)

// Geometry describes how a file header is laid out for a particular sector size.
type Geometry struct {
	// SectorSize is the device sector size in bytes.
	SectorSize int

	// NumFirstIdx is K, the number of first-level slots in the header.
	NumFirstIdx int

	// NumSecondIdx is M, the number of sector addresses held by one index sector.
	NumSecondIdx int
}

// NewGeometry derives the two-level index geometry for a sector size.
func NewGeometry(sectorSize int) (Geometry, error) {
	if sectorSize%IndexEntrySize != 0 {
		return Geometry{}, fmt.Errorf("sector size %d is not a multiple of %d", sectorSize, IndexEntrySize)
	}
	if sectorSize < FileHeaderFixedSize+IndexEntrySize {
		return Geometry{}, fmt.Errorf("sector size %d cannot hold a file header, need at least %d",
			sectorSize, FileHeaderFixedSize+IndexEntrySize)
	}

	geo := Geometry{
		SectorSize:   sectorSize,
		NumFirstIdx:  (sectorSize - FileHeaderFixedSize) / IndexEntrySize,
		NumSecondIdx: sectorSize / IndexEntrySize,
	}
	// File lengths are stored as int32.
	if geo.MaxFileSize() > math.MaxInt32 {
		return Geometry{}, fmt.Errorf("sector size %d allows files larger than %d bytes", sectorSize, math.MaxInt32)
	}
	return geo, nil
}

// MaxSectors is the number of data sectors a single file can address (K*M).
func (g Geometry) MaxSectors() int {
	return g.NumFirstIdx * g.NumSecondIdx
}

// MaxFileSize is the largest byte length a single file can reach.
func (g Geometry) MaxFileSize() int64 {
	return int64(g.MaxSectors()) * int64(g.SectorSize)
}

// SectorsFor returns the number of data sectors needed to hold size bytes.
func (g Geometry) SectorsFor(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(g.SectorSize) - 1) / int64(g.SectorSize))
}

// IndexSectorsFor returns the number of first-level index sectors needed for numSectors data sectors.
func (g Geometry) IndexSectorsFor(numSectors int) int {
	return DivRoundUp(numSectors, g.NumSecondIdx)
}
