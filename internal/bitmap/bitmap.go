// Package bitmap implements the free-sector map: one bit per device sector, set when the
// sector is in use. Allocation is first fit from sector 0.
package bitmap

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// BitMap tracks which sectors of a device are allocated.
// A BitMap is not safe for concurrent use; the filesystem serializes access to it.
type BitMap struct {
	numBits int
	bits    []byte
	numSet  int
}

// New creates a map for numBits sectors, all free.
func New(numBits int) *BitMap {
	return &BitMap{
		numBits: numBits,
		bits:    make([]byte, SizeInBytes(numBits)),
	}
}

// SizeInBytes is the number of bytes needed to persist a map of numBits sectors.
func SizeInBytes(numBits int) int {
	return types.DivRoundUp(numBits, 8)
}

// Len returns the number of sectors tracked.
func (b *BitMap) Len() int {
	return b.numBits
}

// Mark claims a specific sector.
func (b *BitMap) Mark(sector types.SectorID) {
	b.checkRange(sector)
	byteIndex, mask := locate(sector)
	if b.bits[byteIndex]&mask == 0 {
		b.bits[byteIndex] |= mask
		b.numSet++
	}
}

// Free returns a sector to the pool. Freeing a free sector is a no-op.
func (b *BitMap) Free(sector types.SectorID) {
	b.checkRange(sector)
	byteIndex, mask := locate(sector)
	if b.bits[byteIndex]&mask != 0 {
		b.bits[byteIndex] &^= mask
		b.numSet--
	}
}

// IsAllocated reports whether the sector is claimed. Out of range sectors are never allocated.
func (b *BitMap) IsAllocated(sector types.SectorID) bool {
	if !sector.Valid() || int(sector) >= b.numBits {
		return false
	}
	byteIndex, mask := locate(sector)
	return b.bits[byteIndex]&mask != 0
}

// Allocate claims the lowest-numbered free sector.
func (b *BitMap) Allocate() (types.SectorID, error) {
	if b.numSet == b.numBits {
		return types.InvalidSector, types.ErrInsufficientSpace
	}

	// Traverse each byte to find the first one with a 0 bit (free sector)
	for byteIndex, v := range b.bits {
		if v == 0xFF {
			continue
		}
		bitIndex := byteIndex*8 + bits.TrailingZeros8(^v)
		if bitIndex >= b.numBits {
			break
		}
		sector := types.SectorID(bitIndex)
		b.Mark(sector)
		return sector, nil
	}

	return types.InvalidSector, types.ErrInsufficientSpace
}

// FreeCount returns the number of free sectors.
func (b *BitMap) FreeCount() int {
	return b.numBits - b.numSet
}

// Bytes returns the persisted form of the map. The slice aliases internal state.
func (b *BitMap) Bytes() []byte {
	return b.bits
}

// FetchFrom loads the map from the start of r.
func (b *BitMap) FetchFrom(r io.ReaderAt) error {
	buf := make([]byte, len(b.bits))
	n, err := r.ReadAt(buf, 0)
	if n != len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("failed to read free map: %w", err)
	}

	// Bits past numBits in the last byte are padding and must stay clear.
	if extra := len(buf)*8 - b.numBits; extra > 0 {
		buf[len(buf)-1] &= byte(0xFF) >> extra
	}

	b.bits = buf
	b.numSet = 0
	for _, v := range buf {
		b.numSet += bits.OnesCount8(v)
	}
	return nil
}

// WriteBack persists the map to the start of w.
func (b *BitMap) WriteBack(w io.WriterAt) error {
	if _, err := w.WriteAt(b.bits, 0); err != nil {
		return fmt.Errorf("failed to write free map: %w", err)
	}
	return nil
}

// Print writes the allocated sector numbers, mirroring a debug dump of the map.
func (b *BitMap) Print(w io.Writer) error {
	if _, err := fmt.Fprint(w, "Bitmap set:\n"); err != nil {
		return err
	}
	for i := 0; i < b.numBits; i++ {
		if b.IsAllocated(types.SectorID(i)) {
			if _, err := fmt.Fprintf(w, "%d, ", i); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func (b *BitMap) checkRange(sector types.SectorID) {
	if !sector.Valid() || int(sector) >= b.numBits {
		panic(fmt.Sprintf("bitmap: sector %d out of range [0, %d)", sector, b.numBits))
	}
}

func locate(sector types.SectorID) (int, byte) {
	return int(sector) / 8, byte(1) << (uint(sector) % 8)
}
