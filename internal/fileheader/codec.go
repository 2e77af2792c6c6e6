package fileheader

import (
	"fmt"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// FetchFrom loads the header stored in sector.
func (h *FileHeader) FetchFrom(sector types.SectorID) error {
	buf := make([]byte, h.geo.SectorSize)
	if err := h.dev.ReadSector(sector, buf); err != nil {
		return fmt.Errorf("failed to read file header at sector %d: %w", sector, err)
	}
	if err := h.decode(buf); err != nil {
		return fmt.Errorf("file header at sector %d: %w", sector, err)
	}
	return nil
}

// WriteBack stores the header in sector.
func (h *FileHeader) WriteBack(sector types.SectorID) error {
	if err := h.dev.WriteSector(sector, h.encode()); err != nil {
		return fmt.Errorf("failed to write file header at sector %d: %w", sector, err)
	}
	return nil
}

func (h *FileHeader) encode() []byte {
	buf := make([]byte, h.geo.SectorSize)
	h.endian.PutUint32(buf[0:4], uint32(int32(h.numBytes)))
	h.endian.PutUint32(buf[4:8], uint32(int32(h.numSectors)))
	h.endian.PutUint32(buf[8:12], uint32(h.fileType))
	h.endian.PutUint64(buf[12:20], uint64(h.creation))
	h.endian.PutUint64(buf[20:28], uint64(h.lastAccess))
	h.endian.PutUint64(buf[28:36], uint64(h.lastWrite))

	for i, sector := range h.firstIdx {
		off := types.FileHeaderFixedSize + i*types.IndexEntrySize
		h.endian.PutUint32(buf[off:off+types.IndexEntrySize], uint32(sector))
	}
	return buf
}

func (h *FileHeader) decode(buf []byte) error {
	numBytes := int64(int32(h.endian.Uint32(buf[0:4])))
	numSectors := int(int32(h.endian.Uint32(buf[4:8])))
	if numBytes < 0 || numSectors != h.geo.SectorsFor(numBytes) {
		return fmt.Errorf("%w: %d bytes in %d sectors", types.ErrCorruptIndex, numBytes, numSectors)
	}

	firstIdx := make([]types.SectorID, h.geo.NumFirstIdx)
	for i := range firstIdx {
		off := types.FileHeaderFixedSize + i*types.IndexEntrySize
		firstIdx[i] = types.SectorID(int32(h.endian.Uint32(buf[off : off+types.IndexEntrySize])))
	}
	for i := 0; i < h.geo.IndexSectorsFor(numSectors); i++ {
		if !firstIdx[i].Valid() || int(firstIdx[i]) >= h.dev.NumSectors() {
			return fmt.Errorf("%w: first-level slot %d names sector %d", types.ErrCorruptIndex, i, firstIdx[i])
		}
	}

	h.numBytes = numBytes
	h.numSectors = numSectors
	h.fileType = types.FileType(int32(h.endian.Uint32(buf[8:12])))
	h.creation = int64(h.endian.Uint64(buf[12:20]))
	h.lastAccess = int64(h.endian.Uint64(buf[20:28]))
	h.lastWrite = int64(h.endian.Uint64(buf[28:36]))
	h.firstIdx = firstIdx
	return nil
}

func (h *FileHeader) readIndex(sector types.SectorID) ([]types.SectorID, error) {
	buf := make([]byte, h.geo.SectorSize)
	if err := h.dev.ReadSector(sector, buf); err != nil {
		return nil, fmt.Errorf("failed to read index sector %d: %w", sector, err)
	}

	entries := make([]types.SectorID, h.geo.NumSecondIdx)
	for j := range entries {
		off := j * types.IndexEntrySize
		entries[j] = types.SectorID(int32(h.endian.Uint32(buf[off : off+types.IndexEntrySize])))
	}
	return entries, nil
}

func (h *FileHeader) writeIndex(sector types.SectorID, entries []types.SectorID) error {
	buf := make([]byte, h.geo.SectorSize)
	for j, entry := range entries {
		off := j * types.IndexEntrySize
		h.endian.PutUint32(buf[off:off+types.IndexEntrySize], uint32(entry))
	}
	if err := h.dev.WriteSector(sector, buf); err != nil {
		return fmt.Errorf("failed to write index sector %d: %w", sector, err)
	}
	return nil
}
