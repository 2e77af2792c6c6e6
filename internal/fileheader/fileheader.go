// Package fileheader implements the per-file block index: a fixed-size header stored in one
// sector whose first-level slots name index sectors, each of which lists the data sectors of
// one stretch of the file.
package fileheader

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deploymenttheory/go-idxfs/internal/interfaces"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// FileHeader is the in-memory copy of a file's block index.
// A FileHeader is not safe for concurrent use; callers hold the file's lock.
type FileHeader struct {
	dev    interfaces.BlockDevice
	geo    types.Geometry
	endian binary.ByteOrder
	logger *slog.Logger
	now    func() time.Time

	numBytes   int64
	numSectors int
	fileType   types.FileType
	creation   int64
	lastAccess int64
	lastWrite  int64
	firstIdx   []types.SectorID
}

// Option configures a FileHeader.
type Option func(*FileHeader)

// WithLogger sets the logger used for allocation traces.
func WithLogger(logger *slog.Logger) Option {
	return func(h *FileHeader) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *FileHeader) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates an empty header for files stored on dev.
func New(dev interfaces.BlockDevice, opts ...Option) (*FileHeader, error) {
	geo, err := types.NewGeometry(dev.SectorSize())
	if err != nil {
		return nil, fmt.Errorf("failed to derive header geometry: %w", err)
	}

	h := &FileHeader{
		dev:      dev,
		geo:      geo,
		endian:   binary.LittleEndian,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		firstIdx: make([]types.SectorID, geo.NumFirstIdx),
	}
	for i := range h.firstIdx {
		h.firstIdx[i] = types.InvalidSector
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Allocate sizes a fresh header for a file of fileSize bytes, claiming its index and data
// sectors from alloc. Nothing is claimed or changed when the request cannot be met.
func (h *FileHeader) Allocate(alloc interfaces.SpaceAllocator, fileSize int64, fileType types.FileType) error {
	h.logger.Debug("Allocating file", "size", fileSize, "type", fileType)

	numSectors := h.geo.SectorsFor(fileSize)
	numSI := h.geo.IndexSectorsFor(numSectors)
	if numSI > h.geo.NumFirstIdx {
		return fmt.Errorf("%w: %d bytes needs %d index sectors, header holds %d",
			types.ErrCapacityExceeded, fileSize, numSI, h.geo.NumFirstIdx)
	}
	if free := alloc.FreeCount(); free < numSectors+numSI {
		return fmt.Errorf("%w: need %d sectors, %d free", types.ErrInsufficientSpace, numSectors+numSI, free)
	}

	for i := range h.firstIdx {
		h.firstIdx[i] = types.InvalidSector
	}

	entries := make([]types.SectorID, h.geo.NumSecondIdx)
	for i := 0; i < numSI; i++ {
		indexSector, err := alloc.Allocate()
		if err != nil {
			return fmt.Errorf("failed to allocate index sector: %w", err)
		}
		h.firstIdx[i] = indexSector

		for j := range entries {
			entries[j] = types.InvalidSector
			if i*h.geo.NumSecondIdx+j < numSectors {
				if entries[j], err = alloc.Allocate(); err != nil {
					return fmt.Errorf("failed to allocate data sector: %w", err)
				}
			}
		}
		if err := h.writeIndex(indexSector, entries); err != nil {
			return err
		}
	}

	stamp := h.now().Unix()
	h.numBytes = max(fileSize, 0)
	h.numSectors = numSectors
	h.fileType = fileType
	h.creation, h.lastAccess, h.lastWrite = stamp, stamp, stamp
	return nil
}

// Deallocate returns every index and data sector of the file to alloc and empties the header.
// A sector that alloc does not consider allocated means the index is corrupt; nothing is freed then.
func (h *FileHeader) Deallocate(alloc interfaces.SpaceAllocator) error {
	h.logger.Debug("Deallocating file", "sectors", h.numSectors)

	data, err := h.DataSectors()
	if err != nil {
		return err
	}
	index := h.IndexSectors()

	owned := append(index, data...)
	for _, sector := range owned {
		if !alloc.IsAllocated(sector) {
			return fmt.Errorf("%w: sector %d is not allocated", types.ErrCorruptIndex, sector)
		}
	}
	for _, sector := range owned {
		alloc.Free(sector)
	}

	for i := range h.firstIdx {
		h.firstIdx[i] = types.InvalidSector
	}
	h.numBytes = 0
	h.numSectors = 0
	return nil
}

// Reallocate changes the file length to newSize, claiming or releasing sectors at the tail.
// A non-positive size releases everything. Growth is checked before any sector is claimed.
func (h *FileHeader) Reallocate(alloc interfaces.SpaceAllocator, newSize int64) error {
	h.logger.Debug("Reallocating file", "from", h.numBytes, "to", newSize)

	if newSize <= 0 {
		return h.Deallocate(alloc)
	}

	newSectors := h.geo.SectorsFor(newSize)
	switch {
	case newSectors > h.numSectors:
		if err := h.grow(alloc, newSectors); err != nil {
			return err
		}
	case newSectors < h.numSectors:
		if err := h.shrink(alloc, newSectors); err != nil {
			return err
		}
	}

	h.numBytes = newSize
	h.numSectors = newSectors
	return nil
}

func (h *FileHeader) grow(alloc interfaces.SpaceAllocator, newSectors int) error {
	m := h.geo.NumSecondIdx
	oldSI := h.geo.IndexSectorsFor(h.numSectors)
	newSI := h.geo.IndexSectorsFor(newSectors)
	if newSI > h.geo.NumFirstIdx {
		return fmt.Errorf("%w: %d sectors needs %d index sectors, header holds %d",
			types.ErrCapacityExceeded, newSectors, newSI, h.geo.NumFirstIdx)
	}
	need := newSectors - h.numSectors + newSI - oldSI
	if free := alloc.FreeCount(); free < need {
		return fmt.Errorf("%w: need %d sectors, %d free", types.ErrInsufficientSpace, need, free)
	}

	for i := h.numSectors; i < newSectors; {
		fidx := i / m

		var entries []types.SectorID
		if h.firstIdx[fidx].Valid() {
			var err error
			if entries, err = h.readIndex(h.firstIdx[fidx]); err != nil {
				return err
			}
		} else {
			indexSector, err := alloc.Allocate()
			if err != nil {
				return fmt.Errorf("failed to allocate index sector: %w", err)
			}
			h.firstIdx[fidx] = indexSector
			entries = make([]types.SectorID, m)
			for j := range entries {
				entries[j] = types.InvalidSector
			}
		}

		for j := i - fidx*m; j < m && i < newSectors; j, i = j+1, i+1 {
			sector, err := alloc.Allocate()
			if err != nil {
				return fmt.Errorf("failed to allocate data sector: %w", err)
			}
			entries[j] = sector
		}
		if err := h.writeIndex(h.firstIdx[fidx], entries); err != nil {
			return err
		}
	}
	return nil
}

func (h *FileHeader) shrink(alloc interfaces.SpaceAllocator, newSectors int) error {
	m := h.geo.NumSecondIdx

	for i := h.numSectors - 1; i >= newSectors; {
		fidx := i / m
		indexSector := h.firstIdx[fidx]
		if !alloc.IsAllocated(indexSector) {
			return fmt.Errorf("%w: index sector %d is not allocated", types.ErrCorruptIndex, indexSector)
		}
		entries, err := h.readIndex(indexSector)
		if err != nil {
			return err
		}

		for j := i - fidx*m; j >= 0 && i >= newSectors; j, i = j-1, i-1 {
			if !alloc.IsAllocated(entries[j]) {
				return fmt.Errorf("%w: data sector %d is not allocated", types.ErrCorruptIndex, entries[j])
			}
			alloc.Free(entries[j])
			entries[j] = types.InvalidSector
		}

		// An index sector whose first entry was just released holds nothing any more.
		if fidx*m >= newSectors {
			alloc.Free(indexSector)
			h.firstIdx[fidx] = types.InvalidSector
			continue
		}
		if err := h.writeIndex(indexSector, entries); err != nil {
			return err
		}
	}
	return nil
}

// ByteToSector translates a byte offset within the file into the device sector holding it.
func (h *FileHeader) ByteToSector(offset int64) (types.SectorID, error) {
	seq := int(offset / int64(h.geo.SectorSize))
	if offset < 0 || seq >= h.numSectors {
		return types.InvalidSector, fmt.Errorf("%w: offset %d outside %d allocated sectors",
			types.ErrInvalidOperation, offset, h.numSectors)
	}

	entries, err := h.readIndex(h.firstIdx[seq/h.geo.NumSecondIdx])
	if err != nil {
		return types.InvalidSector, err
	}
	return entries[seq%h.geo.NumSecondIdx], nil
}

// DataSectors lists the data sectors of the file in file order.
func (h *FileHeader) DataSectors() ([]types.SectorID, error) {
	sectors := make([]types.SectorID, 0, h.numSectors)
	for i := 0; i < h.geo.IndexSectorsFor(h.numSectors); i++ {
		entries, err := h.readIndex(h.firstIdx[i])
		if err != nil {
			return nil, err
		}
		for j, sector := range entries {
			if i*h.geo.NumSecondIdx+j >= h.numSectors {
				break
			}
			sectors = append(sectors, sector)
		}
	}
	return sectors, nil
}

// IndexSectors lists the occupied first-level slots.
func (h *FileHeader) IndexSectors() []types.SectorID {
	numSI := h.geo.IndexSectorsFor(h.numSectors)
	return append([]types.SectorID(nil), h.firstIdx[:numSI]...)
}

// FileLength returns the file length in bytes.
func (h *FileHeader) FileLength() int64 {
	return h.numBytes
}

// NumSectors returns the number of data sectors.
func (h *FileHeader) NumSectors() int {
	return h.numSectors
}

// FileType returns the tag recorded at allocation.
func (h *FileHeader) FileType() types.FileType {
	return h.fileType
}

// Geometry returns the index geometry used by this header.
func (h *FileHeader) Geometry() types.Geometry {
	return h.geo
}

// SetLastAccess records a read of the file.
func (h *FileHeader) SetLastAccess(t time.Time) {
	h.lastAccess = t.Unix()
}

// SetLastWrite records a write to the file.
func (h *FileHeader) SetLastWrite(t time.Time) {
	h.lastWrite = t.Unix()
}

// Touch stamps the access time, and the write time too when written is set.
func (h *FileHeader) Touch(written bool) {
	now := h.now()
	h.SetLastAccess(now)
	if written {
		h.SetLastWrite(now)
	}
}

// Info is a snapshot of a header's scalar fields.
type Info struct {
	Size         int64
	Sectors      int
	IndexSectors int
	Type         types.FileType
	Created      time.Time
	Accessed     time.Time
	Modified     time.Time
}

// Info returns a snapshot of the header fields.
func (h *FileHeader) Info() Info {
	return Info{
		Size:         h.numBytes,
		Sectors:      h.numSectors,
		IndexSectors: h.geo.IndexSectorsFor(h.numSectors),
		Type:         h.fileType,
		Created:      time.Unix(h.creation, 0),
		Accessed:     time.Unix(h.lastAccess, 0),
		Modified:     time.Unix(h.lastWrite, 0),
	}
}

// Print writes the header fields, the index listing and a hex dump of the contents.
func (h *FileHeader) Print(w io.Writer) error {
	info := h.Info()
	if _, err := fmt.Fprintf(w, "FileHeader contents.  File size: %d, type: %d\n", info.Size, int32(info.Type)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "creation: %s\nlast access: %s\nlast write: %s\n",
		info.Created.Format(time.DateTime), info.Accessed.Format(time.DateTime), info.Modified.Format(time.DateTime)); err != nil {
		return err
	}

	data, err := h.DataSectors()
	if err != nil {
		return err
	}
	m := h.geo.NumSecondIdx
	for i, indexSector := range h.IndexSectors() {
		if _, err := fmt.Fprintf(w, "%d: ", indexSector); err != nil {
			return err
		}
		for _, sector := range data[i*m : min((i+1)*m, len(data))] {
			if _, err := fmt.Fprintf(w, "%d, ", sector); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintln(w, "File contents:"); err != nil {
		return err
	}
	buf := make([]byte, h.geo.SectorSize)
	remaining := h.numBytes
	column := 0
	for _, sector := range data {
		if err := h.dev.ReadSector(sector, buf); err != nil {
			return fmt.Errorf("failed to read data sector %d: %w", sector, err)
		}
		for _, b := range buf[:min(int64(len(buf)), remaining)] {
			if _, err := fmt.Fprintf(w, "%02x ", b); err != nil {
				return err
			}
			if column++; column == 16 {
				column = 0
				if _, err := fmt.Fprintln(w); err != nil {
					return err
				}
			}
		}
		remaining -= min(int64(len(buf)), remaining)
		if _, err := fmt.Fprintf(w, "end sector %d\n", sector); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w)
	return err
}
