// Package openfile implements a handle on a stored file: a seek cursor plus positional reads and
// writes that translate byte ranges into whole-sector device transfers.
//
// Every transfer runs under the reader-writer lock the filesystem keeps for the file's header
// sector, so handles opened on the same file by different goroutines see each other's writes
// whole. The header is fetched fresh from the device for each transfer.
package openfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-idxfs/internal/fileheader"
	"github.com/deploymenttheory/go-idxfs/internal/interfaces"
	"github.com/deploymenttheory/go-idxfs/internal/metrics"
	"github.com/deploymenttheory/go-idxfs/internal/rwlock"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// FileSystem is what a handle needs from the filesystem that opened it.
type FileSystem interface {
	// Resize changes the length of the file described by hdr, claiming or releasing sectors.
	Resize(hdr *fileheader.FileHeader, size int64) error

	// LockFor returns the shared lock for a header sector, taking a reference on it.
	LockFor(sector types.SectorID) *rwlock.RWLock

	// ReleaseLock drops a reference taken by LockFor.
	ReleaseLock(sector types.SectorID)
}

// OpenFile is an open handle on one file.
type OpenFile struct {
	sector types.SectorID
	dev    interfaces.BlockDevice
	fs     FileSystem
	lock   *rwlock.RWLock

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	pos    int64
	closed bool
}

// Option configures a handle.
type Option func(*OpenFile)

// WithLogger sets the logger used for transfer traces.
func WithLogger(logger *slog.Logger) Option {
	return func(f *OpenFile) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics records transfer counts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *OpenFile) {
		f.metrics = m
	}
}

// New opens the file whose header lives in sector.
func New(sector types.SectorID, dev interfaces.BlockDevice, fs FileSystem, opts ...Option) *OpenFile {
	f := &OpenFile{
		sector: sector,
		dev:    dev,
		fs:     fs,
		lock:   fs.LockFor(sector),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.metrics.IncOpenHandles()
	return f
}

// Sector returns the header sector of the file.
func (f *OpenFile) Sector() types.SectorID {
	return f.sector
}

// Close releases the handle's reference on the file lock. Closing twice is a no-op.
func (f *OpenFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.fs.ReleaseLock(f.sector)
	f.metrics.DecOpenHandles()
	return nil
}

// Seek sets the cursor used by Read and Write.
func (f *OpenFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		length, err := f.Length()
		if err != nil {
			return f.pos, err
		}
		base = length
	default:
		return f.pos, fmt.Errorf("%w: whence %d", types.ErrInvalidOperation, whence)
	}

	if base+offset < 0 {
		return f.pos, fmt.Errorf("%w: negative position %d", types.ErrInvalidOperation, base+offset)
	}
	f.pos = base + offset
	return f.pos, nil
}

// Read reads at the cursor and advances it by the count read.
func (f *OpenFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write writes at the cursor and advances it by the count written.
func (f *OpenFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Length returns the current file length. It does not take the file lock.
func (f *OpenFile) Length() (int64, error) {
	hdr, err := f.fetchHeader()
	if err != nil {
		return 0, err
	}
	return hdr.FileLength(), nil
}

// ReadAt reads up to len(p) bytes starting at off. Fewer bytes are returned, with io.EOF, when
// the range runs past the end of the file.
func (f *OpenFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", types.ErrInvalidOperation, off)
	}
	n, err := f.readAt(p, off, true)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	f.metrics.RecordRead(n)
	return n, err
}

// readAt is ReadAt without the io.EOF convention. With lock unset the caller already holds the
// file lock for writing.
func (f *OpenFile) readAt(p []byte, off int64, lock bool) (int, error) {
	if lock {
		holder := uuid.New()
		f.lock.AcquireReader(holder)
		defer f.lock.ReleaseReader(holder)
	}

	hdr, err := f.fetchHeader()
	if err != nil {
		return 0, err
	}
	length := hdr.FileLength()
	if len(p) == 0 || off >= length {
		return 0, nil
	}

	numBytes := int64(len(p))
	if off+numBytes > length {
		numBytes = length - off
	}
	f.logger.Debug("Reading", "bytes", numBytes, "offset", off, "length", length)

	sectorSize := int64(f.dev.SectorSize())
	firstSector := off / sectorSize
	lastSector := (off + numBytes - 1) / sectorSize

	buf := make([]byte, (lastSector-firstSector+1)*sectorSize)
	for i := firstSector; i <= lastSector; i++ {
		sector, err := hdr.ByteToSector(i * sectorSize)
		if err != nil {
			return 0, err
		}
		chunk := buf[(i-firstSector)*sectorSize : (i-firstSector+1)*sectorSize]
		if err := f.dev.ReadSector(sector, chunk); err != nil {
			return 0, fmt.Errorf("failed to read sector %d: %w", sector, err)
		}
	}
	copy(p, buf[off-firstSector*sectorSize:off-firstSector*sectorSize+numBytes])

	hdr.Touch(false)
	if err := hdr.WriteBack(f.sector); err != nil {
		return 0, err
	}
	return int(numBytes), nil
}

// WriteAt writes p at off, growing the file when the range ends past its length. When the file
// cannot grow the write is cut at the current end of file and io.ErrShortWrite is returned with
// the count actually stored.
func (f *OpenFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", types.ErrInvalidOperation, off)
	}

	holder := uuid.New()
	f.lock.AcquireWriter(holder)
	defer f.lock.ReleaseWriter(holder)

	n, err := f.writeAt(p, off)
	f.metrics.RecordWrite(n, errors.Is(err, io.ErrShortWrite))
	return n, err
}

func (f *OpenFile) writeAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	hdr, err := f.fetchHeader()
	if err != nil {
		return 0, err
	}
	length := hdr.FileLength()
	numBytes := int64(len(p))

	var short bool
	end := off + numBytes
	if end < off || end > hdr.Geometry().MaxFileSize() {
		// Past the largest file a header can index; only the existing bytes can be written.
		short = true
		numBytes = max(length-off, 0)
	} else if end > length {
		if err := f.fs.Resize(hdr, off+numBytes); err != nil {
			if !errors.Is(err, types.ErrInsufficientSpace) {
				return 0, fmt.Errorf("failed to grow file: %w", err)
			}
			f.logger.Debug("Resize file failed", "sector", f.sector, "want", off+numBytes, "error", err)
			short = true
			numBytes = max(length-off, 0)
		} else {
			f.logger.Debug("Resize file succeeded", "sector", f.sector, "length", off+numBytes)
		}
		if err := hdr.WriteBack(f.sector); err != nil {
			return 0, err
		}
	}
	if numBytes == 0 {
		return 0, io.ErrShortWrite
	}
	f.logger.Debug("Writing", "bytes", numBytes, "offset", off, "length", length)

	sectorSize := int64(f.dev.SectorSize())
	firstSector := off / sectorSize
	lastSector := (off + numBytes - 1) / sectorSize
	buf := make([]byte, (lastSector-firstSector+1)*sectorSize)

	firstAligned := off == firstSector*sectorSize
	lastAligned := off+numBytes == (lastSector+1)*sectorSize

	// Partially covered boundary sectors keep their existing bytes.
	if !firstAligned {
		if _, err := f.readAt(buf[:sectorSize], firstSector*sectorSize, false); err != nil {
			return 0, err
		}
	}
	if !lastAligned && (firstSector != lastSector || firstAligned) {
		tail := buf[(lastSector-firstSector)*sectorSize:]
		if _, err := f.readAt(tail, lastSector*sectorSize, false); err != nil {
			return 0, err
		}
	}
	copy(buf[off-firstSector*sectorSize:], p[:numBytes])

	for i := firstSector; i <= lastSector; i++ {
		sector, err := hdr.ByteToSector(i * sectorSize)
		if err != nil {
			return 0, err
		}
		if err := f.dev.WriteSector(sector, buf[(i-firstSector)*sectorSize:(i-firstSector+1)*sectorSize]); err != nil {
			return 0, fmt.Errorf("failed to write sector %d: %w", sector, err)
		}
	}

	hdr.Touch(true)
	if err := hdr.WriteBack(f.sector); err != nil {
		return 0, err
	}
	if short {
		return int(numBytes), io.ErrShortWrite
	}
	return int(numBytes), nil
}

// Truncate sets the file length to exactly size, releasing or claiming sectors at the tail.
func (f *OpenFile) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", types.ErrInvalidOperation, size)
	}

	holder := uuid.New()
	f.lock.AcquireWriter(holder)
	defer f.lock.ReleaseWriter(holder)

	hdr, err := f.fetchHeader()
	if err != nil {
		return err
	}
	if hdr.FileLength() == size {
		return nil
	}
	if err := f.fs.Resize(hdr, size); err != nil {
		return fmt.Errorf("failed to truncate file to %d bytes: %w", size, err)
	}
	hdr.Touch(true)
	return hdr.WriteBack(f.sector)
}

func (f *OpenFile) fetchHeader() (*fileheader.FileHeader, error) {
	hdr, err := fileheader.New(f.dev, fileheader.WithLogger(f.logger))
	if err != nil {
		return nil, err
	}
	if err := hdr.FetchFrom(f.sector); err != nil {
		return nil, err
	}
	return hdr, nil
}
