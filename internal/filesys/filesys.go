// Package filesys ties the storage core together: it owns the free-sector map and the directory
// tree of one device, keeps both persisted in system files, and hands out open files that share
// one lock per header sector.
//
// Disk layout:
//
//	sector 0  header of the free map file (one bit per sector)
//	sector 1  header of the directory image file
//	sector 2  header of the root directory
//
// Namespace changes are serialized by one mutex and allocator state by another. Locks are always
// taken in the order namespace, file, allocator, free map file.
package filesys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deploymenttheory/go-idxfs/internal/bitmap"
	"github.com/deploymenttheory/go-idxfs/internal/directory"
	"github.com/deploymenttheory/go-idxfs/internal/fileheader"
	"github.com/deploymenttheory/go-idxfs/internal/interfaces"
	"github.com/deploymenttheory/go-idxfs/internal/metrics"
	"github.com/deploymenttheory/go-idxfs/internal/openfile"
	"github.com/deploymenttheory/go-idxfs/internal/rwlock"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// FileSystem is a mounted filesystem.
type FileSystem struct {
	dev     interfaces.BlockDevice
	geo     types.Geometry
	logger  *slog.Logger
	metrics *metrics.Metrics

	nsMu   sync.Mutex
	tree   *directory.Tree
	dir    *openfile.OpenFile
	closed bool

	allocMu sync.Mutex
	freeMap *bitmap.BitMap
	mapFile *openfile.OpenFile

	locksMu sync.Mutex
	locks   map[types.SectorID]*rwlock.RWLock
}

// Option configures a filesystem.
type Option func(*FileSystem)

// WithLogger sets the logger for the filesystem and everything it opens.
func WithLogger(logger *slog.Logger) Option {
	return func(fs *FileSystem) {
		if logger != nil {
			fs.logger = logger
		}
	}
}

// WithMetrics records allocation, I/O and lock metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(fs *FileSystem) {
		fs.metrics = m
	}
}

func newFileSystem(dev interfaces.BlockDevice, opts []Option) (*FileSystem, error) {
	geo, err := types.NewGeometry(dev.SectorSize())
	if err != nil {
		return nil, err
	}
	if dev.NumSectors() <= types.ReservedSectors {
		return nil, fmt.Errorf("%w: device has %d sectors", types.ErrInsufficientSpace, dev.NumSectors())
	}

	fs := &FileSystem{
		dev:     dev,
		geo:     geo,
		logger:  slog.New(slog.DiscardHandler),
		freeMap: bitmap.New(dev.NumSectors()),
		locks:   make(map[types.SectorID]*rwlock.RWLock),
	}
	for _, opt := range opts {
		opt(fs)
	}
	fs.tree = directory.New(directory.WithLogger(fs.logger))
	return fs, nil
}

// Format writes an empty filesystem to dev and mounts it.
func Format(dev interfaces.BlockDevice, opts ...Option) (*FileSystem, error) {
	fs, err := newFileSystem(dev, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to format: %w", err)
	}
	fs.logger.Info("Formatting device", "sectors", dev.NumSectors(), "sector_size", dev.SectorSize())

	for s := types.SectorID(0); s < types.ReservedSectors; s++ {
		fs.freeMap.Mark(s)
	}

	system := []struct {
		sector   types.SectorID
		size     int64
		fileType types.FileType
	}{
		{sector: types.FreeMapSector, size: int64(bitmap.SizeInBytes(dev.NumSectors())), fileType: types.FileTypeSystem},
		{sector: types.DirectorySector, size: 0, fileType: types.FileTypeSystem},
		{sector: types.RootSector, size: 0, fileType: types.FileTypeDirectory},
	}
	for _, f := range system {
		hdr, err := fs.newHeader()
		if err != nil {
			return nil, err
		}
		if err := hdr.Allocate(fs.freeMap, f.size, f.fileType); err != nil {
			return nil, fmt.Errorf("failed to format: system file at sector %d: %w", f.sector, err)
		}
		if err := hdr.WriteBack(f.sector); err != nil {
			return nil, fmt.Errorf("failed to format: %w", err)
		}
	}

	fs.openSystemFiles()
	fs.allocMu.Lock()
	err = fs.commitFreeMap()
	fs.allocMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to format: %w", err)
	}

	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	if err := fs.flush(); err != nil {
		return nil, fmt.Errorf("failed to format: %w", err)
	}
	fs.metrics.RecordAllocation(0, 0, fs.freeMap.FreeCount())
	return fs, nil
}

// Mount loads the filesystem stored on dev.
func Mount(dev interfaces.BlockDevice, opts ...Option) (*FileSystem, error) {
	fs, err := newFileSystem(dev, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to mount: %w", err)
	}

	mapHdr, err := fs.header(types.FreeMapSector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFormatted, err)
	}
	if mapHdr.FileType() != types.FileTypeSystem || mapHdr.FileLength() != int64(bitmap.SizeInBytes(dev.NumSectors())) {
		return nil, fmt.Errorf("%w: free map file has type %s and %d bytes",
			ErrNotFormatted, mapHdr.FileType(), mapHdr.FileLength())
	}

	fs.openSystemFiles()
	if err := fs.freeMap.FetchFrom(fs.mapFile); err != nil {
		return nil, fmt.Errorf("failed to mount: %w", err)
	}
	for s := types.SectorID(0); s < types.ReservedSectors; s++ {
		if !fs.freeMap.IsAllocated(s) {
			return nil, fmt.Errorf("%w: reserved sector %d is free", ErrNotFormatted, s)
		}
	}

	length, err := fs.dir.Length()
	if err != nil {
		return nil, fmt.Errorf("failed to mount: %w", err)
	}
	if _, err := fs.tree.ReadFrom(io.NewSectionReader(fs.dir, 0, length)); err != nil {
		return nil, fmt.Errorf("failed to mount: %w", err)
	}

	fs.logger.Info("Mounted filesystem", "entries", fs.tree.Len(), "free_sectors", fs.freeMap.FreeCount())
	fs.metrics.RecordAllocation(0, 0, fs.freeMap.FreeCount())
	return fs, nil
}

func (fs *FileSystem) openSystemFiles() {
	fs.mapFile = openfile.New(types.FreeMapSector, fs.dev, fs, openfile.WithLogger(fs.logger))
	fs.dir = openfile.New(types.DirectorySector, fs.dev, fs, openfile.WithLogger(fs.logger))
}

func (fs *FileSystem) newHeader() (*fileheader.FileHeader, error) {
	return fileheader.New(fs.dev, fileheader.WithLogger(fs.logger))
}

func (fs *FileSystem) header(sector types.SectorID) (*fileheader.FileHeader, error) {
	hdr, err := fs.newHeader()
	if err != nil {
		return nil, err
	}
	if err := hdr.FetchFrom(sector); err != nil {
		return nil, err
	}
	return hdr, nil
}

// Create adds a regular file of size bytes at path.
func (fs *FileSystem) Create(path string, size int64) error {
	return fs.create(path, size, false)
}

// Mkdir adds an empty directory at path.
func (fs *FileSystem) Mkdir(path string) error {
	return fs.create(path, 0, true)
}

func (fs *FileSystem) create(path string, size int64, isDir bool) error {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	fs.logger.Debug("Creating file", "path", path, "size", size, "dir", isDir)

	if _, err := fs.tree.Lookup(path); err == nil {
		return fmt.Errorf("%w: %s", types.ErrAlreadyExists, path)
	}

	fileType := types.FileTypeRegular
	if isDir {
		fileType = types.FileTypeDirectory
	}
	hdr, err := fs.newHeader()
	if err != nil {
		return err
	}

	fs.allocMu.Lock()
	before := fs.freeMap.FreeCount()
	sector, err := fs.freeMap.Allocate()
	if err == nil {
		if err = hdr.Allocate(fs.freeMap, size, fileType); err != nil {
			fs.freeMap.Free(sector)
		}
	}
	if err == nil {
		err = fs.commitFreeMap()
	}
	fs.recordAllocation(before)
	fs.allocMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := hdr.WriteBack(sector); err != nil {
		return err
	}
	if err := fs.tree.Add(path, sector, isDir); err != nil {
		fs.allocMu.Lock()
		before := fs.freeMap.FreeCount()
		rollbackErr := hdr.Deallocate(fs.freeMap)
		fs.freeMap.Free(sector)
		if rollbackErr == nil {
			rollbackErr = fs.commitFreeMap()
		}
		fs.recordAllocation(before)
		fs.allocMu.Unlock()
		return errors.Join(fmt.Errorf("failed to create %s: %w", path, err), rollbackErr)
	}

	return fs.flush()
}

// Open opens the regular file at path.
func (fs *FileSystem) Open(path string) (*openfile.OpenFile, error) {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	if fs.closed {
		return nil, ErrClosed
	}

	entry, err := fs.tree.Lookup(path)
	if err != nil {
		return nil, err
	}
	if entry.IsDir {
		return nil, fmt.Errorf("%w: %s", types.ErrIsDirectory, path)
	}
	return openfile.New(entry.Sector, fs.dev, fs,
		openfile.WithLogger(fs.logger.With("path", entry.Path)),
		openfile.WithMetrics(fs.metrics),
	), nil
}

// Remove deletes the file or empty directory at path and releases its sectors.
// A file that is still open cannot be removed.
func (fs *FileSystem) Remove(path string) error {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	fs.logger.Debug("Removing file", "path", path)

	entry, err := fs.tree.Lookup(path)
	if err != nil {
		return err
	}
	if fs.inUse(entry.Sector) {
		return fmt.Errorf("%w: %s is open", types.ErrBusy, path)
	}
	hdr, err := fs.header(entry.Sector)
	if err != nil {
		return err
	}
	if err := fs.tree.Remove(path); err != nil {
		return err
	}

	fs.allocMu.Lock()
	before := fs.freeMap.FreeCount()
	if err := hdr.Deallocate(fs.freeMap); err != nil {
		fs.allocMu.Unlock()
		// Deallocate frees nothing when it fails, so the entry still owns its sectors.
		if addErr := fs.tree.Add(entry.Path, entry.Sector, entry.IsDir); addErr != nil {
			err = errors.Join(err, addErr)
		}
		return fmt.Errorf("failed to release %s: %w", path, err)
	}
	fs.freeMap.Free(entry.Sector)
	err = fs.commitFreeMap()
	fs.recordAllocation(before)
	fs.allocMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", path, err)
	}

	return fs.flush()
}

// Resize changes the length of the file described by hdr and persists the free map.
func (fs *FileSystem) Resize(hdr *fileheader.FileHeader, size int64) error {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	before := fs.freeMap.FreeCount()
	err := hdr.Reallocate(fs.freeMap, size)
	changed := fs.freeMap.FreeCount() != before
	fs.recordAllocation(before)
	if changed {
		if commitErr := fs.commitFreeMap(); commitErr != nil {
			return errors.Join(err, commitErr)
		}
	}
	return err
}

// commitFreeMap writes the in-memory free map to its file. Called with allocMu held.
func (fs *FileSystem) commitFreeMap() error {
	return fs.freeMap.WriteBack(fs.mapFile)
}

// recordAllocation reports the change in free sectors since before. Called with allocMu held.
func (fs *FileSystem) recordAllocation(before int) {
	after := fs.freeMap.FreeCount()
	fs.metrics.RecordAllocation(max(before-after, 0), max(after-before, 0), after)
}

// LockFor returns the shared lock for a header sector and takes a reference on it.
func (fs *FileSystem) LockFor(sector types.SectorID) *rwlock.RWLock {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	lock, ok := fs.locks[sector]
	if !ok {
		lock = rwlock.New(fmt.Sprintf("file@%d", sector), rwlock.WithObserver(func(mode rwlock.Mode, waited time.Duration) {
			fs.metrics.RecordLockWait(mode.String(), waited)
		}))
		fs.locks[sector] = lock
	}
	lock.Ref()
	return lock
}

// ReleaseLock drops a reference taken by LockFor. The lock is discarded with its last reference.
func (fs *FileSystem) ReleaseLock(sector types.SectorID) {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	lock, ok := fs.locks[sector]
	if !ok {
		panic(fmt.Sprintf("filesys: release of unknown lock for sector %d", sector))
	}
	if lock.Unref() == 0 {
		delete(fs.locks, sector)
	}
}

func (fs *FileSystem) inUse(sector types.SectorID) bool {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	_, ok := fs.locks[sector]
	return ok
}

// Chdir changes the directory relative paths start from.
func (fs *FileSystem) Chdir(path string) error {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	return fs.tree.Chdir(path)
}

// Cwd returns the current directory.
func (fs *FileSystem) Cwd() string {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	return fs.tree.Cwd()
}

// List returns the entries of the directory at path.
func (fs *FileSystem) List(path string) ([]directory.Entry, error) {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	return fs.tree.Children(path)
}

// Walk returns every entry of the namespace in pre-order, the root first.
func (fs *FileSystem) Walk() []directory.Entry {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()

	var entries []directory.Entry
	walker := fs.tree.List()
	for e, ok := walker.Next(); ok; e, ok = walker.Next() {
		entries = append(entries, e)
	}
	return entries
}

// FileInfo describes a stored file.
type FileInfo struct {
	directory.Entry
	fileheader.Info
}

// Stat returns the entry and header fields of the file at path.
func (fs *FileSystem) Stat(path string) (FileInfo, error) {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()

	entry, err := fs.tree.Lookup(path)
	if err != nil {
		return FileInfo{}, err
	}
	hdr, err := fs.header(entry.Sector)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Entry: entry, Info: hdr.Info()}, nil
}

// FreeSectors returns the number of unallocated sectors.
func (fs *FileSystem) FreeSectors() int {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()
	return fs.freeMap.FreeCount()
}

// Geometry returns the file header geometry of the device.
func (fs *FileSystem) Geometry() types.Geometry {
	return fs.geo
}

// Print dumps the free map, the namespace and every file header.
func (fs *FileSystem) Print(w io.Writer) error {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()

	fs.allocMu.Lock()
	err := fs.freeMap.Print(w)
	fs.allocMu.Unlock()
	if err != nil {
		return err
	}
	return fs.tree.Print(w, fs.dev)
}

// Flush persists the directory image and the free map.
func (fs *FileSystem) Flush() error {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	return fs.flush()
}

// flush writes the directory image. Called with nsMu held and allocMu released, since growing
// the directory file goes through Resize.
func (fs *FileSystem) flush() error {
	var image bytes.Buffer
	if _, err := fs.tree.WriteTo(&image); err != nil {
		return err
	}

	n, err := fs.dir.WriteAt(image.Bytes(), 0)
	if err != nil {
		if errors.Is(err, io.ErrShortWrite) {
			return fmt.Errorf("%w: directory image needs %d bytes, stored %d",
				types.ErrInsufficientSpace, image.Len(), n)
		}
		return fmt.Errorf("failed to write directory image: %w", err)
	}
	if err := fs.dir.Truncate(int64(image.Len())); err != nil {
		return err
	}

	if s, ok := fs.dev.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("failed to sync device: %w", err)
		}
	}
	fs.logger.Debug("Flushed directory", "bytes", image.Len(), "entries", fs.tree.Len())
	return nil
}

// Close flushes and releases the system files. The device stays open.
func (fs *FileSystem) Close() error {
	fs.nsMu.Lock()
	defer fs.nsMu.Unlock()
	if fs.closed {
		return nil
	}

	err := fs.flush()
	fs.closed = true
	return errors.Join(err, fs.dir.Close(), fs.mapFile.Close())
}
