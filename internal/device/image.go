package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// Disk image layout: a 16 byte prefix followed by the sectors.
//
//	0   [8]byte  magic "IDXFSIMG"
//	8   uint32   sector size
//	12  uint32   sector count
const (
	imageMagic      = "IDXFSIMG"
	imagePrefixSize = 16
)

// ImageDevice provides sector access to a disk image file on the host
type ImageDevice struct {
	file       *os.File
	path       string
	sectorSize int
	numSectors int
	offset     int64 // Offset of sector 0 within the image file
	locked     bool
	closeOnce  sync.Once
	stats      Statistics
}

// ImageOptions controls how an image is created or opened
type ImageOptions struct {
	// Lock takes an exclusive advisory lock on the image for the lifetime of the device
	Lock bool
}

// CreateImage creates (or truncates) a disk image with numSectors zeroed sectors
func CreateImage(path string, sectorSize, numSectors int, opts ImageOptions) (*ImageDevice, error) {
	if sectorSize <= 0 || numSectors <= 0 {
		return nil, fmt.Errorf("invalid image geometry: %d sectors of %d bytes", numSectors, sectorSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk image: %w", err)
	}

	device := &ImageDevice{
		file:       file,
		path:       path,
		sectorSize: sectorSize,
		numSectors: numSectors,
		offset:     imagePrefixSize,
	}

	if opts.Lock {
		if err := lockFile(file); err != nil {
			file.Close()
			return nil, err
		}
		device.locked = true
	}

	if err := file.Truncate(0); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to truncate disk image: %w", err)
	}
	if err := file.Truncate(imagePrefixSize + int64(sectorSize)*int64(numSectors)); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to size disk image: %w", err)
	}

	prefix := make([]byte, imagePrefixSize)
	copy(prefix[0:8], imageMagic)
	binary.LittleEndian.PutUint32(prefix[8:12], uint32(sectorSize))
	binary.LittleEndian.PutUint32(prefix[12:16], uint32(numSectors))
	if _, err := file.WriteAt(prefix, 0); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to write image prefix: %w", err)
	}

	return device, nil
}

// OpenImage opens an existing disk image and reads its geometry from the prefix
func OpenImage(path string, opts ImageOptions) (*ImageDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk image: %w", err)
	}

	device := &ImageDevice{
		file:   file,
		path:   path,
		offset: imagePrefixSize,
	}

	if opts.Lock {
		if err := lockFile(file); err != nil {
			file.Close()
			return nil, err
		}
		device.locked = true
	}

	if err := device.readPrefix(); err != nil {
		device.Close()
		return nil, err
	}

	return device, nil
}

// readPrefix validates the image magic and loads the geometry
func (d *ImageDevice) readPrefix() error {
	prefix := make([]byte, imagePrefixSize)
	if _, err := d.file.ReadAt(prefix, 0); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: %s is too short", ErrBadImage, d.path)
		}
		return fmt.Errorf("failed to read image prefix: %w", err)
	}

	if string(prefix[0:8]) != imageMagic {
		return fmt.Errorf("%w: bad magic in %s", ErrBadImage, d.path)
	}

	d.sectorSize = int(binary.LittleEndian.Uint32(prefix[8:12]))
	d.numSectors = int(binary.LittleEndian.Uint32(prefix[12:16]))

	stat, err := d.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat disk image: %w", err)
	}

	want := d.offset + int64(d.sectorSize)*int64(d.numSectors)
	if stat.Size() < want {
		return fmt.Errorf("%w: %s holds %d bytes, geometry needs %d", ErrBadImage, d.path, stat.Size(), want)
	}

	return nil
}

// ReadSector reads a single sector at the specified address
func (d *ImageDevice) ReadSector(sector types.SectorID, data []byte) error {
	off, err := d.sectorOffset(sector, data)
	if err != nil {
		return err
	}

	if _, err := d.file.ReadAt(data, off); err != nil {
		return fmt.Errorf("failed to read sector %d: %w", sector, err)
	}

	d.stats.recordRead(len(data))
	return nil
}

// WriteSector writes a single sector at the specified address
func (d *ImageDevice) WriteSector(sector types.SectorID, data []byte) error {
	off, err := d.sectorOffset(sector, data)
	if err != nil {
		return err
	}

	if _, err := d.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("failed to write sector %d: %w", sector, err)
	}

	d.stats.recordWrite(len(data))
	return nil
}

func (d *ImageDevice) sectorOffset(sector types.SectorID, data []byte) (int64, error) {
	if d.file == nil {
		return 0, ErrClosed
	}
	if len(data) != d.sectorSize {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrBadBufferSize, len(data), d.sectorSize)
	}
	if !sector.Valid() || int(sector) >= d.numSectors {
		return 0, fmt.Errorf("%w: %d", ErrSectorOutOfRange, sector)
	}
	return d.offset + int64(sector)*int64(d.sectorSize), nil
}

// SectorSize returns the sector size (128 bytes unless configured otherwise)
func (d *ImageDevice) SectorSize() int {
	return d.sectorSize
}

// NumSectors returns the number of sectors in the image
func (d *ImageDevice) NumSectors() int {
	return d.numSectors
}

// Path returns the host path of the image
func (d *ImageDevice) Path() string {
	return d.path
}

// Stats returns a snapshot of the access counters
func (d *ImageDevice) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// Sync flushes the image to stable storage
func (d *ImageDevice) Sync() error {
	if d.file == nil {
		return ErrClosed
	}
	return d.file.Sync()
}

// Close releases the advisory lock and closes the image file
func (d *ImageDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.file == nil {
			return
		}
		if d.locked {
			_ = unlockFile(d.file)
		}
		err = d.file.Close()
	})
	return err
}
