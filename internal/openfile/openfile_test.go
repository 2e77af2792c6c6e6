package openfile

import (
	"bytes"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-idxfs/internal/bitmap"
	"github.com/deploymenttheory/go-idxfs/internal/device"
	"github.com/deploymenttheory/go-idxfs/internal/fileheader"
	"github.com/deploymenttheory/go-idxfs/internal/metrics"
	"github.com/deploymenttheory/go-idxfs/internal/rwlock"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

const (
	sectorSize   = 128
	headerSector = types.SectorID(0)
)

// fakeFS is a minimal filesystem: one free map and a reference-counted lock table.
type fakeFS struct {
	alloc *bitmap.BitMap

	mu    sync.Mutex
	locks map[types.SectorID]*rwlock.RWLock
}

func (fs *fakeFS) Resize(hdr *fileheader.FileHeader, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return hdr.Reallocate(fs.alloc, size)
}

func (fs *fakeFS) LockFor(sector types.SectorID) *rwlock.RWLock {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	lock, ok := fs.locks[sector]
	if !ok {
		lock = rwlock.New("file")
		fs.locks[sector] = lock
	}
	lock.Ref()
	return lock
}

func (fs *fakeFS) ReleaseLock(sector types.SectorID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.locks[sector].Unref() == 0 {
		delete(fs.locks, sector)
	}
}

func (fs *fakeFS) freeCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.alloc.FreeCount()
}

// newFile creates an empty file on a fresh device and opens it.
func newFile(t *testing.T, numSectors int, opts ...Option) (*OpenFile, *fakeFS) {
	t.Helper()
	dev := device.NewMemoryDevice(sectorSize, numSectors)
	fs := &fakeFS{alloc: bitmap.New(numSectors), locks: map[types.SectorID]*rwlock.RWLock{}}
	fs.alloc.Mark(headerSector)

	hdr, err := fileheader.New(dev)
	require.NoError(t, err)
	require.NoError(t, hdr.Allocate(fs.alloc, 0, types.FileTypeRegular))
	require.NoError(t, hdr.WriteBack(headerSector))

	f := New(headerSector, dev, fs, opts...)
	t.Cleanup(func() { _ = f.Close() })
	return f, fs
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i*7)
	}
	return p
}

func TestOpenFile_UnalignedWritesAreByteExact(t *testing.T) {
	f, _ := newFile(t, 256)
	model := []byte{}

	writes := []struct {
		off  int64
		size int
	}{
		{off: 0, size: 1},
		{off: 1, size: 126},
		{off: 127, size: 2},
		{off: 300, size: 50},
		{off: 10, size: 500},
		{off: 128, size: 128},
		{off: 1000, size: 4097},
		{off: 4000, size: 3},
	}

	for i, w := range writes {
		data := pattern(w.size, byte(i*31))
		n, err := f.WriteAt(data, w.off)
		require.NoError(t, err)
		require.Equal(t, w.size, n)

		end := int(w.off) + w.size
		if end > len(model) {
			model = append(model, make([]byte, end-len(model))...)
		}
		copy(model[w.off:], data)

		length, err := f.Length()
		require.NoError(t, err)
		require.Equal(t, int64(len(model)), length)
	}

	reads := []struct {
		off  int64
		size int
	}{
		{off: 0, size: 10},
		{off: 10, size: 500},
		{off: 127, size: 2},
		{off: 129, size: 1000},
		{off: 4000, size: 3},
		{off: 1000, size: 4097},
	}
	for _, r := range reads {
		got := make([]byte, r.size)
		n, err := f.ReadAt(got, r.off)
		require.NoError(t, err)
		require.Equal(t, r.size, n)
		assert.Equal(t, model[r.off:int(r.off)+r.size], got, "read %d bytes at %d", r.size, r.off)
	}
}

func TestOpenFile_ReadPastEnd(t *testing.T) {
	f, _ := newFile(t, 64)
	_, err := f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 6)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "6789", string(buf[:n]))

	n, err = f.ReadAt(buf, 10)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = f.ReadAt(nil, 0)
	assert.Zero(t, n)
	assert.NoError(t, err)

	_, err = f.ReadAt(buf, -1)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
}

func TestOpenFile_SequentialReadWrite(t *testing.T) {
	f, _ := newFile(t, 64)

	for _, chunk := range []string{"hello ", "indexed ", "world"} {
		n, err := f.Write([]byte(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}

	pos, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)

	all, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello indexed world", string(all))
}

func TestOpenFile_Seek(t *testing.T) {
	f, _ := newFile(t, 64)
	_, err := f.WriteAt(make([]byte, 200), 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr bool
	}{
		{name: "start", offset: 50, whence: io.SeekStart, want: 50},
		{name: "current forward", offset: 25, whence: io.SeekCurrent, want: 75},
		{name: "current back", offset: -70, whence: io.SeekCurrent, want: 5},
		{name: "end", offset: -10, whence: io.SeekEnd, want: 190},
		{name: "past end", offset: 10, whence: io.SeekEnd, want: 210},
		{name: "negative", offset: -1, whence: io.SeekStart, want: 210, wantErr: true},
		{name: "bad whence", offset: 0, whence: 7, want: 210, wantErr: true},
	}

	for _, tt := range tests {
		pos, err := f.Seek(tt.offset, tt.whence)
		if tt.wantErr {
			assert.ErrorIs(t, err, types.ErrInvalidOperation, tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
		assert.Equal(t, tt.want, pos, tt.name)
	}
}

func TestOpenFile_WriteBeyondEndGrows(t *testing.T) {
	f, fs := newFile(t, 64)
	free := fs.freeCount()

	n, err := f.WriteAt([]byte("tail"), 300)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	length, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(304), length)
	assert.Equal(t, free-4, fs.freeCount(), "three data sectors and one index sector")
}

func TestOpenFile_ShortWriteWhenSpaceRunsOut(t *testing.T) {
	m := metrics.New()
	// 16 sectors: the header takes one, leaving 15.
	f, _ := newFile(t, 16, WithMetrics(m))

	payload := pattern(20*sectorSize, 3)

	n, err := f.WriteAt(payload, 0)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	n, err = f.WriteAt(payload[:5*sectorSize], 0)
	require.NoError(t, err)
	require.Equal(t, 5*sectorSize, n)

	n, err = f.WriteAt(payload, 0)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 5*sectorSize, n)

	n, err = f.WriteAt(payload, 6*sectorSize)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Zero(t, n)

	length, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(5*sectorSize), length)

	got := make([]byte, 5*sectorSize)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload[:5*sectorSize], got)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ShortWrites))
	assert.Equal(t, float64(10*sectorSize), testutil.ToFloat64(m.BytesWritten))
}

func TestOpenFile_WritePastIndexCapacity(t *testing.T) {
	f, fs := newFile(t, 64)
	_, err := f.WriteAt(pattern(2*sectorSize, 9), 0)
	require.NoError(t, err)
	free := fs.freeCount()
	geo, err := types.NewGeometry(sectorSize)
	require.NoError(t, err)
	maxSize := geo.MaxFileSize()

	tests := []struct {
		name  string
		size  int
		off   int64
		wantN int
	}{
		{name: "offset overflows int64", size: 200, off: math.MaxInt64 - 127},
		{name: "offset at capacity", size: 1, off: maxSize},
		{name: "range ends past capacity", size: int(maxSize), off: sectorSize, wantN: sectorSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.WriteAt(make([]byte, tt.size), tt.off)
			assert.ErrorIs(t, err, io.ErrShortWrite)
			assert.Equal(t, tt.wantN, n)

			length, err := f.Length()
			require.NoError(t, err)
			assert.Equal(t, int64(2*sectorSize), length)
			assert.Equal(t, free, fs.freeCount())
		})
	}
}

func TestOpenFile_ShortWriteAdvancesCursor(t *testing.T) {
	f, _ := newFile(t, 16)
	_, err := f.WriteAt(make([]byte, 2*sectorSize), 0)
	require.NoError(t, err)

	_, err = f.Seek(sectorSize, io.SeekStart)
	require.NoError(t, err)
	n, err := f.Write(make([]byte, 40*sectorSize))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, sectorSize, n)

	pos, err := f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(2*sectorSize), pos)
}

func TestOpenFile_Truncate(t *testing.T) {
	f, fs := newFile(t, 128)
	free := fs.freeCount()

	_, err := f.WriteAt(pattern(40*sectorSize, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, free-42, fs.freeCount())

	require.NoError(t, f.Truncate(100))
	length, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(100), length)
	assert.Equal(t, free-2, fs.freeCount())

	got := make([]byte, 100)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, pattern(40*sectorSize, 1)[:100], got)

	require.NoError(t, f.Truncate(0))
	assert.Equal(t, free, fs.freeCount())
	assert.ErrorIs(t, f.Truncate(-1), types.ErrInvalidOperation)
}

func TestOpenFile_CloseReleasesLock(t *testing.T) {
	m := metrics.New()
	f, fs := newFile(t, 16, WithMetrics(m))
	second := New(headerSector, f.dev, fs)

	assert.Equal(t, 2, fs.locks[headerSector].Refs())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenHandles))

	require.NoError(t, second.Close())
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Empty(t, fs.locks)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenHandles))
	assert.Equal(t, headerSector, f.Sector())
}

func TestOpenFile_ConcurrentWritesAreAtomic(t *testing.T) {
	f, fs := newFile(t, 64)
	other := New(headerSector, f.dev, fs)
	defer other.Close()

	const size = 3*sectorSize + 17
	_, err := f.WriteAt(bytes.Repeat([]byte{'a'}, size), 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, w := range []struct {
		file *OpenFile
		fill byte
	}{{f, 'a'}, {other, 'b'}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			block := bytes.Repeat([]byte{w.fill}, size)
			for i := 0; i < 50; i++ {
				_, err := w.file.WriteAt(block, 0)
				assert.NoError(t, err)
			}
		}()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, size)
			for j := 0; j < 50; j++ {
				n, err := other.ReadAt(buf, 0)
				assert.NoError(t, err)
				assert.Equal(t, size, n)
				assert.True(t, bytes.Count(buf, buf[:1]) == size, "read saw a torn write")
			}
		}()
	}
	wg.Wait()
}
