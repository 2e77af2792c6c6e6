package pipe

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-idxfs/internal/device"
	"github.com/deploymenttheory/go-idxfs/internal/filesys"
	"github.com/deploymenttheory/go-idxfs/internal/metrics"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

func newFS(t *testing.T) *filesys.FileSystem {
	t.Helper()
	fs, err := filesys.Format(device.NewMemoryDevice(types.DefaultSectorSize, 512))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestPipe_CapacityIsSizeMinusOne(t *testing.T) {
	p, err := New(newFS(t), 4)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 3, p.Cap())

	n, err := p.Write([]byte("abcde"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, p.Len())

	n, err = p.Write([]byte("z"))
	require.NoError(t, err)
	assert.Zero(t, n, "full pipe accepts nothing")

	buf := make([]byte, 1)
	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "a", string(buf))

	n, err = p.Write([]byte("de"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := make([]byte, 10)
	n, err = p.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "bcd", string(out[:n]))

	n, err = p.Read(out)
	require.NoError(t, err)
	assert.Zero(t, n, "empty pipe returns nothing")
}

func TestPipe_WrapsAround(t *testing.T) {
	p, err := New(newFS(t), 10)
	require.NoError(t, err)
	defer p.Close()

	var got bytes.Buffer
	buf := make([]byte, 4)
	for _, chunk := range []string{"012345", "6789", "abcdef", "gh"} {
		n, err := p.Write([]byte(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
		for p.Len() > 0 {
			n, err := p.Read(buf)
			require.NoError(t, err)
			got.Write(buf[:n])
		}
	}
	assert.Equal(t, "0123456789abcdefgh", got.String())
}

func TestPipe_RejectsTinySize(t *testing.T) {
	_, err := New(newFS(t), 1)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
}

func TestPipe_CloseRemovesBackingFile(t *testing.T) {
	fs := newFS(t)
	free := fs.FreeSectors()

	p, err := New(fs, 300)
	require.NoError(t, err)
	_, err = fs.Stat(p.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Path(), "/__pipe_file_300_"))
	assert.ErrorIs(t, fs.Remove(p.Path()), types.ErrBusy)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = fs.Stat(p.Path())
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, free, fs.FreeSectors())

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
}

func TestPipe_DistinctBackingFiles(t *testing.T) {
	fs := newFS(t)
	a, err := New(fs, 8)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(fs, 8)
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.Path(), b.Path())
}

func TestPipe_IgnoresLeftoverBackingFiles(t *testing.T) {
	fs := newFS(t)
	for _, stale := range []string{"/__pipe_file_4_1__", "/__pipe_file_4_2__"} {
		require.NoError(t, fs.Create(stale, 4))
	}

	p, err := New(fs, 4)
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, strings.HasPrefix(p.Path(), "/__pipe_file_4_"))
	assert.NotContains(t, []string{"/__pipe_file_4_1__", "/__pipe_file_4_2__"}, p.Path())
}

func TestPipe_ProducerConsumer(t *testing.T) {
	m := metrics.New()
	p, err := New(newFS(t), 16, WithMetrics(m))
	require.NoError(t, err)
	defer p.Close()

	var message []byte
	for i := 0; i < 2000; i++ {
		message = append(message, byte('a'+i%26))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rest := message
		for len(rest) > 0 {
			n, err := p.Write(rest[:min(len(rest), 7)])
			if !assert.NoError(t, err) {
				return
			}
			if n == 0 {
				time.Sleep(time.Microsecond)
				continue
			}
			rest = rest[n:]
		}
	}()

	var received []byte
	buf := make([]byte, 5)
	deadline := time.Now().Add(10 * time.Second)
	for len(received) < len(message) && time.Now().Before(deadline) {
		n, err := p.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			time.Sleep(time.Microsecond)
			continue
		}
		received = append(received, buf[:n]...)
	}
	wg.Wait()

	assert.Equal(t, message, received)
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.PipeBytes.WithLabelValues("in")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.PipeBytes.WithLabelValues("out")))
}
