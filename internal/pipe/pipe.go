// Package pipe implements a bounded byte ring stored in a regular file.
//
// A pipe of declared size N keeps its bytes in an N-byte backing file and holds at most N-1 of
// them, so that equal read and write cursors always mean empty. Reads and writes never block:
// a transfer of zero bytes tells the caller to yield and try again.
package pipe

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-idxfs/internal/metrics"
	"github.com/deploymenttheory/go-idxfs/internal/openfile"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// FileSystem creates, opens and removes the backing file.
type FileSystem interface {
	Create(path string, size int64) error
	Open(path string) (*openfile.OpenFile, error)
	Remove(path string) error
}

// Pipe is a ring buffer over an open file.
type Pipe struct {
	fs   FileSystem
	path string
	file *openfile.OpenFile
	size int64

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	r, w   int64
	closed bool
}

// Option configures a pipe.
type Option func(*Pipe)

// WithLogger sets the logger used for transfer traces.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records pipe traffic in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipe) {
		p.metrics = m
	}
}

// New creates a pipe with a backing file of size bytes in the root directory of fs. The file
// name carries a random token, so leftovers from an earlier mount never collide with it.
func New(fs FileSystem, size int64, opts ...Option) (*Pipe, error) {
	if size < 2 {
		return nil, fmt.Errorf("%w: pipe size %d, need at least 2", types.ErrInvalidOperation, size)
	}

	path := fmt.Sprintf("/__pipe_file_%d_%s__", size, uuid.New())
	if err := fs.Create(path, size); err != nil {
		return nil, fmt.Errorf("failed to create pipe file: %w", err)
	}
	file, err := fs.Open(path)
	if err != nil {
		_ = fs.Remove(path)
		return nil, fmt.Errorf("failed to open pipe file: %w", err)
	}

	p := &Pipe{
		fs:     fs,
		path:   path,
		file:   file,
		size:   size,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger.Debug("Pipe created", "path", path, "size", size)
	return p, nil
}

// Path returns the path of the backing file.
func (p *Pipe) Path() string {
	return p.path
}

// Cap returns the most bytes the pipe can hold.
func (p *Pipe) Cap() int {
	return int(p.size - 1)
}

// Len returns the number of buffered bytes.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.buffered())
}

func (p *Pipe) buffered() int64 {
	return (p.w - p.r + p.size) % p.size
}

// Read moves up to len(b) buffered bytes into b. It returns 0 and no error when the pipe is empty.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, fmt.Errorf("%w: pipe is closed", types.ErrInvalidOperation)
	}
	n := min(int64(len(b)), p.buffered())
	if n == 0 {
		return 0, nil
	}

	first := min(n, p.size-p.r)
	if _, err := p.file.ReadAt(b[:first], p.r); err != nil {
		return 0, fmt.Errorf("failed to read pipe: %w", err)
	}
	if n > first {
		if _, err := p.file.ReadAt(b[first:n], 0); err != nil {
			return 0, fmt.Errorf("failed to read pipe: %w", err)
		}
	}

	p.r = (p.r + n) % p.size
	p.metrics.RecordPipe("out", int(n))
	return int(n), nil
}

// Write buffers as much of b as fits. It returns 0 and no error when the pipe is full.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, fmt.Errorf("%w: pipe is closed", types.ErrInvalidOperation)
	}
	n := min(int64(len(b)), p.size-1-p.buffered())
	if n == 0 {
		return 0, nil
	}

	first := min(n, p.size-p.w)
	if _, err := p.file.WriteAt(b[:first], p.w); err != nil {
		return 0, fmt.Errorf("failed to write pipe: %w", err)
	}
	if n > first {
		if _, err := p.file.WriteAt(b[first:n], 0); err != nil {
			return 0, fmt.Errorf("failed to write pipe: %w", err)
		}
	}

	p.w = (p.w + n) % p.size
	p.metrics.RecordPipe("in", int(n))
	return int(n), nil
}

// Close discards buffered bytes and removes the backing file.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.file.Close(); err != nil {
		return err
	}
	if err := p.fs.Remove(p.path); err != nil {
		return fmt.Errorf("failed to remove pipe file: %w", err)
	}
	p.logger.Debug("Pipe removed", "path", p.path)
	return nil
}
