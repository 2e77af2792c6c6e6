package filesys

import "errors"

var (
	// ErrClosed is returned by operations on a filesystem after Close.
	ErrClosed = errors.New("filesystem is closed")

	// ErrNotFormatted is returned by Mount when the well-known sectors do not hold a filesystem.
	ErrNotFormatted = errors.New("device does not hold a formatted filesystem")
)
