package device

import "errors"

var (
	ErrSectorOutOfRange = errors.New("sector out of range")
	ErrBadBufferSize    = errors.New("buffer size does not match sector size")
	ErrBadImage         = errors.New("not a disk image")
	ErrImageLocked      = errors.New("disk image is in use by another process")
	ErrClosed           = errors.New("device is closed")
)
