package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientSpace is returned when the allocator cannot satisfy a request.
	ErrInsufficientSpace = errors.New("insufficient free sectors")

	// ErrCapacityExceeded is returned when a file would need more first-level index slots than a
	// header holds. It matches ErrInsufficientSpace under errors.Is.
	ErrCapacityExceeded = fmt.Errorf("%w: file exceeds two-level index capacity", ErrInsufficientSpace)

	// ErrNotFound is returned when path resolution fails at a directory or the final component.
	ErrNotFound = errors.New("no such file or directory")

	// ErrAlreadyExists is returned when a name collides with an existing sibling.
	ErrAlreadyExists = errors.New("file already exists")

	// ErrNotEmpty is returned when removing a directory that still has children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrInvalidOperation is returned for requests that can never succeed, such as removing the root.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidPath is returned for empty paths and unusable names.
	ErrInvalidPath = fmt.Errorf("%w: invalid path", ErrInvalidOperation)

	// ErrBusy is returned when removing something that is still in use.
	ErrBusy = fmt.Errorf("%w: resource busy", ErrInvalidOperation)

	// ErrIsDirectory is returned when opening a directory as a file.
	ErrIsDirectory = errors.New("is a directory")

	// ErrCorruptIndex is returned when a file header references sectors the allocator does not own.
	ErrCorruptIndex = errors.New("corrupt file index")

	// ErrCorruptImage is returned when a persisted directory image fails validation.
	ErrCorruptImage = errors.New("corrupt directory image")
)
