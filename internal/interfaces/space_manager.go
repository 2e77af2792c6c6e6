package interfaces

import (
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// SpaceAllocator hands out and takes back device sectors.
//
// Implementations are not required to be safe for concurrent use; callers that need a
// check-then-act sequence (FreeCount followed by several Allocate calls) serialize it themselves.
type SpaceAllocator interface {
	// FreeCount returns the number of sectors currently free
	FreeCount() int

	// Allocate claims one free sector. The policy is implementation-defined.
	// Returns types.ErrInsufficientSpace when no sector is free.
	Allocate() (types.SectorID, error)

	// IsAllocated reports whether the sector is currently claimed
	IsAllocated(sector types.SectorID) bool

	// Free returns a sector to the free pool
	Free(sector types.SectorID)
}
