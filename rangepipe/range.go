// Package rangepipe implements the range-transformer pipeline (spec.md
// §4.1): a chain of stages, each wrapping a parent and adding one
// orthogonal behavior, sharing the two-operation Range interface.
package rangepipe

import (
	"math/bits"

	"github.com/chunkspace/backend/capptr"
)

// ChunkPtr is the capability shape every stage passes: Chunk-bounded,
// full platform control, tame (validated as backend-owned).
type ChunkPtr = capptr.Ptr[capptr.Chunk, capptr.Full, capptr.Tame]

// Range is the contract every pipeline stage implements (spec.md §4.1).
// size is always a power of two at least MIN_CHUNK, except where a stage
// explicitly documents otherwise (SmallBuddyRange relaxes this).
type Range interface {
	// AllocRange requests size bytes. Returns ok=false on exhaustion.
	// If Aligned() is true, the returned pointer is aligned to size.
	AllocRange(size uintptr) (ChunkPtr, bool)

	// DeallocRange returns size bytes at base to this stage. base must
	// have been returned by a matching AllocRange of the same size, from
	// this stage or after buddy splitting.
	DeallocRange(base ChunkPtr, size uintptr)

	// Aligned reports whether AllocRange's result is aligned to size.
	Aligned() bool

	// ConcurrencySafe reports whether this stage may be called from
	// multiple threads concurrently without external synchronization.
	ConcurrencySafe() bool
}

func log2(size uintptr) uint {
	return uint(bits.TrailingZeros64(uint64(size)))
}

func isPow2(size uintptr) bool {
	return size != 0 && size&(size-1) == 0
}
