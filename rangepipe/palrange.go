package rangepipe

import (
	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/pal"
)

// PalRange is the leaf stage: it reserves raw, aligned virtual address
// space from the PAL (spec.md §4's pipeline component #1).
type PalRange struct {
	pal pal.PAL
}

// NewPalRange returns a Range that reserves address space directly from p.
func NewPalRange(p pal.PAL) *PalRange {
	return &PalRange{pal: p}
}

func (r *PalRange) Aligned() bool         { return true }
func (r *PalRange) ConcurrencySafe() bool { return true }

func (r *PalRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	arena, ok := r.pal.ReserveAligned(size, false)
	if !ok {
		return ChunkPtr{}, false
	}
	tame := capptr.Claim[capptr.Arena, capptr.Full](arena)
	return capptr.ToChunk[capptr.Full, capptr.Tame](tame), true
}

// DeallocRange is a no-op: address space is never returned to the PAL
// (spec.md §3, "Address space is never returned to the PAL; commitment
// is.").
func (r *PalRange) DeallocRange(base ChunkPtr, size uintptr) {}
