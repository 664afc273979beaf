package rangepipe

import (
	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/pal"
)

// SubRange scatters metadata allocations across a wider region than they
// need, to make heap-spraying attacks against backend metadata harder to
// aim (spec.md §4.10, pipeline component #10). Every AllocRange(size)
// requests size<<ratioBits from its parent and returns one randomly
// chosen size-aligned slot from inside it; the rest of the oversized
// block is never handed out again.
//
// This stage composes only above the metadata pipeline (SmallBuddyRange),
// never above the object-chunk pipeline: the Open Question of how its
// randomization should interact with AllocRangeWithLeftover is resolved
// in SPEC_FULL.md §G by restricting SubRange to metadata placement only,
// where the leftover operation is irrelevant. A consequence of wrapping a
// parent that already runs through CommitRange is that every discarded
// slot in the oversized block is committed physical memory, not just
// reserved address space — a known, documented simplification rather
// than the minimal-footprint design the scattering trick is capable of.
type SubRange struct {
	parent    Range
	pal       pal.PAL
	ratioBits uint
}

// NewSubRange wraps parent, over-requesting by 1<<ratioBits and returning
// a random slot of it per call.
func NewSubRange(parent Range, p pal.PAL, ratioBits uint) *SubRange {
	return &SubRange{parent: parent, pal: p, ratioBits: ratioBits}
}

func (r *SubRange) Aligned() bool         { return true }
func (r *SubRange) ConcurrencySafe() bool { return r.parent.ConcurrencySafe() }

func (r *SubRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	request := size << r.ratioBits
	p, ok := r.parent.AllocRange(request)
	if !ok {
		return ChunkPtr{}, false
	}
	numSlots := uintptr(1) << r.ratioBits
	slot := uintptr(0)
	if entropy, entropyOK := r.pal.GetEntropy64(); entropyOK {
		slot = uintptr(entropy) % numSlots
	}
	addr := p.Address() + slot*size
	return capptr.Trusted(addr, size), true
}

// DeallocRange is a no-op: individual slots of a scattered reservation
// are never reclaimed on their own. The oversized parent block lives for
// the remainder of the process, matching how front-end metadata obtained
// through this path is itself never freed back to the backend.
func (r *SubRange) DeallocRange(base ChunkPtr, size uintptr) {}
