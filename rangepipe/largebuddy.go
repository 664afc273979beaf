package rangepipe

import (
	"unsafe"

	"github.com/chunkspace/backend/buddy"
	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/pagemap"
)

// largeNode is the red-black tree link record for one free large chunk.
// The pagemap's two-word MetaEntry only has room for a color/direction
// tag, not two full child addresses, so the entry's meta-pointer word —
// otherwise holding the front end's slab-metadata pointer while a chunk
// is in use — is repurposed while the chunk is free to point at one of
// these instead.
type largeNode struct {
	left, right uintptr
	red         bool
}

// largeRepresentation implements rbtree.Representation (via buddy.Representation)
// for the large-buddy stage, storing tree links through the pagemap.
type largeRepresentation struct {
	pm *pagemap.FlatPagemap
	// consolidateAcrossReservations resolves the Open Question spec.md §9
	// flags (CONSOLIDATE_PAL_ALLOCS upstream): when true, the boundary
	// flag no longer blocks coalescing. Defaults to false; see
	// SPEC_FULL.md §G.1 and DESIGN.md.
	consolidateAcrossReservations bool
}

func (r *largeRepresentation) node(addr uintptr) *largeNode {
	e := r.pm.GetOrDefault(addr)
	if n := (*largeNode)(e.Meta()); n != nil {
		return n
	}
	n := &largeNode{}
	r.pm.Set(addr, e.WithMeta(unsafe.Pointer(n)).WithBackendOwned(true))
	return n
}

func (r *largeRepresentation) Left(addr uintptr) uintptr       { return r.node(addr).left }
func (r *largeRepresentation) SetLeft(addr, child uintptr)     { r.node(addr).left = child }
func (r *largeRepresentation) Right(addr uintptr) uintptr      { return r.node(addr).right }
func (r *largeRepresentation) SetRight(addr, child uintptr)    { r.node(addr).right = child }
func (r *largeRepresentation) IsRed(addr uintptr) bool         { return r.node(addr).red }
func (r *largeRepresentation) SetRed(addr uintptr, red bool)   { r.node(addr).red = red }
func (r *largeRepresentation) Buddy(addr, size uintptr) uintptr { return addr ^ size }
func (r *largeRepresentation) AlignDown(addr, size uintptr) uintptr {
	return addr &^ (size - 1)
}
func (r *largeRepresentation) CanConsolidate(addr, size uintptr) bool {
	if r.consolidateAcrossReservations {
		return true
	}
	a := r.pm.GetOrDefault(addr)
	b := r.pm.GetOrDefault(r.Buddy(addr, size))
	return !a.Boundary() && !b.Boundary()
}

func (r *largeRepresentation) markBoundary(addr uintptr) {
	e := r.pm.GetOrDefault(addr)
	r.pm.Set(addr, e.WithBoundary(true))
}

// LargeBuddyRange is the power-of-two buddy allocator over chunk-aligned
// blocks (spec.md §4.5), with coalescing, storing tree links via the
// pagemap. The same type serves both the shared global instance (pipeline
// component #3) and the per-thread cache instance (component #7); the
// caller decides which by whether it wraps the result in GlobalRange.
type LargeBuddyRange struct {
	parent     Range
	rep        *largeRepresentation
	buddy      *buddy.Allocator
	minBits    uint
	maxBits    uint
	refillSize uintptr
}

// NewLargeBuddyRange returns a buddy range over [1<<minBits, 1<<maxBits)
// wrapping parent, refilling in units of at least refillSize bytes.
func NewLargeBuddyRange(parent Range, pm *pagemap.FlatPagemap, minBits, maxBits uint, refillSize uintptr) *LargeBuddyRange {
	return NewLargeBuddyRangeConfigured(parent, pm, minBits, maxBits, refillSize, false)
}

// NewLargeBuddyRangeConfigured is NewLargeBuddyRange with explicit control
// over the Config.ConsolidatePalAllocs Open Question.
func NewLargeBuddyRangeConfigured(parent Range, pm *pagemap.FlatPagemap, minBits, maxBits uint, refillSize uintptr, consolidateAcrossReservations bool) *LargeBuddyRange {
	rep := &largeRepresentation{pm: pm, consolidateAcrossReservations: consolidateAcrossReservations}
	return &LargeBuddyRange{
		parent:     parent,
		rep:        rep,
		buddy:      buddy.New(rep, minBits, maxBits),
		minBits:    minBits,
		maxBits:    maxBits,
		refillSize: refillSize,
	}
}

func (r *LargeBuddyRange) Aligned() bool         { return true }
func (r *LargeBuddyRange) ConcurrencySafe() bool { return false }

// overflowThreshold is 2^MaxBits - 1: spec.md §4.5 step 1's bypass
// threshold.
func (r *LargeBuddyRange) overflowThreshold() uintptr {
	return (uintptr(1) << r.maxBits) - 1
}

func (r *LargeBuddyRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	if size >= r.overflowThreshold() {
		if !r.parent.Aligned() {
			return ChunkPtr{}, false
		}
		return r.parent.AllocRange(size)
	}
	bits := log2(size)
	if addr, ok := r.buddy.RemoveBlock(bits); ok {
		return capptr.Trusted(addr, size), true
	}
	return r.refill(size, bits)
}

func (r *LargeBuddyRange) refill(size uintptr, bits uint) (ChunkPtr, bool) {
	if r.parent.Aligned() {
		refillSize := r.refillSize
		if size > refillSize {
			refillSize = size
		}
		for refillSize >= size {
			p, ok := r.parent.AllocRange(refillSize)
			if ok {
				base := p.Address()
				r.rep.markBoundary(base)
				r.addDecomposed(base+size, refillSize-size)
				return capptr.Trusted(base, size), true
			}
			refillSize /= 2
		}
		return ChunkPtr{}, false
	}

	// Parent is unaligned: over-allocate 2x and dissect into aligned
	// pieces, retrying at halved sizes on parent exhaustion (spec.md
	// §4.5's unaligned-parent path).
	over := size * 2
	for over >= size {
		p, ok := r.parent.AllocRange(over)
		if ok {
			base := p.Address()
			aligned := (base + size - 1) &^ (size - 1)
			r.rep.markBoundary(base)
			if lead := aligned - base; lead > 0 {
				r.addDecomposed(base, lead)
			}
			tailStart := aligned + size
			tailLen := (base + over) - tailStart
			if tailLen > 0 {
				r.addDecomposed(tailStart, tailLen)
			}
			return capptr.Trusted(aligned, size), true
		}
		over /= 2
	}
	return ChunkPtr{}, false
}

// addDecomposed inserts [addr, addr+length) into the buddy trees as the
// maximal aligned power-of-two pieces it decomposes into.
func (r *LargeBuddyRange) addDecomposed(addr, length uintptr) {
	for length > 0 {
		bits := r.maxAlignedBits(addr, length)
		blockSize := uintptr(1) << bits
		if overflow, ok := r.buddy.AddBlock(addr, bits); ok {
			r.parent.DeallocRange(capptr.Trusted(overflow, uintptr(1)<<r.maxBits), uintptr(1)<<r.maxBits)
		}
		addr += blockSize
		length -= blockSize
	}
}

func (r *LargeBuddyRange) maxAlignedBits(addr, length uintptr) uint {
	b := r.maxBits - 1
	for b > r.minBits {
		size := uintptr(1) << b
		if size <= length && addr&(size-1) == 0 {
			break
		}
		b--
	}
	return b
}

func (r *LargeBuddyRange) DeallocRange(base ChunkPtr, size uintptr) {
	if size >= r.overflowThreshold() {
		r.parent.DeallocRange(base, size)
		return
	}
	bits := log2(size)
	if overflow, ok := r.buddy.AddBlock(base.Address(), bits); ok {
		r.parent.DeallocRange(capptr.Trusted(overflow, uintptr(1)<<r.maxBits), uintptr(1)<<r.maxBits)
	}
}

// CheckInvariants walks every size-class tree (spec.md §4.3's debug-build
// invariant checks).
func (r *LargeBuddyRange) CheckInvariants() bool {
	return r.buddy.CheckInvariants()
}
