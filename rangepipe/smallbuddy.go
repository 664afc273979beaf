package rangepipe

import (
	"unsafe"

	"github.com/chunkspace/backend/buddy"
	"github.com/chunkspace/backend/capptr"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// smallRepresentation implements buddy.Representation for sub-chunk
// blocks by storing the tree links directly inside the free block itself
// (the block is, by definition, otherwise unused while free): the first
// word holds the left child OR'd with the color bit, the second word
// holds the right child. This is the in-band analogue of largeNode, used
// here instead of a side table because sub-chunk blocks are too small and
// too numerous to justify one pagemap lookup per node (spec.md §4.6).
type smallRepresentation struct {
	boundaries map[uintptr]bool
}

func newSmallRepresentation() *smallRepresentation {
	return &smallRepresentation{boundaries: make(map[uintptr]bool)}
}

func (r *smallRepresentation) Left(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr)) &^ 1
}

func (r *smallRepresentation) SetLeft(addr, child uintptr) {
	old := *(*uintptr)(unsafe.Pointer(addr))
	*(*uintptr)(unsafe.Pointer(addr)) = child | (old & 1)
}

func (r *smallRepresentation) Right(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr + ptrSize))
}

func (r *smallRepresentation) SetRight(addr, child uintptr) {
	*(*uintptr)(unsafe.Pointer(addr + ptrSize)) = child
}

func (r *smallRepresentation) IsRed(addr uintptr) bool {
	return *(*uintptr)(unsafe.Pointer(addr))&1 != 0
}

func (r *smallRepresentation) SetRed(addr uintptr, red bool) {
	old := *(*uintptr)(unsafe.Pointer(addr))
	left := old &^ 1
	if red {
		left |= 1
	}
	*(*uintptr)(unsafe.Pointer(addr)) = left
}

func (r *smallRepresentation) Buddy(addr, size uintptr) uintptr { return addr ^ size }
func (r *smallRepresentation) AlignDown(addr, size uintptr) uintptr {
	return addr &^ (size - 1)
}

// CanConsolidate refuses to merge across a chunk boundary pulled in by a
// separate refill call, since the two chunks need not be adjacent in
// memory despite landing on buddy-aligned addresses.
func (r *smallRepresentation) CanConsolidate(addr, size uintptr) bool {
	return !r.boundaries[addr] && !r.boundaries[r.Buddy(addr, size)]
}

func (r *smallRepresentation) markBoundary(addr uintptr) {
	r.boundaries[addr] = true
}

func nextBits(size uintptr, minBits uint) uint {
	b := minBits
	for uintptr(1)<<b < size {
		b++
	}
	return b
}

// SmallBuddyRange is the same buddy algorithm as LargeBuddyRange applied
// below chunk granularity, for odd-sized metadata allocations (spec.md
// §4.6, pipeline component #8). Minimum block size is two pointer words
// (the smallest block that can hold both tree links); maximum is one
// whole chunk.
type SmallBuddyRange struct {
	parent    Range
	rep       *smallRepresentation
	buddy     *buddy.Allocator
	minBits   uint
	chunkBits uint
}

// NewSmallBuddyRange returns a sub-chunk buddy range refilling whole
// chunks of size 1<<chunkBits from parent.
func NewSmallBuddyRange(parent Range, chunkBits uint) *SmallBuddyRange {
	minBits := nextBits(2*uintptr(ptrSize), 0)
	rep := newSmallRepresentation()
	return &SmallBuddyRange{
		parent:    parent,
		rep:       rep,
		buddy:     buddy.New(rep, minBits, chunkBits),
		minBits:   minBits,
		chunkBits: chunkBits,
	}
}

func (r *SmallBuddyRange) Aligned() bool         { return true }
func (r *SmallBuddyRange) ConcurrencySafe() bool { return false }

func (r *SmallBuddyRange) chunkSize() uintptr { return uintptr(1) << r.chunkBits }

func (r *SmallBuddyRange) AllocRange(size uintptr) (ChunkPtr, bool) {
	bits := nextBits(size, r.minBits)
	if bits >= r.chunkBits {
		return r.parent.AllocRange(size)
	}
	addr, ok := r.buddy.RemoveBlock(bits)
	if !ok {
		addr, ok = r.refill(bits)
		if !ok {
			return ChunkPtr{}, false
		}
	}
	return capptr.Trusted(addr, size), true
}

// AllocRangeWithLeftover rounds size up to a buddy-sized block and hands
// the unused tail back separately instead of wasting it, for front-end
// callers (e.g. slab metadata) whose natural size isn't a power of two.
func (r *SmallBuddyRange) AllocRangeWithLeftover(size uintptr) (block, leftover ChunkPtr, leftoverSize uintptr, ok bool) {
	bits := nextBits(size, r.minBits)
	addr, got := r.buddy.RemoveBlock(bits)
	if !got {
		addr, got = r.refill(bits)
		if !got {
			return ChunkPtr{}, ChunkPtr{}, 0, false
		}
	}
	blockSize := uintptr(1) << bits
	if blockSize > size {
		return capptr.Trusted(addr, size), capptr.Trusted(addr+size, blockSize-size), blockSize - size, true
	}
	return capptr.Trusted(addr, size), ChunkPtr{}, 0, true
}

func (r *SmallBuddyRange) refill(bits uint) (uintptr, bool) {
	chunkSize := r.chunkSize()
	p, ok := r.parent.AllocRange(chunkSize)
	if !ok {
		return 0, false
	}
	base := p.Address()
	r.rep.markBoundary(base)
	r.addDecomposed(base, chunkSize)
	return r.buddy.RemoveBlock(bits)
}

// addDecomposed inserts [addr, addr+length) into the buddy trees as the
// maximal pieces strictly below chunkBits it decomposes into, mirroring
// LargeBuddyRange's addDecomposed (spec.md §4.6): a block cannot be
// inserted at exactly chunkBits since that's this buddy allocator's
// exclusive ceiling, so a freshly refilled whole chunk always splits
// into at least two pieces before either reaches a tree.
func (r *SmallBuddyRange) addDecomposed(addr, length uintptr) {
	chunkSize := r.chunkSize()
	for length > 0 {
		bits := r.maxAlignedBits(addr, length)
		blockSize := uintptr(1) << bits
		if overflow, ok := r.buddy.AddBlock(addr, bits); ok {
			r.parent.DeallocRange(capptr.Trusted(overflow, chunkSize), chunkSize)
		}
		addr += blockSize
		length -= blockSize
	}
}

func (r *SmallBuddyRange) maxAlignedBits(addr, length uintptr) uint {
	b := r.chunkBits - 1
	for b > r.minBits {
		size := uintptr(1) << b
		if size <= length && addr&(size-1) == 0 {
			break
		}
		b--
	}
	return b
}

func (r *SmallBuddyRange) DeallocRange(base ChunkPtr, size uintptr) {
	bits := nextBits(size, r.minBits)
	if bits >= r.chunkBits {
		r.parent.DeallocRange(base, size)
		return
	}
	if overflow, ok := r.buddy.AddBlock(base.Address(), bits); ok {
		chunkSize := r.chunkSize()
		r.parent.DeallocRange(capptr.Trusted(overflow, chunkSize), chunkSize)
	}
}

// CheckInvariants walks every size-class tree.
func (r *SmallBuddyRange) CheckInvariants() bool {
	return r.buddy.CheckInvariants()
}
