// Package buddy implements the generic power-of-two buddy allocator
// (spec.md §4.4) shared by LargeBuddyRange and SmallBuddyRange. It holds
// one rbtree.Tree per size class over [MinBits, MaxBits) and implements
// AddBlock/RemoveBlock with buddy-pair coalescing and splitting.
package buddy

import "github.com/chunkspace/backend/rbtree"

// Representation is exactly rbtree.Representation: the buddy allocator
// never needs anything beyond what the tree needs, since coalescing and
// splitting are themselves just address arithmetic plus tree operations.
type Representation = rbtree.Representation

// Allocator is a buddy allocator over block sizes 2^MinBits .. 2^(MaxBits-1).
type Allocator struct {
	rep     Representation
	minBits uint
	maxBits uint
	trees   []*rbtree.Tree
}

// New returns an empty allocator for block sizes in [1<<minBits, 1<<maxBits).
func New(rep Representation, minBits, maxBits uint) *Allocator {
	if maxBits <= minBits {
		panic("buddy: maxBits must exceed minBits")
	}
	trees := make([]*rbtree.Tree, maxBits-minBits)
	for i := range trees {
		trees[i] = rbtree.New(rep)
	}
	return &Allocator{rep: rep, minBits: minBits, maxBits: maxBits, trees: trees}
}

// MinBits returns the log2 of the smallest block size this allocator
// serves.
func (a *Allocator) MinBits() uint { return a.minBits }

// MaxBits returns the log2 of the exclusive upper bound on block size.
func (a *Allocator) MaxBits() uint { return a.maxBits }

func (a *Allocator) treeFor(bits uint) *rbtree.Tree {
	return a.trees[bits-a.minBits]
}

// AddBlock inserts a free block of size 2^bits at addr, coalescing with its
// buddy when present and consolidation is allowed (spec.md §3 invariant 3).
// If the coalesced size reaches 2^MaxBits, AddBlock returns that block's
// address and true: the caller (LargeBuddyRange/SmallBuddyRange) must
// re-dispatch it to the parent range rather than retaining it here.
func (a *Allocator) AddBlock(addr uintptr, bits uint) (overflowAddr uintptr, overflow bool) {
	for {
		if bits >= a.maxBits {
			return addr, true
		}
		size := uintptr(1) << bits
		tree := a.treeFor(bits)
		buddy := a.rep.Buddy(addr, size)
		if tree.Find(buddy) && a.rep.CanConsolidate(addr, size) {
			tree.Remove(buddy)
			merged := a.rep.AlignDown(addr, size<<1)
			if bits+1 == a.maxBits {
				return merged, true
			}
			addr = merged
			bits++
			continue
		}
		tree.Insert(addr)
		return 0, false
	}
}

// RemoveBlock returns a free block of size 2^bits, splitting a larger block
// from the next size class up if the tree for bits is empty. Returns
// ok=false when bits+1 reaches MaxBits and that recursive request also
// fails (exhaustion).
func (a *Allocator) RemoveBlock(bits uint) (addr uintptr, ok bool) {
	if bits >= a.maxBits {
		return 0, false
	}
	tree := a.treeFor(bits)
	if addr, ok := tree.RemoveMin(); ok {
		return addr, true
	}
	if bits+1 >= a.maxBits {
		return 0, false
	}
	parent, ok := a.RemoveBlock(bits + 1)
	if !ok {
		return 0, false
	}
	size := uintptr(1) << bits
	right := parent + size
	a.treeFor(bits).Insert(right)
	return parent, true
}

// CheckInvariants walks every size-class tree and verifies red-black tree
// invariants. Called only from tests; no allocator method and no build
// tag runs it automatically.
func (a *Allocator) CheckInvariants() bool {
	for _, t := range a.trees {
		if !t.CheckInvariants() {
			return false
		}
	}
	return true
}
