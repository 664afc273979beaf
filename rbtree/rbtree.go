// Package rbtree implements the self-balancing BST shared by both buddy
// allocator instantiations (spec.md §4.3), as a left-leaning red-black
// tree (Sedgewick) parameterized over a Representation that supplies
// child/color storage and address arithmetic. Keys are always chunk (or
// in-block) addresses, represented as uintptr, so the same tree code works
// whether the backing storage is a side table (large buddy, keyed off the
// pagemap) or the free block itself (small buddy, in-band links).
//
// A left-leaning tree needs only a left child, a right child, and one
// color bit per node — no parent pointer — which is what lets the same
// algorithm run whether node storage is in-band (two words) or out-of-band
// (a heap-allocated link record).
package rbtree

// Null is the sentinel "no node" address. Address 0 is never a valid chunk
// or in-block address in this allocator, so it is reused as the null key
// rather than introducing a separate out-of-band sentinel.
const Null uintptr = 0

// Representation is the storage and arithmetic contract a tree instance is
// built over. Implementations never see raw node pointers from this
// package — only addresses — so the same tree code is oblivious to
// whether "a node" is a struct living in a side table or the first two
// words of a free block.
type Representation interface {
	Left(addr uintptr) uintptr
	SetLeft(addr, child uintptr)
	Right(addr uintptr) uintptr
	SetRight(addr, child uintptr)
	IsRed(addr uintptr) bool
	SetRed(addr uintptr, red bool)

	// Buddy returns the address XOR'd with size: the candidate buddy of
	// a block of that size at that address.
	Buddy(addr, size uintptr) uintptr
	// AlignDown rounds addr down to a multiple of size.
	AlignDown(addr, size uintptr) uintptr
	// CanConsolidate reports whether the two blocks at addr and its
	// buddy may be merged: false when either carries the boundary flag
	// (spec.md §3, invariant 3).
	CanConsolidate(addr, size uintptr) bool
}

// Tree is one red-black tree instance: one per size class in a buddy
// allocator (spec.md §4.4).
type Tree struct {
	root uintptr
	rep  Representation
}

// New returns an empty tree over the given representation.
func New(rep Representation) *Tree {
	return &Tree{root: Null, rep: rep}
}

// Empty reports whether the tree holds no nodes.
func (t *Tree) Empty() bool { return t.root == Null }

func (t *Tree) isRed(addr uintptr) bool {
	if addr == Null {
		return false
	}
	return t.rep.IsRed(addr)
}

func (t *Tree) rotateLeft(h uintptr) uintptr {
	x := t.rep.Right(h)
	t.rep.SetRight(h, t.rep.Left(x))
	t.rep.SetLeft(x, h)
	t.rep.SetRed(x, t.rep.IsRed(h))
	t.rep.SetRed(h, true)
	return x
}

func (t *Tree) rotateRight(h uintptr) uintptr {
	x := t.rep.Left(h)
	t.rep.SetLeft(h, t.rep.Right(x))
	t.rep.SetRight(x, h)
	t.rep.SetRed(x, t.rep.IsRed(h))
	t.rep.SetRed(h, true)
	return x
}

func (t *Tree) flipColors(h uintptr) {
	t.rep.SetRed(h, !t.rep.IsRed(h))
	t.rep.SetRed(t.rep.Left(h), !t.rep.IsRed(t.rep.Left(h)))
	t.rep.SetRed(t.rep.Right(h), !t.rep.IsRed(t.rep.Right(h)))
}

func (t *Tree) fixUp(h uintptr) uintptr {
	if t.isRed(t.rep.Right(h)) && !t.isRed(t.rep.Left(h)) {
		h = t.rotateLeft(h)
	}
	if t.isRed(t.rep.Left(h)) && t.isRed(t.rep.Left(t.rep.Left(h))) {
		h = t.rotateRight(h)
	}
	if t.isRed(t.rep.Left(h)) && t.isRed(t.rep.Right(h)) {
		t.flipColors(h)
	}
	return h
}

// Insert adds key to the tree. key must not already be present (the
// buddy allocator's uniqueness invariant guarantees this — spec.md §3
// invariant 2).
func (t *Tree) Insert(key uintptr) {
	t.root = t.insert(t.root, key)
	t.rep.SetRed(t.root, false)
}

func (t *Tree) insert(h, key uintptr) uintptr {
	if h == Null {
		t.rep.SetLeft(key, Null)
		t.rep.SetRight(key, Null)
		t.rep.SetRed(key, true)
		return key
	}
	switch {
	case key < h:
		t.rep.SetLeft(h, t.insert(t.rep.Left(h), key))
	case key > h:
		t.rep.SetRight(h, t.insert(t.rep.Right(h), key))
	default:
		return h
	}
	return t.fixUp(h)
}

// Find reports whether key is present in the tree.
func (t *Tree) Find(key uintptr) bool {
	h := t.root
	for h != Null {
		switch {
		case key < h:
			h = t.rep.Left(h)
		case key > h:
			h = t.rep.Right(h)
		default:
			return true
		}
	}
	return false
}

// Min returns the smallest key in the tree, and false if the tree is
// empty.
func (t *Tree) Min() (uintptr, bool) {
	if t.root == Null {
		return 0, false
	}
	h := t.root
	for t.rep.Left(h) != Null {
		h = t.rep.Left(h)
	}
	return h, true
}

func (t *Tree) moveRedLeft(h uintptr) uintptr {
	t.flipColors(h)
	if t.isRed(t.rep.Left(t.rep.Right(h))) {
		t.rep.SetRight(h, t.rotateRight(t.rep.Right(h)))
		h = t.rotateLeft(h)
		t.flipColors(h)
	}
	return h
}

func (t *Tree) moveRedRight(h uintptr) uintptr {
	t.flipColors(h)
	if t.isRed(t.rep.Left(t.rep.Left(h))) {
		h = t.rotateRight(h)
		t.flipColors(h)
	}
	return h
}

func (t *Tree) removeMin(h uintptr) uintptr {
	if t.rep.Left(h) == Null {
		return Null
	}
	if !t.isRed(t.rep.Left(h)) && !t.isRed(t.rep.Left(t.rep.Left(h))) {
		h = t.moveRedLeft(h)
	}
	t.rep.SetLeft(h, t.removeMin(t.rep.Left(h)))
	return t.fixUp(h)
}

// RemoveMin deletes and returns the smallest key in the tree. The second
// return is false if the tree was empty. Returning the lowest address
// rather than an arbitrary one favors reuse locality (spec.md §4.4's
// tie-break requirement).
func (t *Tree) RemoveMin() (uintptr, bool) {
	min, ok := t.Min()
	if !ok {
		return 0, false
	}
	if !t.isRed(t.rep.Left(t.root)) && !t.isRed(t.rep.Right(t.root)) {
		t.rep.SetRed(t.root, true)
	}
	t.root = t.removeMin(t.root)
	if t.root != Null {
		t.rep.SetRed(t.root, false)
	}
	return min, true
}

func (t *Tree) remove(h, key uintptr) uintptr {
	if key < h {
		if !t.isRed(t.rep.Left(h)) && !t.isRed(t.rep.Left(t.rep.Left(h))) {
			h = t.moveRedLeft(h)
		}
		t.rep.SetLeft(h, t.remove(t.rep.Left(h), key))
	} else {
		if t.isRed(t.rep.Left(h)) {
			h = t.rotateRight(h)
		}
		if key == h && t.rep.Right(h) == Null {
			return Null
		}
		if !t.isRed(t.rep.Right(h)) && !t.isRed(t.rep.Left(t.rep.Right(h))) {
			h = t.moveRedRight(h)
		}
		if key == h {
			// Replace h with its successor (the min of the right
			// subtree), then delete that successor from the right
			// subtree.
			minRight, _ := t.subtreeMin(t.rep.Right(h))
			t.rep.SetRight(h, t.removeMin(t.rep.Right(h)))
			t.transplantLinks(h, minRight)
			h = minRight
		} else {
			t.rep.SetRight(h, t.remove(t.rep.Right(h), key))
		}
	}
	return t.fixUp(h)
}

func (t *Tree) subtreeMin(h uintptr) (uintptr, bool) {
	if h == Null {
		return 0, false
	}
	for t.rep.Left(h) != Null {
		h = t.rep.Left(h)
	}
	return h, true
}

// transplantLinks copies from's links onto to's storage location, used
// when from (the in-order successor) replaces to as a subtree root during
// deletion. to and from are distinct keys; from has already been unlinked
// from the right subtree by removeMin.
func (t *Tree) transplantLinks(to, from uintptr) {
	t.rep.SetLeft(from, t.rep.Left(to))
	t.rep.SetRight(from, t.rep.Right(to))
	t.rep.SetRed(from, t.rep.IsRed(to))
}

// Remove deletes key from the tree if present.
func (t *Tree) Remove(key uintptr) {
	if !t.Find(key) {
		return
	}
	if !t.isRed(t.rep.Left(t.root)) && !t.isRed(t.rep.Right(t.root)) {
		t.rep.SetRed(t.root, true)
	}
	t.root = t.remove(t.root, key)
	if t.root != Null {
		t.rep.SetRed(t.root, false)
	}
}

// CheckInvariants walks the tree verifying: in-order keys are strictly
// increasing, no red node has a red child, and every root-to-leaf path
// has the same black-height. It is called only from tests (directly or
// through buddy.Allocator.CheckInvariants); no build of the module runs
// it automatically.
func (t *Tree) CheckInvariants() bool {
	if _, _, ok := t.check(t.root); !ok {
		return false
	}
	var prev uintptr
	first, inOrder := true, true
	var walk func(h uintptr)
	walk = func(h uintptr) {
		if h == Null || !inOrder {
			return
		}
		walk(t.rep.Left(h))
		if !first && h <= prev {
			inOrder = false
		}
		prev, first = h, false
		walk(t.rep.Right(h))
	}
	walk(t.root)
	return inOrder
}

func (t *Tree) check(h uintptr) (minKey, blackHeight int, ok bool) {
	if h == Null {
		return 0, 1, true
	}
	if t.isRed(h) && (t.isRed(t.rep.Left(h)) || t.isRed(t.rep.Right(h))) {
		return 0, 0, false
	}
	var lh, rh int
	if l := t.rep.Left(h); l != Null {
		if l >= h {
			return 0, 0, false
		}
		if _, bh, ok := t.check(l); !ok {
			return 0, 0, false
		} else {
			lh = bh
		}
	} else {
		lh = 1
	}
	if r := t.rep.Right(h); r != Null {
		if r <= h {
			return 0, 0, false
		}
		if _, bh, ok := t.check(r); !ok {
			return 0, 0, false
		} else {
			rh = bh
		}
	} else {
		rh = 1
	}
	if lh != rh {
		return 0, 0, false
	}
	bh := lh
	if !t.isRed(h) {
		bh++
	}
	return int(h), bh, true
}
