package backend

import "github.com/chunkspace/backend/rangepipe"

// LocalState is the per-thread state spec.md §5 describes: a private
// object range (large-buddy cache wrapped in a decay cache) and a
// private metadata range (small-buddy over the shared, optionally
// scattered, metadata tail). Every stage reachable through either field
// is per-thread and needs no synchronization; callers must not share a
// LocalState across threads.
type LocalState struct {
	ownerID     uint16
	objectRange *rangepipe.DecayRange
	metaRange   *rangepipe.SmallBuddyRange
}

// OwnerID returns the id written into every MetaEntry this thread's
// allocations produce.
func (ls *LocalState) OwnerID() uint16 { return ls.ownerID }

// String identifies this thread's state in diagnostics, delegating to
// its decay cache's registered id (SPEC_FULL.md §F.3).
func (ls *LocalState) String() string { return ls.objectRange.String() }
