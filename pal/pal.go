// Package pal defines the platform abstraction layer the backend consumes
// (spec.md §6): the set of capabilities a concrete platform must grant —
// reserve, notify-using/not-using, zero, a periodic timer, an entropy
// source, and a noreturn fatal-error hook — without the backend ever
// depending on the platform's actual syscalls.
package pal

import (
	"time"

	"go.uber.org/zap"

	"github.com/chunkspace/backend/capptr"
)

// Features advertises which optional PAL capabilities this platform
// supports, per spec.md §6's feature-bit table.
type Features struct {
	AlignedAllocation     bool
	LazyCommit            bool
	Entropy               bool
	Time                  bool
	LowMemoryNotification bool
	NoAllocation          bool
}

// ArenaPtr is the capability shape a fresh reservation comes back as:
// maximal spatial extent, full platform control, not yet trusted.
type ArenaPtr = capptr.Ptr[capptr.Arena, capptr.Full, capptr.Wild]

// TamePtr is the shape used for every notify/zero call once a range has
// been claimed into backend-owned space.
type TamePtr = capptr.Ptr[capptr.Chunk, capptr.Full, capptr.Tame]

// PAL is the platform abstraction layer contract from spec.md §6.
type PAL interface {
	// Reserve obtains size bytes of virtual address space with no
	// alignment guarantee beyond the platform's page size.
	Reserve(size uintptr) (ArenaPtr, bool)

	// ReserveAligned obtains size bytes aligned to size. committed
	// requests the platform back the range with physical memory
	// immediately rather than lazily. Only meaningful when
	// Features().AlignedAllocation is true.
	ReserveAligned(size uintptr, committed bool) (ArenaPtr, bool)

	// NotifyUsing commits p..p+size for use. If zero is true, the first
	// read of the range is guaranteed to observe zero bytes. size must be
	// a multiple of the platform page size.
	NotifyUsing(p TamePtr, size uintptr, zero bool) error

	// NotifyNotUsing tells the platform the range is idle. The platform
	// may decommit it, mark it MADV_FREE, or do nothing.
	NotifyNotUsing(p TamePtr, size uintptr) error

	// Zero ensures the range reads as zero.
	Zero(p TamePtr, size uintptr)

	// RegisterTimer arranges for cb to run roughly every period. Returns
	// ok=false if the platform has no timer facility
	// (Features().Time == false), in which case the decay stage must be
	// disabled. cancel stops the timer and is safe to call more than
	// once.
	RegisterTimer(period time.Duration, cb func()) (cancel func(), ok bool)

	// GetEntropy64 returns a random 64-bit value. Only required by
	// SubRange; ok is false if Features().Entropy is false.
	GetEntropy64() (uint64, bool)

	// Error is noreturn: it logs msg and aborts the process. Called only
	// on detected invariant violations (spec.md §7), never for ordinary
	// out-of-memory.
	Error(msg string)

	// Features reports which optional capabilities this platform has.
	Features() Features
}

var logger = zap.NewNop()

// SetLogger installs the logger used for PAL fatal-error and diagnostic
// messages. The default is a no-op logger so embedding this module costs
// nothing until a caller opts in.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Logger returns the currently installed logger.
func Logger() *zap.Logger {
	return logger
}
