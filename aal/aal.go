// Package aal is the architecture abstraction layer: an opaque,
// platform-owned oracle for pause/prefetch hints and capability bound
// tightening. spec.md §1 treats the AAL as an external collaborator; this
// package supplies the minimal software stand-in the rest of the backend
// calls through, so the pipeline has something concrete beneath it.
package aal

import (
	"runtime"
	"unsafe"

	"github.com/chunkspace/backend/capptr"
)

// Pause yields the current OS thread's timeslice. On hardware with a
// dedicated spin-wait instruction this would issue it directly; in pure Go
// the closest available hint is a scheduler yield.
func Pause() {
	runtime.Gosched()
}

// Prefetch hints that addr will be touched soon. This is advisory only and
// has no observable effect in a pure-Go build; it exists so that stages
// written against this package compile unchanged on architectures where a
// real prefetch intrinsic is wired in via a build-tag variant of this file.
func Prefetch(addr unsafe.Pointer) {
	_ = addr
}

// Bound tightens a capability's length, the Go realization of
// capptr_bound: narrowing is enforced in software here; on
// hardware-capability architectures (e.g. CHERI) this would instead be the
// point where the real tag bits get set.
func Bound[S capptr.Spatial, C capptr.Control, W capptr.Wildness](p capptr.Ptr[S, C, W], newLen uintptr) capptr.Ptr[S, C, W] {
	return p.WithLength(newLen)
}
