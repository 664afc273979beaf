// Package unixpal implements pal.PAL for POSIX platforms using raw mmap,
// mprotect, and madvise. It is the concrete descendant of the teacher
// corpus's runtime/mem_linux.go-style platform files, translated from raw
// syscalls to golang.org/x/sys/unix.
package unixpal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/pal"
)

// PAL is the POSIX platform abstraction layer.
type PAL struct{}

// New returns a PAL backed by mmap/mprotect/madvise.
func New() *PAL {
	return &PAL{}
}

func (*PAL) Features() pal.Features {
	return pal.Features{
		AlignedAllocation:     true,
		LazyCommit:            true,
		Entropy:               true,
		Time:                  true,
		LowMemoryNotification: false,
		NoAllocation:          false,
	}
}

func (*PAL) Reserve(size uintptr) (pal.ArenaPtr, bool) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return pal.ArenaPtr{}, false
	}
	return capptr.New(uintptr(unsafe.Pointer(&b[0])), size), true
}

// ReserveAligned over-allocates 2*size, then trims the slop on either side
// of the first size-aligned boundary so the returned range is aligned to
// size. The AlignedAllocation feature bit promises exactly this guarantee
// to callers.
func (p *PAL) ReserveAligned(size uintptr, committed bool) (pal.ArenaPtr, bool) {
	raw, ok := p.Reserve(size * 2)
	if !ok {
		return pal.ArenaPtr{}, false
	}
	base := raw.Address()
	aligned := (base + size - 1) &^ (size - 1)

	if lead := aligned - base; lead > 0 {
		if b, err := sliceAt(base, lead); err == nil {
			_ = unix.Munmap(b)
		}
	}
	tailStart := aligned + size
	tailLen := (base + size*2) - tailStart
	if tailLen > 0 {
		if b, err := sliceAt(tailStart, tailLen); err == nil {
			_ = unix.Munmap(b)
		}
	}

	result := capptr.New(aligned, size)
	if committed {
		tame := capptr.Claim[capptr.Arena, capptr.Full](result)
		chunk := capptr.ToChunk[capptr.Full, capptr.Tame](tame)
		if err := p.NotifyUsing(chunk, size, false); err != nil {
			return pal.ArenaPtr{}, false
		}
	}
	return result, true
}

func (*PAL) NotifyUsing(p pal.TamePtr, size uintptr, zero bool) error {
	b, err := sliceAt(p.Address(), size)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("unixpal: mprotect commit: %w", err)
	}
	if zero {
		zeroSlice(b)
	}
	return nil
}

func (*PAL) NotifyNotUsing(p pal.TamePtr, size uintptr) error {
	b, err := sliceAt(p.Address(), size)
	if err != nil {
		return err
	}
	// MADV_FREE lets the kernel reclaim lazily; we never promise prompt
	// physical deallocation (spec.md §1 Non-goals).
	if err := unix.Madvise(b, unix.MADV_FREE); err != nil {
		return unix.Mprotect(b, unix.PROT_NONE)
	}
	return nil
}

func (*PAL) Zero(p pal.TamePtr, size uintptr) {
	b, err := sliceAt(p.Address(), size)
	if err != nil {
		return
	}
	zeroSlice(b)
}

func (*PAL) RegisterTimer(period time.Duration, cb func()) (cancel func(), ok bool) {
	t := time.NewTicker(period)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				cb()
			case <-done:
				return
			}
		}
	}()
	var closeOnce bool
	return func() {
		if closeOnce {
			return
		}
		closeOnce = true
		t.Stop()
		close(done)
	}, true
}

func (*PAL) GetEntropy64() (uint64, bool) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (*PAL) Error(msg string) {
	pal.Logger().Error("backend: fatal invariant violation", zap.String("reason", msg))
	os.Exit(2)
}

func sliceAt(addr, length uintptr) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("unixpal: nil address")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), nil
}

func zeroSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
