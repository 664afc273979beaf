package rangepipe

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"github.com/chunkspace/backend/capptr"
	"github.com/chunkspace/backend/pal"
)

// fakePAL backs every reservation with real Go heap memory instead of raw
// mmap, so SmallBuddyRange's and DecayRange's in-band link storage (which
// genuinely dereferences the addresses it is handed) stays safe under
// `go test`'s race detector and ordinary GC. Reservations are kept alive
// for the fakePAL's lifetime via keepAlive so the backing arrays are
// never collected out from under a test.
type fakePAL struct {
	mu        sync.Mutex
	keepAlive [][]byte
	fatal     []string
}

func newFakePAL() *fakePAL { return &fakePAL{} }

func (f *fakePAL) Features() pal.Features {
	return pal.Features{AlignedAllocation: true, LazyCommit: true, Entropy: true, Time: true}
}

func (f *fakePAL) alloc(n uintptr) uintptr {
	buf := make([]byte, n)
	f.mu.Lock()
	f.keepAlive = append(f.keepAlive, buf)
	f.mu.Unlock()
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (f *fakePAL) Reserve(size uintptr) (pal.ArenaPtr, bool) {
	return capptr.New(f.alloc(size), size), true
}

func (f *fakePAL) ReserveAligned(size uintptr, committed bool) (pal.ArenaPtr, bool) {
	base := f.alloc(size * 2)
	aligned := (base + size - 1) &^ (size - 1)
	return capptr.New(aligned, size), true
}

func (f *fakePAL) NotifyUsing(p pal.TamePtr, size uintptr, zero bool) error { return nil }
func (f *fakePAL) NotifyNotUsing(p pal.TamePtr, size uintptr) error        { return nil }
func (f *fakePAL) Zero(p pal.TamePtr, size uintptr)                       {}

func (f *fakePAL) RegisterTimer(period time.Duration, cb func()) (func(), bool) {
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
	var once sync.Once
	return func() { once.Do(func() { t.Stop(); close(done) }) }, true
}

func (f *fakePAL) GetEntropy64() (uint64, bool) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (f *fakePAL) Error(msg string) {
	f.mu.Lock()
	f.fatal = append(f.fatal, msg)
	f.mu.Unlock()
}

var _ pal.PAL = (*fakePAL)(nil)
