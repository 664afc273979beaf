//go:build backend_debug

package backend

import "github.com/chunkspace/backend/pal"

// fail panics instead of aborting the process under the backend_debug
// build tag, so tests can recover it and assert on which invariant
// tripped rather than losing the whole test binary.
func fail(p pal.PAL, msg string) {
	panic(msg)
}
