//go:build !backend_debug

package backend

import "github.com/chunkspace/backend/pal"

// fail reports a detected invariant violation (spec.md §7's fatal
// taxonomy). The release build defers entirely to the PAL's noreturn
// error hook, which logs and aborts the process.
func fail(p pal.PAL, msg string) {
	p.Error(msg)
}
