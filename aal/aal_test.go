package aal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chunkspace/backend/aal"
	"github.com/chunkspace/backend/capptr"
)

func TestBoundNarrowsLength(t *testing.T) {
	p := capptr.Trusted(0x1000, 256)
	bounded := aal.Bound(p, 64)
	assert.Equal(t, uintptr(64), bounded.Len())
	assert.Equal(t, p.Address(), bounded.Address())
}

func TestBoundNeverExtends(t *testing.T) {
	p := capptr.Trusted(0x1000, 64)
	bounded := aal.Bound(p, 1000)
	assert.Equal(t, uintptr(64), bounded.Len())
}

func TestPauseAndPrefetchDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		aal.Pause()
		aal.Prefetch(nil)
	})
}
