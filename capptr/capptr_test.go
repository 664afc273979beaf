package capptr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkspace/backend/capptr"
)

func TestNewProducesArenaFullWild(t *testing.T) {
	p := capptr.New(0x1000, 4096)
	require.Equal(t, uintptr(0x1000), p.Address())
	require.Equal(t, uintptr(4096), p.Len())
	require.False(t, p.IsNil())
}

func TestNilDetection(t *testing.T) {
	assert.True(t, capptr.New(0, 0).IsNil())
	assert.False(t, capptr.New(1, 0).IsNil())
}

func TestWithLengthNeverExtends(t *testing.T) {
	p := capptr.New(0x2000, 64)
	shorter := p.WithLength(16)
	require.Equal(t, uintptr(16), shorter.Len())

	longer := p.WithLength(1000)
	assert.Equal(t, uintptr(64), longer.Len(), "WithLength must clamp, never extend")
}

func TestOffsetStaysWithinBounds(t *testing.T) {
	p := capptr.New(0x4000, 64)
	moved := p.Offset(16)
	assert.Equal(t, uintptr(0x4010), moved.Address())
	assert.Equal(t, uintptr(48), moved.Len())

	clamped := p.Offset(1000)
	assert.Equal(t, uintptr(0), clamped.Len())
}

func TestNarrowingChain(t *testing.T) {
	wild := capptr.New(0x8000, 1<<14)
	tame := capptr.Claim[capptr.Arena, capptr.Full](wild)
	chunk := capptr.ToChunk[capptr.Full, capptr.Tame](tame)
	alloc := capptr.ToAlloc[capptr.Full, capptr.Tame](chunk)
	user := capptr.ToUser[capptr.Alloc, capptr.Tame](alloc)

	var client capptr.ClientPtr = user
	assert.Equal(t, uintptr(0x8000), client.Address())
}

func TestTrustedConstructsStagePtr(t *testing.T) {
	var p capptr.StagePtr = capptr.Trusted(0x9000, 256)
	assert.Equal(t, uintptr(0x9000), p.Address())
	assert.Equal(t, uintptr(256), p.Len())
}
