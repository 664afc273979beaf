package backend

import "time"

// Config is the compile-time-only configuration surface spec.md §6
// describes ("Environment / config. Compile-time only... No runtime CLI,
// no environment variables."). It is passed once to New; nothing here is
// read from the environment or flags.
type Config struct {
	// MinChunkBits is log2(MIN_CHUNK): the smallest unit the object
	// pipeline hands to the front end.
	MinChunkBits uint

	// MaxSizeBits is log2 of the largest size the large-buddy stage
	// manages itself; requests at or above this bypass straight to the
	// PAL (spec.md §4.5's overflow threshold).
	MaxSizeBits uint

	// RefillSizeBits is log2 of the unit the large-buddy stage requests
	// from its parent when its trees run dry.
	RefillSizeBits uint

	// NumEpochs is the decay stage's epoch-ring length. Must be a power
	// of two >= 4 (spec.md §4.11).
	NumEpochs uint

	// Period is how often the decay timer fires.
	Period time.Duration

	// ConsolidatePalAllocs resolves the Open Question spec.md §9 flags
	// (whether coalescing across separately-obtained PAL reservations is
	// safe): false is the conservative default recorded in SPEC_FULL.md
	// §G.1.
	ConsolidatePalAllocs bool

	// IsolateMetadata routes AllocMetaData through SubRange before
	// SmallBuddyRange, scattering metadata placement (spec.md §4.10).
	IsolateMetadata bool

	// SubRangeRatioBits is RATIO_BITS for the metadata SubRange, only
	// meaningful when IsolateMetadata is true.
	SubRangeRatioBits uint
}

// DefaultConfig returns reasonable defaults: 16 KiB chunks, a 4 GiB
// large-buddy ceiling, 2 MiB refill units, 4 decay epochs at 100ms, no
// cross-reservation coalescing, and metadata isolation on.
func DefaultConfig() Config {
	return Config{
		MinChunkBits:         14,
		MaxSizeBits:          32,
		RefillSizeBits:       21,
		NumEpochs:            4,
		Period:               100 * time.Millisecond,
		ConsolidatePalAllocs: false,
		IsolateMetadata:      true,
		SubRangeRatioBits:    4,
	}
}
