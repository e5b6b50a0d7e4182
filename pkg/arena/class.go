package arena

// Class is a size class: the (block size, block max, class index) triple
// that determines how a span of a given kind is carved into blocks.
type Class struct {
	// BlockSize is the size, in bytes, of every block in a span of this
	// class.
	BlockSize int

	// BlockMax is the maximum number of blocks a single span of this class
	// can hold, given BlockSize and the usable bytes in a span after its
	// header.
	BlockMax uint32

	// Index is this class's position in [ClassTable], used to index the
	// arena's per-class partial-span and deferred-partial-span lists.
	Index int
}

// Regime classifies a requested size into one of five size regimes.
type Regime int

const (
	// Small sizes are carved many-to-a-span at SmallGranularity strides.
	Small Regime = iota
	// Medium sizes are carved many-to-a-span at MediumGranularity strides.
	Medium
	// LargeSpan sizes get exactly one block per span.
	LargeSpan
	// MultiSpanLarge sizes need a span spanning multiple span-sized slots.
	MultiSpanLarge
	// Huge sizes bypass the span machinery entirely.
	Huge
)

// Default tunables, chosen to mirror typical span-allocator defaults (a
// 64 KiB span, 16-byte small granularity). Config can override the ones
// that are meant to be tunable (see config.go); the class table itself is
// rebuilt whenever those change.
const (
	DefaultSpanSize          = 64 * 1024
	DefaultSmallGranularity  = 16
	DefaultSmallClassCount   = 128 // small_max = 128*16 = 2048
	DefaultMediumGranularity = 512
	DefaultMediumClassCount  = 60 // medium_max = small_max + 60*512 = 32768
	DefaultLargeClassCount   = 32 // K in [2, 33]
)

// ClassTable holds every size class an arena can route an allocation to,
// plus the regime boundaries derived from them.
type ClassTable struct {
	SpanSize          int
	SmallGranularity  int
	SmallMax          int
	MediumGranularity int
	MediumMax         int
	SpanMax           int
	LargeMax          int
	LargeClassCount   int
	HeaderSize        int

	// Small classes, indexed by (size-1)/SmallGranularity.
	Small []Class
	// Medium classes, indexed by (size-1-SmallMax)/MediumGranularity.
	Medium []Class
	// LargeSpanClass is the single one-block-per-span class.
	LargeSpanClass Class
}

// NewClassTable builds the size-class table for the given tunables.
// headerSize is the size of a Span header, rounded up to pointer alignment;
// it must be computed by the caller because it depends on unsafe.Sizeof,
// which class.go deliberately avoids importing unsafe to keep this table
// pure arithmetic and easy to unit test.
func NewClassTable(spanSize, smallGranularity, smallClassCount, mediumGranularity, mediumClassCount, largeClassCount, headerSize int) *ClassTable {
	t := &ClassTable{
		SpanSize:          spanSize,
		SmallGranularity:  smallGranularity,
		MediumGranularity: mediumGranularity,
		LargeClassCount:   largeClassCount,
		HeaderSize:        headerSize,
	}

	t.SmallMax = smallGranularity * smallClassCount
	t.MediumMax = t.SmallMax + mediumGranularity*mediumClassCount
	t.SpanMax = spanSize - headerSize
	t.LargeMax = t.SpanMax + largeClassCount*spanSize

	usable := spanSize - headerSize

	t.Small = make([]Class, smallClassCount)
	for i := range t.Small {
		blockSize := (i + 1) * smallGranularity
		t.Small[i] = Class{
			BlockSize: blockSize,
			BlockMax:  uint32(usable / blockSize),
			Index:     i,
		}
	}

	t.Medium = make([]Class, mediumClassCount)
	for i := range t.Medium {
		blockSize := t.SmallMax + (i+1)*mediumGranularity
		t.Medium[i] = Class{
			BlockSize: blockSize,
			BlockMax:  uint32(usable / blockSize),
			Index:     smallClassCount + i,
		}
	}

	t.LargeSpanClass = Class{
		BlockSize: t.SpanMax,
		BlockMax:  1,
		Index:     smallClassCount + mediumClassCount,
	}

	return t
}

// NumSmallMedium returns the number of small+medium classes, i.e. the size
// of the per-class partial/deferred-partial list vectors an arena keeps.
func (t *ClassTable) NumSmallMedium() int {
	return len(t.Small) + len(t.Medium)
}

// ClassFor returns the regime and class for a requested size (alignment
// already folded in by the caller). ok is false for Huge, which has no
// associated Class (and for MultiSpanLarge, whose class is synthesized by
// span count rather than looked up here).
func (t *ClassTable) ClassFor(size int) (Regime, Class, bool) {
	switch {
	case size <= 0:
		return Small, t.Small[0], true
	case size <= t.SmallMax:
		idx := (size - 1) / t.SmallGranularity
		return Small, t.Small[idx], true
	case size <= t.MediumMax:
		idx := (size - 1 - t.SmallMax) / t.MediumGranularity
		return Medium, t.Medium[idx], true
	case size <= t.SpanMax:
		return LargeSpan, t.LargeSpanClass, true
	case size <= t.LargeMax:
		return MultiSpanLarge, Class{}, false
	default:
		return Huge, Class{}, false
	}
}

// SpansNeeded returns how many consecutive span-sized slots a
// MultiSpanLarge request of the given size needs.
func (t *ClassTable) SpansNeeded(size int) int {
	n := (size + t.HeaderSize + t.SpanSize - 1) / t.SpanSize
	return max(n, 2)
}

// ClassIndex returns the flat index of a small/medium class among all
// small+medium classes combined, used to index per-arena partial lists.
func (t *ClassTable) ClassIndex(r Regime, c Class) int {
	return c.Index
}
