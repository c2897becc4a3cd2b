package ramdisk

import (
	"iter"
	"math"
)

// Walk selects how much of a segment list a walk covers.
type Walk uint8

const (
	// WalkRequest visits every segment.
	WalkRequest Walk = iota
	// WalkCurrent visits only the first segment.
	WalkCurrent
)

// Span is one contiguous piece of a scatter-gather list placed on the device.
type Span struct {
	// Sector is the sector the span starts in.
	Sector uint64
	// Offset is the exact byte offset of the span on the device. It is negative
	// when the position does not fit in an int64, which the Transfer Unit rejects.
	Offset int64
	Buf    []byte
}

func (s Span) Len() int64 {
	return int64(len(s.Buf))
}

// Spans places segments one after another starting at the given sector.
// The cursor advances by each segment's length, so aligned segments advance
// by len/sectorSize sectors and unaligned ones stay byte-exact.
// The sequence can be ranged over any number of times and always starts from the first segment.
// Bounds are not checked here, but positions past math.MaxInt64 never wrap.
func Spans(start uint64, segments []Segment, sectorSize int64, walk Walk) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		cursor := int64(-1)
		if sectorSize > 0 && start <= uint64(math.MaxInt64/sectorSize) {
			cursor = int64(start) * sectorSize
		}

		for i, seg := range segments {
			if walk == WalkCurrent && i > 0 {
				return
			}

			span := Span{
				Sector: start,
				Offset: cursor,
				Buf:    seg.Buf,
			}
			if cursor >= 0 {
				span.Sector = uint64(cursor / sectorSize)
			}

			if !yield(span) {
				return
			}

			if cursor >= 0 {
				if seg.Len() > math.MaxInt64-cursor {
					cursor = -1
				} else {
					cursor += seg.Len()
				}
			}
		}
	}
}
