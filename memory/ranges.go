package memory

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// MMIOGapStart is where the 32-bit device hole starts. Guest RAM never
	// overlaps [MMIOGapStart, MMIOGapEnd); virtio-MMIO devices live there.
	MMIOGapStart = 0xD0000000
	MMIOGapEnd   = 0x1_0000_0000
	MMIOGapSize  = MMIOGapEnd - MMIOGapStart

	PageSize = 0x1000
)

var (
	errNoRanges     = errors.New("guest memory needs at least one range")
	errRangeOverlap = errors.New("guest memory ranges overlap")
	errEmptyRange   = errors.New("guest memory range is empty")
)

// Range is a span of guest physical addresses backed by RAM.
type Range struct {
	Start uint64
	Size  uint64
}

// End is the first address past the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

func (r Range) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

func (r Range) overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// ArchRanges lays size bytes of RAM out around the x86 MMIO gap.
//
//	0x0000_0000 +-----------------+
//	            | RAM (low)       |
//	0xD000_0000 +-----------------+
//	            | MMIO gap        |
//	0x1_0000_0000 +---------------+
//	            | RAM (high)      |
//	            +-----------------+
func ArchRanges(size uint64) []Range {
	if size <= MMIOGapStart {
		return []Range{{Start: 0, Size: size}}
	}

	return []Range{
		{Start: 0, Size: MMIOGapStart},
		{Start: MMIOGapEnd, Size: size - MMIOGapStart},
	}
}

func validateRanges(ranges []Range, align uint64) ([]Range, error) {
	if len(ranges) == 0 {
		return nil, errNoRanges
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, r := range sorted {
		if r.Size == 0 {
			return nil, errEmptyRange
		}

		if r.Start%align != 0 || r.Size%align != 0 {
			return nil, fmt.Errorf("range %#x+%#x: %w", r.Start, r.Size, ErrUnaligned)
		}

		if i > 0 && sorted[i-1].overlaps(r) {
			return nil, fmt.Errorf("%#x and %#x: %w", sorted[i-1].Start, r.Start, errRangeOverlap)
		}
	}

	return sorted, nil
}
