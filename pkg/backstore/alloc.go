package backstore

import (
	"sort"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/metadata"
)

// allocator hands out non-overlapping sector ranges on one device. The
// metadata reserve is recorded as an ordinary segment at construction, so
// the non-overlap invariant covers it too. There is no free operation:
// space committed to the thin pool is only reclaimed by removing the device
// or destroying the pool.
type allocator struct {
	size     blockdev.Sectors
	segments []metadata.SegmentRecord // kept sorted by Start
}

func newAllocator(size blockdev.Sectors) *allocator {
	return &allocator{
		size: size,
		segments: []metadata.SegmentRecord{
			{Start: 0, Length: metadata.DataStart, Consumer: metadata.ConsumerReserve},
		},
	}
}

// restoreAllocator rebuilds an allocator from persisted segments.
func restoreAllocator(size blockdev.Sectors, segs []metadata.SegmentRecord) *allocator {
	a := &allocator{size: size, segments: append([]metadata.SegmentRecord(nil), segs...)}
	sort.Slice(a.segments, func(i, j int) bool { return a.segments[i].Start < a.segments[j].Start })
	return a
}

// available returns the total unallocated space.
func (a *allocator) available() blockdev.Sectors {
	var used blockdev.Sectors
	for _, s := range a.segments {
		used += s.Length
	}
	return a.size - used
}

// used returns the space allocated to the given consumer.
func (a *allocator) used(c metadata.Consumer) blockdev.Sectors {
	var total blockdev.Sectors
	for _, s := range a.segments {
		if s.Consumer == c {
			total += s.Length
		}
	}
	return total
}

// request allocates up to need sectors and returns the new segments, lowest
// gaps first. May return less than requested; returns nil when the device is
// full.
func (a *allocator) request(need blockdev.Sectors, consumer metadata.Consumer) []metadata.SegmentRecord {
	var granted []metadata.SegmentRecord
	cursor := blockdev.Sectors(0)

	for i := 0; i <= len(a.segments) && need > 0; i++ {
		gapEnd := a.size
		if i < len(a.segments) {
			gapEnd = a.segments[i].Start
		}
		if gapEnd > cursor {
			length := gapEnd - cursor
			if length > need {
				length = need
			}
			granted = append(granted, metadata.SegmentRecord{
				Start:    cursor,
				Length:   length,
				Consumer: consumer,
			})
			need -= length
		}
		if i < len(a.segments) {
			cursor = a.segments[i].Start + a.segments[i].Length
		}
	}

	a.segments = append(a.segments, granted...)
	sort.Slice(a.segments, func(i, j int) bool { return a.segments[i].Start < a.segments[j].Start })
	return granted
}

// records returns a copy of the segment list for persistence.
func (a *allocator) records() []metadata.SegmentRecord {
	return append([]metadata.SegmentRecord(nil), a.segments...)
}

// onlyReserve reports whether nothing beyond the metadata reserve is
// allocated, i.e. the device can leave the pool.
func (a *allocator) onlyReserve() bool {
	for _, s := range a.segments {
		if s.Consumer != metadata.ConsumerReserve {
			return false
		}
	}
	return true
}
