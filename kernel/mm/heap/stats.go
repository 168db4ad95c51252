package heap

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// SegmentStats describes the usage of a single growth segment. Used+Free
// always equals Size.
type SegmentStats struct {
	Base, Size uintptr
	Used, Free uintptr
	Blocks     int
	FreeBlocks int
}

// Stats is a snapshot of the heap state.
type Stats struct {
	Segments    []SegmentStats
	Allocations uint64
}

// Used returns the number of allocated bytes across all segments.
func (s Stats) Used() uintptr {
	var used uintptr
	for _, seg := range s.Segments {
		used += seg.Used
	}
	return used
}

// Mapped returns the number of bytes mapped for the heap.
func (s Stats) Mapped() uintptr {
	var mapped uintptr
	for _, seg := range s.Segments {
		mapped += seg.Size
	}
	return mapped
}

// Stats returns a snapshot of the heap state.
func (h *Heap) Stats() Stats {
	h.mutex.Acquire()
	defer h.mutex.Release()

	stats := Stats{
		Segments:    make([]SegmentStats, 0, len(h.segments)),
		Allocations: h.allocs,
	}

	for _, seg := range h.segments {
		segStats := SegmentStats{Base: seg.base, Size: seg.size}
		for b := seg.first; b != nil; b = b.next {
			segStats.Blocks++
			if b.free {
				segStats.Free += b.size
				segStats.FreeBlocks++
			} else {
				segStats.Used += b.size
			}
		}
		stats.Segments = append(stats.Segments, segStats)
	}

	return stats
}

// WriteJSON serializes the heap statistics as a JSON object.
func (h *Heap) WriteJSON(writer *jwriter.Writer) {
	stats := h.Stats()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Allocations").Int(int(stats.Allocations))
	obj.Name("Used").Int(int(stats.Used()))
	obj.Name("Mapped").Int(int(stats.Mapped()))

	segments := obj.Name("Segments").Array()
	defer segments.End()

	for _, seg := range stats.Segments {
		segObj := segments.Object()
		segObj.Name("Base").String(fmt.Sprintf("%#x", seg.Base))
		segObj.Name("Size").Int(int(seg.Size))
		segObj.Name("Used").Int(int(seg.Used))
		segObj.Name("Free").Int(int(seg.Free))
		segObj.Name("Blocks").Int(seg.Blocks)
		segObj.Name("FreeBlocks").Int(seg.FreeBlocks)
		segObj.End()
	}
}
