package pmm

import (
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/memmap"

	"github.com/cockroachdb/errors"
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the bitmap allocator.
//
// The allocator walks the usable ranges of the normalized memory map and
// returns the next available free frames, skipping over any frames that are
// reserved (e.g. the loaded kernel image). Allocations are tracked via an
// internal counter that contains the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated frames. Once the bitmap allocator is initialized, the frames
// handed out by the boot allocator are flagged as reserved in its bitmaps.
type bootMemAllocator struct {
	ranges   []memmap.Range
	reserved []memmap.Range

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// nextFrame is the first frame that may be returned by the next
	// allocation.
	nextFrame mm.Frame
}

func (alloc *bootMemAllocator) init(m memmap.Map, reserved []memmap.Range) {
	alloc.ranges = m.Usable
	alloc.reserved = reserved
	alloc.allocCount = 0
	alloc.nextFrame = 0
}

// AllocFrames reserves count physically contiguous frames and returns the
// first one.
func (alloc *bootMemAllocator) AllocFrames(count uintptr) (mm.Frame, error) {
	for _, r := range alloc.ranges {
		first := r.StartFrame()
		if alloc.nextFrame > first {
			first = alloc.nextFrame
		}

		for first+mm.Frame(count) <= r.EndFrame() {
			last := first + mm.Frame(count) // exclusive
			clash, found := alloc.reservedOverlap(first, last)
			if !found {
				alloc.nextFrame = last
				alloc.allocCount += uint64(count)
				return first, nil
			}
			first = clash
		}
	}

	return mm.InvalidFrame, errors.Wrapf(mm.ErrOutOfMemory, "boot allocator: no run of %d free frames", count)
}

// AllocFrame reserves the next free frame.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, error) {
	return alloc.AllocFrames(1)
}

// reservedOverlap checks whether [first, last) overlaps a reserved range and
// if so returns the first frame past that range.
func (alloc *bootMemAllocator) reservedOverlap(first, last mm.Frame) (mm.Frame, bool) {
	for _, r := range alloc.reserved {
		if first < r.EndFrame() && r.StartFrame() < last {
			return r.EndFrame(), true
		}
	}
	return 0, false
}
