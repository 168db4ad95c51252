package heap

import (
	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
)

// Grow adds a segment of at least size bytes to the heap.
func (h *Heap) Grow(size uintptr) error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	err := h.grow(size)
	h.checkInvariants()
	return err
}

// grow reserves the next chunk of the heap region, backs it with fresh
// frames and maps it read-write. Any partial progress is undone on failure.
func (h *Heap) grow(size uintptr) error {
	if size > h.region.Size {
		return errors.Wrapf(mm.ErrOutOfMemory, "grow heap by %d bytes: reservation is %s", size, mm.Size(h.region.Size))
	}
	size = mm.AlignUp(size, mm.PageSize)
	if size < h.growth {
		size = h.growth
	}

	base, err := h.space.Grow(h.region, size)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "grow heap by %s", mm.Size(size)), mm.ErrOutOfMemory)
	}

	frames := make([]mm.Frame, 0, size>>mm.PageShift)
	undo := func() {
		for _, frame := range frames {
			h.frames.FreeFrame(frame)
		}
		if shrinkErr := h.space.Shrink(h.region, size); shrinkErr != nil {
			panic(shrinkErr)
		}
	}

	for len(frames) < cap(frames) {
		frame, err := h.frames.AllocFrame()
		if err != nil {
			undo()
			return errors.Mark(errors.Wrapf(err, "grow heap by %s", mm.Size(size)), mm.ErrOutOfMemory)
		}
		frames = append(frames, frame)
	}

	if err = h.mapper.Map(mm.PageFromAddress(base), frames, mm.PermRead|mm.PermWrite); err != nil {
		undo()
		return errors.Mark(errors.Wrapf(err, "map heap segment at %#x", base), mm.ErrOutOfMemory)
	}

	seg := &segment{base: base, size: size}
	seg.first = &block{addr: base, size: size, free: true, seg: seg}
	h.segments = append(h.segments, seg)
	h.blocks.Put(base, seg.first)
	h.insertFree(seg.first)

	h.log.Printf("mapped segment %d at [%#x - %#x]\n", len(h.segments)-1, base, base+size-1)
	return nil
}

// Trim unmaps trailing segments that hold no allocations and returns their
// frames and virtual space. It returns the number of bytes released.
func (h *Heap) Trim() (uintptr, error) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	var released uintptr
	for len(h.segments) > 0 {
		seg := h.segments[len(h.segments)-1]
		if !seg.first.free || seg.first.size != seg.size {
			break
		}

		if err := h.mapper.Unmap(mm.PageFromAddress(seg.base), seg.size>>mm.PageShift, true); err != nil {
			return released, errors.Wrapf(err, "trim segment at %#x", seg.base)
		}
		if err := h.space.Shrink(h.region, seg.size); err != nil {
			return released, errors.Wrapf(err, "trim segment at %#x", seg.base)
		}

		h.unlinkFree(seg.first)
		h.blocks.Delete(seg.base)
		h.segments = h.segments[:len(h.segments)-1]
		released += seg.size
	}

	if released != 0 {
		h.log.Printf("trimmed %s\n", mm.Size(released))
	}
	h.checkInvariants()
	return released, nil
}
