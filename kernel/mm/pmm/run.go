package pmm

import "kestrel/kernel/mm"

// Run describes Count physically contiguous frames starting at First.
type Run struct {
	First mm.Frame
	Count uintptr
}

// Address returns the physical address of the first frame in the run.
func (r Run) Address() uintptr { return r.First.Address() }

// Size returns the number of bytes spanned by the run.
func (r Run) Size() mm.Size { return mm.Size(r.Count << mm.PageShift) }

// End returns the first frame past the run.
func (r Run) End() mm.Frame { return r.First + mm.Frame(r.Count) }

// Contains returns true if f belongs to the run.
func (r Run) Contains(f mm.Frame) bool { return f >= r.First && f < r.End() }

// Frames returns the frames of the run.
func (r Run) Frames() []mm.Frame {
	frames := make([]mm.Frame, r.Count)
	for i := range frames {
		frames[i] = r.First + mm.Frame(i)
	}
	return frames
}
