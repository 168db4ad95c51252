// Package layout assigns the virtual address ranges used by the kernel.
//
// The higher half is split in three windows. The direct-map window starts at
// DirectMapBase and ends at the kernel VMA; it holds the linear mapping of
// all usable RAM through which the kernel reaches physical memory once its
// own page table is active. The kernel window starts at the configured
// kernel VMA and hosts the kernel image, the frame allocator metadata, the
// heap reservation and the stack. Both are filled bottom-up. The device
// window spans the last GiB of the address space (minus the temporary
// mapping page) and hosts framebuffer and device mappings; it is filled
// top-down like the early reservation allocator it replaces. Placement is
// first-fit and depends only on the sequence of requests, so the same boot
// input always yields the same layout.
package layout

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

const (
	// DirectMapBase is the virtual address at which physical address 0 is
	// mapped by the direct map.
	DirectMapBase = uintptr(0xffff800000000000)

	// DeviceWindowStart is the first address of the device window.
	DeviceWindowStart = uintptr(0xffffffffc0000000)

	// TempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings. It is never handed out.
	TempMappingAddr = uintptr(0xfffffffffffff000)

	// guardPages is the number of unmapped pages left between neighbouring
	// descriptors.
	guardPages = 1
)

var (
	// ErrLayoutExhausted is returned when a window has no gap large enough
	// for a request. It is marked as mm.ErrOutOfMemory.
	ErrLayoutExhausted = &kernel.Error{Module: "layout", Message: "virtual address space window exhausted"}

	// ErrUnknownRegion is returned for descriptors that are not live.
	ErrUnknownRegion = &kernel.Error{Module: "layout", Message: "unknown virtual region"}

	// ErrNotReleasable is returned when releasing a region that lives for
	// the kernel lifetime.
	ErrNotReleasable = &kernel.Error{Module: "layout", Message: "virtual region cannot be released"}
)

// Purpose identifies what a virtual region is used for.
type Purpose uint8

// The list of supported region purposes.
const (
	KernelImage Purpose = iota
	AllocatorMetadata
	Heap
	Stack
	Framebuffer
	Device
	DirectMap
)

// String implements fmt.Stringer for Purpose.
func (p Purpose) String() string {
	switch p {
	case KernelImage:
		return "kernel image"
	case AllocatorMetadata:
		return "allocator metadata"
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	case Framebuffer:
		return "framebuffer"
	case Device:
		return "device"
	case DirectMap:
		return "direct map"
	default:
		return "unknown"
	}
}

// DefaultPerm returns the permissions that regions with this purpose are
// mapped with.
func (p Purpose) DefaultPerm() mm.Perm {
	switch p {
	case KernelImage:
		return mm.PermRead | mm.PermExec
	case Framebuffer:
		return mm.PermRead | mm.PermWrite | mm.PermWriteThrough
	case Device:
		return mm.PermRead | mm.PermWrite | mm.PermNoCache
	default:
		return mm.PermRead | mm.PermWrite
	}
}

// releasable reports whether regions with this purpose may be returned.
func (p Purpose) releasable() bool {
	return p == Framebuffer || p == Device
}

// Descriptor describes a reserved virtual region.
type Descriptor struct {
	Base    uintptr
	Size    uintptr
	Purpose Purpose
	Perm    mm.Perm

	// Used is the prefix of the region that has been handed out by Grow.
	// It is only tracked for the heap reservation.
	Used uintptr
}

// End returns the first address past the region.
func (d Descriptor) End() uintptr {
	return d.Base + d.Size
}

// Contains returns true if addr lies inside the region.
func (d Descriptor) Contains(addr uintptr) bool {
	return addr >= d.Base && addr-d.Base < d.Size
}

// window is a span of the address space that serves a set of purposes.
type window struct {
	start, end uintptr
	topDown    bool
}

// Layout tracks the live virtual regions.
type Layout struct {
	mutex sync.Spinlock

	direct, kernel, device window

	// descs is sorted by base address.
	descs []Descriptor

	log *kfmt.PrefixWriter
}

// New returns an empty layout for the supplied configuration.
func New(cfg mm.Config) (*Layout, error) {
	if !mm.IsAligned(cfg.KernelVMA, mm.PageSize) || cfg.KernelVMA <= DirectMapBase || cfg.KernelVMA >= DeviceWindowStart {
		return nil, errors.Wrapf(mm.ErrInvalidConfig, "kernel VMA %#x must be a page aligned address in (%#x, %#x)",
			cfg.KernelVMA, DirectMapBase, DeviceWindowStart)
	}

	return &Layout{
		direct: window{start: DirectMapBase, end: cfg.KernelVMA},
		kernel: window{start: cfg.KernelVMA, end: DeviceWindowStart},
		device: window{start: DeviceWindowStart, end: TempMappingAddr, topDown: true},
		log:    kfmt.ModuleWriter("layout"),
	}, nil
}

func (l *Layout) windowFor(purpose Purpose) window {
	switch purpose {
	case Framebuffer, Device:
		return l.device
	case DirectMap:
		return l.direct
	default:
		return l.kernel
	}
}

// Reserve assigns a page-aligned region of at least size bytes to purpose.
// The region is not mapped.
func (l *Layout) Reserve(purpose Purpose, size uintptr) (Descriptor, error) {
	win := l.windowFor(purpose)
	if size == 0 {
		size = mm.PageSize
	}
	if size > win.end-win.start {
		return Descriptor{}, errors.Mark(
			errors.Wrapf(ErrLayoutExhausted, "reserve %d bytes for %s in [%#x, %#x)", size, purpose, win.start, win.end),
			mm.ErrOutOfMemory,
		)
	}
	size = mm.AlignUp(size, mm.PageSize)

	l.mutex.Acquire()
	defer l.mutex.Release()

	base, ok := l.findGap(win, size)
	if !ok {
		return Descriptor{}, errors.Mark(
			errors.Wrapf(ErrLayoutExhausted, "reserve %s for %s in [%#x, %#x)", mm.Size(size), purpose, win.start, win.end),
			mm.ErrOutOfMemory,
		)
	}

	desc := Descriptor{Base: base, Size: size, Purpose: purpose, Perm: purpose.DefaultPerm()}
	index := slices.IndexFunc(l.descs, func(d Descriptor) bool { return d.Base > base })
	if index < 0 {
		index = len(l.descs)
	}
	l.descs = slices.Insert(l.descs, index, desc)

	l.log.Printf("reserved [%#x - %#x] for %s\n", desc.Base, desc.End()-1, purpose)
	return desc, nil
}

// findGap returns the base of the first gap in win that fits size bytes plus
// the guard pages separating it from its neighbours.
func (l *Layout) findGap(win window, size uintptr) (uintptr, bool) {
	const guard = guardPages * mm.PageSize

	// Collect the free gaps of the window in ascending order.
	type gap struct{ start, end uintptr }
	var gaps []gap
	cur := win.start
	for _, d := range l.descs {
		if d.End() <= win.start || d.Base >= win.end {
			continue
		}
		if d.Base > cur {
			gaps = append(gaps, gap{cur, d.Base - guard})
		}
		if cur = d.End() + guard; cur < d.End() || cur > win.end {
			cur = win.end
		}
	}
	if cur < win.end {
		gaps = append(gaps, gap{cur, win.end})
	}

	fits := func(g gap) bool { return g.end > g.start && g.end-g.start >= size }
	if win.topDown {
		for i := len(gaps) - 1; i >= 0; i-- {
			if fits(gaps[i]) {
				return gaps[i].end - size, true
			}
		}
		return 0, false
	}

	for _, g := range gaps {
		if fits(g) {
			return g.start, true
		}
	}
	return 0, false
}

func (l *Layout) indexOf(desc Descriptor) int {
	return slices.IndexFunc(l.descs, func(d Descriptor) bool {
		return d.Base == desc.Base && d.Purpose == desc.Purpose
	})
}

// Grow hands out the next size bytes (rounded up to a page) of a heap
// reservation and returns their base address.
func (l *Layout) Grow(desc Descriptor, size uintptr) (uintptr, error) {
	l.mutex.Acquire()
	defer l.mutex.Release()

	index := l.indexOf(desc)
	if index < 0 {
		return 0, errors.Wrapf(ErrUnknownRegion, "%s region at %#x", desc.Purpose, desc.Base)
	}

	// Size and Used are page multiples, so a size that fits still fits once
	// rounded up.
	d := &l.descs[index]
	if size > d.Size-d.Used {
		return 0, errors.Mark(
			errors.Wrapf(ErrLayoutExhausted, "grow %s region by %d bytes: %s of %s in use", d.Purpose, size, mm.Size(d.Used), mm.Size(d.Size)),
			mm.ErrOutOfMemory,
		)
	}
	size = mm.AlignUp(size, mm.PageSize)

	base := d.Base + d.Used
	d.Used += size
	return base, nil
}

// Shrink returns the last size bytes handed out by Grow.
func (l *Layout) Shrink(desc Descriptor, size uintptr) error {
	l.mutex.Acquire()
	defer l.mutex.Release()

	index := l.indexOf(desc)
	if index < 0 {
		return errors.Wrapf(ErrUnknownRegion, "%s region at %#x", desc.Purpose, desc.Base)
	}

	d := &l.descs[index]
	if size > d.Used {
		return errors.AssertionFailedf("shrink %s region by %d bytes: only %d bytes in use", d.Purpose, size, d.Used)
	}
	size = mm.AlignUp(size, mm.PageSize)

	d.Used -= size
	return nil
}

// Release returns a device or framebuffer region to its window.
func (l *Layout) Release(desc Descriptor) error {
	if !desc.Purpose.releasable() {
		return errors.Wrapf(ErrNotReleasable, "%s region at %#x", desc.Purpose, desc.Base)
	}

	l.mutex.Acquire()
	defer l.mutex.Release()

	index := l.indexOf(desc)
	if index < 0 {
		return errors.Wrapf(ErrUnknownRegion, "%s region at %#x", desc.Purpose, desc.Base)
	}

	l.descs = slices.Delete(l.descs, index, index+1)
	l.log.Printf("released [%#x - %#x] (%s)\n", desc.Base, desc.End()-1, desc.Purpose)
	return nil
}

// Descriptors returns a copy of the live regions sorted by base address.
func (l *Layout) Descriptors() []Descriptor {
	l.mutex.Acquire()
	defer l.mutex.Release()

	return slices.Clone(l.descs)
}

// Find returns the live region containing addr.
func (l *Layout) Find(addr uintptr) (Descriptor, bool) {
	l.mutex.Acquire()
	defer l.mutex.Release()

	for _, d := range l.descs {
		if d.Contains(addr) {
			return d, true
		}
	}
	return Descriptor{}, false
}
