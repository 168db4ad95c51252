// Package heap implements the kernel heap on top of the page table manager.
//
// The heap manages a list of segments, each created by one growth step that
// maps freshly allocated frames into the heap reservation. Blocks are
// tracked out of band in an index keyed by address, so heap memory never
// holds allocator metadata. Allocation is first-fit by ascending address;
// freed blocks are coalesced with their free neighbours in the same segment.
package heap

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/layout"
	"kestrel/kernel/sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Granule is the minimum block size and alignment of every allocation.
const Granule = uintptr(16)

var (
	// ErrInvalidFree is raised (via panic) when freeing an address that was
	// not returned by Alloc.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "free of an address not returned by alloc"}

	// ErrDoubleFree is raised (via panic) when freeing a block twice.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "double free"}

	// ErrInvalidSize is returned for zero-sized allocations.
	ErrInvalidSize = &kernel.Error{Module: "heap", Message: "invalid allocation size"}
)

// FrameSource supplies the frames that back heap growth.
type FrameSource interface {
	AllocFrame() (mm.Frame, error)
	FreeFrame(mm.Frame)
}

// Mapper maps heap pages.
type Mapper interface {
	Map(page mm.Page, frames []mm.Frame, perm mm.Perm) error
	Unmap(page mm.Page, count uintptr, release bool) error
}

// Space hands out virtual space from the heap reservation.
type Space interface {
	Grow(desc layout.Descriptor, size uintptr) (uintptr, error)
	Shrink(desc layout.Descriptor, size uintptr) error
}

type segment struct {
	base, size uintptr
	first      *block
}

type block struct {
	addr, size uintptr
	free       bool
	seg        *segment

	// handedOut is set once Alloc has returned the block.
	handedOut bool

	// prev and next link blocks in address order within a segment.
	prev, next *block

	// prevFree and nextFree link the free list, sorted by address.
	prevFree, nextFree *block
}

// Heap is a first-fit kernel heap.
type Heap struct {
	mutex sync.Spinlock

	space  Space
	region layout.Descriptor
	mapper Mapper
	frames FrameSource
	growth uintptr

	segments []*segment
	blocks   *swiss.Map[uintptr, *block]
	freeList *block

	allocs uint64

	log *kfmt.PrefixWriter
}

// New returns an empty heap that grows inside region. Growth steps map at
// least cfg.HeapGrowth bytes.
func New(space Space, region layout.Descriptor, mapper Mapper, frames FrameSource, cfg mm.Config) *Heap {
	return &Heap{
		space:  space,
		region: region,
		mapper: mapper,
		frames: frames,
		growth: mm.AlignUp(uintptr(cfg.HeapGrowth), mm.PageSize),
		blocks: swiss.NewMap[uintptr, *block](256),
		log:    kfmt.ModuleWriter("heap"),
	}
}

// Alloc returns the address of a block of at least size bytes aligned to
// align, which must be a power of two. If no free block fits, the heap
// grows; a failed growth is reported as mm.ErrOutOfMemory.
func (h *Heap) Alloc(size, align uintptr) (uintptr, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrInvalidSize, "alloc of zero bytes")
	}
	if err := mm.CheckPow2(align, "alignment"); err != nil {
		return 0, err
	}
	if size > h.region.Size || align > h.region.Size {
		return 0, errors.Wrapf(mm.ErrOutOfMemory, "alloc of %d bytes aligned to %d exceeds the %s heap reservation",
			size, align, mm.Size(h.region.Size))
	}
	if align < Granule {
		align = Granule
	}
	size = mm.AlignUp(size, Granule)

	h.mutex.Acquire()
	defer h.mutex.Release()

	b, start := h.findFit(size, align)
	if b == nil {
		if err := h.grow(size + align - Granule); err != nil {
			return 0, errors.Wrapf(err, "alloc %d bytes", size)
		}
		if b, start = h.findFit(size, align); b == nil {
			return 0, errors.AssertionFailedf("no fit for %d bytes after growth", size)
		}
	}

	addr := h.carve(b, start, size)
	h.allocs++
	h.checkInvariants()
	return addr, nil
}

// findFit returns the first free block, by address, that can hold size
// bytes at an address aligned to align.
func (h *Heap) findFit(size, align uintptr) (*block, uintptr) {
	for b := h.freeList; b != nil; b = b.nextFree {
		start := mm.AlignUp(b.addr, align)
		if start-b.addr+size <= b.size {
			return b, start
		}
	}
	return nil, 0
}

// carve splits b so that [start, start+size) becomes an allocated block.
// Leading and trailing space stays on the free list.
func (h *Heap) carve(b *block, start, size uintptr) uintptr {
	if pad := start - b.addr; pad > 0 {
		h.splitAfter(b, pad)
		b = b.next
	}
	if b.size > size {
		h.splitAfter(b, size)
	}

	h.unlinkFree(b)
	b.free, b.handedOut = false, true
	return b.addr
}

// splitAfter shrinks the free block b to size bytes and inserts a free block
// for the remainder right after it.
func (h *Heap) splitAfter(b *block, size uintptr) {
	rest := &block{addr: b.addr + size, size: b.size - size, free: true, seg: b.seg}
	b.size = size

	rest.prev, rest.next = b, b.next
	if b.next != nil {
		b.next.prev = rest
	}
	b.next = rest

	rest.prevFree, rest.nextFree = b, b.nextFree
	if b.nextFree != nil {
		b.nextFree.prevFree = rest
	}
	b.nextFree = rest

	h.blocks.Put(rest.addr, rest)
}

// Free releases a block returned by Alloc. Freeing any other address or
// freeing a block twice is a fatal error; free space that Alloc never
// returned counts as any other address.
func (h *Heap) Free(addr uintptr) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	b, ok := h.blocks.Get(addr)
	switch {
	case !ok:
		panic(errors.Wrapf(ErrInvalidFree, "address %#x", addr))
	case b.free && !b.handedOut:
		panic(errors.Wrapf(ErrInvalidFree, "address %#x starts a block that was never allocated", addr))
	case b.free:
		panic(errors.Wrapf(ErrDoubleFree, "address %#x", addr))
	}

	b.free = true
	h.allocs--

	if next := b.next; next != nil && next.free {
		// b takes the place of next in the free list.
		b.prevFree, b.nextFree = next.prevFree, next.nextFree
		h.relinkFree(b)
		h.absorbNext(b)
	} else {
		h.insertFree(b)
	}

	if prev := b.prev; prev != nil && prev.free {
		h.unlinkFree(b)
		h.absorbNext(prev)
	}

	h.checkInvariants()
}

// absorbNext merges b.next into b.
func (h *Heap) absorbNext(b *block) {
	next := b.next
	b.size += next.size
	b.next = next.next
	if b.next != nil {
		b.next.prev = b
	}
	h.blocks.Delete(next.addr)
}

// insertFree adds b to the free list in address order.
func (h *Heap) insertFree(b *block) {
	var prev *block
	for cur := h.freeList; cur != nil && cur.addr < b.addr; cur = cur.nextFree {
		prev = cur
	}

	b.prevFree = prev
	if prev == nil {
		b.nextFree = h.freeList
	} else {
		b.nextFree = prev.nextFree
	}
	h.relinkFree(b)
}

// relinkFree points the neighbours recorded in b at b.
func (h *Heap) relinkFree(b *block) {
	if b.prevFree == nil {
		h.freeList = b
	} else {
		b.prevFree.nextFree = b
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
}

func (h *Heap) unlinkFree(b *block) {
	if b.prevFree == nil {
		h.freeList = b.nextFree
	} else {
		b.prevFree.nextFree = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree, b.nextFree = nil, nil
}

// Size returns the size of the allocated block at addr.
func (h *Heap) Size(addr uintptr) (uintptr, bool) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	b, ok := h.blocks.Get(addr)
	if !ok || b.free {
		return 0, false
	}
	return b.size, true
}

func (h *Heap) checkInvariants() {
	if !debugValidate {
		return
	}
	if err := h.validate(); err != nil {
		panic(err)
	}
}
