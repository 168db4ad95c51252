// Package pmm implements the physical frame allocator. Frame ownership is
// tracked by per-region bitmaps that either live in physical memory carved
// out of the regions they describe or in storage supplied by the caller.
package pmm

import (
	"math/bits"

	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/memmap"
	"kestrel/kernel/mm/physmem"
	"kestrel/kernel/sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDoubleFree is raised when a frame that is already free is released.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "double free of physical frame"}

	// ErrInvalidFree is raised when releasing a frame that the allocator does
	// not manage or that holds the allocator's own bookkeeping.
	ErrInvalidFree = &kernel.Error{Module: "pmm", Message: "free of unmanaged physical frame"}

	// ErrZeroLength is returned for contiguous allocations of zero frames.
	ErrZeroLength = &kernel.Error{Module: "pmm", Message: "zero-length frame allocation"}
)

const (
	blockBits  = 64
	blockShift = 6
	fullBlock  = ^uint64(0)
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. Bits are assigned
	// MSB-first; bits past endFrame in the last block are kept set.
	freeBitmap []uint64
}

func (pool *framePool) frames() uint32 {
	return uint32(pool.endFrame - pool.startFrame + 1)
}

func (pool *framePool) bit(frame mm.Frame) (block int, mask uint64) {
	rel := uint64(frame - pool.startFrame)
	return int(rel >> blockShift), 1 << (blockBits - 1 - (rel & (blockBits - 1)))
}

func (pool *framePool) allocated(frame mm.Frame) bool {
	block, mask := pool.bit(frame)
	return pool.freeBitmap[block]&mask != 0
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint64

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint64

	pools []framePool

	// metadata holds the frames that back the pool bitmaps.
	metadata Run

	// cursorPool and cursorBlock point to the bitmap block where the next
	// single-frame search starts.
	cursorPool  int
	cursorBlock int

	contiguousAlign uint64
	alignToSize     bool

	log *kfmt.PrefixWriter
}

// NewBitmapAllocator creates an allocator that manages every usable range of
// m. The frames needed to hold the pool bitmaps are obtained with a linear
// boot allocator that steers clear of the reserved ranges; they and the
// reserved ranges are then flagged as allocated.
func NewBitmapAllocator(m memmap.Map, mem physmem.Memory, cfg mm.Config, reserved ...memmap.Range) (*BitmapAllocator, error) {
	requiredWords := bitmapWords(m)
	requiredPages := mm.Size(requiredWords << mm.PointerShift).Pages()

	var boot bootMemAllocator
	boot.init(m, reserved)
	first, err := boot.AllocFrames(requiredPages)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d frame(s) for the frame bitmaps", requiredPages)
	}

	physmem.ZeroFrames(mem, first, requiredPages)
	alloc := newBitmapAllocator(m, physmem.Words(mem, first, int(requiredWords)), cfg)
	alloc.metadata = Run{First: first, Count: requiredPages}
	alloc.ReserveRange(alloc.metadata.Address(), alloc.metadata.End().Address())

	for _, r := range reserved {
		alloc.ReserveRange(r.Start, r.End)
	}

	alloc.log.Printf("managing %d frames in %d pool(s); bitmaps use %d frame(s) at %#x\n",
		alloc.totalPages, len(alloc.pools), alloc.metadata.Count, alloc.metadata.Address())
	return alloc, nil
}

// NewBitmapAllocatorWithStorage creates an allocator whose pool bitmaps live
// in storage instead of managed RAM, so every usable frame of m can be
// handed out. storage must hold at least BitmapWords(m) words; its contents
// are overwritten.
func NewBitmapAllocatorWithStorage(m memmap.Map, storage []uint64, cfg mm.Config, reserved ...memmap.Range) (*BitmapAllocator, error) {
	if required := BitmapWords(m); len(storage) < required {
		return nil, errors.Wrapf(mm.ErrOutOfMemory, "bitmap storage holds %d word(s); %d required", len(storage), required)
	}

	words := storage[:BitmapWords(m)]
	for i := range words {
		words[i] = 0
	}

	alloc := newBitmapAllocator(m, words, cfg)
	for _, r := range reserved {
		alloc.ReserveRange(r.Start, r.End)
	}

	alloc.log.Printf("managing %d frames in %d pool(s); bitmaps use %d word(s) of external storage\n",
		alloc.totalPages, len(alloc.pools), len(words))
	return alloc, nil
}

func newBitmapAllocator(m memmap.Map, words []uint64, cfg mm.Config) *BitmapAllocator {
	alloc := &BitmapAllocator{
		pools:           make([]framePool, 0, len(m.Usable)),
		contiguousAlign: cfg.ContiguousAlign,
		alignToSize:     cfg.AlignContiguousToSize,
		log:             kfmt.ModuleWriter("pmm"),
	}
	if alloc.contiguousAlign == 0 {
		alloc.contiguousAlign = 1
	}

	alloc.setupPoolBitmaps(m, words)
	return alloc
}

// setupPoolBitmaps creates one pool per usable range and points its free
// bitmap at the next slice of words.
func (alloc *BitmapAllocator) setupPoolBitmaps(m memmap.Map, words []uint64) {
	for _, r := range m.Usable {
		var (
			pool = framePool{
				startFrame: r.StartFrame(),
				endFrame:   r.EndFrame() - 1,
			}
			bitmapWords = int((r.Frames() + blockBits - 1) >> blockShift)
		)

		pool.freeCount = pool.frames()
		pool.freeBitmap, words = words[:bitmapWords:bitmapWords], words[bitmapWords:]

		// Flag the tail bits of the last block as used so that scans never
		// return a frame past the end of the pool.
		if tail := pool.frames() & (blockBits - 1); tail != 0 {
			pool.freeBitmap[bitmapWords-1] = fullBlock >> tail
		}

		alloc.totalPages += uint64(pool.freeCount)
		alloc.pools = append(alloc.pools, pool)
	}
}

// UseMemory re-points bitmaps carved out of managed RAM at the addresses mem
// resolves them to. The kernel calls it once the direct map is live and the
// boot-time identity mapping can no longer be relied upon. Allocators with
// external storage are left untouched.
func (alloc *BitmapAllocator) UseMemory(mem physmem.Memory) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.metadata.Count == 0 {
		return
	}

	var total int
	for _, pool := range alloc.pools {
		total += len(pool.freeBitmap)
	}

	words := physmem.Words(mem, alloc.metadata.First, total)
	for i := range alloc.pools {
		n := len(alloc.pools[i].freeBitmap)
		alloc.pools[i].freeBitmap, words = words[:n:n], words[n:]
	}
}

// BitmapWords returns the number of 64-bit bitmap words needed to track the
// usable ranges of m.
func BitmapWords(m memmap.Map) int {
	return int(bitmapWords(m))
}

func bitmapWords(m memmap.Map) uintptr {
	var words uintptr
	for _, r := range m.Usable {
		words += (r.Frames() + blockBits - 1) >> blockShift
	}
	return words
}

// MetadataSize returns the memory taken by the bitmaps of an allocator that
// manages m.
func MetadataSize(m memmap.Map) mm.Size {
	return mm.Size(mm.Size(bitmapWords(m)<<mm.PointerShift).Pages() << mm.PageShift)
}

// poolForFrame returns the index of the pool that contains frame or -1.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex := range alloc.pools {
		if frame >= alloc.pools[poolIndex].startFrame && frame <= alloc.pools[poolIndex].endFrame {
			return poolIndex
		}
	}

	return -1
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, allocated bool) {
	pool := &alloc.pools[poolIndex]
	block, mask := pool.bit(frame)

	switch {
	case allocated && pool.freeBitmap[block]&mask == 0:
		pool.freeBitmap[block] |= mask
		pool.freeCount--
		alloc.reservedPages++
	case !allocated && pool.freeBitmap[block]&mask != 0:
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		alloc.reservedPages--
	}
}

// ReserveRange flags every managed frame that overlaps the physical range
// [start, end) as allocated and returns the number of frames whose state
// changed. It is used for memory that is in use before the allocator comes
// up, such as the kernel image.
func (alloc *BitmapAllocator) ReserveRange(start, end uintptr) uintptr {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	var count uintptr
	for frame, last := mm.FrameFromAddress(start), mm.FrameFromAddress(end+mm.PageSize-1); frame < last; frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 || alloc.pools[poolIndex].allocated(frame) {
			continue
		}

		alloc.markFrame(poolIndex, frame, true)
		count++
	}

	return count
}

// AllocFrame reserves and returns a physical memory frame. The search
// resumes from the block where the previous search stopped so allocations
// cycle through memory; the result depends only on the allocation history.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for i := 0; i < len(alloc.pools); i++ {
		poolIndex := (alloc.cursorPool + i) % len(alloc.pools)
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		startBlock := 0
		if i == 0 {
			startBlock = alloc.cursorBlock
		}

		for j := 0; j < len(pool.freeBitmap); j++ {
			blockIndex := (startBlock + j) % len(pool.freeBitmap)
			block := pool.freeBitmap[blockIndex]
			if block == fullBlock {
				continue
			}

			frame := pool.startFrame + mm.Frame(blockIndex<<blockShift+bits.LeadingZeros64(^block))
			alloc.markFrame(poolIndex, frame, true)
			alloc.cursorPool, alloc.cursorBlock = poolIndex, blockIndex
			return frame, nil
		}
	}

	return mm.InvalidFrame, errors.Wrapf(mm.ErrOutOfMemory, "all %d frames are allocated", alloc.totalPages)
}

// AllocContiguous reserves count physically contiguous frames. The run never
// spans two pools and its first frame is aligned to the configured
// contiguous alignment. Pools are searched first-fit in ascending address
// order. On failure the allocator state is left untouched.
func (alloc *BitmapAllocator) AllocContiguous(count uintptr) (Run, error) {
	if count == 0 {
		return Run{}, ErrZeroLength
	}

	align := alloc.contiguousAlign
	if alloc.alignToSize {
		if p := mm.NextPow2(uint64(count)); p > align {
			align = p
		}
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if uintptr(pool.freeCount) < count {
			continue
		}

		first := mm.Frame(mm.AlignUp(uint64(pool.startFrame), align))
		for first >= pool.startFrame && uint64(first)+uint64(count)-1 <= uint64(pool.endFrame) {
			busy, found := alloc.lastAllocated(pool, first, count)
			if !found {
				for frame := first; frame < first+mm.Frame(count); frame++ {
					alloc.markFrame(poolIndex, frame, true)
				}
				return Run{First: first, Count: count}, nil
			}

			first = mm.Frame(mm.AlignUp(uint64(busy)+1, align))
		}
	}

	return Run{}, errors.WithDetailf(
		errors.Wrapf(mm.ErrOutOfMemory, "no run of %d contiguous frames", count),
		"free frames: %d; alignment: %d frame(s)", alloc.totalPages-alloc.reservedPages, align,
	)
}

// lastAllocated returns the highest allocated frame in [first, first+count).
func (alloc *BitmapAllocator) lastAllocated(pool *framePool, first mm.Frame, count uintptr) (mm.Frame, bool) {
	for frame := first + mm.Frame(count) - 1; ; frame-- {
		if pool.allocated(frame) {
			return frame, true
		}
		if frame == first {
			return 0, false
		}
	}
}

// FreeFrame releases a frame previously returned by AllocFrame or
// AllocContiguous. Releasing a free frame, a frame outside the managed
// ranges or one of the bitmap frames is a fatal logic error and panics.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	poolIndex := alloc.checkFree(frame)
	alloc.markFrame(poolIndex, frame, false)
}

// FreeContiguous releases a run returned by AllocContiguous. All frames are
// checked before any of them is released.
func (alloc *BitmapAllocator) FreeContiguous(run Run) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for frame := run.First; frame < run.End(); frame++ {
		alloc.checkFree(frame)
	}
	for frame := run.First; frame < run.End(); frame++ {
		alloc.markFrame(alloc.poolForFrame(frame), frame, false)
	}
}

func (alloc *BitmapAllocator) checkFree(frame mm.Frame) int {
	poolIndex := alloc.poolForFrame(frame)
	switch {
	case poolIndex < 0:
		panic(errors.Wrapf(ErrInvalidFree, "frame %#x is not managed by the allocator", uintptr(frame)))
	case alloc.metadata.Contains(frame):
		panic(errors.Wrapf(ErrInvalidFree, "frame %#x holds allocator bookkeeping", uintptr(frame)))
	case !alloc.pools[poolIndex].allocated(frame):
		panic(errors.Wrapf(ErrDoubleFree, "frame %#x", uintptr(frame)))
	}

	return poolIndex
}

// IsAllocated reports whether frame is flagged as allocated and whether it
// is managed by the allocator at all.
func (alloc *BitmapAllocator) IsAllocated(frame mm.Frame) (allocated, managed bool) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return false, false
	}

	return alloc.pools[poolIndex].allocated(frame), true
}

// FreeCount returns the number of free frames.
func (alloc *BitmapAllocator) FreeCount() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.totalPages - alloc.reservedPages
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return alloc.totalPages
}

// Metadata returns the frames that hold the pool bitmaps. It is empty when
// the bitmaps live in external storage.
func (alloc *BitmapAllocator) Metadata() Run {
	return alloc.metadata
}
