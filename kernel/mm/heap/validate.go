package heap

import "github.com/cockroachdb/errors"

// Validate checks the heap invariants: the blocks of every segment tile it
// exactly, no two neighbouring blocks are both free and the free list holds
// exactly the free blocks in address order.
func (h *Heap) Validate() error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	return h.validate()
}

func (h *Heap) validate() error {
	var (
		blockCount, freeCount int
		used                  uint64
	)

	for index, seg := range h.segments {
		next, total := seg.base, uintptr(0)
		var prev *block
		for b := seg.first; b != nil; prev, b = b, b.next {
			switch {
			case b.seg != seg:
				return errors.AssertionFailedf("segment %d: block %#x belongs to another segment", index, b.addr)
			case b.prev != prev:
				return errors.AssertionFailedf("segment %d: block %#x has a broken back link", index, b.addr)
			case b.addr != next:
				return errors.AssertionFailedf("segment %d: expected block at %#x; got %#x", index, next, b.addr)
			case b.size == 0 || b.size%Granule != 0:
				return errors.AssertionFailedf("segment %d: block %#x has size %d", index, b.addr, b.size)
			case b.free && prev != nil && prev.free:
				return errors.AssertionFailedf("segment %d: free blocks %#x and %#x are not coalesced", index, prev.addr, b.addr)
			}

			if indexed, ok := h.blocks.Get(b.addr); !ok || indexed != b {
				return errors.AssertionFailedf("segment %d: block %#x is not indexed", index, b.addr)
			}

			blockCount++
			if b.free {
				freeCount++
			} else {
				used++
			}
			next += b.size
			total += b.size
		}

		if total != seg.size {
			return errors.AssertionFailedf("segment %d: blocks cover %d bytes; segment size is %d", index, total, seg.size)
		}
	}

	if blockCount != h.blocks.Count() {
		return errors.AssertionFailedf("%d blocks indexed; %d reachable", h.blocks.Count(), blockCount)
	}
	if used != h.allocs {
		return errors.AssertionFailedf("%d allocations recorded; %d blocks in use", h.allocs, used)
	}

	var prev *block
	for b := h.freeList; b != nil; prev, b = b, b.nextFree {
		switch {
		case !b.free:
			return errors.AssertionFailedf("free list holds allocated block %#x", b.addr)
		case b.prevFree != prev:
			return errors.AssertionFailedf("free list: block %#x has a broken back link", b.addr)
		case prev != nil && prev.addr >= b.addr:
			return errors.AssertionFailedf("free list is not sorted at %#x", b.addr)
		}
		freeCount--
	}

	if freeCount != 0 {
		return errors.AssertionFailedf("free list length does not match the free block count (off by %d)", freeCount)
	}
	return nil
}
