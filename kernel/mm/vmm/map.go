package vmm

import (
	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
)

// Map establishes a mapping between len(frames) consecutive virtual pages
// starting at page and the supplied physical frames. Missing intermediate
// tables are allocated from the frame source and cleared.
//
// Map fails with ErrAlreadyMapped if any of the pages is present; nothing is
// modified in that case. If a table allocation fails part-way, the pages
// mapped by this call and the tables it created are removed again before
// the error is returned.
func (pt *PageTable) Map(page mm.Page, frames []mm.Frame, perm mm.Perm) error {
	return pt.mapRange(page, uintptr(len(frames)), func(i uintptr) mm.Frame { return frames[i] }, perm, true)
}

// MapRegion maps count consecutive pages starting at page to the physically
// contiguous frames starting at frame.
func (pt *PageTable) MapRegion(page mm.Page, frame mm.Frame, count uintptr, perm mm.Perm) error {
	return pt.mapRange(page, count, func(i uintptr) mm.Frame { return frame + mm.Frame(i) }, perm, true)
}

// MapAlias works like MapRegion but skips the frame ownership checks. It
// backs linear windows such as the direct map, which alias every frame of
// RAM whether it is free, owned by someone else or the shared zero frame.
// Unmapping an alias must never release its frames.
func (pt *PageTable) MapAlias(page mm.Page, frame mm.Frame, count uintptr, perm mm.Perm) error {
	return pt.mapRange(page, count, func(i uintptr) mm.Frame { return frame + mm.Frame(i) }, perm, false)
}

// IdentityMap maps the physical range [physAddr, physAddr+size) at the same
// virtual addresses. The range is expanded to page boundaries.
func (pt *PageTable) IdentityMap(physAddr, size uintptr, perm mm.Perm) error {
	start := mm.FrameFromAddress(physAddr)
	count := uintptr(mm.FrameFromAddress(physAddr+size+mm.PageSize-1) - start)
	return pt.MapRegion(mm.Page(start), start, count, perm)
}

func (pt *PageTable) mapRange(page mm.Page, count uintptr, frameAt func(uintptr) mm.Frame, perm mm.Perm, checkOwner bool) error {
	flags, err := flagsForPerm(perm)
	if err != nil {
		return err
	}

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	for i := uintptr(0); i < count; i++ {
		if checkOwner {
			if err = pt.checkFrame(frameAt(i), flags); err != nil {
				return err
			}
		}
		if pt.leaf((page + mm.Page(i)).Address()) != nil {
			return errors.Wrapf(ErrAlreadyMapped, "page %#x", (page + mm.Page(i)).Address())
		}
	}

	var created []mm.Frame
	for i := uintptr(0); i < count; i++ {
		if err = pt.mapPage(page+mm.Page(i), frameAt(i), flags, &created); err != nil {
			pt.rollback(page, i, created)
			return errors.Wrapf(err, "map page %#x", (page + mm.Page(i)).Address())
		}
	}

	return nil
}

// checkFrame rejects frames that the frame source manages but has not
// handed out, and writable mappings of the shared zero frame.
func (pt *PageTable) checkFrame(frame mm.Frame, flags PageTableEntryFlag) error {
	if frame == pt.zeroFrame && flags&FlagRW != 0 {
		return errors.Wrap(ErrPermission, "the reserved zero frame cannot be mapped writable")
	}

	if allocated, managed := pt.frames.IsAllocated(frame); managed && !allocated {
		return errors.Wrapf(ErrFrameNotAllocated, "frame %#x", frame.Address())
	}

	return nil
}

// mapPage installs a single leaf entry, appending any table it had to
// create to created.
func (pt *PageTable) mapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, created *[]mm.Frame) error {
	var err error

	pt.walk(page.Address(), func(pteLevel uint8, table mm.Frame, index uintptr, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			pt.flush(page)
			return true
		}

		if pte.HasFlags(FlagPresent) {
			return true
		}

		// Next table does not yet exist; allocate a cleared frame for it.
		// Intermediate entries grant everything and the leaf decides.
		var next mm.Frame
		if next, err = pt.newTable(pteLevel+1, table, index); err != nil {
			return false
		}

		*pte = 0
		pte.SetFrame(next)
		pte.SetFlags(FlagPresent | FlagRW)
		*created = append(*created, next)
		return true
	})

	return err
}

// rollback clears the first count leaf entries starting at page and frees
// the tables listed in created, children first.
func (pt *PageTable) rollback(page mm.Page, count uintptr, created []mm.Frame) {
	for i := uintptr(0); i < count; i++ {
		if pte := pt.leaf((page + mm.Page(i)).Address()); pte != nil {
			*pte = 0
			pt.flush(page + mm.Page(i))
		}
	}

	for i := len(created) - 1; i >= 0; i-- {
		node, _ := pt.nodes.Get(created[i])
		pt.entries(node.parent)[node.slot] = 0
		pt.nodes.Delete(created[i])
		pt.frames.FreeFrame(created[i])
	}
}

// Unmap removes the mappings for count consecutive pages starting at page.
// It fails with ErrNotMapped, without modifying anything, if any of the
// pages is not present. The backing frames are returned to the frame
// source only when release is set; device memory and frames owned by the
// caller must be unmapped without it.
func (pt *PageTable) Unmap(page mm.Page, count uintptr, release bool) error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	if err := pt.requireMapped(page, count); err != nil {
		return err
	}

	for i := uintptr(0); i < count; i++ {
		pte := pt.leaf((page + mm.Page(i)).Address())
		frame := pte.Frame()
		*pte = 0
		pt.flush(page + mm.Page(i))

		if release && frame != pt.zeroFrame {
			pt.frames.FreeFrame(frame)
		}
	}

	return nil
}

// Remap changes the permissions of count present pages starting at page.
// The pages keep pointing to the same frames.
func (pt *PageTable) Remap(page mm.Page, count uintptr, perm mm.Perm) error {
	flags, err := flagsForPerm(perm)
	if err != nil {
		return err
	}

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	if err = pt.requireMapped(page, count); err != nil {
		return err
	}

	for i := uintptr(0); i < count; i++ {
		pte := pt.leaf((page + mm.Page(i)).Address())
		if err = pt.checkFrame(pte.Frame(), remapFlags(*pte, flags)); err != nil {
			return err
		}
	}

	for i := uintptr(0); i < count; i++ {
		pte := pt.leaf((page + mm.Page(i)).Address())
		entryFlags, frame := remapFlags(*pte, flags), pte.Frame()
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(entryFlags)
		pt.flush(page + mm.Page(i))
	}

	return nil
}

// remapFlags returns the new flags for an existing entry. Writable pages
// that are still waiting for their first write stay copy-on-write.
func remapFlags(pte pageTableEntry, flags PageTableEntryFlag) PageTableEntryFlag {
	if pte.HasFlags(FlagCopyOnWrite) && flags&FlagRW != 0 {
		return flags&^FlagRW | FlagCopyOnWrite
	}
	return flags
}

// RemapFrames points len(frames) present pages starting at page to new
// frames with the supplied permissions. The previous frames are not
// released.
func (pt *PageTable) RemapFrames(page mm.Page, frames []mm.Frame, perm mm.Perm) error {
	flags, err := flagsForPerm(perm)
	if err != nil {
		return err
	}

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	count := uintptr(len(frames))
	if err = pt.requireMapped(page, count); err != nil {
		return err
	}
	for _, frame := range frames {
		if err = pt.checkFrame(frame, flags); err != nil {
			return err
		}
	}

	for i, frame := range frames {
		pte := pt.leaf((page + mm.Page(i)).Address())
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags)
		pt.flush(page + mm.Page(i))
	}

	return nil
}

func (pt *PageTable) requireMapped(page mm.Page, count uintptr) error {
	for i := uintptr(0); i < count; i++ {
		if pt.leaf((page + mm.Page(i)).Address()) == nil {
			return errors.Wrapf(ErrNotMapped, "page %#x", (page + mm.Page(i)).Address())
		}
	}
	return nil
}
