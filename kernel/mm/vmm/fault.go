package vmm

import (
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
)

// ReserveZeroedFrame allocates the zero-cleared frame that backs on-demand
// mappings. The frame can never be mapped writable; writes to pages backed
// by it fault and receive a private copy. Repeated calls return the same
// frame.
func (pt *PageTable) ReserveZeroedFrame() (mm.Frame, error) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	return pt.reserveZeroedFrame()
}

func (pt *PageTable) reserveZeroedFrame() (mm.Frame, error) {
	if pt.zeroFrame.Valid() {
		return pt.zeroFrame, nil
	}

	frame, err := pt.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, errors.Wrap(err, "reserve zeroed frame")
	}

	physmem.ZeroFrames(pt.mem, frame, 1)
	pt.zeroFrame = frame
	return frame, nil
}

// MapOnDemand sets up count pages starting at page without reserving
// physical memory for their contents. All pages share the reserved zero
// frame and are flagged copy-on-write; the first write to a page allocates
// and installs a private frame. perm must include PermWrite.
//
// A typical use is reserving a large, sparsely used buffer:
//
//	if err := pt.MapOnDemand(start, 64, mm.PermRead|mm.PermWrite); err != nil {
//		return err
//	}
func (pt *PageTable) MapOnDemand(page mm.Page, count uintptr, perm mm.Perm) error {
	if !perm.Has(mm.PermWrite) {
		return errors.Wrapf(ErrPermission, "on-demand mappings must be writable (%s)", perm)
	}

	flags, err := flagsForPerm(perm)
	if err != nil {
		return err
	}
	flags = flags&^FlagRW | FlagCopyOnWrite

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	for i := uintptr(0); i < count; i++ {
		if pt.leaf((page + mm.Page(i)).Address()) != nil {
			return errors.Wrapf(ErrAlreadyMapped, "page %#x", (page + mm.Page(i)).Address())
		}
	}

	zero, err := pt.reserveZeroedFrame()
	if err != nil {
		return err
	}

	var created []mm.Frame
	for i := uintptr(0); i < count; i++ {
		if err = pt.mapPage(page+mm.Page(i), zero, flags, &created); err != nil {
			pt.rollback(page, i, created)
			return errors.Wrapf(err, "map page %#x", (page + mm.Page(i)).Address())
		}
	}

	return nil
}

// HandleFault resolves a write fault at virtAddr. Faults on copy-on-write
// pages are recovered by copying the shared frame into a freshly allocated
// one that is installed read-write in its place; any other fault is
// unrecoverable.
func (pt *PageTable) HandleFault(virtAddr uintptr) error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	page := mm.PageFromAddress(virtAddr)
	pte := pt.leaf(page.Address())
	switch {
	case pte == nil:
		return errors.Mark(errors.Wrapf(errUnrecoverableFault, "write to non-present page %#x", virtAddr), ErrNotMapped)
	case pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite):
		return errors.Mark(errors.Wrapf(errUnrecoverableFault, "page protection violation at %#x", virtAddr), ErrPermission)
	}

	return pt.copyOnWrite(page, pte)
}

// copyOnWrite gives page a private, writable copy of its current frame.
func (pt *PageTable) copyOnWrite(page mm.Page, pte *pageTableEntry) error {
	copyFrame, err := pt.frames.AllocFrame()
	if err != nil {
		return errors.Wrapf(err, "copy-on-write for page %#x", page.Address())
	}

	copy(
		pt.mem.Slice(copyFrame.Address(), mm.PageSize),
		pt.mem.Slice(pte.Frame().Address(), mm.PageSize),
	)

	// Update mapping to point to the new frame, flag it as RW and
	// remove the CoW flag
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(copyFrame)
	pt.flush(page)
	return nil
}
