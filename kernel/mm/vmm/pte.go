package vmm

import (
	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// Perm returns the access permissions granted by a present leaf entry. A
// copy-on-write entry reports PermWrite since writes succeed after the
// fault is resolved.
func (pte pageTableEntry) Perm() mm.Perm {
	perm := mm.PermRead
	if pte.HasAnyFlag(FlagRW | FlagCopyOnWrite) {
		perm |= mm.PermWrite
	}
	if !pte.HasFlags(FlagNoExecute) {
		perm |= mm.PermExec
	}
	if pte.HasFlags(FlagDoNotCache) {
		perm |= mm.PermNoCache
	}
	if pte.HasFlags(FlagWriteThroughCaching) {
		perm |= mm.PermWriteThrough
	}
	if pte.HasFlags(FlagGlobal) {
		perm |= mm.PermGlobal
	}
	return perm
}

// flagsForPerm converts a permission set to leaf entry flags. Pages are
// never writable and executable at the same time.
func flagsForPerm(perm mm.Perm) (PageTableEntryFlag, error) {
	if perm.Has(mm.PermWrite | mm.PermExec) {
		return 0, errors.Wrapf(ErrPermission, "mapping may not be both writable and executable (%s)", perm)
	}

	flags := FlagPresent
	if perm.Has(mm.PermWrite) {
		flags |= FlagRW
	}
	if !perm.Has(mm.PermExec) {
		flags |= FlagNoExecute
	}
	if perm.Has(mm.PermNoCache) {
		flags |= FlagDoNotCache
	}
	if perm.Has(mm.PermWriteThrough) {
		flags |= FlagWriteThroughCaching
	}
	if perm.Has(mm.PermGlobal) {
		flags |= FlagGlobal
	}

	return flags, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
