// Package vmm builds and maintains the kernel page tables.
//
// Table nodes live in physical frames obtained from a FrameSource and are
// accessed through a physmem.Memory, so a PageTable can be built, inspected
// and exercised before it is installed in the MMU. Every table frame is
// recorded in an arena index together with its level and the slot of the
// parent entry that points to it.
package vmm

import (
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/physmem"
	"kestrel/kernel/sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

var (
	// ErrAlreadyMapped is returned when mapping a page that is already present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrNotMapped is returned when accessing or unmapping a page that is not present.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrPermission is returned when a request violates page permissions.
	ErrPermission = &kernel.Error{Module: "vmm", Message: "page permission violation"}

	// ErrFrameNotAllocated is returned when mapping a free allocator-managed frame.
	ErrFrameNotAllocated = &kernel.Error{Module: "vmm", Message: "frame is not allocated"}

	// ErrActive is returned when activating a table twice or releasing the active table.
	ErrActive = &kernel.Error{Module: "vmm", Message: "page table is active"}

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}
)

// FrameSource supplies the frames used for page tables and lazily
// allocated pages.
type FrameSource interface {
	AllocFrame() (mm.Frame, error)
	FreeFrame(mm.Frame)

	// IsAllocated reports whether frame is in use and whether the source
	// manages it at all. Unmanaged frames (e.g. device memory) may be mapped
	// freely.
	IsAllocated(frame mm.Frame) (allocated, managed bool)
}

// tableNode records the position of a table frame in the hierarchy.
type tableNode struct {
	level uint8

	// parent is the table holding the entry that points to this node or
	// mm.InvalidFrame for the root.
	parent mm.Frame
	slot   uint16
}

// TableInfo describes a table frame owned by a PageTable.
type TableInfo struct {
	Frame  mm.Frame
	Level  uint8
	Parent mm.Frame
	Slot   uint16
}

// PageTable is a 4-level page table hierarchy.
type PageTable struct {
	mutex sync.Spinlock

	mem    physmem.Memory
	frames FrameSource
	mmu    cpu.MMU

	root  mm.Frame
	nodes *swiss.Map[mm.Frame, tableNode]

	active bool

	// zeroFrame is the shared zero-filled frame backing on-demand
	// mappings or mm.InvalidFrame.
	zeroFrame mm.Frame

	log *kfmt.PrefixWriter
}

// New allocates and clears a root table.
func New(mem physmem.Memory, frames FrameSource, mmu cpu.MMU) (*PageTable, error) {
	pt := &PageTable{
		mem:       mem,
		frames:    frames,
		mmu:       mmu,
		nodes:     swiss.NewMap[mm.Frame, tableNode](64),
		zeroFrame: mm.InvalidFrame,
		log:       kfmt.ModuleWriter("vmm"),
	}

	root, err := pt.newTable(0, mm.InvalidFrame, 0)
	if err != nil {
		return nil, errors.Wrap(err, "allocate root page table")
	}
	pt.root = root

	return pt, nil
}

// Root returns the frame of the top-level table.
func (pt *PageTable) Root() mm.Frame {
	return pt.root
}

// newTable allocates and clears a table frame and records it in the arena.
func (pt *PageTable) newTable(level uint8, parent mm.Frame, slot uintptr) (mm.Frame, error) {
	frame, err := pt.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	physmem.ZeroFrames(pt.mem, frame, 1)
	pt.nodes.Put(frame, tableNode{level: level, parent: parent, slot: uint16(slot)})
	return frame, nil
}

// entries returns the entries of the table stored in frame.
func (pt *PageTable) entries(frame mm.Frame) []pageTableEntry {
	words := physmem.Words(pt.mem, frame, entriesPerTable)
	return unsafe.Slice((*pageTableEntry)(unsafe.Pointer(&words[0])), entriesPerTable)
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the table frame and the index
// of the page table entry within it. If the function returns false, then
// the page walk is aborted.
type pageTableWalker func(pteLevel uint8, table mm.Frame, index uintptr, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walk stops after the last level, when walkFn returns false
// or when an intermediate entry is left non-present.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &pt.entries(table)[entryIndex]

		if !walkFn(level, table, entryIndex, pte) || level == pageLevels-1 || !pte.HasFlags(FlagPresent) {
			return
		}

		table = pte.Frame()
	}
}

// leaf returns the last-level entry for virtAddr or nil if any level is not
// present.
func (pt *PageTable) leaf(virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry
	pt.walk(virtAddr, func(pteLevel uint8, _ mm.Frame, _ uintptr, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = pte
		}
		return true
	})

	return entry
}

// flush invalidates the TLB entry for page once the table is live.
func (pt *PageTable) flush(page mm.Page) {
	if pt.active {
		pt.mmu.FlushTLBEntry(page.Address())
	}
}

// Activate installs the table in the MMU. From this point on every access
// to an unmapped address faults, so the caller must have mapped the kernel
// image, its stack and any data it touches beforehand. A table can only be
// activated once.
func (pt *PageTable) Activate() error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	if pt.active {
		return errors.Wrapf(ErrActive, "table at %#x", pt.root.Address())
	}

	pt.log.Printf("activating page table at %#x (%d table frame(s))\n", pt.root.Address(), pt.nodes.Count())
	pt.mmu.SwitchPDT(pt.root.Address())
	pt.active = true
	return nil
}

// UseMemory switches the accessor through which table frames and mapped
// memory are reached. Once the table is active, physical memory is only
// reachable through the windows it maps, typically the direct map.
func (pt *PageTable) UseMemory(mem physmem.Memory) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	pt.mem = mem
}

// Active returns true once Activate has succeeded.
func (pt *PageTable) Active() bool {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	return pt.active
}

// Release returns every table frame and the shared zero frame to the frame
// source. Frames referenced by leaf entries are left to their owners. The
// active table cannot be released.
func (pt *PageTable) Release() error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	if pt.active {
		return errors.Wrap(ErrActive, "release")
	}

	var tables []mm.Frame
	pt.nodes.Iter(func(frame mm.Frame, _ tableNode) bool {
		tables = append(tables, frame)
		return false
	})
	for _, frame := range tables {
		pt.nodes.Delete(frame)
		pt.frames.FreeFrame(frame)
	}

	if pt.zeroFrame.Valid() {
		pt.frames.FreeFrame(pt.zeroFrame)
		pt.zeroFrame = mm.InvalidFrame
	}

	pt.root = mm.InvalidFrame
	return nil
}

// Tables returns the number of table frames owned by pt.
func (pt *PageTable) Tables() int {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	return pt.nodes.Count()
}

// VisitTables invokes fn for each table frame owned by pt until fn returns
// false. The visiting order is unspecified.
func (pt *PageTable) VisitTables(fn func(TableInfo) bool) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	pt.nodes.Iter(func(frame mm.Frame, node tableNode) bool {
		return !fn(TableInfo{Frame: frame, Level: node.level, Parent: node.parent, Slot: node.slot})
	})
}

// Audit cross-checks the arena index against the table contents: every
// recorded node must be referenced by its parent entry and every present
// intermediate entry must point to a recorded node one level down.
func (pt *PageTable) Audit() error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	var err error
	pt.nodes.Iter(func(frame mm.Frame, node tableNode) bool {
		if node.parent.Valid() {
			parent, ok := pt.nodes.Get(node.parent)
			entry := pt.entries(node.parent)[node.slot]
			switch {
			case !ok:
				err = errors.AssertionFailedf("table %#x: parent %#x is not a table", frame.Address(), node.parent.Address())
			case parent.level+1 != node.level:
				err = errors.AssertionFailedf("table %#x: level %d below parent level %d", frame.Address(), node.level, parent.level)
			case !entry.HasFlags(FlagPresent) || entry.Frame() != frame:
				err = errors.AssertionFailedf("table %#x: parent slot %d does not point back", frame.Address(), node.slot)
			}
		} else if frame != pt.root {
			err = errors.AssertionFailedf("table %#x: orphaned table", frame.Address())
		}

		if err != nil || node.level == pageLevels-1 {
			return err != nil
		}

		for slot, entry := range pt.entries(frame) {
			if !entry.HasFlags(FlagPresent) {
				continue
			}
			if child, ok := pt.nodes.Get(entry.Frame()); !ok || child.level != node.level+1 {
				err = errors.AssertionFailedf("table %#x: slot %d points to unknown table %#x", frame.Address(), slot, entry.Frame().Address())
				return true
			}
		}
		return false
	})

	return err
}
