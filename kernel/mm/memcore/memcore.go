// Package memcore wires the memory map reader, the frame allocator, the page
// table manager, the virtual layout and the kernel heap into a single
// context object. Init runs the boot-time sequence that brings them up; the
// returned Core is the entry point for every later memory request.
package memcore

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/hal/multiboot"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/heap"
	"kestrel/kernel/mm/layout"
	"kestrel/kernel/mm/memmap"
	"kestrel/kernel/mm/physmem"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
)

// ErrInvalidBootInfo is returned when the boot information does not
// describe a usable kernel image.
var ErrInvalidBootInfo = &kernel.Error{Module: "memcore", Message: "invalid boot information"}

// BootInfo is the firmware input consumed by Init.
type BootInfo struct {
	// Regions is the raw firmware memory map.
	Regions []memmap.Region

	// KernelStart and KernelEnd are the physical bounds of the loaded
	// kernel image.
	KernelStart, KernelEnd uintptr

	// Sections lists the ELF sections of the kernel image. Addresses at or
	// above the kernel VMA are virtual; lower addresses are load addresses.
	Sections []multiboot.ElfSection

	// Framebuffer is nil if the loader did not set up a framebuffer.
	Framebuffer *multiboot.FramebufferInfo
}

// BootInfoFromMultiboot collects the memory core inputs from a multiboot
// information structure.
func BootInfoFromMultiboot(info *multiboot.Info, kernelStart, kernelEnd uintptr) (BootInfo, error) {
	regions, err := memmap.FromMultiboot(info)
	if err != nil {
		return BootInfo{}, errors.Wrap(err, "read memory map")
	}

	boot := BootInfo{
		Regions:     regions,
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		Framebuffer: info.FramebufferInfo(),
	}

	err = info.VisitElfSections(func(section multiboot.ElfSection) {
		boot.Sections = append(boot.Sections, section)
	})
	if err != nil {
		return BootInfo{}, errors.Wrap(err, "read kernel sections")
	}

	return boot, nil
}

// Framebuffer describes the mapped framebuffer.
type Framebuffer struct {
	multiboot.FramebufferInfo

	// Addr is the virtual address of the first pixel.
	Addr uintptr

	// Region is the virtual region that holds the mapping.
	Region layout.Descriptor
}

// Core owns the memory management components.
type Core struct {
	cfg mm.Config

	memMap memmap.Map
	frames *pmm.BitmapAllocator
	pt     *vmm.PageTable
	layout *layout.Layout
	heap   *heap.Heap

	image, metadata, stack, direct layout.Descriptor

	framebuffer    Framebuffer
	hasFramebuffer bool

	log *kfmt.PrefixWriter
}

// Init brings up the memory core. The sequence is:
//
//   - normalize the memory map and make sure the bookkeeping fits;
//   - set up the frame allocator and reserve the kernel image frames;
//   - build a page table that maps the kernel image sections, the
//     allocator metadata, the direct map of usable RAM, a fresh stack and
//     the framebuffer;
//   - activate the page table, reach physical memory through the direct
//     map from then on and map the initial heap.
//
// Any error is fatal for the caller; Init does not undo partial progress.
func Init(boot BootInfo, cfg mm.Config, mem physmem.Memory, mmu cpu.MMU) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if boot.KernelEnd <= boot.KernelStart {
		return nil, errors.Wrapf(ErrInvalidBootInfo, "empty kernel image [%#x, %#x)", boot.KernelStart, boot.KernelEnd)
	}

	c := &Core{cfg: cfg, log: kfmt.ModuleWriter("memcore")}

	var err error
	if c.memMap, err = memmap.Normalize(boot.Regions, cfg); err != nil {
		return nil, errors.Wrap(err, "normalize memory map")
	}

	bookkeeping := pmm.MetadataSize(c.memMap) + directMapTables(c.memMap) + cfg.HeapInitial + cfg.StackSize
	if err = c.memMap.Require(bookkeeping); err != nil {
		return nil, errors.Wrapf(err, "reserve %s for memory bookkeeping", bookkeeping)
	}

	kernelFrames := memmap.Range{
		Start: mm.AlignDown(boot.KernelStart, mm.PageSize),
		End:   mm.AlignUp(boot.KernelEnd, mm.PageSize),
	}
	if c.frames, err = pmm.NewBitmapAllocator(c.memMap, mem, cfg, kernelFrames); err != nil {
		return nil, errors.Wrap(err, "init frame allocator")
	}

	if c.layout, err = layout.New(cfg); err != nil {
		return nil, err
	}
	if c.pt, err = vmm.New(mem, c.frames, mmu); err != nil {
		return nil, errors.Wrap(err, "init page table")
	}

	if err = c.mapKernelImage(boot, kernelFrames); err != nil {
		return nil, errors.Wrap(err, "map kernel image")
	}
	if err = c.mapMetadata(); err != nil {
		return nil, errors.Wrap(err, "map allocator metadata")
	}
	if err = c.mapDirect(); err != nil {
		return nil, errors.Wrap(err, "map usable RAM")
	}

	heapRegion, err := c.layout.Reserve(layout.Heap, uintptr(cfg.HeapReserve))
	if err != nil {
		return nil, errors.Wrap(err, "reserve heap")
	}

	if err = c.mapStack(); err != nil {
		return nil, errors.Wrap(err, "map stack")
	}
	if boot.Framebuffer != nil {
		if err = c.mapFramebuffer(*boot.Framebuffer); err != nil {
			return nil, errors.Wrap(err, "map framebuffer")
		}
	}

	if err = c.verify(boot); err != nil {
		return nil, err
	}
	if err = c.pt.Activate(); err != nil {
		return nil, err
	}

	// The boot-time view of physical memory is gone once the new table is
	// live.
	if r, ok := mem.(physmem.Relocatable); ok {
		mem = r.Relocate(c.direct.Base)
		c.pt.UseMemory(mem)
		c.frames.UseMemory(mem)
	}

	c.heap = heap.New(c.layout, heapRegion, c.pt, c.frames, cfg)
	if cfg.HeapInitial != 0 {
		if err = c.heap.Grow(uintptr(cfg.HeapInitial)); err != nil {
			return nil, errors.Wrap(err, "map initial heap")
		}
	}

	c.log.Printf("memory core ready: %d/%d frames free, %d page table frame(s)\n",
		c.frames.FreeCount(), c.frames.TotalFrames(), c.pt.Tables())
	return c, nil
}

// mapMetadata maps the frames that hold the allocator bitmaps.
func (c *Core) mapMetadata() error {
	run := c.frames.Metadata()

	desc, err := c.layout.Reserve(layout.AllocatorMetadata, uintptr(run.Size()))
	if err != nil {
		return err
	}
	c.metadata = desc

	return c.pt.MapRegion(mm.PageFromAddress(desc.Base), run.First, run.Count, desc.Perm)
}

// mapDirect maps every usable range at DirectMapBase plus its physical
// address. Table frames, allocator bitmaps and any other RAM the kernel
// touches by physical address are reached through this window after
// activation.
func (c *Core) mapDirect() error {
	usable := c.memMap.Usable
	desc, err := c.layout.Reserve(layout.DirectMap, usable[len(usable)-1].End)
	if err != nil {
		return err
	}
	if desc.Base != layout.DirectMapBase {
		return errors.AssertionFailedf("direct map placed at %#x instead of %#x", desc.Base, layout.DirectMapBase)
	}
	c.direct = desc

	for _, r := range usable {
		err = c.pt.MapAlias(mm.PageFromAddress(desc.Base+r.Start), r.StartFrame(), r.Frames(), desc.Perm|mm.PermGlobal)
		if err != nil {
			return err
		}
	}

	c.log.Printf("direct map: [%#x - %#x]\n", desc.Base, desc.End()-1)
	return nil
}

// directMapTables estimates the table frames needed by the direct map: one
// last-level table per 2 MiB of RAM plus the upper levels.
func directMapTables(m memmap.Map) mm.Size {
	var tables uintptr = 3
	for _, r := range m.Usable {
		tables += (r.Frames() + 511) / 512
	}
	return mm.Size(tables << mm.PageShift)
}

// mapStack backs the kernel stack with contiguous frames.
func (c *Core) mapStack() error {
	desc, err := c.layout.Reserve(layout.Stack, uintptr(c.cfg.StackSize))
	if err != nil {
		return err
	}

	run, err := c.frames.AllocContiguous(desc.Size >> mm.PageShift)
	if err != nil {
		return err
	}

	if err = c.pt.MapRegion(mm.PageFromAddress(desc.Base), run.First, run.Count, desc.Perm); err != nil {
		c.frames.FreeContiguous(run)
		return err
	}

	c.stack = desc
	return nil
}

// mapFramebuffer maps the framebuffer write-through into the device window.
func (c *Core) mapFramebuffer(fb multiboot.FramebufferInfo) error {
	phys := uintptr(fb.PhysAddr)
	offset := vmm.PageOffset(phys)

	desc, err := c.layout.Reserve(layout.Framebuffer, offset+uintptr(fb.Size()))
	if err != nil {
		return err
	}

	if err = c.pt.MapRegion(mm.PageFromAddress(desc.Base), mm.FrameFromAddress(phys), desc.Size>>mm.PageShift, desc.Perm); err != nil {
		return err
	}

	c.framebuffer = Framebuffer{FramebufferInfo: fb, Addr: desc.Base + offset, Region: desc}
	c.hasFramebuffer = true
	c.log.Printf("framebuffer %dx%d (%d bpp) at %#x mapped to %#x\n", fb.Width, fb.Height, fb.Bpp, phys, c.framebuffer.Addr)
	return nil
}

type mappingCheck struct {
	addr uintptr
	perm mm.Perm
	what string
}

// verify checks that the code and data the kernel runs on are reachable
// through the new table before it is activated.
func (c *Core) verify(boot BootInfo) error {
	checks := []mappingCheck{
		{c.stack.Base, mm.PermRead | mm.PermWrite, "stack bottom"},
		{c.stack.End() - 1, mm.PermRead | mm.PermWrite, "stack top"},
		{c.metadata.Base, mm.PermRead | mm.PermWrite, "allocator metadata"},
	}

	for _, section := range boot.Sections {
		if section.Flags&multiboot.ElfSectionAllocated != 0 {
			checks = append(checks, mappingCheck{c.sectionVirt(section.Address, boot.KernelStart), mm.PermRead, "kernel section"})
		}
	}
	if len(boot.Sections) == 0 {
		checks = append(checks, mappingCheck{c.image.Base, mm.PermRead | mm.PermExec, "kernel image"})
	}

	for _, check := range checks {
		if !c.pt.IsMapped(check.addr, check.perm) {
			return errors.AssertionFailedf("%s at %#x is not mapped %s", check.what, check.addr, check.perm)
		}
	}

	return c.verifyDirect()
}

// verifyDirect checks that the physical memory the kernel keeps touching
// after activation resolves through the direct map.
func (c *Core) verifyDirect() error {
	phys := []uintptr{c.frames.Metadata().Address()}
	c.pt.VisitTables(func(info vmm.TableInfo) bool {
		phys = append(phys, info.Frame.Address())
		return true
	})
	for _, r := range c.memMap.Usable {
		phys = append(phys, r.Start, r.End-1)
	}

	for _, addr := range phys {
		virt := c.direct.Base + addr
		got, err := c.pt.Translate(virt)
		if err != nil || got != addr || !c.pt.IsMapped(virt, mm.PermRead|mm.PermWrite) {
			return errors.AssertionFailedf("physical address %#x is not reachable through the direct map at %#x", addr, virt)
		}
	}
	return nil
}
