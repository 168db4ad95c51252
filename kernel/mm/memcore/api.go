package memcore

import (
	"io"

	"kestrel/kernel/mm"
	"kestrel/kernel/mm/heap"
	"kestrel/kernel/mm/layout"
	"kestrel/kernel/mm/memmap"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MemoryMap returns the normalized memory map.
func (c *Core) MemoryMap() memmap.Map { return c.memMap }

// Frames returns the frame allocator.
func (c *Core) Frames() *pmm.BitmapAllocator { return c.frames }

// PageTable returns the active page table.
func (c *Core) PageTable() *vmm.PageTable { return c.pt }

// Layout returns the virtual layout.
func (c *Core) Layout() *layout.Layout { return c.layout }

// Heap returns the kernel heap.
func (c *Core) Heap() *heap.Heap { return c.heap }

// Stack returns the region that holds the kernel stack.
func (c *Core) Stack() layout.Descriptor { return c.stack }

// KernelImage returns the region that holds the kernel image.
func (c *Core) KernelImage() layout.Descriptor { return c.image }

// DirectMap returns the region that maps usable RAM linearly.
func (c *Core) DirectMap() layout.Descriptor { return c.direct }

// PhysToVirt returns the direct-map address of a physical address in
// usable RAM.
func (c *Core) PhysToVirt(physAddr uintptr) (uintptr, bool) {
	for _, r := range c.memMap.Usable {
		if physAddr >= r.Start && physAddr < r.End {
			return c.direct.Base + physAddr, true
		}
	}
	return 0, false
}

// Framebuffer returns the framebuffer mapping, if the loader provided one.
func (c *Core) Framebuffer() (Framebuffer, bool) {
	return c.framebuffer, c.hasFramebuffer
}

// AllocFrame reserves a physical frame.
func (c *Core) AllocFrame() (mm.Frame, error) {
	return c.frames.AllocFrame()
}

// FreeFrame releases a frame obtained by AllocFrame.
func (c *Core) FreeFrame(frame mm.Frame) {
	c.frames.FreeFrame(frame)
}

// AllocContiguous reserves count physically contiguous frames.
func (c *Core) AllocContiguous(count uintptr) (pmm.Run, error) {
	return c.frames.AllocContiguous(count)
}

// FreeContiguous releases a run obtained by AllocContiguous.
func (c *Core) FreeContiguous(run pmm.Run) {
	c.frames.FreeContiguous(run)
}

// Map maps consecutive pages starting at page to frames.
func (c *Core) Map(page mm.Page, frames []mm.Frame, perm mm.Perm) error {
	return c.pt.Map(page, frames, perm)
}

// Unmap removes count mappings starting at page, releasing the backing
// frames if release is set.
func (c *Core) Unmap(page mm.Page, count uintptr, release bool) error {
	return c.pt.Unmap(page, count, release)
}

// IsMapped returns true if virtAddr is mapped with at least perm.
func (c *Core) IsMapped(virtAddr uintptr, perm mm.Perm) bool {
	return c.pt.IsMapped(virtAddr, perm)
}

// MapPhysical maps the physical range [physAddr, physAddr+size) uncached
// into the device window and returns the virtual address of physAddr. It
// serves collaborators, such as the ACPI tables reader, that need to access
// memory they do not own.
func (c *Core) MapPhysical(physAddr, size uintptr) (uintptr, error) {
	offset := vmm.PageOffset(physAddr)

	desc, err := c.layout.Reserve(layout.Device, offset+size)
	if err != nil {
		return 0, errors.Wrapf(err, "map physical range %#x (%d bytes)", physAddr, size)
	}

	err = c.pt.MapRegion(mm.PageFromAddress(desc.Base), mm.FrameFromAddress(physAddr), desc.Size>>mm.PageShift, desc.Perm)
	if err != nil {
		if releaseErr := c.layout.Release(desc); releaseErr != nil {
			return 0, errors.CombineErrors(err, releaseErr)
		}
		return 0, errors.Wrapf(err, "map physical range %#x (%d bytes)", physAddr, size)
	}

	return desc.Base + offset, nil
}

// UnmapPhysical removes a mapping established by MapPhysical. virtAddr may
// point anywhere inside the mapping.
func (c *Core) UnmapPhysical(virtAddr uintptr) error {
	desc, ok := c.layout.Find(virtAddr)
	if !ok || desc.Purpose != layout.Device {
		return errors.Wrapf(vmm.ErrNotMapped, "no physical mapping at %#x", virtAddr)
	}

	if err := c.pt.Unmap(mm.PageFromAddress(desc.Base), desc.Size>>mm.PageShift, false); err != nil {
		return err
	}
	return c.layout.Release(desc)
}

// DumpStats writes a JSON snapshot of the memory core state to w.
func (c *Core) DumpStats(w io.Writer) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	memMap := obj.Name("MemoryMap").Object()
	memMap.Name("UsableBytes").Int(int(c.memMap.TotalUsable()))
	memMap.Name("UsableRanges").Int(len(c.memMap.Usable))
	memMap.End()

	c.frames.WriteJSON(obj.Name("Frames"))
	obj.Name("PageTables").Int(c.pt.Tables())
	c.layout.WriteJSON(obj.Name("Layout"))
	c.heap.WriteJSON(obj.Name("Heap"))
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "encode memory stats")
	}

	_, err := w.Write(writer.Bytes())
	return err
}
