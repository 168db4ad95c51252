package memcore

import (
	"kestrel/kernel/hal/multiboot"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/layout"
	"kestrel/kernel/mm/memmap"

	"github.com/cockroachdb/errors"
)

// sectionVirt returns the virtual address of a kernel section. The image is
// linked so that its first physical page lives at the kernel VMA; sections
// that report a load address are translated accordingly.
func (c *Core) sectionVirt(addr, kernelStart uintptr) uintptr {
	if addr >= c.cfg.KernelVMA {
		return addr
	}
	return c.image.Base + (addr - mm.AlignDown(kernelStart, mm.PageSize))
}

// mapKernelImage maps the allocated sections of the kernel image at the
// kernel VMA. Code is mapped read-execute, read-only data read-only and
// writable data read-write without execute. Pages shared by sections get
// the union of their permissions, except that a page is never writable and
// executable at once: such pages lose execute. Without section information
// the whole image is mapped read-execute.
func (c *Core) mapKernelImage(boot BootInfo, frames memmap.Range) error {
	desc, err := c.layout.Reserve(layout.KernelImage, frames.End-frames.Start)
	if err != nil {
		return err
	}
	if desc.Base != c.cfg.KernelVMA {
		return errors.AssertionFailedf("kernel image placed at %#x instead of %#x", desc.Base, c.cfg.KernelVMA)
	}
	c.image = desc

	perms := make([]mm.Perm, desc.Size>>mm.PageShift)
	if len(boot.Sections) == 0 {
		for i := range perms {
			perms[i] = desc.Perm
		}
	}

	for _, section := range boot.Sections {
		if section.Flags&multiboot.ElfSectionAllocated == 0 {
			continue
		}

		start := c.sectionVirt(section.Address, boot.KernelStart)
		end := start + uintptr(section.Size)
		if start < desc.Base || end < start || end > desc.End() {
			return errors.Wrapf(ErrInvalidBootInfo, "section %d [%#x, %#x) lies outside the kernel image [%#x, %#x)",
				section.Index, start, end, desc.Base, desc.End())
		}

		perm := mm.PermRead
		if section.Flags&multiboot.ElfSectionWritable != 0 {
			perm |= mm.PermWrite
		}
		if section.Flags&multiboot.ElfSectionExecutable != 0 {
			perm |= mm.PermExec
		}

		last := mm.AlignUp(end-desc.Base, mm.PageSize) >> mm.PageShift
		for i := (start - desc.Base) >> mm.PageShift; i < last; i++ {
			perms[i] |= perm
		}
	}

	for first := 0; first < len(perms); {
		last := first + 1
		for last < len(perms) && perms[last] == perms[first] {
			last++
		}

		if perm := perms[first]; perm != 0 {
			if perm.Has(mm.PermWrite | mm.PermExec) {
				c.log.Printf("kernel pages [%#x - %#x] are writable and executable; dropping execute\n",
					desc.Base+uintptr(first)<<mm.PageShift, desc.Base+uintptr(last)<<mm.PageShift-1)
				perm &^= mm.PermExec
			}

			err = c.pt.MapRegion(
				mm.PageFromAddress(desc.Base)+mm.Page(first),
				frames.StartFrame()+mm.Frame(first),
				uintptr(last-first),
				perm|mm.PermGlobal,
			)
			if err != nil {
				return err
			}
		}

		first = last
	}

	return nil
}
