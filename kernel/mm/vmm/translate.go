package vmm

import (
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
)

// Mapping describes the leaf entry for a virtual page.
type Mapping struct {
	Page  mm.Page
	Frame mm.Frame
	Perm  mm.Perm

	// CopyOnWrite is set for lazily allocated pages that still share the
	// reserved zero frame.
	CopyOnWrite bool
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, error) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	pte := pt.leaf(virtAddr)
	if pte == nil {
		return 0, errors.Wrapf(ErrNotMapped, "address %#x", virtAddr)
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Lookup returns the mapping for the page containing virtAddr.
func (pt *PageTable) Lookup(virtAddr uintptr) (Mapping, error) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	pte := pt.leaf(virtAddr)
	if pte == nil {
		return Mapping{}, errors.Wrapf(ErrNotMapped, "address %#x", virtAddr)
	}

	return Mapping{
		Page:        mm.PageFromAddress(virtAddr),
		Frame:       pte.Frame(),
		Perm:        pte.Perm(),
		CopyOnWrite: pte.HasFlags(FlagCopyOnWrite),
	}, nil
}

// IsMapped returns true if the page containing virtAddr is present and
// grants at least the permissions in perm.
func (pt *PageTable) IsMapped(virtAddr uintptr, perm mm.Perm) bool {
	m, err := pt.Lookup(virtAddr)
	return err == nil && m.Perm.Has(perm)
}

// Read copies len(buf) bytes starting at virtual address virtAddr into buf,
// translating each page through the table.
func (pt *PageTable) Read(virtAddr uintptr, buf []byte) error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	chunks, err := pt.resolve(virtAddr, uintptr(len(buf)), false)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		buf = buf[copy(buf, pt.mem.Slice(c.phys, c.size)):]
	}
	return nil
}

// Write copies buf to virtual address virtAddr. Every page must be mapped
// writable; nothing is written otherwise. Copy-on-write pages are resolved
// first.
func (pt *PageTable) Write(virtAddr uintptr, buf []byte) error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	chunks, err := pt.resolve(virtAddr, uintptr(len(buf)), true)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		buf = buf[copy(pt.mem.Slice(c.phys, c.size), buf):]
	}
	return nil
}

// Zero clears size bytes starting at virtual address virtAddr with the same
// rules as Write.
func (pt *PageTable) Zero(virtAddr, size uintptr) error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	chunks, err := pt.resolve(virtAddr, size, true)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		physmem.Zero(pt.mem, c.phys, c.size)
	}
	return nil
}

type physChunk struct {
	phys, size uintptr
}

// resolve translates [virtAddr, virtAddr+size) into physical chunks that
// never cross a page boundary. All pages are checked before any copy-on-write
// page is resolved.
func (pt *PageTable) resolve(virtAddr, size uintptr, write bool) ([]physChunk, error) {
	var chunks []physChunk
	for cur, end := virtAddr, virtAddr+size; cur < end; {
		pte := pt.leaf(cur)
		if pte == nil {
			return nil, errors.Wrapf(ErrNotMapped, "address %#x", cur)
		}
		if write && !pte.HasAnyFlag(FlagRW|FlagCopyOnWrite) {
			return nil, errors.Wrapf(ErrPermission, "write to read-only address %#x", cur)
		}

		n := mm.PageSize - PageOffset(cur)
		if n > end-cur {
			n = end - cur
		}

		phys := pte.Frame().Address() + PageOffset(cur)
		if !pt.mem.Contains(phys, n) {
			return nil, errors.Wrapf(physmem.ErrOutOfRange, "address %#x maps to unbacked physical address %#x", cur, phys)
		}

		chunks = append(chunks, physChunk{phys: phys, size: n})
		cur += n
	}

	if !write {
		return chunks, nil
	}

	for i, c := range chunks {
		page := mm.PageFromAddress(virtAddr) + mm.Page(i)
		pte := pt.leaf(page.Address())
		if !pte.HasFlags(FlagCopyOnWrite) {
			continue
		}

		if err := pt.copyOnWrite(page, pte); err != nil {
			return nil, err
		}
		chunks[i].phys = pte.Frame().Address() + PageOffset(c.phys)
	}

	return chunks, nil
}
