// Package physmem provides access to physical memory. On bare metal the
// kernel reaches physical memory through a fixed linear window (Direct);
// hosted builds and tests use Sim, a block of simulated RAM.
package physmem

import (
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
)

var (
	// ErrOutOfRange is raised when an access falls outside the memory
	// backed by a Memory implementation.
	ErrOutOfRange = &kernel.Error{Module: "physmem", Message: "physical address out of range"}
)

// Memory provides byte-level access to physical memory.
type Memory interface {
	// Slice returns a slice aliasing size bytes of physical memory starting
	// at addr. It panics if the range is not backed by this Memory; callers
	// that may touch device memory must check Contains first.
	Slice(addr, size uintptr) []byte

	// Contains returns true if the range [addr, addr+size) is backed by
	// this Memory.
	Contains(addr, size uintptr) bool
}

// Relocatable is implemented by Memory backends that reach physical memory
// through virtual addresses and can therefore follow RAM into a new linear
// window once the kernel switches page tables.
type Relocatable interface {
	Memory

	// Relocate returns an accessor that reaches physical address 0 at
	// virtual address offset.
	Relocate(offset uintptr) Memory
}

// Words returns the contents of the physical frame f as a slice of n
// 64-bit words. Page tables and allocator bitmaps are accessed this way.
func Words(mem Memory, f mm.Frame, n int) []uint64 {
	b := mem.Slice(f.Address(), uintptr(n)<<mm.PointerShift)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
}

// Zero clears size bytes of physical memory starting at addr.
func Zero(mem Memory, addr, size uintptr) {
	b := mem.Slice(addr, size)
	for i := range b {
		b[i] = 0
	}
}

// ZeroFrames clears count frames starting at first.
func ZeroFrames(mem Memory, first mm.Frame, count uintptr) {
	Zero(mem, first.Address(), count<<mm.PageShift)
}

// Direct accesses physical memory through a linear mapping of all RAM that
// starts at virtual address Offset. A zero Offset is an identity mapping.
type Direct struct {
	Offset uintptr
}

// Slice implements Memory.
func (d Direct) Slice(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(d.Offset+addr)), size)
}

// Relocate implements Relocatable.
func (d Direct) Relocate(offset uintptr) Memory {
	return Direct{Offset: offset}
}

// Contains implements Memory.
func (d Direct) Contains(addr, size uintptr) bool {
	return addr+size >= addr
}

// Sim simulates size bytes of physical RAM starting at physical address
// base.
type Sim struct {
	base uintptr
	mem  []byte
}

// NewSim allocates simulated RAM for the physical range [base, base+size).
// Both values must be page aligned. The memory is zero-filled.
func NewSim(base uintptr, size mm.Size) (*Sim, error) {
	if !mm.IsAligned(base, mm.PageSize) || !mm.IsAligned(uintptr(size), mm.PageSize) || size == 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "simulated RAM [%#x, +%s) is not page aligned", base, size)
	}

	mem, err := allocBacking(int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %s of simulated RAM", size)
	}

	return &Sim{base: base, mem: mem}, nil
}

// Base returns the first physical address backed by s.
func (s *Sim) Base() uintptr { return s.base }

// Size returns the number of bytes backed by s.
func (s *Sim) Size() mm.Size { return mm.Size(len(s.mem)) }

// Contains implements Memory.
func (s *Sim) Contains(addr, size uintptr) bool {
	return addr >= s.base && addr+size >= addr && addr+size-s.base <= uintptr(len(s.mem))
}

// Slice implements Memory.
func (s *Sim) Slice(addr, size uintptr) []byte {
	if !s.Contains(addr, size) {
		panic(errors.Wrapf(ErrOutOfRange, "[%#x, +%#x) outside simulated RAM [%#x, +%#x)", addr, size, s.base, len(s.mem)))
	}

	off := addr - s.base
	return s.mem[off : off+size : off+size]
}

// Close releases the simulated RAM. s must not be used afterwards.
func (s *Sim) Close() error {
	mem := s.mem
	s.mem = nil
	return freeBacking(mem)
}
