package kmain

import (
	"encoding/binary"
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/hal/multiboot"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/memcore"
	"kestrel/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMMU         = &kernel.Error{Module: "kmain", Message: "no MMU driver installed"}

	// MMU is installed by the architecture-specific rt0 glue before Kmain
	// is invoked.
	MMU cpu.MMU

	// physMem provides access to physical memory. The boot loader leaves
	// the low physical memory identity-mapped; once the memory core
	// activates its own table, accesses move to the direct map.
	physMem physmem.Memory = physmem.Direct{}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	if MMU == nil {
		panicFn(errNoMMU)
		return
	}

	if _, err := Boot(infoBytes(multibootInfoPtr), kernelStart, kernelEnd, physMem, MMU); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// infoBytes returns the multiboot information structure at ptr. Its total
// size is stored in the first dword.
func infoBytes(ptr uintptr) []byte {
	if ptr == 0 {
		return nil
	}

	header := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 4)
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), binary.LittleEndian.Uint32(header))
}

// Boot brings up the memory core from a multiboot information structure.
// Memory settings can be overridden from the boot command line.
func Boot(info []byte, kernelStart, kernelEnd uintptr, mem physmem.Memory, mmu cpu.MMU) (*memcore.Core, error) {
	log := kfmt.ModuleWriter("kmain")

	mbInfo, err := multiboot.Parse(info)
	if err != nil {
		return nil, errors.Wrap(err, "parse boot information")
	}
	if name := mbInfo.BootLoaderName(); name != "" {
		log.Printf("booted by %s\n", name)
	}

	cfg := mm.DefaultConfig()
	if err = cfg.ApplyCmdLine(mbInfo.BootCmdLine()); err != nil {
		return nil, errors.Wrap(err, "apply boot command line")
	}

	boot, err := memcore.BootInfoFromMultiboot(mbInfo, kernelStart, kernelEnd)
	if err != nil {
		return nil, err
	}
	log.Printf("kernel image: [%#x - %#x], %d section(s)\n", kernelStart, kernelEnd-1, len(boot.Sections))

	core, err := memcore.Init(boot, cfg, mem, mmu)
	if err != nil {
		return nil, err
	}

	memLog := kfmt.ModuleWriter("memmap")
	core.MemoryMap().Dump(memLog)
	log.Printf("heap: %s reserved, %s mapped\n", cfg.HeapReserve, mm.Size(core.Heap().Stats().Mapped()))
	return core, nil
}
