// Package mm defines the memory geometry shared by the kernel memory
// subsystem: frame and page numbers, byte sizes, alignment helpers and the
// boot-time configuration of the memory core.
package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of translation levels walked by the MMU.
	PageLevels = 4
)
