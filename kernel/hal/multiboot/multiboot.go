// Package multiboot decodes the boot information structure that a
// multiboot2-compliant boot loader passes to the kernel.
package multiboot

import (
	"encoding/binary"
	"strings"

	"kestrel/kernel"

	"github.com/cockroachdb/errors"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header (total size plus a
	// reserved dword) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header of each tag.
	tagHeaderSize = 8

	// elfSection32Size and elfSection64Size are the sizes of ELF32 and
	// ELF64 section headers.
	elfSection32Size = 40
	elfSection64Size = 64
)

var (
	errInfoTooShort = &kernel.Error{Module: "multiboot", Message: "boot information structure is truncated"}
	errBadTag       = &kernel.Error{Module: "multiboot", Message: "malformed boot information tag"}
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// Size returns the number of bytes spanned by the framebuffer.
func (i *FramebufferInfo) Size() uint64 {
	return uint64(i.Pitch) * uint64(i.Height)
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemDefective marks RAM that the firmware found to be faulty.
	MemDefective

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemDefective:
		return "defective"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSection describes a section of the loaded kernel image.
type ElfSection struct {
	Index   int
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// ElfSectionVisitor defines a visitor function that gets invoked by
// VisitElfSections for each non-empty ELF section of the loaded kernel image.
type ElfSectionVisitor func(section ElfSection)

// Info provides access to a multiboot2 boot information structure.
type Info struct {
	data []byte
}

// Parse validates the fixed header of a boot information structure and
// returns an Info that decodes its tags on demand.
func Parse(data []byte) (*Info, error) {
	if len(data) < infoHeaderSize+tagHeaderSize {
		return nil, errors.Wrapf(errInfoTooShort, "got %d bytes", len(data))
	}

	totalSize := int(binary.LittleEndian.Uint32(data))
	switch {
	case totalSize == 0:
		// Some loaders leave the size blank; rely on the end tag.
	case totalSize < infoHeaderSize+tagHeaderSize || totalSize > len(data):
		return nil, errors.Wrapf(errInfoTooShort, "header claims %d bytes; got %d", totalSize, len(data))
	default:
		data = data[:totalSize]
	}

	return &Info{data: data}, nil
}

// findTag scans the boot information looking for the first tag of the
// specified type and returns its payload (excluding the tag header). It
// returns nil if the tag is not present.
func (info *Info) findTag(want tagType) []byte {
	for offset := infoHeaderSize; offset+tagHeaderSize <= len(info.data); {
		typ := tagType(binary.LittleEndian.Uint32(info.data[offset:]))
		size := int(binary.LittleEndian.Uint32(info.data[offset+4:]))
		if typ == tagMbSectionEnd || size < tagHeaderSize || offset+size > len(info.data) {
			return nil
		}

		if typ == want {
			return info.data[offset+tagHeaderSize : offset+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	return nil
}

// VisitMemRegions invokes the supplied visitor for each memory region that
// is defined by the boot information. Unknown region types are reported as
// MemReserved.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) error {
	payload := info.findTag(tagMemoryMap)
	if payload == nil {
		return nil
	}

	if len(payload) < 8 {
		return errors.Wrap(errBadTag, "memory map header")
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < 20 {
		return errors.Wrapf(errBadTag, "memory map entry size %d", entrySize)
	}

	var entry MemoryMapEntry
	for cur := payload[8:]; len(cur) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = binary.LittleEndian.Uint64(cur)
		entry.Length = binary.LittleEndian.Uint64(cur[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(cur[16:]))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			break
		}
	}

	return nil
}

// MemRegions returns a copy of every memory map entry.
func (info *Info) MemRegions() ([]MemoryMapEntry, error) {
	var entries []MemoryMapEntry
	err := info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		entries = append(entries, *entry)
		return true
	})

	return entries, err
}

// FramebufferInfo returns information about the framebuffer initialized by
// the boot loader or nil if no framebuffer info is available.
func (info *Info) FramebufferInfo() *FramebufferInfo {
	payload := info.findTag(tagFramebufferInfo)
	if len(payload) < 22 {
		return nil
	}

	return &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(payload),
		Pitch:    binary.LittleEndian.Uint32(payload[8:]),
		Width:    binary.LittleEndian.Uint32(payload[12:]),
		Height:   binary.LittleEndian.Uint32(payload[16:]),
		Bpp:      payload[20],
		Type:     FramebufferType(payload[21]),
	}
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image.
func (info *Info) VisitElfSections(visitor ElfSectionVisitor) error {
	payload := info.findTag(tagElfSymbols)
	if payload == nil {
		return nil
	}

	if len(payload) < 12 {
		return errors.Wrap(errBadTag, "ELF symbols header")
	}

	var (
		numSections = int(binary.LittleEndian.Uint16(payload))
		sectionSize = int(binary.LittleEndian.Uint32(payload[4:]))
		sections    = payload[12:]
	)

	if sectionSize != elfSection32Size && sectionSize < elfSection64Size {
		return errors.Wrapf(errBadTag, "ELF section header size %d", sectionSize)
	}

	for index := 0; index < numSections && len(sections) >= sectionSize; index, sections = index+1, sections[sectionSize:] {
		var sec = ElfSection{Index: index}
		if sectionSize == elfSection32Size {
			sec.Flags = ElfSectionFlag(binary.LittleEndian.Uint32(sections[8:]))
			sec.Address = uintptr(binary.LittleEndian.Uint32(sections[12:]))
			sec.Size = uint64(binary.LittleEndian.Uint32(sections[20:]))
		} else {
			sec.Flags = ElfSectionFlag(binary.LittleEndian.Uint64(sections[8:]))
			sec.Address = uintptr(binary.LittleEndian.Uint64(sections[16:]))
			sec.Size = binary.LittleEndian.Uint64(sections[32:])
		}

		if sec.Size == 0 {
			continue
		}

		visitor(sec)
	}

	return nil
}

// BootLoaderName returns the name reported by the boot loader.
func (info *Info) BootLoaderName() string {
	return cString(info.findTag(tagBootLoaderName))
}

// BootCmdLine returns the command line key-value pairs passed to the kernel.
// Flags without a value (e.g. "nofoo") map to themselves.
func (info *Info) BootCmdLine() map[string]string {
	cmdLineKV := make(map[string]string)
	for _, pair := range strings.Fields(cString(info.findTag(tagBootCmdLine))) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
