package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 boot information structure. Hosted
// simulations use it to hand the kernel the same payload a boot loader
// would.
type Builder struct {
	tags [][]byte
}

func (b *Builder) addTag(typ tagType, payload []byte) *Builder {
	tag := make([]byte, tagHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(tag, uint32(typ))
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))
	copy(tag[tagHeaderSize:], payload)
	b.tags = append(b.tags, tag)
	return b
}

// CmdLine adds a boot command line tag.
func (b *Builder) CmdLine(cmdLine string) *Builder {
	return b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// BootLoaderName adds a boot loader name tag.
func (b *Builder) BootLoaderName(name string) *Builder {
	return b.addTag(tagBootLoaderName, append([]byte(name), 0))
}

// MemoryMap adds a memory map tag with the supplied entries.
func (b *Builder) MemoryMap(entries ...MemoryMapEntry) *Builder {
	const entrySize = 24
	payload := make([]byte, 8+entrySize*len(entries))
	binary.LittleEndian.PutUint32(payload, entrySize)
	for i, entry := range entries {
		cur := payload[8+i*entrySize:]
		binary.LittleEndian.PutUint64(cur, entry.PhysAddress)
		binary.LittleEndian.PutUint64(cur[8:], entry.Length)
		binary.LittleEndian.PutUint32(cur[16:], uint32(entry.Type))
	}
	return b.addTag(tagMemoryMap, payload)
}

// Framebuffer adds a framebuffer info tag.
func (b *Builder) Framebuffer(fb FramebufferInfo) *Builder {
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload, fb.PhysAddr)
	binary.LittleEndian.PutUint32(payload[8:], fb.Pitch)
	binary.LittleEndian.PutUint32(payload[12:], fb.Width)
	binary.LittleEndian.PutUint32(payload[16:], fb.Height)
	payload[20] = fb.Bpp
	payload[21] = byte(fb.Type)
	return b.addTag(tagFramebufferInfo, payload)
}

// ElfSections adds an ELF symbols tag describing the supplied sections.
// Section indices are assigned in order.
func (b *Builder) ElfSections(sections ...ElfSection) *Builder {
	payload := make([]byte, 12+elfSection64Size*len(sections))
	binary.LittleEndian.PutUint16(payload, uint16(len(sections)))
	binary.LittleEndian.PutUint32(payload[4:], elfSection64Size)
	for i, sec := range sections {
		cur := payload[12+i*elfSection64Size:]
		binary.LittleEndian.PutUint64(cur[8:], uint64(sec.Flags))
		binary.LittleEndian.PutUint64(cur[16:], uint64(sec.Address))
		binary.LittleEndian.PutUint64(cur[32:], sec.Size)
	}
	return b.addTag(tagElfSymbols, payload)
}

// Bytes returns the encoded boot information, terminated by an end tag.
func (b *Builder) Bytes() []byte {
	size := infoHeaderSize + tagHeaderSize
	for _, tag := range b.tags {
		size += (len(tag) + 7) &^ 7
	}

	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data, uint32(size))

	offset := infoHeaderSize
	for _, tag := range b.tags {
		copy(data[offset:], tag)
		offset += (len(tag) + 7) &^ 7
	}

	// end tag: type 0, size 8
	binary.LittleEndian.PutUint32(data[offset+4:], tagHeaderSize)
	return data
}
