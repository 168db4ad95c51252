package multiboot

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestFindTag(t *testing.T) {
	specs := []struct {
		tagType tagType
		expSize int
	}{
		{tagBootCmdLine, 1},
		{tagBootLoaderName, 27},
		{tagBasicMemoryInfo, 8},
		{tagBiosBootDevice, 12},
		{tagMemoryMap, 152},
		{tagFramebufferInfo, 24},
		{tagElfSymbols, 972},
		{tagApmTable, 20},
	}

	info, err := Parse(multibootInfoTestData)
	require.NoError(t, err)

	for specIndex, spec := range specs {
		if got := len(info.findTag(spec.tagType)); got != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, got)
		}
	}

	require.Nil(t, info.findTag(tagModules), "expected findTag to return nil for a missing tag")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.True(t, errors.Is(err, errInfoTooShort))

	truncated := append([]byte(nil), multibootInfoTestData[:64]...)
	_, err = Parse(truncated)
	require.True(t, errors.Is(err, errInfoTooShort))
}

func TestVisitMemRegions(t *testing.T) {
	specs := []MemoryMapEntry{
		{0, 654336, MemAvailable},
		{654336, 1024, MemReserved},
		{983040, 65536, MemReserved},
		{1048576, 133038080, MemAvailable},
		{134086656, 131072, MemReserved},
		{4294705152, 262144, MemReserved},
	}

	empty, err := Parse((&Builder{}).Bytes())
	require.NoError(t, err)

	var visitCount int
	require.NoError(t, empty.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	}))
	require.Zero(t, visitCount, "expected visitor not to be invoked when no memory map tag is present")

	info, err := Parse(multibootInfoTestData)
	require.NoError(t, err)

	entries, err := info.MemRegions()
	require.NoError(t, err)
	require.Equal(t, specs, entries)

	// Aborting the scan
	visitCount = 0
	require.NoError(t, info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	}))
	require.Equal(t, 1, visitCount)
}

func TestUnknownRegionTypesAreReserved(t *testing.T) {
	info, err := Parse((&Builder{}).MemoryMap(
		MemoryMapEntry{PhysAddress: 0x100000, Length: 0x1000, Type: 0xff},
		MemoryMapEntry{PhysAddress: 0x200000, Length: 0x1000, Type: 0},
		MemoryMapEntry{PhysAddress: 0x300000, Length: 0x1000, Type: MemDefective},
	).Bytes())
	require.NoError(t, err)

	entries, err := info.MemRegions()
	require.NoError(t, err)
	require.Equal(t, MemReserved, entries[0].Type)
	require.Equal(t, MemReserved, entries[1].Type)
	require.Equal(t, MemDefective, entries[2].Type)
}

func TestFramebufferInfo(t *testing.T) {
	empty, err := Parse((&Builder{}).Bytes())
	require.NoError(t, err)
	require.Nil(t, empty.FramebufferInfo(), "expected nil when no framebuffer tag is present")

	info, err := Parse(multibootInfoTestData)
	require.NoError(t, err)

	fbInfo := info.FramebufferInfo()
	require.NotNil(t, fbInfo)
	require.Equal(t, FramebufferTypeEGA, fbInfo.Type)
	require.Equal(t, uint64(0xB8000), fbInfo.PhysAddr)
	require.Equal(t, uint32(80), fbInfo.Width)
	require.Equal(t, uint32(25), fbInfo.Height)
	require.Equal(t, uint32(160), fbInfo.Pitch)
	require.Equal(t, uint64(4000), fbInfo.Size())
}

func TestVisitElfSections(t *testing.T) {
	info, err := Parse(multibootInfoTestData)
	require.NoError(t, err)

	var sections []ElfSection
	require.NoError(t, info.VisitElfSections(func(sec ElfSection) {
		sections = append(sections, sec)
	}))
	// The captured image uses ELF32 section headers; the null section is
	// skipped.
	require.Len(t, sections, 23)
	require.Equal(t, ElfSection{
		Index:   2,
		Flags:   ElfSectionAllocated | ElfSectionExecutable,
		Address: 0x101000,
		Size:    0x41a87,
	}, sections[1])
}

func TestBuilderRoundTrip(t *testing.T) {
	data := (&Builder{}).
		CmdLine("mm.heapReserve=32M quiet").
		BootLoaderName("kestrel-sim").
		MemoryMap(
			MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
			MemoryMapEntry{PhysAddress: 0x100000, Length: 0x7f00000, Type: MemAvailable},
		).
		Framebuffer(FramebufferInfo{PhysAddr: 0xfd000000, Pitch: 4096, Width: 1024, Height: 768, Bpp: 32, Type: FramebufferTypeRGB}).
		ElfSections(
			ElfSection{Flags: ElfSectionAllocated | ElfSectionExecutable, Address: 0xffffffff80100000, Size: 0x2000},
			ElfSection{Flags: ElfSectionAllocated, Address: 0xffffffff80102000, Size: 0},
			ElfSection{Flags: ElfSectionAllocated | ElfSectionWritable, Address: 0xffffffff80103000, Size: 0x1000},
		).
		Bytes()

	info, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, "kestrel-sim", info.BootLoaderName())
	require.Equal(t, map[string]string{"mm.heapReserve": "32M", "quiet": "quiet"}, info.BootCmdLine())

	entries, err := info.MemRegions()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(0x7f00000), entries[1].Length)

	fb := info.FramebufferInfo()
	require.Equal(t, FramebufferTypeRGB, fb.Type)
	require.Equal(t, uint8(32), fb.Bpp)

	var sections []ElfSection
	require.NoError(t, info.VisitElfSections(func(sec ElfSection) { sections = append(sections, sec) }))
	require.Equal(t, []ElfSection{
		{Index: 0, Flags: ElfSectionAllocated | ElfSectionExecutable, Address: 0xffffffff80100000, Size: 0x2000},
		{Index: 2, Flags: ElfSectionAllocated | ElfSectionWritable, Address: 0xffffffff80103000, Size: 0x1000},
	}, sections)
}

var (
	multibootInfoTestData = []byte{
		72, 5, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 9, 0, 0, 0,
		0, 171, 253, 7, 118, 119, 123, 0, 2, 0, 0, 0, 35, 0, 0, 0,
		71, 82, 85, 66, 32, 50, 46, 48, 50, 126, 98, 101, 116, 97, 50, 45,
		57, 117, 98, 117, 110, 116, 117, 49, 46, 54, 0, 0, 0, 0, 0, 0,
		10, 0, 0, 0, 28, 0, 0, 0, 2, 1, 0, 240, 4, 213, 0, 0,
		0, 240, 0, 240, 3, 0, 240, 255, 240, 255, 240, 255, 0, 0, 0, 0,
		6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
		0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
		0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		9, 0, 0, 0, 212, 3, 0, 0, 24, 0, 0, 0, 40, 0, 0, 0,
		21, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 27, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 16, 0, 0, 16, 0, 0,
		24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0, 0,
		0, 0, 0, 0, 38, 0, 0, 0, 1, 0, 0, 0, 6, 0, 0, 0,
		0, 16, 16, 0, 0, 32, 0, 0, 135, 26, 4, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 44, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 48, 20, 0, 0, 64, 4, 0,
		194, 167, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0,
		0, 0, 0, 0, 52, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0,
		224, 215, 21, 0, 224, 231, 5, 0, 176, 6, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 62, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 144, 222, 21, 0, 144, 238, 5, 0,
		4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0,
		0, 0, 0, 0, 72, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0,
		160, 222, 21, 0, 160, 238, 5, 0, 119, 23, 2, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 83, 0, 0, 0,
		7, 0, 0, 0, 2, 0, 0, 0, 32, 246, 23, 0, 32, 6, 8, 0,
		56, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0, 0,
		0, 0, 0, 0, 100, 0, 0, 0, 1, 0, 0, 0, 3, 0, 0, 0,
		0, 0, 24, 0, 0, 16, 8, 0, 204, 5, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 106, 0, 0, 0,
		1, 0, 0, 0, 3, 0, 0, 0, 224, 5, 24, 0, 224, 21, 8, 0,
		178, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0, 0,
		0, 0, 0, 0, 117, 0, 0, 0, 8, 0, 0, 0, 3, 4, 0, 0,
		148, 15, 24, 0, 146, 31, 8, 0, 4, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 123, 0, 0, 0,
		8, 0, 0, 0, 3, 0, 0, 0, 0, 16, 24, 0, 146, 31, 8, 0,
		176, 61, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0,
		0, 0, 0, 0, 128, 0, 0, 0, 8, 0, 0, 0, 3, 0, 0, 0,
		192, 77, 25, 0, 146, 31, 8, 0, 32, 56, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 138, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 224, 133, 25, 0, 146, 31, 8, 0,
		64, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 153, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		32, 134, 25, 0, 210, 31, 8, 0, 129, 26, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 169, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 161, 160, 25, 0, 83, 58, 8, 0,
		2, 201, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 181, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		163, 105, 27, 0, 85, 3, 10, 0, 25, 1, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 195, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 188, 106, 27, 0, 110, 4, 10, 0,
		67, 153, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 207, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 4, 28, 0, 184, 157, 10, 0, 252, 112, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 220, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 252, 116, 28, 0, 180, 14, 11, 0,
		16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 231, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		12, 117, 28, 0, 196, 14, 11, 0, 239, 79, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 17, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0, 251, 196, 28, 0, 179, 94, 11, 0,
		247, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		244, 197, 28, 0, 108, 99, 11, 0, 80, 77, 0, 0, 23, 0, 0, 0,
		210, 4, 0, 0, 4, 0, 0, 0, 16, 0, 0, 0, 9, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0, 68, 19, 29, 0, 188, 176, 11, 0,
		107, 104, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 16, 0, 0, 0,
		127, 2, 0, 0, 128, 251, 1, 0, 5, 0, 0, 0, 20, 0, 0, 0,
		224, 0, 0, 0, 255, 255, 255, 255, 255, 255, 255, 255, 0, 0, 0, 0,
		8, 0, 0, 0, 32, 0, 0, 0, 0, 128, 11, 0, 0, 0, 0, 0,
		160, 0, 0, 0, 80, 0, 0, 0, 25, 0, 0, 0, 16, 2, 0, 0,
		14, 0, 0, 0, 28, 0, 0, 0, 82, 83, 68, 32, 80, 84, 82, 32,
		89, 66, 79, 67, 72, 83, 32, 0, 220, 24, 254, 7, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0,
	}
)
