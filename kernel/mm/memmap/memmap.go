// Package memmap turns the firmware-supplied physical memory map into a
// sorted list of frame-aligned usable ranges.
package memmap

import (
	"io"

	"kestrel/kernel/hal/multiboot"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// RegionType classifies a physical memory region.
type RegionType uint8

const (
	// Usable regions are free RAM that may be handed to the frame allocator.
	Usable RegionType = iota + 1

	// Reserved regions must never be touched.
	Reserved

	// ACPIReclaimable regions hold ACPI tables; the OS may reuse them once
	// the tables have been consumed.
	ACPIReclaimable

	// NVS regions are owned by the firmware at runtime.
	NVS

	// Defective regions contain faulty RAM.
	Defective
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPIReclaimable:
		return "ACPI (reclaimable)"
	case NVS:
		return "NVS"
	case Defective:
		return "defective"
	default:
		return "unknown"
	}
}

// Region is a raw physical memory region as reported by the firmware.
type Region struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// End returns the first address past the region, saturating at the top of
// the address space.
func (r Region) End() uint64 {
	if end := r.Base + r.Length; end >= r.Base {
		return end
	}
	return ^uint64(0)
}

// Range is a frame-aligned, half-open range of usable physical memory.
type Range struct {
	Start, End uintptr
}

// StartFrame returns the first frame of the range.
func (r Range) StartFrame() mm.Frame { return mm.FrameFromAddress(r.Start) }

// EndFrame returns the first frame past the range.
func (r Range) EndFrame() mm.Frame { return mm.FrameFromAddress(r.End) }

// Frames returns the number of frames in the range.
func (r Range) Frames() uintptr { return (r.End - r.Start) >> mm.PageShift }

// Size returns the size of the range in bytes.
func (r Range) Size() mm.Size { return mm.Size(r.End - r.Start) }

// Map is a normalized memory map.
type Map struct {
	// Regions contains the non-empty firmware regions sorted by base address.
	Regions []Region

	// Usable contains the sorted, non-overlapping usable ranges.
	Usable []Range
}

// FromMultiboot converts the memory map reported by a multiboot loader.
func FromMultiboot(info *multiboot.Info) ([]Region, error) {
	var regions []Region
	err := info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		var typ RegionType
		switch entry.Type {
		case multiboot.MemAvailable:
			typ = Usable
		case multiboot.MemAcpiReclaimable:
			typ = ACPIReclaimable
		case multiboot.MemNvs:
			typ = NVS
		case multiboot.MemDefective:
			typ = Defective
		default:
			typ = Reserved
		}

		regions = append(regions, Region{Base: entry.PhysAddress, Length: entry.Length, Type: typ})
		return true
	})

	return regions, err
}

// interval is a half-open address range used while normalizing.
type interval struct {
	start, end uint64
}

// Normalize validates a raw firmware memory map. Regions may be supplied in
// any order and may overlap. Zero-length regions are dropped, overlapping
// and adjacent usable regions are merged, and any part of a usable region
// that is also claimed by a non-usable region is removed. The surviving
// ranges are shrunk to frame boundaries and ranges smaller than
// cfg.MinRegionSize are discarded.
//
// Normalize fails with mm.ErrOutOfMemory if no usable memory remains.
func Normalize(regions []Region, cfg mm.Config) (Map, error) {
	var m Map
	for _, r := range regions {
		if r.Length != 0 {
			m.Regions = append(m.Regions, r)
		}
	}

	slices.SortFunc(m.Regions, func(a, b Region) bool {
		if a.Base != b.Base {
			return a.Base < b.Base
		}
		return a.Type < b.Type
	})

	var usable, holes []interval
	for _, r := range m.Regions {
		iv := interval{r.Base, r.End()}
		if r.Type != Usable {
			holes = append(holes, iv)
			continue
		}

		if n := len(usable); n > 0 && iv.start <= usable[n-1].end {
			if iv.end > usable[n-1].end {
				usable[n-1].end = iv.end
			}
			continue
		}
		usable = append(usable, iv)
	}

	for _, hole := range holes {
		usable = subtract(usable, hole)
	}

	minSize := uint64(cfg.MinRegionSize)
	if minSize < uint64(mm.PageSize) {
		minSize = uint64(mm.PageSize)
	}

	for _, iv := range usable {
		start := mm.AlignUp(iv.start, uint64(mm.PageSize))
		end := mm.AlignDown(iv.end, uint64(mm.PageSize))
		if start >= end || end-start < minSize || start < iv.start {
			continue
		}

		m.Usable = append(m.Usable, Range{Start: uintptr(start), End: uintptr(end)})
	}

	if len(m.Usable) == 0 {
		return m, errors.Wrapf(mm.ErrOutOfMemory, "no usable memory in a map of %d regions", len(m.Regions))
	}

	return m, nil
}

// subtract removes hole from each interval of the sorted list ivs.
func subtract(ivs []interval, hole interval) []interval {
	out := ivs[:0:0]
	for _, iv := range ivs {
		if hole.end <= iv.start || hole.start >= iv.end {
			out = append(out, iv)
			continue
		}

		if hole.start > iv.start {
			out = append(out, interval{iv.start, hole.start})
		}
		if hole.end < iv.end {
			out = append(out, interval{hole.end, iv.end})
		}
	}

	return out
}

// Require checks that at least one usable range can hold size contiguous
// bytes.
func (m Map) Require(size mm.Size) error {
	var largest mm.Size
	for _, r := range m.Usable {
		if r.Size() >= size {
			return nil
		}
		if r.Size() > largest {
			largest = r.Size()
		}
	}

	return errors.WithDetailf(
		errors.Wrapf(mm.ErrOutOfMemory, "no usable region can hold %d bytes", uint64(size)),
		"largest usable region: %d bytes", uint64(largest),
	)
}

// TotalUsable returns the number of usable bytes.
func (m Map) TotalUsable() mm.Size {
	var total mm.Size
	for _, r := range m.Usable {
		total += r.Size()
	}
	return total
}

// Visit invokes fn for each usable range in ascending address order until
// fn returns false.
func (m Map) Visit(fn func(Range) bool) {
	for _, r := range m.Usable {
		if !fn(r) {
			return
		}
	}
}

// Dump prints the system memory map and the amount of usable memory to w.
func (m Map) Dump(w io.Writer) {
	kfmt.Fprintf(w, "system memory map:\n")
	for _, r := range m.Regions {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", r.Base, r.End(), r.Length, r.Type)
	}
	kfmt.Fprintf(w, "usable memory: %dKb in %d range(s)\n", uint64(m.TotalUsable()/mm.Kb), len(m.Usable))
}
