package mm

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// Config holds the tunables of the memory core. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// ContiguousAlign is the alignment, in frames, of the first frame
	// returned by a contiguous allocation. Must be a power of two.
	ContiguousAlign uint64

	// AlignContiguousToSize aligns each contiguous allocation of n frames
	// to the next power of two >= n, overriding ContiguousAlign when larger.
	AlignContiguousToSize bool

	// MinRegionSize is the smallest usable range that is handed to the
	// frame allocator. Smaller ranges are dropped by the memory map reader.
	MinRegionSize Size

	// HeapReserve is the size of the virtual window reserved for the
	// kernel heap.
	HeapReserve Size

	// HeapInitial is the amount of heap backing mapped at init.
	HeapInitial Size

	// HeapGrowth is the minimum amount of backing added by each heap
	// growth step.
	HeapGrowth Size

	// KernelVMA is the virtual address where physical address 0 of the
	// kernel image window is mapped.
	KernelVMA uintptr

	// StackSize is the size of the kernel stack mapping.
	StackSize Size
}

// DefaultConfig returns the built-in memory configuration.
func DefaultConfig() Config {
	return Config{
		ContiguousAlign: 1,
		MinRegionSize:   Size(PageSize),
		HeapReserve:     64 * Mb,
		HeapInitial:     64 * Kb,
		HeapGrowth:      64 * Kb,
		KernelVMA:       0xffffffff80000000,
		StackSize:       16 * Kb,
	}
}

// cmdLineSizes maps the boot command line keys that override a Size setting.
var cmdLineSizes = map[string]func(*Config) *Size{
	"mm.heapReserve": func(c *Config) *Size { return &c.HeapReserve },
	"mm.heapInitial": func(c *Config) *Size { return &c.HeapInitial },
	"mm.heapGrowth":  func(c *Config) *Size { return &c.HeapGrowth },
	"mm.minRegion":   func(c *Config) *Size { return &c.MinRegionSize },
	"mm.stackSize":   func(c *Config) *Size { return &c.StackSize },
}

// ApplyCmdLine overrides configuration values with the matching key-value
// pairs of the kernel command line. Unrelated keys are ignored. The
// resulting configuration is validated.
func (c *Config) ApplyCmdLine(cmdLine map[string]string) error {
	for key, field := range cmdLineSizes {
		value, ok := cmdLine[key]
		if !ok {
			continue
		}

		size, err := ParseSize(value)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*field(c) = size
	}

	if value, ok := cmdLine["mm.contigAlign"]; ok {
		if value == "size" {
			c.AlignContiguousToSize = true
		} else {
			align, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return errors.Wrapf(ErrInvalidConfig, "mm.contigAlign %q", value)
			}
			c.ContiguousAlign = align
		}
	}

	return c.Validate()
}

// Validate checks that the configuration is self-consistent. Sizes that
// are not page multiples are rounded up in place.
func (c *Config) Validate() error {
	if err := CheckPow2(c.ContiguousAlign, "contiguous alignment"); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}

	for _, sz := range []*Size{&c.MinRegionSize, &c.HeapReserve, &c.HeapInitial, &c.HeapGrowth, &c.StackSize} {
		*sz = Size(AlignUp(uint64(*sz), uint64(PageSize)))
	}

	switch {
	case c.MinRegionSize == 0:
		return errors.Wrap(ErrInvalidConfig, "minimum region size must be at least one page")
	case c.HeapGrowth == 0:
		return errors.Wrap(ErrInvalidConfig, "heap growth must be at least one page")
	case c.StackSize == 0:
		return errors.Wrap(ErrInvalidConfig, "stack size must be at least one page")
	case c.HeapInitial > c.HeapReserve:
		return errors.Wrapf(ErrInvalidConfig, "initial heap size %s exceeds heap reservation %s", c.HeapInitial, c.HeapReserve)
	case !IsAligned(c.KernelVMA, PageSize):
		return errors.Wrapf(ErrInvalidConfig, "kernel VMA %#x is not page aligned", c.KernelVMA)
	}

	return nil
}
