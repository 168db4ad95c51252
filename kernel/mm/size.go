package mm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uintptr {
	return uintptr(AlignUp(uint64(s), uint64(PageSize)) >> PageShift)
}

// String formats the size using the largest unit that divides it exactly.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return fmt.Sprintf("%dG", s/Gb)
	case s != 0 && s%Mb == 0:
		return fmt.Sprintf("%dM", s/Mb)
	case s != 0 && s%Kb == 0:
		return fmt.Sprintf("%dK", s/Kb)
	default:
		return fmt.Sprintf("%d", uint64(s))
	}
}

// ParseSize parses a byte count with an optional K, M or G suffix (case
// insensitive), e.g. "4096", "64K" or "1G".
func ParseSize(value string) (Size, error) {
	var (
		mul    = Byte
		digits = strings.TrimSpace(value)
	)

	if n := len(digits); n > 0 {
		switch digits[n-1] {
		case 'k', 'K':
			mul = Kb
		case 'm', 'M':
			mul = Mb
		case 'g', 'G':
			mul = Gb
		}
		if mul != Byte {
			digits = digits[:n-1]
		}
	}

	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "size %q", value)
	}

	if n > uint64(^Size(0)/mul) {
		return 0, errors.Wrapf(ErrInvalidConfig, "size %q overflows", value)
	}

	return Size(n) * mul, nil
}
