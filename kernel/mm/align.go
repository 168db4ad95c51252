package mm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// AlignUp rounds value up to the next multiple of alignment, which must be a
// power of two.
func AlignUp[T constraints.Unsigned](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment, which must be a
// power of two.
func AlignDown[T constraints.Unsigned](value, alignment T) T {
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment.
func IsAligned[T constraints.Unsigned](value, alignment T) bool {
	return value&(alignment-1) == 0
}

// CheckPow2 returns an error describing name if number is not a power of two.
func CheckPow2[T constraints.Unsigned](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// NextPow2 returns the smallest power of two that is greater than or equal
// to number.
func NextPow2[T constraints.Unsigned](number T) T {
	p := T(1)
	for p < number && p != 0 {
		p <<= 1
	}
	return p
}
