package mm

import "kestrel/kernel"

var (
	// ErrOutOfMemory is returned when physical frames, virtual address
	// space or heap backing cannot be obtained. Errors from other packages
	// that describe an exhausted resource are marked with it so that
	// callers can match them with errors.Is.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// ErrInvalidConfig is returned for malformed or inconsistent memory
	// configuration values.
	ErrInvalidConfig = &kernel.Error{Module: "mm", Message: "invalid memory configuration"}

	// ErrNotPowerOfTwo is returned by CheckPow2.
	ErrNotPowerOfTwo = &kernel.Error{Module: "mm", Message: "value is not a power of two"}
)
