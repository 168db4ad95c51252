//go:build !unix

package physmem

import "unsafe"

func allocBacking(size int) ([]byte, error) {
	// Back the RAM with words so that table entries stay 8-byte aligned.
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

func freeBacking([]byte) error { return nil }
