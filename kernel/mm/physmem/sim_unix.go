//go:build unix

package physmem

import "golang.org/x/sys/unix"

// allocBacking maps anonymous, zero-filled memory. Pages are only committed
// by the host when first touched so large simulated machines are cheap.
func allocBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeBacking(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
