package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each write discards the oldest bytes.
type ringBuffer struct {
	buffer     [ringBufferSize]byte
	head, size int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.head+rb.size)&(ringBufferSize-1)] = b
		if rb.size == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		} else {
			rb.size++
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the buffer
// has been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.size == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.size > 0 {
		// copy the contiguous chunk that starts at head
		chunk := ringBufferSize - rb.head
		if chunk > rb.size {
			chunk = rb.size
		}
		c := copy(p[n:], rb.buffer[rb.head:rb.head+chunk])
		n += c
		rb.size -= c
		rb.head = (rb.head + c) & (ringBufferSize - 1)
	}

	return n, nil
}
