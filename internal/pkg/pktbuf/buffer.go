// Package pktbuf provides the byte container packets travel in through the
// normalizer. It supports the small set of operations reassembly needs:
// range reads, head/tail trimming, concatenation and in-place splicing.
package pktbuf

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a read or splice falls outside the buffer.
var ErrOutOfRange = errors.New("pktbuf: range out of bounds")

// Buffer holds one packet, starting at its network header.
type Buffer struct {
	b []byte
}

// New wraps b without copying it. The buffer owns b from now on.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Clone copies b into a new buffer.
func Clone(b []byte) *Buffer {
	c := make([]byte, len(b))
	copy(c, b)
	return &Buffer{b: c}
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Bytes returns the buffer contents. Writes through the returned slice
// modify the packet.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Read returns a view of n bytes starting at off.
func (b *Buffer) Read(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(b.b) {
		return nil, fmt.Errorf("%w: read %d bytes at %d of %d", ErrOutOfRange, n, off, len(b.b))
	}
	return b.b[off : off+n], nil
}

// Trim truncates the buffer to its first n bytes. Trimming to a length at
// or above the current length is a no-op.
func (b *Buffer) Trim(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(b.b) {
		b.b = b.b[:n]
	}
}

// Adjust drops delta bytes from the head of the buffer when delta is
// positive and -delta bytes from the tail when it is negative.
func (b *Buffer) Adjust(delta int) {
	switch {
	case delta > 0:
		if delta > len(b.b) {
			delta = len(b.b)
		}
		b.b = b.b[delta:]
	case delta < 0:
		b.Trim(len(b.b) + delta)
	}
}

// Concat appends the contents of o. o must not be used afterwards.
func (b *Buffer) Concat(o *Buffer) {
	b.b = append(b.b, o.b...)
	o.b = nil
}

// Delete removes n bytes starting at off.
func (b *Buffer) Delete(off, n int) error {
	if off < 0 || n < 0 || off+n > len(b.b) {
		return fmt.Errorf("%w: delete %d bytes at %d of %d", ErrOutOfRange, n, off, len(b.b))
	}
	b.b = append(b.b[:off], b.b[off+n:]...)
	return nil
}

// Insert splices p into the buffer at off.
func (b *Buffer) Insert(off int, p []byte) error {
	if off < 0 || off > len(b.b) {
		return fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, off, len(b.b))
	}
	out := make([]byte, 0, len(b.b)+len(p))
	out = append(out, b.b[:off]...)
	out = append(out, p...)
	out = append(out, b.b[off:]...)
	b.b = out
	return nil
}
