// Package checksum implements incremental internet checksum updates
// (RFC 1624) for header rewrites on packets that already carry a valid
// checksum. The normalizer never recomputes a checksum from scratch.
//
// All offsets are relative to the start of the network header. Every
// checksummed region (IPv4 header, TCP/SCTP segment) starts at an even
// offset from there, so the parity of an absolute offset is also its parity
// within the region.
package checksum

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// partial returns the ones-complement sum of b as if it sat at an odd or
// even position of the checksummed region.
func partial(b []byte, odd bool) uint16 {
	if !odd {
		return checksum.Checksum(b, 0)
	}
	shifted := make([]byte, len(b)+1)
	copy(shifted[1:], b)
	return checksum.Checksum(shifted, 0)
}

// fixup16 returns the checksum sum updated for an aligned 16-bit word
// changing from old to new.
func fixup16(sum, old, new uint16) uint16 {
	if old == new {
		return sum
	}
	return ^checksum.Combine(checksum.Combine(^sum, ^old), new)
}

// fixup32 is fixup16 for an aligned 32-bit field.
func fixup32(sum uint16, old, new uint32) uint16 {
	sum = fixup16(sum, uint16(old>>16), uint16(new>>16))
	return fixup16(sum, uint16(old), uint16(new))
}

// Patch overwrites pkt[off:off+len(val)] with val and folds the difference
// into the checksum stored at pkt[csumOff:csumOff+2]. val may start at any
// alignment.
func Patch(pkt []byte, off int, val []byte, csumOff int) {
	odd := off&1 == 1
	old := partial(pkt[off:off+len(val)], odd)
	copy(pkt[off:], val)
	updated := partial(val, odd)

	sum := binary.BigEndian.Uint16(pkt[csumOff:])
	sum = ^checksum.Combine(checksum.Combine(^sum, ^old), updated)
	binary.BigEndian.PutUint16(pkt[csumOff:], sum)
}

// Patch8 writes a single byte.
func Patch8(pkt []byte, off int, v uint8, csumOff int) {
	if pkt[off] == v {
		return
	}
	Patch(pkt, off, []byte{v}, csumOff)
}

// Patch16 writes a big-endian 16-bit value.
func Patch16(pkt []byte, off int, v uint16, csumOff int) {
	old := binary.BigEndian.Uint16(pkt[off:])
	if old == v {
		return
	}
	if off&1 == 0 {
		binary.BigEndian.PutUint16(pkt[off:], v)
		sum := fixup16(binary.BigEndian.Uint16(pkt[csumOff:]), old, v)
		binary.BigEndian.PutUint16(pkt[csumOff:], sum)
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	Patch(pkt, off, b[:], csumOff)
}

// Patch32 writes a big-endian 32-bit value.
func Patch32(pkt []byte, off int, v uint32, csumOff int) {
	old := binary.BigEndian.Uint32(pkt[off:])
	if old == v {
		return
	}
	if off&1 == 0 {
		binary.BigEndian.PutUint32(pkt[off:], v)
		sum := fixup32(binary.BigEndian.Uint16(pkt[csumOff:]), old, v)
		binary.BigEndian.PutUint16(pkt[csumOff:], sum)
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	Patch(pkt, off, b[:], csumOff)
}
