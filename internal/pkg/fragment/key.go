// Package fragment holds the fragment cache used to reassemble fragmented
// IPv4 and IPv6 datagrams before any policy looks at them.
//
// A Cache indexes one reassembly Queue per datagram. Each Queue keeps its
// entries strictly ordered by offset and non-overlapping; overlapping
// fragments are trimmed on admission so the reassembled datagram is never
// ambiguous. The offset space is split into fixed entry points that bound
// insertion cost and cap the number of fragments per region.
package fragment

import (
	"fmt"
	"net/netip"
)

// Family is the address family of a fragmented datagram.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Key identifies one reassembly session. Proto is always 0 for IPv6 since
// only the first fragment's upper layer protocol is meaningful there.
type Key struct {
	Src    netip.Addr
	Dst    netip.Addr
	ID     uint32
	Family Family
	Proto  uint8
}

// Less orders keys by id, protocol, family and then addresses.
func (k Key) Less(o Key) bool {
	if k.ID != o.ID {
		return k.ID < o.ID
	}
	if k.Proto != o.Proto {
		return k.Proto < o.Proto
	}
	if k.Family != o.Family {
		return k.Family < o.Family
	}
	if c := k.Src.Compare(o.Src); c != 0 {
		return c < 0
	}
	return k.Dst.Compare(o.Dst) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s->%s id=%#x proto=%d", k.Family, k.Src, k.Dst, k.ID, k.Proto)
}
