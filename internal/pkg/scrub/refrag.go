package scrub

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/pktbuf"
)

// Refragment splits a reassembled IPv6 packet into fragments no larger
// than the largest fragment it was rebuilt from. Every fragment carries a
// copy of the unfragmentable part and a fragment header with the original
// identification. A packet that was never reassembled is returned as is.
func Refragment(pkt *Packet) ([]*pktbuf.Buffer, error) {
	info := pkt.Forward
	if info == nil {
		return []*pktbuf.Buffer{pkt.Buf}, nil
	}

	b := pkt.Buf.Bytes()
	hdrlen := info.HdrLen
	if hdrlen < ipv6HdrLen || len(b) < hdrlen || info.ExtOff >= hdrlen {
		return nil, dropf(ReasonShort, "refragment: %d byte packet with %d byte header", len(b), hdrlen)
	}

	// Even a single fragment gets a fragment header again; it arrived
	// fragmented.
	size := info.MaxLen &^ 7
	if size < 8 {
		return nil, dropf(ReasonFrag, "refragment: fragment size %d too small", info.MaxLen)
	}

	nextOff := ipv6OffNext
	if info.ExtOff > 0 {
		nextOff = info.ExtOff
	}
	proto := b[nextOff]
	payload := b[hdrlen:]

	out := make([]*pktbuf.Buffer, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		n := min(size, len(payload)-off)
		more := off+n < len(payload)

		frag := make([]byte, hdrlen+ipv6FragHdrLen+n)
		copy(frag, b[:hdrlen])
		frag[nextOff] = uint8(layers.IPProtocolIPv6Fragment)
		binary.BigEndian.PutUint16(frag[ipv6OffPlen:], uint16(hdrlen-ipv6HdrLen+ipv6FragHdrLen+n))

		fh := frag[hdrlen:]
		fh[0] = proto
		offlg := uint16(off)
		if more {
			offlg |= ipv6MoreFrag
		}
		binary.BigEndian.PutUint16(fh[ipv6FragOffLg:], offlg)
		binary.BigEndian.PutUint32(fh[ipv6FragIdent:], info.ID)

		copy(frag[hdrlen+ipv6FragHdrLen:], payload[off:off+n])
		out = append(out, pktbuf.New(frag))
	}
	return out, nil
}
