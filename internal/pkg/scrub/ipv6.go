package scrub

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

const (
	ipv6HdrLen     = 40
	ipv6FragHdrLen = 8
	ipv6MaxPayload = 65535
	ipv6MaxHeaders = 20

	ipv6OffPlen   = 4
	ipv6OffNext   = 6
	ipv6OffHopLim = 7
	ipv6FragOffLg = 2
	ipv6FragIdent = 4
	ipv6OffMask   = 0xfff8
	ipv6MoreFrag  = 0x0001
	routingType0  = 0
)

// ipv6Chain is what an extension header walk found.
type ipv6Chain struct {
	proto   uint8 // upper layer protocol, or the fragment's next header for non-first fragments
	l4Off   int
	fragOff int // offset of the fragment header of a non-atomic fragment, 0 if none
	extOff  int // offset of the extension header preceding the fragment header, 0 for the fixed header
}

// walkIPv6 follows the extension header chain of b. The walk stops at the
// fragment header of a non-first fragment since the rest of the chain is
// not in this packet.
func walkIPv6(b []byte) (ipv6Chain, error) {
	var (
		c       ipv6Chain
		next    = b[ipv6OffNext]
		off     = ipv6HdrLen
		lastExt = 0
		frags   int
		routing int
	)

	for n := 0; n < ipv6MaxHeaders; n++ {
		proto := layers.IPProtocol(next)
		switch proto {
		case layers.IPProtocolIPv6Fragment, layers.IPProtocolIPv6Routing,
			layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Destination,
			layers.IPProtocolAH:
		default:
			c.proto = next
			c.l4Off = off
			return c, nil
		}

		if len(b) < off+ipv6FragHdrLen {
			return c, dropf(ReasonShort, "ipv6: truncated extension header %d at %d", next, off)
		}

		var hlen int
		switch proto {
		case layers.IPProtocolIPv6Fragment:
			if frags++; frags > 1 {
				return c, dropf(ReasonFrag, "ipv6: multiple fragment headers")
			}
			offlg := binary.BigEndian.Uint16(b[off+ipv6FragOffLg:])
			c.extOff = lastExt
			if offlg&ipv6OffMask != 0 {
				c.fragOff = off
				c.proto = b[off]
				c.l4Off = off + ipv6FragHdrLen
				return c, nil
			}
			// Atomic fragments are not reassembled (RFC 6946).
			if offlg&ipv6MoreFrag != 0 {
				c.fragOff = off
			}
			hlen = ipv6FragHdrLen

		case layers.IPProtocolIPv6Routing:
			if routing++; routing > 1 {
				return c, dropf(ReasonNorm, "ipv6: multiple routing headers")
			}
			if b[off+2] == routingType0 {
				return c, dropf(ReasonNorm, "ipv6: routing header type 0")
			}
			hlen = (int(b[off+1]) + 1) << 3

		case layers.IPProtocolIPv6HopByHop:
			if n > 0 {
				return c, dropf(ReasonNorm, "ipv6: hop-by-hop options not first")
			}
			hlen = (int(b[off+1]) + 1) << 3

		case layers.IPProtocolIPv6Destination:
			hlen = (int(b[off+1]) + 1) << 3

		case layers.IPProtocolAH:
			hlen = (int(b[off+1]) + 2) << 2
		}

		if frags == 0 {
			lastExt = off
		}
		next = b[off]
		off += hlen
	}

	return c, dropf(ReasonNorm, "ipv6: more than %d extension headers", ipv6MaxHeaders)
}

// normalizeIPv6 checks the header, walks the extension headers and
// reassembles fragments. It returns nil and no error when the packet was
// absorbed as a fragment.
func (e *Engine) normalizeIPv6(pkt *Packet, a Actions) (*Packet, error) {
	b := pkt.Buf.Bytes()
	if len(b) < ipv6HdrLen {
		return nil, dropf(ReasonShort, "ipv6: %d byte packet", len(b))
	}
	if v := b[0] >> 4; v != 6 {
		return nil, dropf(ReasonNorm, "ipv6: version %d", v)
	}
	plen := int(binary.BigEndian.Uint16(b[ipv6OffPlen:]))
	if plen == 0 {
		return nil, dropf(ReasonNorm, "ipv6: jumbo payload")
	}
	if len(b) < ipv6HdrLen+plen {
		return nil, dropf(ReasonShort, "ipv6: %d bytes captured of %d", len(b), ipv6HdrLen+plen)
	}
	pkt.Buf.Trim(ipv6HdrLen + plen)
	b = pkt.Buf.Bytes()

	chain, err := walkIPv6(b)
	if err != nil {
		return nil, err
	}
	if chain.fragOff == 0 {
		pkt.Proto = chain.proto
		pkt.L4Off = chain.l4Off
		return pkt, nil
	}

	if !a.Reassemble {
		pkt.partial = true
		pkt.Proto = chain.proto
		pkt.L4Off = chain.l4Off
		return pkt, nil
	}

	out, err := e.reassembleIPv6(pkt, chain)
	if err != nil || out == nil {
		return nil, err
	}

	// The rebuilt chain is walked once more. A fragment header inside the
	// reassembled datagram is not reassembled again.
	chain, err = walkIPv6(out.Buf.Bytes())
	if err != nil {
		return nil, err
	}
	if chain.fragOff != 0 {
		return nil, dropf(ReasonFrag, "ipv6: nested fragment header")
	}
	out.Proto = chain.proto
	out.L4Off = chain.l4Off
	return out, nil
}

func (e *Engine) reassembleIPv6(pkt *Packet, chain ipv6Chain) (*Packet, error) {
	b := pkt.Buf.Bytes()
	fo := chain.fragOff
	offlg := binary.BigEndian.Uint16(b[fo+ipv6FragOffLg:])
	key := fragment.Key{
		Src:    netip.AddrFrom16([16]byte(b[8:24])),
		Dst:    netip.AddrFrom16([16]byte(b[24:40])),
		ID:     binary.BigEndian.Uint32(b[fo+ipv6FragIdent:]),
		Family: fragment.IPv6,
	}

	ent, err := e.cache.NewEntry()
	if err != nil {
		return nil, fragmentErr(fragment.IPv6, err)
	}
	ent.Buf = pkt.Buf
	ent.HdrLen = fo + ipv6FragHdrLen
	ent.ExtOff = chain.extOff
	ent.Off = int(offlg & ipv6OffMask)
	ent.Len = len(b) - ent.HdrLen
	ent.More = offlg&ipv6MoreFrag != 0

	q, err := e.cache.Offer(key, ent, pkt.Time)
	if err != nil {
		return nil, fragmentErr(fragment.IPv6, err)
	}
	if q == nil {
		return nil, nil
	}

	buf, info := q.Join()
	unfrag := info.HdrLen - ipv6FragHdrLen
	hb := buf.Bytes()
	proto := hb[unfrag]

	if err := buf.Delete(unfrag, ipv6FragHdrLen); err != nil {
		return nil, dropErr(ReasonShort, err)
	}
	plen := unfrag - ipv6HdrLen + info.Total
	if plen > ipv6MaxPayload {
		return nil, dropf(ReasonShort, "ipv6: reassembled payload of %d bytes", plen)
	}

	hb = buf.Bytes()
	binary.BigEndian.PutUint16(hb[ipv6OffPlen:], uint16(plen))
	if info.ExtOff > 0 {
		hb[info.ExtOff] = proto
	} else {
		hb[ipv6OffNext] = proto
	}

	pkt.Buf = buf
	pkt.Forward = &ForwardInfo{
		HdrLen: unfrag,
		ExtOff: info.ExtOff,
		MaxLen: info.MaxLen,
		ID:     info.ID,
	}
	return pkt, nil
}

func scrubIPv6(pkt *Packet, a Actions) {
	b := pkt.Buf.Bytes()

	if a.MinTTL > 0 && b[ipv6OffHopLim] < a.MinTTL {
		b[ipv6OffHopLim] = a.MinTTL
	}
	if a.SetTOS {
		tc := b[0]<<4 | b[1]>>4
		tc = tc&ecnMask | a.TOS&^ecnMask
		b[0] = b[0]&0xf0 | tc>>4
		b[1] = b[1]&0x0f | tc<<4
	}
}
