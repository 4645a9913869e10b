package scrub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/endorses/scrubcat/internal/pkg/checksum"
	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

const (
	ipv4MinHdrLen = 20
	ipv4MaxLen    = 65535

	ipv4OffTOS   = 1
	ipv4OffLen   = 2
	ipv4OffID    = 4
	ipv4OffFrag  = 6
	ipv4OffTTL   = 8
	ipv4OffProto = 9
	ipv4OffCsum  = 10

	ipv4FlagDF   = 0x4000
	ipv4FlagMF   = 0x2000
	ipv4OffsMask = 0x1fff

	ecnMask = 0x03
)

// fragmentErr maps a cache error to its drop reason.
func fragmentErr(family fragment.Family, err error) error {
	r := ReasonFrag
	if errors.Is(err, fragment.ErrNoMemory) {
		r = ReasonMemory
	}
	return dropErr(r, fmt.Errorf("%s reassembly: %w", family, err))
}

// normalizeIPv4 checks the header and reassembles fragments. It returns
// nil and no error when the packet was absorbed as a fragment.
func (e *Engine) normalizeIPv4(pkt *Packet, a Actions) (*Packet, error) {
	b := pkt.Buf.Bytes()
	if len(b) < ipv4MinHdrLen {
		return nil, dropf(ReasonShort, "ipv4: %d byte packet", len(b))
	}
	if v := b[0] >> 4; v != 4 {
		return nil, dropf(ReasonNorm, "ipv4: version %d", v)
	}
	hlen := int(b[0]&0x0f) << 2
	if hlen < ipv4MinHdrLen {
		return nil, dropf(ReasonNorm, "ipv4: header length %d", hlen)
	}
	total := int(binary.BigEndian.Uint16(b[ipv4OffLen:]))
	if hlen > total {
		return nil, dropf(ReasonNorm, "ipv4: header length %d beyond total length %d", hlen, total)
	}
	if len(b) < total {
		return nil, dropf(ReasonShort, "ipv4: %d bytes captured of %d", len(b), total)
	}
	// Link layer padding.
	pkt.Buf.Trim(total)
	b = pkt.Buf.Bytes()

	flags := binary.BigEndian.Uint16(b[ipv4OffFrag:])
	off := int(flags&ipv4OffsMask) << 3
	more := flags&ipv4FlagMF != 0
	if off == 0 && !more {
		finishIPv4(pkt)
		return pkt, nil
	}

	if a.NoDF && flags&ipv4FlagDF != 0 {
		flags &^= ipv4FlagDF
		checksum.Patch16(b, ipv4OffFrag, flags, ipv4OffCsum)
	}
	// A fragment still carrying DF was fragmented against the sender's will.
	if flags&ipv4FlagDF != 0 {
		return nil, dropf(ReasonFrag, "ipv4: fragment with DF set")
	}

	if !a.Reassemble {
		pkt.partial = true
		pkt.Proto = b[ipv4OffProto]
		pkt.L4Off = hlen
		return pkt, nil
	}

	out, err := e.reassembleIPv4(pkt, hlen, off, more)
	if err != nil || out == nil {
		return nil, err
	}
	finishIPv4(out)
	return out, nil
}

func (e *Engine) reassembleIPv4(pkt *Packet, hlen, off int, more bool) (*Packet, error) {
	b := pkt.Buf.Bytes()
	key := fragment.Key{
		Src:    netip.AddrFrom4([4]byte(b[12:16])),
		Dst:    netip.AddrFrom4([4]byte(b[16:20])),
		ID:     uint32(binary.BigEndian.Uint16(b[ipv4OffID:])),
		Family: fragment.IPv4,
		Proto:  b[ipv4OffProto],
	}

	ent, err := e.cache.NewEntry()
	if err != nil {
		return nil, fragmentErr(fragment.IPv4, err)
	}
	ent.Buf = pkt.Buf
	ent.HdrLen = hlen
	ent.Off = off
	ent.Len = len(b) - hlen
	ent.More = more

	q, err := e.cache.Offer(key, ent, pkt.Time)
	if err != nil {
		return nil, fragmentErr(fragment.IPv4, err)
	}
	if q == nil {
		return nil, nil
	}

	buf, info := q.Join()
	if info.HdrLen+info.Total > ipv4MaxLen {
		return nil, dropf(ReasonShort, "ipv4: reassembled datagram of %d bytes", info.HdrLen+info.Total)
	}

	hb := buf.Bytes()
	checksum.Patch16(hb, ipv4OffLen, uint16(info.HdrLen+info.Total), ipv4OffCsum)
	flags := binary.BigEndian.Uint16(hb[ipv4OffFrag:])
	checksum.Patch16(hb, ipv4OffFrag, flags&^(ipv4FlagMF|ipv4OffsMask), ipv4OffCsum)

	pkt.Buf = buf
	return pkt, nil
}

// finishIPv4 leaves at most DF in the flags and offset word. After
// reassembly the header is the first fragment's, so its length is read
// again.
func finishIPv4(pkt *Packet) {
	b := pkt.Buf.Bytes()
	hlen := int(b[0]&0x0f) << 2
	flags := binary.BigEndian.Uint16(b[ipv4OffFrag:])
	if flags&^ipv4FlagDF != 0 {
		checksum.Patch16(b, ipv4OffFrag, flags&ipv4FlagDF, ipv4OffCsum)
	}
	pkt.Proto = b[ipv4OffProto]
	pkt.L4Off = hlen
}

func (e *Engine) scrubIPv4(pkt *Packet, a Actions) {
	b := pkt.Buf.Bytes()

	flags := binary.BigEndian.Uint16(b[ipv4OffFrag:])
	if a.NoDF && flags&ipv4FlagDF != 0 {
		flags &^= ipv4FlagDF
		checksum.Patch16(b, ipv4OffFrag, flags, ipv4OffCsum)
	}
	if a.MinTTL > 0 && b[ipv4OffTTL] < a.MinTTL {
		checksum.Patch8(b, ipv4OffTTL, a.MinTTL, ipv4OffCsum)
	}
	if a.SetTOS {
		tos := b[ipv4OffTOS]&ecnMask | a.TOS&^ecnMask
		checksum.Patch8(b, ipv4OffTOS, tos, ipv4OffCsum)
	}
	// Only unfragmented packets get a new id; fragments must keep theirs.
	if a.RandomID && flags&^ipv4FlagDF == 0 {
		checksum.Patch16(b, ipv4OffID, uint16(e.random()), ipv4OffCsum)
	}
}
