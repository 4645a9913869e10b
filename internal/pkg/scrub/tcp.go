package scrub

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/checksum"
)

const (
	tcpMinHdrLen = 20

	tcpOffDataOff = 12
	tcpOffFlags   = 13
	tcpOffCsum    = 16
	tcpOffUrgent  = 18

	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
	tcpURG = 0x20

	tcpReservedMask = 0x0f
)

// tcpSegment is a bounds-checked view of the TCP header of a packet.
// Offsets are relative to the network header.
type tcpSegment struct {
	b     []byte
	off   int // start of the TCP header
	hlen  int
	flags uint8
}

func parseTCP(pkt *Packet) (tcpSegment, error) {
	b := pkt.Buf.Bytes()
	off := pkt.L4Off
	if len(b) < off+tcpMinHdrLen {
		return tcpSegment{}, dropf(ReasonShort, "tcp: %d byte segment", len(b)-off)
	}
	hlen := int(b[off+tcpOffDataOff]>>4) << 2
	if hlen < tcpMinHdrLen {
		return tcpSegment{}, dropf(ReasonNorm, "tcp: data offset %d", hlen)
	}
	if off+hlen > len(b) {
		return tcpSegment{}, dropf(ReasonShort, "tcp: header of %d bytes in %d byte segment", hlen, len(b)-off)
	}
	return tcpSegment{b: b, off: off, hlen: hlen, flags: b[off+tcpOffFlags]}, nil
}

func (s tcpSegment) csum() int { return s.off + tcpOffCsum }

func (s tcpSegment) payloadLen() int { return len(s.b) - s.off - s.hlen }

func (s tcpSegment) has(flag uint8) bool { return s.flags&flag != 0 }

// options calls fn for every option with a valid length, passing the
// offset of its kind byte. Walking stops at the end of list or when fn
// returns false.
func (s tcpSegment) options(fn func(kind layers.TCPOptionKind, off, olen int) bool) {
	end := s.off + s.hlen
	for off := s.off + tcpMinHdrLen; off < end; {
		kind := layers.TCPOptionKind(s.b[off])
		switch kind {
		case layers.TCPOptionKindEndList:
			return
		case layers.TCPOptionKindNop:
			off++
			continue
		}
		if off+1 >= end {
			return
		}
		olen := int(s.b[off+1])
		if olen < 2 || off+olen > end {
			return
		}
		if !fn(kind, off, olen) {
			return
		}
		off += olen
	}
}

// NormalizeTCP enforces flag legality on a TCP segment, clears the
// reserved bits and a stale urgent pointer, and clamps the MSS option of
// SYN segments when the actions ask for it.
func (e *Engine) NormalizeTCP(pkt *Packet, a Actions) error {
	seg, err := parseTCP(pkt)
	if err != nil {
		return err
	}

	if seg.has(tcpSYN) {
		if seg.has(tcpRST) {
			return dropf(ReasonNorm, "tcp: SYN with RST")
		}
		if seg.has(tcpFIN) {
			return dropf(ReasonNorm, "tcp: SYN with FIN")
		}
	} else if !seg.has(tcpACK | tcpRST) {
		return dropf(ReasonNorm, "tcp: neither ACK nor RST")
	}
	if !seg.has(tcpACK) && seg.has(tcpFIN|tcpPSH|tcpURG) {
		return dropf(ReasonNorm, "tcp: FIN, PUSH or URG without ACK")
	}

	b := seg.b
	if x2 := b[seg.off+tcpOffDataOff]; x2&tcpReservedMask != 0 {
		checksum.Patch8(b, seg.off+tcpOffDataOff, x2&^tcpReservedMask, seg.csum())
	}
	if !seg.has(tcpURG) && binary.BigEndian.Uint16(b[seg.off+tcpOffUrgent:]) != 0 {
		checksum.Patch16(b, seg.off+tcpOffUrgent, 0, seg.csum())
	}

	if a.MaxMSS > 0 && seg.has(tcpSYN) {
		clampMSS(seg, a.MaxMSS)
	}
	return nil
}

func clampMSS(seg tcpSegment, maxMSS uint16) {
	seg.options(func(kind layers.TCPOptionKind, off, olen int) bool {
		if kind != layers.TCPOptionKindMSS || olen < 4 {
			return true
		}
		if mss := binary.BigEndian.Uint16(seg.b[off+2:]); mss > maxMSS {
			checksum.Patch16(seg.b, off+2, maxMSS, seg.csum())
		}
		return true
	})
}
