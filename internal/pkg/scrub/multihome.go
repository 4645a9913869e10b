package scrub

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

// SCTP parameter types carrying addresses (RFC 4960, RFC 5061).
const (
	sctpParamIPv4     = 0x0005
	sctpParamIPv6     = 0x0006
	sctpParamAddIP    = 0xc001
	sctpParamDelIP    = 0xc002
	sctpParamHdrLen   = 4
	sctpASCONFHdrLen  = 8 // chunk header and serial number
	sctpASCONFParamID = 4 // correlation id before the address parameter
)

// AddressOp is what an association wants done with an address.
type AddressOp uint8

const (
	AddressAdd AddressOp = iota
	AddressDelete
)

func (op AddressOp) String() string {
	if op == AddressDelete {
		return "delete"
	}
	return "add"
}

// MultihomeJob is one address announced by an SCTP endpoint. InitiateTag
// is only set for addresses listed in INIT and INIT-ACK chunks.
type MultihomeJob struct {
	Op              AddressOp
	Addr            netip.Addr
	VerificationTag uint32
	InitiateTag     uint32
	Chunk           layers.SCTPChunkType
}

// AddressScanner is a MultihomeScanner that parses the address parameters
// of INIT, INIT-ACK and ASCONF chunks.
type AddressScanner struct{}

// Scan implements MultihomeScanner.
func (AddressScanner) Scan(pkt *Packet, kind layers.SCTPChunkType, chunk []byte) ([]MultihomeJob, error) {
	var (
		jobs []MultihomeJob
		itag uint32
		err  error
	)
	switch kind {
	case layers.SCTPChunkTypeInit, layers.SCTPChunkTypeInitAck:
		itag = binary.BigEndian.Uint32(chunk[4:])
		jobs, err = scanAddressParams(pkt, chunk[sctpInitChunkLen:], AddressAdd)
	case SCTPChunkTypeASCONF:
		if len(chunk) < sctpASCONFHdrLen {
			return nil, dropf(ReasonShort, "sctp: %d byte ASCONF chunk", len(chunk))
		}
		jobs, err = scanAddressParams(pkt, chunk[sctpASCONFHdrLen:], AddressAdd)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	vtag := binary.BigEndian.Uint32(pkt.Payload()[4:])
	for i := range jobs {
		jobs[i].VerificationTag = vtag
		jobs[i].InitiateTag = itag
		jobs[i].Chunk = kind
	}
	return jobs, nil
}

func scanAddressParams(pkt *Packet, params []byte, op AddressOp) ([]MultihomeJob, error) {
	var jobs []MultihomeJob
	for off := 0; off < len(params); {
		if off+sctpParamHdrLen > len(params) {
			return nil, dropf(ReasonShort, "sctp: truncated parameter at %d", off)
		}
		ptype := binary.BigEndian.Uint16(params[off:])
		plen := int(binary.BigEndian.Uint16(params[off+2:]))
		if plen < sctpParamHdrLen {
			return nil, dropf(ReasonNorm, "sctp: parameter length %d", plen)
		}
		end := min(off+plen, len(params))
		body := params[off+sctpParamHdrLen : end]

		switch ptype {
		case sctpParamIPv4:
			if len(body) < 4 {
				return nil, dropf(ReasonShort, "sctp: %d byte IPv4 address", len(body))
			}
			addr := netip.AddrFrom4([4]byte(body[:4]))
			if addr.IsUnspecified() {
				addr = sourceAddr(pkt)
			}
			jobs = append(jobs, MultihomeJob{Op: op, Addr: addr})
		case sctpParamIPv6:
			if len(body) < 16 {
				return nil, dropf(ReasonShort, "sctp: %d byte IPv6 address", len(body))
			}
			addr := netip.AddrFrom16([16]byte(body[:16]))
			if addr.IsUnspecified() {
				addr = sourceAddr(pkt)
			}
			jobs = append(jobs, MultihomeJob{Op: op, Addr: addr})
		case sctpParamAddIP, sctpParamDelIP:
			if len(body) < sctpASCONFParamID {
				return nil, dropf(ReasonShort, "sctp: %d byte ASCONF parameter", len(body))
			}
			inner := AddressAdd
			if ptype == sctpParamDelIP {
				inner = AddressDelete
			}
			nested, err := scanAddressParams(pkt, body[sctpASCONFParamID:], inner)
			if err != nil {
				return nil, fmt.Errorf("ASCONF parameter %#x: %w", ptype, err)
			}
			jobs = append(jobs, nested...)
		}

		off += (plen + 3) &^ 3
	}
	return jobs, nil
}

// sourceAddr is the packet's source address, which a wildcard address
// parameter stands for.
func sourceAddr(pkt *Packet) netip.Addr {
	b := pkt.Buf.Bytes()
	if pkt.Family == fragment.IPv6 {
		return netip.AddrFrom16([16]byte(b[8:24]))
	}
	return netip.AddrFrom4([4]byte(b[12:16]))
}
