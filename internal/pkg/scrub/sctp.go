package scrub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
)

// SCTPChunkTypeASCONF is the address configuration chunk (RFC 5061),
// which gopacket does not name.
const SCTPChunkTypeASCONF layers.SCTPChunkType = 0xc1

const (
	sctpCommonHdrLen = 12
	sctpChunkHdrLen  = 4
	sctpInitChunkLen = 20
	sctpMinRwnd      = 1500
)

// SCTPFlags is the set of chunk kinds seen in one packet.
type SCTPFlags uint16

const (
	SCTPInit SCTPFlags = 1 << iota
	SCTPInitAck
	SCTPAbort
	SCTPShutdown
	SCTPShutdownComplete
	SCTPCookieEcho
	SCTPCookieAck
	SCTPData
	SCTPHeartbeat
	SCTPHeartbeatAck
	SCTPASCONF
	SCTPOther
)

var sctpFlagNames = []string{
	"init", "init-ack", "abort", "shutdown", "shutdown-complete",
	"cookie-echo", "cookie-ack", "data", "heartbeat", "heartbeat-ack",
	"asconf", "other",
}

func (f SCTPFlags) String() string {
	var names []string
	for i, name := range sctpFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// SCTPInfo is what the chunk scan learned about a packet.
type SCTPInfo struct {
	Flags           SCTPFlags
	VerificationTag uint32
	InitiateTag     uint32
}

// ScanSCTP walks the chunks of an SCTP packet and validates their
// structure. INIT, INIT-ACK and ASCONF chunks are handed to the multihome
// scanner. The result is stored in pkt.SCTP and the announced addresses in
// pkt.Multihome; a rejected packet leaves both untouched.
func (e *Engine) ScanSCTP(pkt *Packet) error {
	b := pkt.Payload()
	if len(b) < sctpCommonHdrLen {
		return dropf(ReasonShort, "sctp: %d byte packet", len(b))
	}
	if binary.BigEndian.Uint16(b[0:]) == 0 || binary.BigEndian.Uint16(b[2:]) == 0 {
		return dropf(ReasonNorm, "sctp: zero port")
	}

	info := SCTPInfo{VerificationTag: binary.BigEndian.Uint32(b[4:])}
	var jobs []MultihomeJob
	off := sctpCommonHdrLen
	for off < len(b) {
		if off+sctpChunkHdrLen > len(b) {
			return dropf(ReasonShort, "sctp: truncated chunk header at %d", off)
		}
		kind := layers.SCTPChunkType(b[off])
		clen := int(binary.BigEndian.Uint16(b[off+2:]))
		if clen < sctpChunkHdrLen {
			return dropf(ReasonNorm, "sctp: chunk length %d", clen)
		}
		start := off
		off += (clen + 3) &^ 3
		chunk := b[start:min(start+clen, len(b))]

		switch kind {
		case layers.SCTPChunkTypeInit, layers.SCTPChunkTypeInitAck:
			if len(chunk) < sctpInitChunkLen {
				return dropf(ReasonShort, "sctp: %d byte %s chunk", len(chunk), kind)
			}
			tag := binary.BigEndian.Uint32(chunk[4:])
			rwnd := binary.BigEndian.Uint32(chunk[8:])
			outbound := binary.BigEndian.Uint16(chunk[12:])
			inbound := binary.BigEndian.Uint16(chunk[14:])
			switch {
			case tag == 0:
				return dropf(ReasonNorm, "sctp: zero initiate tag")
			case inbound == 0 || outbound == 0:
				return dropf(ReasonNorm, "sctp: zero stream count")
			case rwnd < sctpMinRwnd:
				return dropf(ReasonNorm, "sctp: receive window %d", rwnd)
			}
			if kind == layers.SCTPChunkTypeInit {
				if info.VerificationTag != 0 {
					return dropf(ReasonNorm, "sctp: INIT with verification tag %#x", info.VerificationTag)
				}
				info.Flags |= SCTPInit
			} else {
				info.Flags |= SCTPInitAck
			}
			info.InitiateTag = tag
			found, err := e.scanMultihome(pkt, kind, chunk)
			if err != nil {
				return err
			}
			jobs = append(jobs, found...)
		case layers.SCTPChunkTypeAbort:
			info.Flags |= SCTPAbort
		case layers.SCTPChunkTypeShutdown, layers.SCTPChunkTypeShutdownAck:
			info.Flags |= SCTPShutdown
		case layers.SCTPChunkTypeShutdownComplete:
			info.Flags |= SCTPShutdownComplete
		case layers.SCTPChunkTypeCookieEcho:
			info.Flags |= SCTPCookieEcho
		case layers.SCTPChunkTypeCookieAck:
			info.Flags |= SCTPCookieAck
		case layers.SCTPChunkTypeData:
			info.Flags |= SCTPData
		case layers.SCTPChunkTypeHeartbeat:
			info.Flags |= SCTPHeartbeat
		case layers.SCTPChunkTypeHeartbeatAck:
			info.Flags |= SCTPHeartbeatAck
		case SCTPChunkTypeASCONF:
			info.Flags |= SCTPASCONF
			found, err := e.scanMultihome(pkt, kind, chunk)
			if err != nil {
				return err
			}
			jobs = append(jobs, found...)
		default:
			info.Flags |= SCTPOther
		}
	}

	// The chunks must account for every byte of the packet.
	if off != len(b) {
		return dropf(ReasonShort, "sctp: chunks cover %d of %d bytes", off, len(b))
	}

	for _, only := range []SCTPFlags{SCTPInit, SCTPInitAck, SCTPShutdownComplete} {
		if info.Flags&only != 0 && info.Flags&^only != 0 {
			return dropf(ReasonNorm, "sctp: %s bundled with %s", only, info.Flags&^only)
		}
	}
	// RFC 4960 3.3.7: DATA must not be bundled with ABORT.
	if info.Flags&SCTPAbort != 0 && info.Flags&SCTPData != 0 {
		return dropf(ReasonNorm, "sctp: ABORT bundled with DATA")
	}

	pkt.SCTP = info
	pkt.Multihome = jobs
	return nil
}

func (e *Engine) scanMultihome(pkt *Packet, kind layers.SCTPChunkType, chunk []byte) ([]MultihomeJob, error) {
	if e.multihome == nil {
		return nil, nil
	}
	jobs, err := e.multihome.Scan(pkt, kind, chunk)
	if err != nil {
		var de *DropError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, dropErr(ReasonNorm, fmt.Errorf("sctp: %s address scan: %w", kind, err))
	}
	return jobs, nil
}
