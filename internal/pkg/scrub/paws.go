package scrub

import (
	"encoding/binary"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/checksum"
	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/logger"
)

const tcpOptLenTimestamp = 10

// PeerFlags records what is known about one side of a TCP connection.
type PeerFlags uint8

const (
	// PeerTimestamp is set when the peer sent a timestamp on its SYN.
	PeerTimestamp PeerFlags = 1 << iota
	// PeerPAWS is set once a timestamp of the peer has been echoed.
	PeerPAWS
	// PeerPAWSIdled is set when PAWS checks were suspended after idling.
	PeerPAWSIdled
	// PeerDataTS is set when the peer's first data segment had a timestamp.
	PeerDataTS
	// PeerDataNoTS is set when the peer's first data segment had none.
	PeerDataNoTS
)

// TCPPeer is the scrub state of one direction of a TCP connection. It has
// no lock; the connection table serializes access.
type TCPPeer struct {
	TTL    uint8 // highest TTL seen, enforced on every segment
	Flags  PeerFlags
	TSVal0 uint32 // lowest timestamp sent since PAWS was armed
	TSVal  uint32 // highest timestamp sent
	TSEcr  uint32 // highest timestamp echoed
	TSMod  uint32 // added to outgoing timestamps
	Last   time.Time
}

func (p *TCPPeer) has(f PeerFlags) bool {
	return p != nil && p.Flags&f != 0
}

// ConnState is the connection table view the timestamp checks need.
type ConnState struct {
	Established bool
	Created     time.Time
}

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

func ttlOffset(f fragment.Family) int {
	if f == fragment.IPv6 {
		return ipv6OffHopLim
	}
	return ipv4OffTTL
}

// InitTCPPeer creates the scrub state for the side that sent pkt, the
// first segment seen in that direction. Timestamp tracking only starts on
// a SYN.
func (e *Engine) InitTCPPeer(pkt *Packet) (*TCPPeer, error) {
	seg, err := parseTCP(pkt)
	if err != nil {
		return nil, err
	}

	peer := &TCPPeer{TTL: seg.b[ttlOffset(pkt.Family)]}
	if !seg.has(tcpSYN) {
		return peer, nil
	}

	seg.options(func(kind layers.TCPOptionKind, off, olen int) bool {
		if kind != layers.TCPOptionKindTimestamps || olen < tcpOptLenTimestamp {
			return true
		}
		tsval := binary.BigEndian.Uint32(seg.b[off+2:])
		peer.Flags |= PeerTimestamp
		peer.TSMod = e.random()
		peer.TSVal0 = tsval
		peer.TSVal = tsval
		peer.TSEcr = binary.BigEndian.Uint32(seg.b[off+6:])
		peer.Last = pkt.Time
		return false
	})
	return peer, nil
}

// tsAllowance is how far a timestamp may have advanced after elapsed at
// the fastest legal clock rate.
func (e *Engine) tsAllowance(elapsed time.Duration) uint32 {
	if elapsed < 0 {
		elapsed = 0
	}
	secs := int64((elapsed + e.cfg.TSFudge) / time.Second)
	usecs := int64(elapsed%time.Second) / int64(time.Microsecond)
	return uint32(secs*constants.TSMaxFreq + usecs/(1_000_000/constants.TSMaxFreq))
}

// NormalizeTCPStateful applies the per-connection checks to a segment
// sent by src towards dst. Either peer may be nil when it has no scrub
// state. The caller must hold the connection's lock.
func (e *Engine) NormalizeTCPStateful(pkt *Packet, src, dst *TCPPeer, conn ConnState) error {
	seg, err := parseTCP(pkt)
	if err != nil {
		return err
	}
	now := pkt.Time
	b := seg.b

	// Raise the TTL to the highest seen from this side.
	if src != nil {
		ttlOff := ttlOffset(pkt.Family)
		if b[ttlOff] > src.TTL {
			src.TTL = b[ttlOff]
		}
		if pkt.Family == fragment.IPv4 {
			checksum.Patch8(b, ttlOff, src.TTL, ipv4OffCsum)
		} else {
			b[ttlOff] = src.TTL
		}
	}

	var (
		gotTS        bool
		tsval, tsecr uint32
		tsErr        error
	)
	if seg.hlen > tcpMinHdrLen && (src.has(PeerTimestamp) || dst.has(PeerTimestamp)) {
		seg.options(func(kind layers.TCPOptionKind, off, olen int) bool {
			if kind != layers.TCPOptionKindTimestamps {
				return true
			}
			if gotTS {
				tsErr = dropf(ReasonTS, "tcp: multiple timestamp options")
				return false
			}
			if olen < tcpOptLenTimestamp {
				return true
			}
			tsval = binary.BigEndian.Uint32(b[off+2:])
			if tsval != 0 && src.has(PeerTimestamp) {
				checksum.Patch32(b, off+2, tsval+src.TSMod, seg.csum())
			}
			tsecr = binary.BigEndian.Uint32(b[off+6:])
			if tsecr != 0 && dst.has(PeerTimestamp) {
				tsecr -= dst.TSMod
				checksum.Patch32(b, off+6, tsecr, seg.csum())
			}
			gotTS = true
			return true
		})
	}
	if tsErr != nil {
		return tsErr
	}

	// The fastest legal timestamp clock wraps half its space in about 24
	// days; the lower bound of the echo check only holds for the first 12
	// days of a connection.
	tooOld := !conn.Created.IsZero() && now.Sub(conn.Created) > e.cfg.PAWSMaxConn
	if src.has(PeerPAWS) && (now.Sub(src.Last) > e.cfg.PAWSMaxIdle || tooOld) {
		logger.Debug("Suspending PAWS for idle or old sender", "last", src.Last, "created", conn.Created)
		src.Flags = src.Flags&^PeerPAWS | PeerPAWSIdled
	}
	if dst.has(PeerPAWS) && now.Sub(dst.Last) > e.cfg.PAWSMaxIdle {
		logger.Debug("Suspending PAWS for idle receiver", "last", dst.Last)
		dst.Flags = dst.Flags&^PeerPAWS | PeerPAWSIdled
	}

	payload := seg.payloadLen()
	armed := src.has(PeerPAWS) && dst.has(PeerPAWS)
	switch {
	case gotTS && armed:
		if conn.Established {
			limit := src.TSVal + e.tsAllowance(now.Sub(src.Last))
			if seqLT(tsval, dst.TSEcr) || seqGT(tsval, limit) ||
				(tsecr != 0 && (seqGT(tsecr, dst.TSVal) || seqLT(tsecr, dst.TSVal0))) {
				return dropf(ReasonTS, "tcp: timestamp out of window: tsval %d (echoed %d, limit %d) tsecr %d (sent %d..%d)",
					tsval, dst.TSEcr, limit, tsecr, dst.TSVal0, dst.TSVal)
			}
		}
	case !gotTS && armed && !seg.has(tcpRST) && (conn.Established || payload > 0 || seg.has(tcpSYN)):
		// Timestamps become mandatory once the first data segment carried one.
		if (payload > 0 || seg.has(tcpSYN)) && src.has(PeerDataTS) {
			return dropf(ReasonTS, "tcp: timestamp missing on %d byte segment", payload)
		}
	}

	if payload > 0 && src != nil && src.Flags&(PeerTimestamp|PeerDataTS|PeerDataNoTS) == PeerTimestamp {
		if gotTS {
			src.Flags |= PeerDataTS
		} else {
			src.Flags |= PeerDataNoTS
		}
	}

	if gotTS && src.has(PeerTimestamp) {
		updatePAWS(src, tsval, tsecr, now)
	}
	return nil
}

func updatePAWS(src *TCPPeer, tsval, tsecr uint32, now time.Time) {
	// An idled peer starts over from its current clock.
	if src.Flags&PeerPAWSIdled != 0 {
		src.Flags &^= PeerPAWSIdled | PeerPAWS
		src.TSVal0 = tsval
		src.TSVal = tsval
		src.TSEcr = tsecr
	}

	armed := src.Flags&PeerPAWS != 0
	src.Last = now
	if seqGEQ(tsval, src.TSVal) || !armed {
		src.TSVal = tsval
	}
	if tsecr == 0 {
		return
	}
	if seqGEQ(tsecr, src.TSEcr) || !armed {
		src.TSEcr = tsecr
	}
	if !armed {
		if seqLT(tsval, src.TSVal0) || src.TSVal0 == 0 {
			src.TSVal0 = tsval
		}
		// Only fully initialized once a timestamp got echoed.
		src.Flags |= PeerPAWS
	}
}
