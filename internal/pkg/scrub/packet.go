package scrub

import (
	"time"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/pktbuf"
)

// Packet is one packet on the normalization path. Buf starts at the
// network header. Proto and L4Off are filled in while the IP header is
// normalized and describe the upper layer header of the packet as it
// stands after reassembly.
type Packet struct {
	Family fragment.Family
	Buf    *pktbuf.Buffer
	Time   time.Time

	Proto uint8
	L4Off int

	// Forward is set on IPv6 packets rebuilt from fragments.
	Forward *ForwardInfo
	// SCTP holds the result of the chunk scan for SCTP packets.
	SCTP SCTPInfo
	// Multihome lists the addresses an SCTP packet announced. Set only
	// when the chunk scan accepted the packet.
	Multihome []MultihomeJob

	// partial marks a fragment passed on without reassembly; its upper
	// layer header is not inspected.
	partial bool
}

// Partial reports whether the packet is a fragment that was not
// reassembled.
func (p *Packet) Partial() bool {
	return p.partial
}

// ForwardInfo records how a reassembled IPv6 packet was fragmented so it
// can be fragmented the same way again when forwarded.
type ForwardInfo struct {
	HdrLen int    // unfragmentable part, without the fragment header
	ExtOff int    // offset of the header whose next-header named Fragment, 0 for the fixed header
	MaxLen int    // largest fragment payload seen
	ID     uint32 // original fragment identification
}

// Payload returns the upper layer bytes, header included.
func (p *Packet) Payload() []byte {
	b := p.Buf.Bytes()
	if p.L4Off > len(b) {
		return nil
	}
	return b[p.L4Off:]
}
