package scrub

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/pktbuf"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	srcIP4 = net.IPv4(10, 0, 0, 1).To4()
	dstIP4 = net.IPv4(10, 0, 0, 2).To4()
	srcIP6 = net.ParseIP("2001:db8::1")
	dstIP6 = net.ParseIP("2001:db8::2")
)

const testRandom = 0x11223344

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRandom(func() uint32 { return testRandom })}, opts...)
	return New(DefaultConfig(), fragment.New(fragment.DefaultConfig()), opts...)
}

func newPacket(family fragment.Family, b []byte) *Packet {
	return &Packet{Family: family, Buf: pktbuf.New(b), Time: t0}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func ipv4Header(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       0x4242,
		Protocol: proto,
		SrcIP:    srcIP4,
		DstIP:    dstIP4,
	}
}

func ipv6Header(next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      srcIP6,
		DstIP:      dstIP6,
	}
}

// udp4 builds an IPv4 UDP datagram carrying n payload bytes.
func udp4(t *testing.T, n int) []byte {
	t.Helper()
	ip := ipv4Header(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5060, DstPort: 5060}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(testPayload(n)))
}

// udp6 builds an IPv6 UDP packet carrying n payload bytes.
func udp6(t *testing.T, n int) []byte {
	t.Helper()
	ip := ipv6Header(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5060, DstPort: 5060}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(testPayload(n)))
}

// withHopByHop inserts an empty hop-by-hop options header into an IPv6
// packet without extension headers.
func withHopByHop(b []byte) []byte {
	hbh := []byte{b[ipv6OffNext], 0, 1, 4, 0, 0, 0, 0}
	out := append(append(append([]byte{}, b[:ipv6HdrLen]...), hbh...), b[ipv6HdrLen:]...)
	out[ipv6OffNext] = uint8(layers.IPProtocolIPv6HopByHop)
	plen := binary.BigEndian.Uint16(out[ipv6OffPlen:])
	binary.BigEndian.PutUint16(out[ipv6OffPlen:], plen+8)
	return out
}

func setIPv4Checksum(b []byte) {
	hlen := int(b[0]&0x0f) << 2
	binary.BigEndian.PutUint16(b[ipv4OffCsum:], 0)
	binary.BigEndian.PutUint16(b[ipv4OffCsum:], ^checksum.Checksum(b[:hlen], 0))
}

// fragment4 splits an IPv4 datagram into fragments whose payloads have the
// given sizes. The last fragment takes whatever is left.
func fragment4(t *testing.T, b []byte, sizes ...int) [][]byte {
	t.Helper()
	hlen := int(b[0]&0x0f) << 2
	payload := b[hlen:]

	var out [][]byte
	off := 0
	for i := 0; off < len(payload); i++ {
		n := len(payload) - off
		if i < len(sizes) && sizes[i] < n {
			n = sizes[i]
		}
		require.Zero(t, off%8)

		frag := make([]byte, hlen+n)
		copy(frag, b[:hlen])
		copy(frag[hlen:], payload[off:off+n])
		binary.BigEndian.PutUint16(frag[ipv4OffLen:], uint16(hlen+n))
		word := uint16(off >> 3)
		if off+n < len(payload) {
			word |= ipv4FlagMF
		}
		binary.BigEndian.PutUint16(frag[ipv4OffFrag:], word)
		setIPv4Checksum(frag)

		out = append(out, frag)
		off += n
	}
	return out
}

// fragment6 splits an IPv6 packet whose unfragmentable part is unfrag
// bytes long. nextOff is the next header field that names the fragment
// header.
func fragment6(t *testing.T, b []byte, unfrag, nextOff int, id uint32, sizes ...int) [][]byte {
	t.Helper()
	proto := b[nextOff]
	payload := b[unfrag:]

	var out [][]byte
	off := 0
	for i := 0; off < len(payload); i++ {
		n := len(payload) - off
		if i < len(sizes) && sizes[i] < n {
			n = sizes[i]
		}
		require.Zero(t, off%8)

		frag := make([]byte, unfrag+ipv6FragHdrLen+n)
		copy(frag, b[:unfrag])
		frag[nextOff] = uint8(layers.IPProtocolIPv6Fragment)
		binary.BigEndian.PutUint16(frag[ipv6OffPlen:], uint16(unfrag-ipv6HdrLen+ipv6FragHdrLen+n))
		fh := frag[unfrag:]
		fh[0] = proto
		offlg := uint16(off)
		if off+n < len(payload) {
			offlg |= ipv6MoreFrag
		}
		binary.BigEndian.PutUint16(fh[ipv6FragOffLg:], offlg)
		binary.BigEndian.PutUint32(fh[ipv6FragIdent:], id)
		copy(frag[unfrag+ipv6FragHdrLen:], payload[off:off+n])

		out = append(out, frag)
		off += n
	}
	return out
}

func ipv4HeaderValid(b []byte) bool {
	hlen := int(b[0]&0x0f) << 2
	return checksum.Checksum(b[:hlen], 0) == 0xffff
}

// pseudoHeader sums the transport pseudo header.
func pseudoHeader(src, dst []byte, proto uint8, length int) uint16 {
	sum := checksum.Checksum(src, 0)
	sum = checksum.Checksum(dst, sum)
	var tail [8]byte
	binary.BigEndian.PutUint32(tail[0:], uint32(length))
	tail[7] = proto
	return checksum.Checksum(tail[:], sum)
}

// l4Valid checks the transport checksum of pkt against its pseudo header.
func l4Valid(pkt *Packet) bool {
	b := pkt.Buf.Bytes()
	seg := b[pkt.L4Off:]
	var ph uint16
	if pkt.Family == fragment.IPv4 {
		ph = pseudoHeader(b[12:16], b[16:20], pkt.Proto, len(seg))
	} else {
		ph = pseudoHeader(b[8:24], b[24:40], pkt.Proto, len(seg))
	}
	return checksum.Checksum(seg, ph) == 0xffff
}

func requireDrop(t *testing.T, res Result, reason Reason) {
	t.Helper()
	require.Equal(t, VerdictDrop, res.Verdict, "err: %v", res.Err)
	require.Equal(t, reason, res.Reason, "err: %v", res.Err)
	require.Error(t, res.Err)
}

func requirePass(t *testing.T, res Result) *Packet {
	t.Helper()
	require.Equal(t, VerdictPass, res.Verdict, "err: %v", res.Err)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Packet)
	return res.Packet
}

var scrubDecision = Decision{Kind: DecisionNormalize, Actions: Actions{Reassemble: true}}
