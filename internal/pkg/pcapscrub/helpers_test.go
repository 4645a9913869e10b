package pcapscrub

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/pcapwriter"
	"github.com/endorses/scrubcat/internal/pkg/scrub"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	srcIP4 = net.IP{10, 0, 0, 1}
	dstIP4 = net.IP{10, 0, 0, 2}
	srcIP6 = net.ParseIP("2001:db8::1")
	dstIP6 = net.ParseIP("2001:db8::2")

	ethHeader4 = []byte{
		0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb,
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55,
		0x08, 0x00,
	}
	ethHeader6 = []byte{
		0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb,
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55,
		0x86, 0xdd,
	}
)

func newEngine(opts ...scrub.Option) *scrub.Engine {
	opts = append([]scrub.Option{scrub.WithRandom(func() uint32 { return 0 })}, opts...)
	return scrub.New(scrub.DefaultConfig(), fragment.New(fragment.DefaultConfig()), opts...)
}

func ci(ts time.Time, n int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{Timestamp: ts, CaptureLength: n, Length: n}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func udp4(t *testing.T, n int) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, Id: 0x4242, Protocol: layers.IPProtocolUDP, SrcIP: srcIP4, DstIP: dstIP4}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 5001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload(n)))
}

func udp6(t *testing.T, n int) []byte {
	t.Helper()
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP, SrcIP: srcIP6, DstIP: dstIP6}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 5001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload(n)))
}

func ipv4Checksum(h []byte) {
	h[10], h[11] = 0, 0
	var sum uint32
	for i := 0; i < len(h); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(h[i:]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	binary.BigEndian.PutUint16(h[10:], ^uint16(sum))
}

// fragment4 splits an IPv4 datagram with a 20 byte header after first
// payload bytes.
func fragment4(b []byte, first int) [][]byte {
	hdr, data := b[:20], b[20:]
	mk := func(off int, part []byte, more bool) []byte {
		f := append(append([]byte(nil), hdr...), part...)
		binary.BigEndian.PutUint16(f[2:], uint16(len(f)))
		offlg := uint16(off / 8)
		if more {
			offlg |= 0x2000
		}
		binary.BigEndian.PutUint16(f[6:], offlg)
		ipv4Checksum(f[:20])
		return f
	}
	return [][]byte{mk(0, data[:first], true), mk(first, data[first:], false)}
}

// fragment6 splits an IPv6 packet without extension headers into
// fragments of size payload bytes, the last one taking the rest.
func fragment6(b []byte, id uint32, size int) [][]byte {
	hdr, data := b[:40], b[40:]
	var out [][]byte
	for off := 0; off < len(data); off += size {
		n := min(size, len(data)-off)
		f := append([]byte(nil), hdr...)
		f[6] = byte(layers.IPProtocolIPv6Fragment)
		binary.BigEndian.PutUint16(f[4:], uint16(8+n))

		fh := make([]byte, 8)
		fh[0] = hdr[6]
		offlg := uint16(off)
		if off+n < len(data) {
			offlg |= 1
		}
		binary.BigEndian.PutUint16(fh[2:], offlg)
		binary.BigEndian.PutUint32(fh[4:], id)
		out = append(out, append(append(f, fh...), data[off:off+n]...))
	}
	return out
}

func eth(hdr, pkt []byte) []byte {
	return append(append([]byte(nil), hdr...), pkt...)
}

type classifierFunc func(*scrub.Packet) scrub.Decision

func (f classifierFunc) Classify(pkt *scrub.Packet) scrub.Decision {
	return f(pkt)
}

type sliceSource struct {
	lt     layers.LinkType
	frames [][]byte
	times  []time.Time
	err    error
}

func (s *sliceSource) LinkType() layers.LinkType { return s.lt }

func (s *sliceSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if len(s.frames) == 0 {
		if s.err != nil {
			return nil, gopacket.CaptureInfo{}, s.err
		}
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	f, ts := s.frames[0], s.times[0]
	s.frames, s.times = s.frames[1:], s.times[1:]
	return f, ci(ts, len(f)), nil
}

type sliceSink struct {
	frames []pcapwriter.Frame
}

func (s *sliceSink) WritePacket(_ context.Context, f pcapwriter.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func (s *sliceSink) data() [][]byte {
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Data
	}
	return out
}
