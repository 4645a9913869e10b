package scrub

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

func tsOption(tsval, tsecr uint32) layers.TCPOption {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data, tsval)
	binary.BigEndian.PutUint32(data[4:], tsecr)
	return layers.TCPOption{OptionType: layers.TCPOptionKindTimestamps, OptionData: data}
}

// tsSegment builds a TCP segment with a single timestamp option.
func tsSegment(t *testing.T, tcp layers.TCP, tsval, tsecr uint32, n int, when time.Time) *Packet {
	t.Helper()
	tcp.Options = append(tcp.Options, tsOption(tsval, tsecr))
	return segment(t, tcp, n, when)
}

func segment(t *testing.T, tcp layers.TCP, n int, when time.Time) *Packet {
	t.Helper()
	pkt := newPacket(fragment.IPv4, tcp4(t, &tcp, n))
	pkt.Time = when
	pkt.Proto = uint8(layers.IPProtocolTCP)
	pkt.L4Off = ipv4MinHdrLen
	return pkt
}

// wireTS returns the timestamps of the first option of pkt.
func wireTS(pkt *Packet) (uint32, uint32) {
	opt := pkt.Buf.Bytes()[pkt.L4Off+tcpMinHdrLen:]
	return binary.BigEndian.Uint32(opt[2:]), binary.BigEndian.Uint32(opt[6:])
}

const (
	modA = 100000
	modB = 200000
)

type pawsConn struct {
	e    *Engine
	a, b *TCPPeer
	conn ConnState
}

// establish runs a handshake in which both sides use timestamps. A starts
// its clock at 1000 and B at 5000.
func establish(t *testing.T) *pawsConn {
	t.Helper()
	var n uint32
	e := newTestEngine(t, WithRandom(func() uint32 { n += modA; return n }))
	conn := ConnState{Created: t0}

	syn := tsSegment(t, layers.TCP{SYN: true}, 1000, 0, 0, t0)
	a, err := e.InitTCPPeer(syn)
	require.NoError(t, err)
	require.Equal(t, uint32(modA), a.TSMod)
	require.NoError(t, e.NormalizeTCPStateful(syn, a, nil, conn))
	tsval, tsecr := wireTS(syn)
	assert.Equal(t, uint32(1000+modA), tsval)
	assert.Zero(t, tsecr)
	assert.True(t, l4Valid(syn))

	synack := tsSegment(t, layers.TCP{SYN: true, ACK: true}, 5000, 1000+modA, 0, t0.Add(10*time.Millisecond))
	b, err := e.InitTCPPeer(synack)
	require.NoError(t, err)
	require.Equal(t, uint32(modB), b.TSMod)
	require.NoError(t, e.NormalizeTCPStateful(synack, b, a, conn))
	tsval, tsecr = wireTS(synack)
	assert.Equal(t, uint32(5000+modB), tsval)
	assert.Equal(t, uint32(1000), tsecr)
	assert.True(t, l4Valid(synack))
	assert.True(t, b.has(PeerPAWS))

	ack := tsSegment(t, layers.TCP{ACK: true}, 1001, 5000+modB, 0, t0.Add(20*time.Millisecond))
	require.NoError(t, e.NormalizeTCPStateful(ack, a, b, conn))
	assert.True(t, a.has(PeerPAWS))

	conn.Established = true
	return &pawsConn{e: e, a: a, b: b, conn: conn}
}

// fromA sends a segment from A carrying tsval and B's modulated tsecr.
func (c *pawsConn) fromA(t *testing.T, tsval, tsecr uint32, n int, when time.Time) error {
	t.Helper()
	pkt := tsSegment(t, layers.TCP{ACK: true, PSH: n > 0}, tsval, tsecr+modB, n, when)
	return c.e.NormalizeTCPStateful(pkt, c.a, c.b, c.conn)
}

func TestPAWS_Handshake(t *testing.T) {
	c := establish(t)

	assert.Equal(t, PeerTimestamp|PeerPAWS, c.a.Flags)
	assert.Equal(t, uint32(1000), c.a.TSVal0)
	assert.Equal(t, uint32(1001), c.a.TSVal)
	assert.Equal(t, uint32(5000), c.a.TSEcr)

	assert.Equal(t, PeerTimestamp|PeerPAWS, c.b.Flags)
	assert.Equal(t, uint32(5000), c.b.TSVal0)
	assert.Equal(t, uint32(1000), c.b.TSEcr)
}

func TestPAWS_DataInWindow(t *testing.T) {
	c := establish(t)
	now := t0.Add(30 * time.Millisecond)

	pkt := tsSegment(t, layers.TCP{ACK: true, PSH: true}, 1002, 5000+modB, 10, now)
	require.NoError(t, c.e.NormalizeTCPStateful(pkt, c.a, c.b, c.conn))
	tsval, tsecr := wireTS(pkt)
	assert.Equal(t, uint32(1002+modA), tsval)
	assert.Equal(t, uint32(5000), tsecr)
	assert.True(t, l4Valid(pkt))
	assert.True(t, c.a.has(PeerDataTS))

	// The reply echoes A's modulated clock.
	reply := tsSegment(t, layers.TCP{ACK: true}, 5001, 1002+modA, 10, now.Add(time.Millisecond))
	require.NoError(t, c.e.NormalizeTCPStateful(reply, c.b, c.a, c.conn))
	_, tsecr = wireTS(reply)
	assert.Equal(t, uint32(1002), tsecr)
}

func TestPAWS_Violations(t *testing.T) {
	now := t0.Add(30 * time.Millisecond)
	tests := []struct {
		name         string
		tsval, tsecr uint32
	}{
		{name: "tsval older than echoed", tsval: 999, tsecr: 5000},
		{name: "tsval beyond clock rate", tsval: 1001 + 40000, tsecr: 5000},
		{name: "tsecr never sent", tsval: 1002, tsecr: 6000},
		{name: "tsecr before first", tsval: 1002, tsecr: 4000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := establish(t)
			err := c.fromA(t, tt.tsval, tt.tsecr, 10, now)
			require.Error(t, err)
			assert.Equal(t, ReasonTS, ReasonOf(err))
		})
	}
}

func TestPAWS_NotEstablished(t *testing.T) {
	c := establish(t)
	c.conn.Established = false
	assert.NoError(t, c.fromA(t, 1001+40000, 5000, 0, t0.Add(30*time.Millisecond)))
}

func TestPAWS_MissingTimestamp(t *testing.T) {
	now := t0.Add(30 * time.Millisecond)

	t.Run("after data with timestamp", func(t *testing.T) {
		c := establish(t)
		require.NoError(t, c.fromA(t, 1002, 5000, 10, now))

		err := c.e.NormalizeTCPStateful(segment(t, layers.TCP{ACK: true}, 10, now), c.a, c.b, c.conn)
		assert.Equal(t, ReasonTS, ReasonOf(err))

		// A bare ACK or a reset may omit it.
		assert.NoError(t, c.e.NormalizeTCPStateful(segment(t, layers.TCP{ACK: true}, 0, now), c.a, c.b, c.conn))
		assert.NoError(t, c.e.NormalizeTCPStateful(segment(t, layers.TCP{RST: true}, 10, now), c.a, c.b, c.conn))
	})

	t.Run("first data without timestamp", func(t *testing.T) {
		c := establish(t)
		require.NoError(t, c.e.NormalizeTCPStateful(segment(t, layers.TCP{ACK: true}, 10, now), c.a, c.b, c.conn))
		assert.True(t, c.a.has(PeerDataNoTS))
		assert.NoError(t, c.e.NormalizeTCPStateful(segment(t, layers.TCP{ACK: true}, 10, now), c.a, c.b, c.conn))
	})
}

func TestPAWS_MultipleTimestamps(t *testing.T) {
	c := establish(t)
	tcp := layers.TCP{ACK: true, Options: []layers.TCPOption{tsOption(1002, 5000+modB)}}
	pkt := tsSegment(t, tcp, 1002, 5000+modB, 0, t0.Add(30*time.Millisecond))

	err := c.e.NormalizeTCPStateful(pkt, c.a, c.b, c.conn)
	assert.Equal(t, ReasonTS, ReasonOf(err))
}

func TestPAWS_IdlePeersRebaseline(t *testing.T) {
	c := establish(t)
	later := t0.Add(25 * 24 * time.Hour)

	// A's clock went backwards while idle; the checks are suspended.
	require.NoError(t, c.fromA(t, 999, 5000, 10, later))
	assert.True(t, c.a.has(PeerPAWS))
	assert.False(t, c.a.has(PeerPAWSIdled))
	assert.Equal(t, uint32(999), c.a.TSVal0)
	assert.Equal(t, uint32(999), c.a.TSVal)
	assert.True(t, c.b.has(PeerPAWSIdled))
	assert.False(t, c.b.has(PeerPAWS))

	reply := tsSegment(t, layers.TCP{ACK: true}, 9000, 999+modA, 0, later.Add(time.Millisecond))
	require.NoError(t, c.e.NormalizeTCPStateful(reply, c.b, c.a, c.conn))
	assert.True(t, c.b.has(PeerPAWS))
	assert.Equal(t, uint32(9000), c.b.TSVal0)
	assert.Equal(t, uint32(999), c.b.TSEcr)
}

func TestPAWS_OldConnection(t *testing.T) {
	c := establish(t)
	c.conn.Created = t0.Add(-13 * 24 * time.Hour)

	require.NoError(t, c.fromA(t, 999, 5000, 10, t0.Add(30*time.Millisecond)))
	assert.True(t, c.a.has(PeerPAWS))
	assert.Equal(t, uint32(999), c.a.TSVal0)
	assert.True(t, c.b.has(PeerPAWS))
}

func TestPAWS_TTLFloor(t *testing.T) {
	c := establish(t)
	now := t0.Add(30 * time.Millisecond)

	low := tsSegment(t, layers.TCP{ACK: true}, 1002, 5000+modB, 0, now)
	b := low.Buf.Bytes()
	b[ipv4OffTTL] = 30
	setIPv4Checksum(b)
	require.NoError(t, c.e.NormalizeTCPStateful(low, c.a, c.b, c.conn))
	assert.Equal(t, uint8(64), b[ipv4OffTTL])
	assert.True(t, ipv4HeaderValid(b))

	high := tsSegment(t, layers.TCP{ACK: true}, 1003, 5000+modB, 0, now)
	hb := high.Buf.Bytes()
	hb[ipv4OffTTL] = 100
	setIPv4Checksum(hb)
	require.NoError(t, c.e.NormalizeTCPStateful(high, c.a, c.b, c.conn))
	assert.Equal(t, uint8(100), c.a.TTL)
}

func TestPAWS_NoTimestamps(t *testing.T) {
	e := newTestEngine(t)
	syn := segment(t, layers.TCP{SYN: true}, 0, t0)
	a, err := e.InitTCPPeer(syn)
	require.NoError(t, err)
	assert.Zero(t, a.Flags)
	assert.Equal(t, uint8(64), a.TTL)

	data := segment(t, layers.TCP{ACK: true}, 100, t0.Add(time.Second))
	assert.NoError(t, e.NormalizeTCPStateful(data, a, nil, ConnState{Established: true, Created: t0}))
	assert.Zero(t, a.Flags)
}

func TestTSAllowance(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, uint32(33000), e.tsAllowance(0))
	assert.Equal(t, uint32(31*1100+550), e.tsAllowance(1500*time.Millisecond))
	assert.Equal(t, uint32(33000), e.tsAllowance(-time.Second))
}
