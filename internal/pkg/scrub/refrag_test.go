package scrub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

func TestRefragment_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		hbh   bool
		sizes []int
	}{
		{name: "equal sizes", sizes: []int{512, 512}},
		{name: "short middle", sizes: []int{1024, 256}},
		{name: "hop-by-hop", hbh: true, sizes: []int{256, 256, 256, 256}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := udp6(t, 1500)
			unfrag, nextOff := ipv6HdrLen, ipv6OffNext
			if tt.hbh {
				orig = withHopByHop(orig)
				unfrag, nextOff = ipv6HdrLen+8, ipv6HdrLen
			}
			frags := fragment6(t, orig, unfrag, nextOff, 0x1234, tt.sizes...)

			e := newTestEngine(t)
			var res Result
			for _, f := range frags {
				res = e.Process(newPacket(fragment.IPv6, append([]byte{}, f...)), scrubDecision)
			}
			out := requirePass(t, res)

			refrags, err := Refragment(out)
			require.NoError(t, err)

			// Every fragment is cut to the largest size seen.
			maxLen := out.Forward.MaxLen
			for i, rf := range refrags {
				b := rf.Bytes()
				assert.Equal(t, frags[0][8:ipv6HdrLen], b[8:ipv6HdrLen])
				assert.Equal(t, frags[0][nextOff], b[nextOff])
				if i < len(refrags)-1 {
					assert.Equal(t, unfrag+ipv6FragHdrLen+maxLen, len(b))
				}
			}

			// The fragments reassemble to the same packet.
			e2 := newTestEngine(t)
			for _, rf := range refrags {
				res = e2.Process(newPacket(fragment.IPv6, rf.Bytes()), scrubDecision)
			}
			again := requirePass(t, res)
			assert.Equal(t, orig, again.Buf.Bytes())
			assert.Equal(t, out.Forward, again.Forward)
		})
	}
}

func TestRefragment_SameFragments(t *testing.T) {
	orig := udp6(t, 1200)
	frags := fragment6(t, orig, ipv6HdrLen, ipv6OffNext, 77, 512, 512)

	e := newTestEngine(t)
	var res Result
	for _, f := range frags {
		res = e.Process(newPacket(fragment.IPv6, append([]byte{}, f...)), scrubDecision)
	}

	refrags, err := Refragment(requirePass(t, res))
	require.NoError(t, err)
	require.Len(t, refrags, len(frags))
	for i := range frags {
		assert.Equal(t, frags[i], refrags[i].Bytes(), "fragment %d", i)
	}
}

func TestRefragment_NotReassembled(t *testing.T) {
	pkt := newPacket(fragment.IPv6, udp6(t, 100))
	out, err := Refragment(pkt)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, pkt.Buf, out[0])
}

func TestRefragment_Errors(t *testing.T) {
	t.Run("fragment size", func(t *testing.T) {
		pkt := newPacket(fragment.IPv6, udp6(t, 100))
		pkt.Forward = &ForwardInfo{HdrLen: ipv6HdrLen, MaxLen: 7, ID: 1}
		_, err := Refragment(pkt)
		assert.Equal(t, ReasonFrag, ReasonOf(err))
	})

	t.Run("header length", func(t *testing.T) {
		pkt := newPacket(fragment.IPv6, udp6(t, 100))
		pkt.Forward = &ForwardInfo{HdrLen: 400, MaxLen: 512, ID: 1}
		_, err := Refragment(pkt)
		assert.Equal(t, ReasonShort, ReasonOf(err))
	})
}
