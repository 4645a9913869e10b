package pcapscrub

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

// nextLayer is implemented by the link and tunnel layers gopacket decodes
// in front of the network header.
type nextLayer interface {
	NextLayerType() gopacket.LayerType
}

// locate finds the network header of a frame. It returns the length of
// the link header and the address family, or ok false for frames that
// carry no IP.
//
// Only the link layers are trusted to gopacket. The IP header itself is
// left to the engine, so a frame whose IP header fails to decode is still
// located and then dropped with the proper reason.
func locate(data []byte, lt layers.LinkType) (off int, fam fragment.Family, ok bool) {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		if len(data) == 0 {
			return 0, 0, false
		}
		return 0, fragment.Family(data[0] >> 4), true
	}

	p := gopacket.NewPacket(data, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	next := gopacket.LayerTypeZero
	for _, l := range p.Layers() {
		switch l.LayerType() {
		case layers.LayerTypeIPv4:
			return off, fragment.IPv4, true
		case layers.LayerTypeIPv6:
			return off, fragment.IPv6, true
		case gopacket.LayerTypeDecodeFailure:
			return resolve(off, next)
		}
		nl, isLink := l.(nextLayer)
		if !isLink {
			break
		}
		next = nl.NextLayerType()
		off += len(l.LayerContents())
	}
	return resolve(off, next)
}

func resolve(off int, next gopacket.LayerType) (int, fragment.Family, bool) {
	switch next {
	case layers.LayerTypeIPv4:
		return off, fragment.IPv4, true
	case layers.LayerTypeIPv6:
		return off, fragment.IPv6, true
	}
	return 0, 0, false
}
