// Package policy resolves which normalization a packet gets. Rules are
// evaluated in order and the first match decides; a packet no rule matches
// gets the engine's default actions.
package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/viper"

	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/scrub"
)

// Rule is one entry of the "rules" configuration list.
type Rule struct {
	Name    string        `mapstructure:"name" yaml:"name"`
	Family  string        `mapstructure:"family" yaml:"family,omitempty"` // inet, inet6 or empty for both
	Proto   string        `mapstructure:"proto" yaml:"proto,omitempty"`   // protocol name or number
	From    string        `mapstructure:"from" yaml:"from,omitempty"`     // source prefix
	To      string        `mapstructure:"to" yaml:"to,omitempty"`         // destination prefix
	Action  string        `mapstructure:"action" yaml:"action"`           // scrub or no-scrub
	Log     bool          `mapstructure:"log" yaml:"log,omitempty"`
	Options scrub.Actions `mapstructure:"options" yaml:"options,omitempty"`
}

type rule struct {
	name    string
	family  fragment.Family // 0 matches both
	proto   int             // -1 matches any
	from    netip.Prefix
	to      netip.Prefix
	kind    scrub.DecisionKind
	log     bool
	actions scrub.Actions
}

// protocols maps lower-case protocol names to numbers.
var protocols = func() map[string]uint8 {
	m := map[string]uint8{
		"icmp":  uint8(layers.IPProtocolICMPv4),
		"icmp6": uint8(layers.IPProtocolICMPv6),
		"ah":    uint8(layers.IPProtocolAH),
		"esp":   uint8(layers.IPProtocolESP),
	}
	for i := 0; i < 256; i++ {
		name := strings.ToLower(layers.IPProtocol(i).String())
		if strings.HasPrefix(name, "unknown") {
			continue
		}
		if _, ok := m[name]; !ok {
			m[name] = uint8(i)
		}
	}
	return m
}()

func parseProto(s string) (int, error) {
	if s == "" || s == "any" {
		return -1, nil
	}
	if p, ok := protocols[strings.ToLower(s)]; ok {
		return int(p), nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return int(n), nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if s == "" || s == "any" {
		return netip.Prefix{}, nil
	}
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	return netip.ParsePrefix(s)
}

func compile(r Rule) (rule, error) {
	out := rule{name: r.Name, log: r.Log, actions: r.Options}

	switch strings.ToLower(r.Family) {
	case "", "any":
	case "inet", "ipv4":
		out.family = fragment.IPv4
	case "inet6", "ipv6":
		out.family = fragment.IPv6
	default:
		return out, fmt.Errorf("unknown family %q", r.Family)
	}

	switch strings.ToLower(r.Action) {
	case "", "scrub":
		out.kind = scrub.DecisionNormalize
	case "no-scrub", "noscrub":
		out.kind = scrub.DecisionNoScrub
	default:
		return out, fmt.Errorf("unknown action %q", r.Action)
	}

	var err error
	if out.proto, err = parseProto(r.Proto); err != nil {
		return out, err
	}
	if out.from, err = parsePrefix(r.From); err != nil {
		return out, fmt.Errorf("from: %w", err)
	}
	if out.to, err = parsePrefix(r.To); err != nil {
		return out, fmt.Errorf("to: %w", err)
	}
	return out, nil
}

// Policy is a compiled, ordered rule list. It implements scrub.Classifier.
type Policy struct {
	rules []rule
}

// New compiles rules. Rules without a name are named after their position.
func New(rules []Rule) (*Policy, error) {
	p := &Policy{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		p.rules = append(p.rules, c)
	}
	return p, nil
}

// Load reads the "rules" list from v.
func Load(v *viper.Viper) (*Policy, error) {
	var rules []Rule
	if err := v.UnmarshalKey("rules", &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return New(rules)
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	return len(p.rules)
}

// headerInfo is what rules match on.
type headerInfo struct {
	family   fragment.Family
	proto    int
	src, dst netip.Addr
}

// inspect decodes the network header of pkt. For IPv6 the protocol is the
// first header after the extension header chain, or the next header of a
// fragment header.
func inspect(pkt *scrub.Packet) headerInfo {
	info := headerInfo{family: pkt.Family, proto: -1}

	first := layers.LayerTypeIPv4
	if pkt.Family == fragment.IPv6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt.Buf.Bytes(), first, gopacket.DecodeOptions{NoCopy: true})

	for _, l := range p.Layers() {
		switch l := l.(type) {
		case *layers.IPv4:
			info.proto = int(l.Protocol)
			info.src, _ = netip.AddrFromSlice(l.SrcIP.To4())
			info.dst, _ = netip.AddrFromSlice(l.DstIP.To4())
		case *layers.IPv6:
			info.proto = int(l.NextHeader)
			info.src, _ = netip.AddrFromSlice(l.SrcIP.To16())
			info.dst, _ = netip.AddrFromSlice(l.DstIP.To16())
		case *layers.IPv6HopByHop:
			info.proto = int(l.NextHeader)
		case *layers.IPv6Routing:
			info.proto = int(l.NextHeader)
		case *layers.IPv6Destination:
			info.proto = int(l.NextHeader)
		case *layers.IPv6Fragment:
			info.proto = int(l.NextHeader)
		case *layers.IPSecAH:
			info.proto = int(l.NextHeader)
		}
	}
	return info
}

func (r *rule) matches(h headerInfo) bool {
	if r.family != 0 && r.family != h.family {
		return false
	}
	if r.proto >= 0 && r.proto != h.proto {
		return false
	}
	if r.from.IsValid() && !(h.src.IsValid() && r.from.Contains(h.src)) {
		return false
	}
	if r.to.IsValid() && !(h.dst.IsValid() && r.to.Contains(h.dst)) {
		return false
	}
	return true
}

// Classify returns the decision of the first matching rule, or
// DecisionNone when no rule matches.
func (p *Policy) Classify(pkt *scrub.Packet) scrub.Decision {
	if len(p.rules) == 0 {
		return scrub.Decision{}
	}

	h := inspect(pkt)
	for i := range p.rules {
		r := &p.rules[i]
		if r.matches(h) {
			return scrub.Decision{Kind: r.kind, Rule: r.name, Log: r.log, Actions: r.actions}
		}
	}
	return scrub.Decision{}
}
