// Package conntrack keeps the per-connection state the stateful TCP checks
// need: both peers' timestamp state, when the connection was created and
// whether the handshake completed. It also records the addresses SCTP
// endpoints announce for their associations.
package conntrack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/logger"
	"github.com/endorses/scrubcat/internal/pkg/scrub"
)

// Direction tells which end of a connection sent a packet.
type Direction uint8

const (
	// Forward packets are sent by the lower endpoint of the key.
	Forward Direction = iota
	// Backward packets are sent by the higher endpoint.
	Backward
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	return d ^ 1
}

// Key identifies a connection regardless of direction.
type Key struct {
	Proto uint8
	Lo    netip.AddrPort
	Hi    netip.AddrPort
}

// NewKey returns the canonical key of a packet from src to dst and the
// direction it travels in.
func NewKey(proto uint8, src, dst netip.AddrPort) (Key, Direction) {
	if src.Compare(dst) <= 0 {
		return Key{Proto: proto, Lo: src, Hi: dst}, Forward
	}
	return Key{Proto: proto, Lo: dst, Hi: src}, Backward
}

// Conn is one tracked connection. Its fields are only touched from inside
// Table.Do.
type Conn struct {
	Key     Key
	Created time.Time
	Last    time.Time

	// Peers holds the scrub state of each direction's sender.
	Peers [2]*scrub.TCPPeer

	syn         [2]bool
	established bool
}

// Observe advances the handshake tracking with a segment sent in dir.
func (c *Conn) Observe(dir Direction, syn, ack bool) {
	if syn {
		c.syn[dir] = true
		return
	}
	if ack && c.syn[Forward] && c.syn[Backward] {
		c.established = true
	}
}

// Established reports whether both SYNs and a later ACK were seen.
func (c *Conn) Established() bool {
	return c.established
}

// State returns the view the timestamp checks need.
func (c *Conn) State() scrub.ConnState {
	return scrub.ConnState{Established: c.established, Created: c.Created}
}

// Config holds table tunables.
type Config struct {
	IdleTimeout time.Duration // connections without traffic for this long expire
	SweepEvery  int           // Do calls between expiry sweeps
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: constants.ConnIdleTimeout,
		SweepEvery:  constants.ConnSweepEvery,
	}
}

// Stats is a snapshot of the table.
type Stats struct {
	Conns        int    `yaml:"conns"`
	Expired      uint64 `yaml:"expired"`
	Associations int    `yaml:"associations"`
}

// Table maps connection keys to their state. A single lock serializes all
// access, including the caller's work inside Do.
type Table struct {
	mu      sync.Mutex
	cfg     Config
	conns   map[Key]*Conn
	assoc   map[uint32]map[netip.Addr]struct{}
	calls   int
	expired uint64
}

// New creates an empty table.
func New(cfg Config) *Table {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}

	return &Table{
		cfg:   cfg,
		conns: make(map[Key]*Conn),
		assoc: make(map[uint32]map[netip.Addr]struct{}),
	}
}

// Do runs fn on the connection for key with the table locked, creating the
// connection first if needed. A connection created by this call is
// forgotten again when fn fails.
func (t *Table) Do(key Key, now time.Time, fn func(c *Conn) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.calls++; t.calls%t.cfg.SweepEvery == 0 {
		t.expireLocked(now)
	}

	c, ok := t.conns[key]
	if !ok {
		c = &Conn{Key: key, Created: now}
		t.conns[key] = c
	}
	c.Last = now

	if err := fn(c); err != nil {
		if !ok {
			delete(t.conns, key)
		}
		return err
	}
	return nil
}

// Expire drops connections idle since before now minus the idle timeout
// and returns how many were dropped.
func (t *Table) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireLocked(now)
}

func (t *Table) expireLocked(now time.Time) int {
	cutoff := now.Add(-t.cfg.IdleTimeout)
	n := 0
	for key, c := range t.conns {
		if c.Last.Before(cutoff) {
			delete(t.conns, key)
			n++
		}
	}
	if n > 0 {
		t.expired += uint64(n)
		logger.Debug("Expired idle connections", "count", n, "remaining", len(t.conns))
	}
	return n
}

// ApplyMultihome records the addresses announced by SCTP endpoints. An
// association is identified by the initiate tag of its INIT or INIT-ACK,
// or by the verification tag for later address changes.
func (t *Table) ApplyMultihome(jobs []scrub.MultihomeJob) {
	if len(jobs) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, j := range jobs {
		tag := j.InitiateTag
		if tag == 0 {
			tag = j.VerificationTag
		}
		addrs := t.assoc[tag]
		switch j.Op {
		case scrub.AddressAdd:
			if addrs == nil {
				addrs = make(map[netip.Addr]struct{})
				t.assoc[tag] = addrs
			}
			addrs[j.Addr] = struct{}{}
		case scrub.AddressDelete:
			delete(addrs, j.Addr)
			if len(addrs) == 0 {
				delete(t.assoc, tag)
			}
		}
	}
}

// Addresses returns the addresses recorded for an association.
func (t *Table) Addresses(tag uint32) []netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]netip.Addr, 0, len(t.assoc[tag]))
	for a := range t.assoc[tag] {
		out = append(out, a)
	}
	return out
}

// Len returns the number of tracked connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Stats returns a snapshot of the table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Conns:        len(t.conns),
		Expired:      t.expired,
		Associations: len(t.assoc),
	}
}
