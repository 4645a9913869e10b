// Package pcapscrub runs the normalizer over a packet capture: every frame
// is classified, normalized and, when it passes, written to the output
// capture with its original link header.
package pcapscrub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"github.com/endorses/scrubcat/internal/pkg/conntrack"
	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/logger"
	"github.com/endorses/scrubcat/internal/pkg/pcapwriter"
	"github.com/endorses/scrubcat/internal/pkg/pktbuf"
	"github.com/endorses/scrubcat/internal/pkg/scrub"
)

// Source yields captured frames. *pcapgo.Reader and *pcapgo.NgReader
// implement it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Sink receives the frames that passed.
type Sink interface {
	WritePacket(ctx context.Context, f pcapwriter.Frame) error
}

// Config holds the driver settings.
type Config struct {
	// Refragment splits reassembled IPv6 packets the way they arrived.
	Refragment bool

	FragmentTimeout time.Duration // incomplete datagrams older than this are purged
	PurgeInterval   time.Duration // packet time between purge sweeps

	// WallClockPurge also sweeps the fragment cache on wall time while Run
	// is active, so a live stream that goes quiet still releases its
	// incomplete datagrams.
	WallClockPurge bool
}

// DefaultConfig returns the default driver settings.
func DefaultConfig() Config {
	return Config{
		FragmentTimeout: constants.FragmentTimeout,
		PurgeInterval:   constants.FragmentPurgeInterval,
	}
}

// Processor drives one capture through the engine. It is not safe for
// concurrent use.
type Processor struct {
	cfg        Config
	engine     *scrub.Engine
	classifier scrub.Classifier
	conns      *conntrack.Table
	recorder   scrub.Recorder

	runID     uuid.UUID
	log       *slog.Logger
	lastPurge time.Time
	stats     Stats
}

// Option configures a Processor.
type Option func(*Processor)

// WithClassifier sets the rule set. Without one every packet gets the
// engine default actions.
func WithClassifier(c scrub.Classifier) Option {
	return func(p *Processor) { p.classifier = c }
}

// WithConnTable enables the stateful TCP checks.
func WithConnTable(t *conntrack.Table) Option {
	return func(p *Processor) { p.conns = t }
}

// WithRecorder sets where drops of the stateful TCP checks are reported.
func WithRecorder(r scrub.Recorder) Option {
	return func(p *Processor) { p.recorder = r }
}

// New creates a processor feeding engine.
func New(cfg Config, engine *scrub.Engine, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = def.FragmentTimeout
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}

	p := &Processor{
		cfg:      cfg,
		engine:   engine,
		recorder: scrub.LogRecorder{},
		runID:    uuid.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.With("run_id", p.runID.String())
	p.stats.Reasons = make(map[string]uint64, len(scrub.Reasons))
	for _, r := range scrub.Reasons {
		p.stats.Reasons[r.String()] = 0
	}
	return p
}

// RunID identifies this processor in logs and reports.
func (p *Processor) RunID() uuid.UUID {
	return p.runID
}

// Run reads src until it is exhausted or ctx is done and writes every
// passed frame to sink.
func (p *Processor) Run(ctx context.Context, src Source, sink Sink) error {
	lt := src.LinkType()
	p.log.Info("Scrubbing capture", "link_type", lt, "refragment", p.cfg.Refragment)

	if p.cfg.WallClockPurge {
		sweepCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.engine.Cache().Run(sweepCtx, p.cfg.PurgeInterval, p.cfg.FragmentTimeout, time.Now)
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				p.log.Warn("Capture ends with a truncated record", "packets", p.stats.Packets)
				break
			}
			return fmt.Errorf("failed to read packet %d: %w", p.stats.Packets+1, err)
		}

		for _, f := range p.Handle(data, ci, lt) {
			if err := sink.WritePacket(ctx, f); err != nil {
				return fmt.Errorf("failed to write packet: %w", err)
			}
		}
	}

	p.finish()
	return nil
}

// Handle normalizes one captured frame and returns the frames to write in
// its place: none while a datagram is incomplete or when it is dropped,
// several when a reassembled IPv6 packet is refragmented.
func (p *Processor) Handle(data []byte, ci gopacket.CaptureInfo, lt layers.LinkType) []pcapwriter.Frame {
	p.stats.Packets++
	p.purge(ci.Timestamp)

	off, fam, ok := locate(data, lt)
	if !ok {
		p.stats.NonIP++
		return []pcapwriter.Frame{{CI: ci, Data: data}}
	}

	pkt := &scrub.Packet{
		Family: fam,
		Buf:    pktbuf.Clone(data[off:]),
		Time:   ci.Timestamp,
	}

	var d scrub.Decision
	if p.classifier != nil {
		d = p.classifier.Classify(pkt)
	}

	res := p.engine.Process(pkt, d)

	switch res.Verdict {
	case scrub.VerdictPending:
		p.stats.Pending++
		return nil
	case scrub.VerdictDrop:
		p.dropped(res.Reason)
		return nil
	}

	out := res.Packet
	if d.Kind != scrub.DecisionNoScrub && p.conns != nil && !out.Partial() &&
		out.Proto == uint8(layers.IPProtocolTCP) {
		if err := p.stateful(out); err != nil {
			res = scrub.Result{Verdict: scrub.VerdictDrop, Reason: scrub.ReasonOf(err), Err: err}
			if d.Log && p.recorder != nil {
				p.recorder.Record(out, d, res)
			}
			p.dropped(res.Reason)
			return nil
		}
	}

	p.applyAddresses(out.Multihome)

	bufs := []*pktbuf.Buffer{out.Buf}
	if p.cfg.Refragment && out.Forward != nil {
		frags, err := scrub.Refragment(out)
		if err != nil {
			p.log.Warn("Failed to refragment, forwarding reassembled packet", "error", err)
		} else {
			bufs = frags
			p.stats.Refragmented++
		}
	}

	p.stats.Passed++
	frames := make([]pcapwriter.Frame, 0, len(bufs))
	for _, b := range bufs {
		frames = append(frames, frame(data[:off], b.Bytes(), ci))
	}
	p.stats.Written += uint64(len(frames))
	return frames
}

// frame puts a link header in front of a network packet.
func frame(link, pkt []byte, ci gopacket.CaptureInfo) pcapwriter.Frame {
	b := make([]byte, 0, len(link)+len(pkt))
	b = append(append(b, link...), pkt...)
	ci.CaptureLength = len(b)
	ci.Length = len(b)
	return pcapwriter.Frame{CI: ci, Data: b}
}

// stateful runs the per-connection TCP checks on a complete segment.
func (p *Processor) stateful(pkt *scrub.Packet) error {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(pkt.Payload(), gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("failed to decode tcp header: %w", err)
	}

	src, dst := addresses(pkt)
	key, dir := conntrack.NewKey(pkt.Proto,
		netip.AddrPortFrom(src, uint16(tcp.SrcPort)),
		netip.AddrPortFrom(dst, uint16(tcp.DstPort)))

	return p.conns.Do(key, pkt.Time, func(c *conntrack.Conn) error {
		if c.Peers[dir] == nil {
			peer, err := p.engine.InitTCPPeer(pkt)
			if err != nil {
				return err
			}
			c.Peers[dir] = peer
		}
		if err := p.engine.NormalizeTCPStateful(pkt, c.Peers[dir], c.Peers[dir.Reverse()], c.State()); err != nil {
			return err
		}
		c.Observe(dir, tcp.SYN, tcp.ACK)
		return nil
	})
}

func addresses(pkt *scrub.Packet) (src, dst netip.Addr) {
	b := pkt.Buf.Bytes()
	if pkt.Family == fragment.IPv6 {
		return netip.AddrFrom16([16]byte(b[8:24])), netip.AddrFrom16([16]byte(b[24:40]))
	}
	return netip.AddrFrom4([4]byte(b[12:16])), netip.AddrFrom4([4]byte(b[16:20]))
}

// applyAddresses records the SCTP addresses of a passed packet.
func (p *Processor) applyAddresses(jobs []scrub.MultihomeJob) {
	if len(jobs) == 0 {
		return
	}
	p.stats.SCTPAddresses += uint64(len(jobs))
	if p.conns == nil {
		return
	}
	p.conns.ApplyMultihome(jobs)

	tag := jobs[0].InitiateTag
	if tag == 0 {
		tag = jobs[0].VerificationTag
	}
	p.log.Debug("SCTP association addresses", "tag", tag, "addrs", p.conns.Addresses(tag))
}

// purge expires incomplete datagrams on capture time rather than wall time
// so that replaying an old capture behaves like the live traffic did.
func (p *Processor) purge(now time.Time) {
	if now.IsZero() {
		return
	}
	if p.lastPurge.IsZero() {
		p.lastPurge = now
		return
	}
	if now.Sub(p.lastPurge) < p.cfg.PurgeInterval {
		return
	}
	p.lastPurge = now

	if n := p.engine.Cache().Purge(now.Add(-p.cfg.FragmentTimeout)); n > 0 {
		p.log.Debug("Purged expired fragment queues", "count", n)
	}
	if p.conns != nil {
		p.conns.Expire(now)
	}
}

func (p *Processor) dropped(r scrub.Reason) {
	p.stats.Dropped++
	p.stats.Reasons[r.String()]++
}

// finish discards the datagrams still waiting for fragments at the end of
// the capture.
func (p *Processor) finish() {
	st := p.engine.Cache().Stats()
	if st.Queues > 0 {
		p.log.Info("Discarding incomplete datagrams at end of capture",
			"queues", st.Queues,
			"fragments", st.Entries)
	}
	p.stats.Incomplete = uint64(st.Queues)
	p.engine.Cache().Flush()

	p.log.Info("Finished scrubbing capture",
		"packets", p.stats.Packets,
		"passed", p.stats.Passed,
		"dropped", p.stats.Dropped,
		"pending", p.stats.Pending)
}

// Stats returns the counters collected so far.
func (p *Processor) Stats() Stats {
	s := p.stats
	s.Reasons = make(map[string]uint64, len(p.stats.Reasons))
	for k, v := range p.stats.Reasons {
		s.Reasons[k] = v
	}
	return s
}
