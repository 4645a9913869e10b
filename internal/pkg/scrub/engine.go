// Package scrub normalizes packets before any rule or connection state
// sees them. It reassembles IPv4 and IPv6 fragments through a
// fragment.Cache, rejects illegal TCP flag combinations, enforces TCP
// timestamp (PAWS) consistency per connection and validates SCTP chunk
// structure. Header rewrites always patch the existing checksum.
package scrub

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/logger"
)

// Config holds the engine tunables.
type Config struct {
	// Default is applied to packets no rule matched.
	Default Actions

	TSFudge     time.Duration // leeway granted to a delayed timestamp
	PAWSMaxIdle time.Duration // peer idle time after which PAWS is suspended
	PAWSMaxConn time.Duration // connection age after which the sender's PAWS is suspended
}

// DefaultConfig returns the engine defaults: reassemble fragments, no
// other rewrites.
func DefaultConfig() Config {
	return Config{
		Default:     Actions{Reassemble: true},
		TSFudge:     constants.TSFudge,
		PAWSMaxIdle: constants.PAWSMaxIdle,
		PAWSMaxConn: constants.PAWSMaxConn,
	}
}

// Classifier resolves the rule decision for a packet.
type Classifier interface {
	Classify(pkt *Packet) Decision
}

// Recorder is told about drops whose rule asked for logging.
type Recorder interface {
	Record(pkt *Packet, d Decision, res Result)
}

// MultihomeScanner extracts the addresses announced in SCTP INIT, INIT-ACK
// and ASCONF chunks. chunk spans the whole chunk, header included. The
// jobs only reach pkt.Multihome once the whole packet passed the scan.
type MultihomeScanner interface {
	Scan(pkt *Packet, kind layers.SCTPChunkType, chunk []byte) ([]MultihomeJob, error)
}

// Result is the outcome of Process. Packet is the packet to forward when
// the verdict is VerdictPass; after reassembly it is the rebuilt datagram.
type Result struct {
	Verdict Verdict
	Reason  Reason
	Err     error
	Packet  *Packet
}

// Stats counts verdicts and drop reasons.
type Stats struct {
	Passed  uint64
	Pending uint64
	Dropped uint64
	Reasons map[Reason]uint64
}

// Engine runs the normalization pipeline. It is safe for concurrent use;
// per-connection TCP state passed to NormalizeTCPStateful must be guarded
// by the caller.
type Engine struct {
	cfg       Config
	cache     *fragment.Cache
	recorder  Recorder
	multihome MultihomeScanner
	random    func() uint32
	now       func() time.Time

	verdicts [VerdictDrop + 1]atomic.Uint64
	reasons  [ReasonTS + 1]atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets where logged drops are reported.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMultihomeScanner sets the SCTP address scanner.
func WithMultihomeScanner(s MultihomeScanner) Option {
	return func(e *Engine) { e.multihome = s }
}

// WithRandom replaces the random source used for timestamp modulation and
// IPv4 ids.
func WithRandom(fn func() uint32) Option {
	return func(e *Engine) { e.random = fn }
}

// WithClock sets the time used for packets that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine reassembling into cache.
func New(cfg Config, cache *fragment.Cache, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TSFudge <= 0 {
		cfg.TSFudge = def.TSFudge
	}
	if cfg.PAWSMaxIdle <= 0 {
		cfg.PAWSMaxIdle = def.PAWSMaxIdle
	}
	if cfg.PAWSMaxConn <= 0 {
		cfg.PAWSMaxConn = def.PAWSMaxConn
	}

	e := &Engine{
		cfg:      cfg,
		cache:    cache,
		recorder: LogRecorder{},
		random:   cryptoRandom,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func cryptoRandom() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Cache returns the fragment cache the engine reassembles into.
func (e *Engine) Cache() *fragment.Cache {
	return e.cache
}

// Process normalizes one packet according to d.
func (e *Engine) Process(pkt *Packet, d Decision) Result {
	if d.Kind == DecisionNoScrub {
		return e.pass(pkt)
	}

	actions := d.Actions
	if d.Kind == DecisionNone {
		actions = e.cfg.Default
	}
	if pkt.Time.IsZero() {
		pkt.Time = e.now()
	}

	var (
		out *Packet
		err error
	)
	switch pkt.Family {
	case fragment.IPv4:
		out, err = e.normalizeIPv4(pkt, actions)
	case fragment.IPv6:
		out, err = e.normalizeIPv6(pkt, actions)
	default:
		err = dropf(ReasonNorm, "unsupported address family %s", pkt.Family)
	}
	if err != nil {
		return e.drop(pkt, d, err)
	}
	if out == nil {
		e.verdicts[VerdictPending].Add(1)
		return Result{Verdict: VerdictPending}
	}

	if !out.partial {
		if err := e.normalizeL4(out, actions); err != nil {
			return e.drop(out, d, err)
		}
	}

	switch out.Family {
	case fragment.IPv4:
		e.scrubIPv4(out, actions)
	case fragment.IPv6:
		scrubIPv6(out, actions)
	}
	return e.pass(out)
}

func (e *Engine) normalizeL4(pkt *Packet, a Actions) error {
	switch layers.IPProtocol(pkt.Proto) {
	case layers.IPProtocolTCP:
		return e.NormalizeTCP(pkt, a)
	case layers.IPProtocolSCTP:
		return e.ScanSCTP(pkt)
	}
	return nil
}

func (e *Engine) pass(pkt *Packet) Result {
	e.verdicts[VerdictPass].Add(1)
	return Result{Verdict: VerdictPass, Packet: pkt}
}

func (e *Engine) drop(pkt *Packet, d Decision, err error) Result {
	res := Result{Verdict: VerdictDrop, Reason: ReasonOf(err), Err: err}
	e.verdicts[VerdictDrop].Add(1)
	e.reasons[res.Reason].Add(1)

	if d.Log && e.recorder != nil {
		e.recorder.Record(pkt, d, res)
	}
	return res
}

// Stats returns the verdict and drop counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Passed:  e.verdicts[VerdictPass].Load(),
		Pending: e.verdicts[VerdictPending].Load(),
		Dropped: e.verdicts[VerdictDrop].Load(),
		Reasons: make(map[Reason]uint64, len(Reasons)),
	}
	for _, r := range Reasons {
		s.Reasons[r] = e.reasons[r].Load()
	}
	return s
}

// LogRecorder reports drops through the structured logger.
type LogRecorder struct{}

// Record logs one dropped packet.
func (LogRecorder) Record(pkt *Packet, d Decision, res Result) {
	logger.Warn("Dropped packet",
		"reason", res.Reason.String(),
		"rule", d.Rule,
		"family", pkt.Family.String(),
		"length", pkt.Buf.Len(),
		"error", res.Err)
}
