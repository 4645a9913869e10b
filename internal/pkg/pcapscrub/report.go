package pcapscrub

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/endorses/scrubcat/internal/pkg/conntrack"
	"github.com/endorses/scrubcat/internal/pkg/fragment"
)

// Stats counts what happened to the frames of a capture. A frame is
// counted once: dropped by the engine or by the stateful checks, held
// while its datagram is incomplete, or passed.
type Stats struct {
	Packets       uint64            `yaml:"packets"`
	NonIP         uint64            `yaml:"non_ip"`
	Passed        uint64            `yaml:"passed"`
	Pending       uint64            `yaml:"pending"`
	Dropped       uint64            `yaml:"dropped"`
	Reasons       map[string]uint64 `yaml:"reasons"`
	Written       uint64            `yaml:"written"`
	Refragmented  uint64            `yaml:"refragmented"`
	Incomplete    uint64            `yaml:"incomplete"`
	SCTPAddresses uint64            `yaml:"sctp_addresses"`
}

// Report summarizes one run.
type Report struct {
	RunID       string          `yaml:"run_id"`
	Input       string          `yaml:"input"`
	Output      string          `yaml:"output,omitempty"`
	Started     time.Time       `yaml:"started"`
	Duration    string          `yaml:"duration"`
	Stats       Stats           `yaml:"stats"`
	Fragments   fragment.Stats  `yaml:"fragments"`
	Connections conntrack.Stats `yaml:"connections"`
}

// Report assembles the run summary.
func (p *Processor) Report(input, output string, started time.Time, elapsed time.Duration) Report {
	r := Report{
		RunID:     p.runID.String(),
		Input:     input,
		Output:    output,
		Started:   started,
		Duration:  elapsed.Round(time.Millisecond).String(),
		Stats:     p.Stats(),
		Fragments: p.engine.Cache().Stats(),
	}
	if p.conns != nil {
		r.Connections = p.conns.Stats()
	}
	return r
}

// WriteYAML renders the report.
func (r Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}
