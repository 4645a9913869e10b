package pcapscrub

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/pcapgo"

	"github.com/endorses/scrubcat/internal/pkg/pcapwriter"
)

const pcapngMagic = 0x0a0d0d0a

// NewSource reads a pcap or pcapng stream.
func NewSource(r io.Reader) (Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	if binary.BigEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng: %w", err)
		}
		return ng, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap: %w", err)
	}
	return pr, nil
}

// ScrubFile normalizes the capture at input into a new pcap at output,
// which takes the link type of the input. "-" reads stdin or writes stdout.
func (p *Processor) ScrubFile(ctx context.Context, input, output string) error {
	in := os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	src, err := NewSource(in)
	if err != nil {
		return err
	}

	cfg := pcapwriter.DefaultConfig()
	cfg.FilePath = output
	cfg.LinkType = src.LinkType()
	w, err := pcapwriter.New(cfg)
	if err != nil {
		return err
	}

	runErr := p.Run(ctx, src, w)
	if err := w.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
