// Package pcapwriter writes normalized packets to a pcap file from a
// background goroutine.
package pcapwriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/logger"
)

// ErrClosed is returned when writing to a closed writer.
var ErrClosed = errors.New("writer is closed")

// Frame is one packet as it goes to disk, link header included.
type Frame struct {
	CI   gopacket.CaptureInfo
	Data []byte
}

// Writer queues frames and writes them to a pcap file in order.
type Writer struct {
	filePath     string
	out          io.WriteCloser
	file         *os.File // nil when writing to stdout
	writer       *pcapgo.Writer
	frames       chan Frame
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       atomic.Bool
	syncTicker   *time.Ticker
	packetCount  atomic.Int64
	bytesWritten atomic.Int64
	errors       atomic.Int64
}

// Config for the pcap writer
type Config struct {
	FilePath     string          // "-" writes to stdout
	LinkType     layers.LinkType // link type of every frame
	SnapLen      uint32
	BufferSize   int           // queued frames before WritePacket blocks
	SyncInterval time.Duration // how often to sync to disk
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		LinkType:     layers.LinkTypeEthernet,
		SnapLen:      constants.MaxSnapLen,
		BufferSize:   constants.PCAPWriteQueueBuffer,
		SyncInterval: constants.WriterSyncInterval,
	}
}

// New creates the output file, writes the pcap file header and starts the
// write loop.
func New(config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	def := DefaultConfig()
	if config.SnapLen == 0 {
		config.SnapLen = def.SnapLen
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}

	w := &Writer{
		filePath:   config.FilePath,
		frames:     make(chan Frame, config.BufferSize),
		syncTicker: time.NewTicker(config.SyncInterval),
	}

	if config.FilePath == "-" {
		w.out = nopCloser{os.Stdout}
	} else {
		file, err := os.Create(config.FilePath)
		if err != nil {
			w.syncTicker.Stop()
			return nil, fmt.Errorf("failed to create PCAP file: %w", err)
		}
		w.file = file
		w.out = file
	}

	w.writer = pcapgo.NewWriter(w.out)
	if err := w.writer.WriteFileHeader(config.SnapLen, config.LinkType); err != nil {
		w.syncTicker.Stop()
		_ = w.out.Close()
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.writeLoop()

	logger.Info("Created PCAP writer",
		"file", config.FilePath,
		"link_type", config.LinkType,
		"buffer_size", config.BufferSize)

	return w, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WritePacket queues a frame. It blocks while the queue is full so that
// no normalized packet is lost; ctx bounds the wait.
func (w *Writer) WritePacket(ctx context.Context, f Frame) error {
	if w.closed.Load() {
		return ErrClosed
	}

	select {
	case w.frames <- f:
		return nil
	case <-w.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case f := <-w.frames:
			w.write(f)

		case <-w.syncTicker.C:
			w.mu.Lock()
			if w.file != nil {
				_ = w.file.Sync()
			}
			w.mu.Unlock()

		case <-w.ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *Writer) write(f Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f.CI.CaptureLength == 0 || f.CI.CaptureLength > len(f.Data) {
		f.CI.CaptureLength = len(f.Data)
	}
	if f.CI.Length < f.CI.CaptureLength {
		f.CI.Length = f.CI.CaptureLength
	}

	if err := w.writer.WritePacket(f.CI, f.Data); err != nil {
		w.errors.Add(1)
		logger.Error("Failed to write packet", "error", err, "file", w.filePath)
		return
	}
	w.packetCount.Add(1)
	w.bytesWritten.Add(int64(len(f.Data)))
}

func (w *Writer) drain() {
	for {
		select {
		case f := <-w.frames:
			w.write(f)
		default:
			return
		}
	}
}

// Close writes every queued frame and closes the file.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	w.cancel()
	w.wg.Wait()
	w.syncTicker.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			logger.Warn("Failed to sync PCAP file", "error", err, "file", w.filePath)
		}
	}
	if err := w.out.Close(); err != nil {
		return fmt.Errorf("failed to close PCAP file: %w", err)
	}

	logger.Info("Closed PCAP writer",
		"file", w.filePath,
		"packets", w.packetCount.Load(),
		"bytes", w.bytesWritten.Load(),
		"errors", w.errors.Load())

	return nil
}

// Stats returns the number of packets and bytes written so far.
func (w *Writer) Stats() (packetCount, bytesWritten int64) {
	return w.packetCount.Load(), w.bytesWritten.Load()
}

// FilePath returns the file path being written to
func (w *Writer) FilePath() string {
	return w.filePath
}
