// Package constants provides shared constants used across scrubcat components.
package constants

import "time"

// Pcap writer
const (
	// WriterSyncInterval is how often the pcap writer syncs to disk
	WriterSyncInterval = 5 * time.Second
)

// Channel buffer sizes
//
// 1. Single-item buffers (size = 1): OS signals and errors that must never
// block the sender.
//
// 2. Large buffers (size = 1000): the pcap write queue, which has to absorb
// bursts of reassembled and refragmented packets.
const (
	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1

	// PCAPWriteQueueBuffer is the buffer size for the pcap writer queue
	PCAPWriteQueueBuffer = 1000
)

// Fragment reassembly limits
const (
	// FragmentTimeout is how long an incomplete datagram is kept
	FragmentTimeout = 60 * time.Second

	// FragmentPurgeInterval is how often expired datagrams are swept
	FragmentPurgeInterval = 10 * time.Second

	// FragmentMaxEntries is the number of fragments buffered across all datagrams
	FragmentMaxEntries = 5000

	// FragmentMaxQueues is the number of datagrams under reassembly
	FragmentMaxQueues = 1000

	// FragmentEntryLimit caps fragments per entry point of one datagram
	FragmentEntryLimit = 64
)

// TCP timestamp (PAWS) limits
//
// The fastest legal timestamp clock (1 kHz) wraps its 32-bit space in about
// 49 days, half of it in about 24. The lower bound of the echo check only
// holds while less than half the space has been used, hence the shorter
// connection limit.
const (
	// PAWSMaxIdle disables PAWS checks for a peer idle this long
	PAWSMaxIdle = 24 * 24 * time.Hour

	// PAWSMaxConn disables PAWS checks for the sender of a connection this old
	PAWSMaxConn = 12 * 24 * time.Hour

	// TSFudge is the leeway granted to a delayed timestamp
	TSFudge = 30 * time.Second

	// TSMaxFreq is the highest legal timestamp clock rate: 1 kHz plus 10% skew
	TSMaxFreq = 1100
)

// Connection table
const (
	// ConnIdleTimeout expires tracked connections without traffic
	ConnIdleTimeout = 24 * time.Hour

	// ConnSweepEvery is the number of packets between connection table sweeps
	ConnSweepEvery = 4096
)

// Capture configuration
const (
	// MaxSnapLen is the snapshot length written to output pcap headers
	MaxSnapLen = 65536
)
