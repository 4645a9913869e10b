package fragment

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/endorses/scrubcat/internal/pkg/pktbuf"
)

// Entry describes one received fragment. Buf holds the fragment starting at
// its network header; the payload begins HdrLen bytes in. When the payload
// front is trimmed because of an overlap, the trimmed bytes are removed from
// the head of Buf so that stripping HdrLen bytes at join time removes both
// the header and the overlapping bytes.
type Entry struct {
	Buf    *pktbuf.Buffer
	HdrLen int  // bytes before the payload (IPv6: up to and including the fragment header)
	ExtOff int  // IPv6 only: offset of the header whose next-header names Fragment
	Off    int  // payload offset within the original datagram
	Len    int  // payload length
	More   bool // more-fragments flag

	elem  *list.Element
	inUse bool
}

// End returns the offset one past the last payload byte.
func (e *Entry) End() int {
	return e.Off + e.Len
}

func (e *Entry) bucket() int {
	return bucketOf(e.Off)
}

func (e *Entry) trimFront(n int) {
	e.Buf.Adjust(n)
	e.Off += n
	e.Len -= n
}

// entryPool hands out entries up to a fixed capacity. Usage is tracked
// atomically so that entries of an unlinked queue can be returned without
// holding the cache lock.
type entryPool struct {
	capacity int64
	used     atomic.Int64
	free     sync.Pool
}

func newEntryPool(capacity int) *entryPool {
	p := &entryPool{capacity: int64(capacity)}
	p.free.New = func() any { return new(Entry) }
	return p
}

func (p *entryPool) get() *Entry {
	if p.used.Add(1) > p.capacity {
		p.used.Add(-1)
		return nil
	}
	e := p.free.Get().(*Entry)
	e.inUse = true
	return e
}

func (p *entryPool) put(e *Entry) {
	if e == nil || !e.inUse {
		return
	}
	*e = Entry{}
	p.free.Put(e)
	p.used.Add(-1)
}

func (p *entryPool) inUse() int {
	return int(p.used.Load())
}
