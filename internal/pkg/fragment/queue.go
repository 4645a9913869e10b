package fragment

import (
	"container/list"
	"time"

	"github.com/endorses/scrubcat/internal/pkg/pktbuf"
)

const (
	// EntryPoints is the number of buckets the 64 KiB offset space is
	// split into.
	EntryPoints = 64

	// bucketSpan is the offset range covered by one entry point.
	bucketSpan = 0x10000 / EntryPoints
)

func bucketOf(off int) int {
	return off / bucketSpan
}

// Span is the geometry of one queued fragment.
type Span struct {
	Off  int
	Len  int
	More bool
}

// JoinInfo describes a reassembled datagram.
type JoinInfo struct {
	HdrLen int    // header length of the first fragment
	ExtOff int    // extension header offset of the first fragment (IPv6)
	Total  int    // reassembled payload length
	MaxLen int    // largest fragment payload seen
	ID     uint32 // fragment identification
}

// Queue collects the fragments of one datagram.
type Queue struct {
	key      Key
	entries  list.List
	firstOff [EntryPoints]*list.Element
	counts   [EntryPoints]int
	limit    int
	holes    int
	maxLen   int
	touched  time.Time
	recent   *list.Element
	pool     *entryPool
}

func newQueue(key Key, limit int, pool *entryPool, now time.Time) *Queue {
	return &Queue{
		key:     key,
		limit:   limit,
		holes:   1,
		touched: now,
		pool:    pool,
	}
}

// Key returns the session identity of the queue.
func (q *Queue) Key() Key { return q.key }

// Holes returns the number of gaps left in the datagram.
func (q *Queue) Holes() int { return q.holes }

// MaxLen returns the largest fragment payload admitted so far.
func (q *Queue) MaxLen() int { return q.maxLen }

// Len returns the number of queued fragments.
func (q *Queue) Len() int { return q.entries.Len() }

// Layout returns the geometry of the queued fragments in offset order.
func (q *Queue) Layout() []Span {
	spans := make([]Span, 0, q.entries.Len())
	for el := q.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		spans = append(spans, Span{Off: e.Off, Len: e.Len, More: e.More})
	}
	return spans
}

func entryOf(el *list.Element) *Entry {
	return el.Value.(*Entry)
}

func (q *Queue) last() *Entry {
	return entryOf(q.entries.Back())
}

// holesAround returns how the hole count changes by the presence of the
// entry at el: one new gap, minus one for each side that closes up.
func (q *Queue) holesAround(el *list.Element) int {
	e := entryOf(el)
	holes := 1

	if prev := el.Prev(); prev == nil {
		if e.Off == 0 {
			holes--
		}
	} else if entryOf(prev).End() == e.Off {
		holes--
	}

	if next := el.Next(); next == nil {
		if !e.More {
			holes--
		}
	} else if e.End() == entryOf(next).Off {
		holes--
	}

	return holes
}

// insert links e after prev, or at the head when prev is nil.
func (q *Queue) insert(e *Entry, prev *list.Element) error {
	idx := e.bucket()
	if q.counts[idx] >= q.limit {
		return ErrBucketFull
	}
	q.counts[idx]++

	if prev == nil {
		e.elem = q.entries.PushFront(e)
	} else {
		e.elem = q.entries.InsertAfter(e, prev)
	}

	if first := q.firstOff[idx]; first == nil || e.Off < entryOf(first).Off {
		q.firstOff[idx] = e.elem
	}

	q.holes += q.holesAround(e.elem)
	return nil
}

// remove unlinks e. Only used while resolving overlaps and on teardown.
func (q *Queue) remove(e *Entry) {
	el := e.elem
	idx := e.bucket()

	q.holes -= q.holesAround(el)

	if q.firstOff[idx] == el {
		next := el.Next()
		if next != nil && entryOf(next).bucket() == idx {
			q.firstOff[idx] = next
		} else {
			q.firstOff[idx] = nil
		}
	}

	q.entries.Remove(el)
	q.counts[idx]--
	e.elem = nil
}

// previous returns the element e has to be linked after, or nil if e
// becomes the head. The queue must not be empty.
func (q *Queue) previous(e *Entry) *list.Element {
	// Appending is the common case.
	if last := q.entries.Back(); entryOf(last).Off <= e.Off {
		return last
	}

	// Some entry sits behind e, so a bucket at or after e's bucket is
	// populated.
	var prev *list.Element
	for idx := e.bucket(); idx < EntryPoints; idx++ {
		if prev = q.firstOff[idx]; prev != nil {
			break
		}
	}

	if entryOf(prev).Off > e.Off {
		return prev.Prev()
	}

	for next := prev.Next(); next != nil; next = next.Next() {
		if entryOf(next).Off > e.Off {
			break
		}
		prev = next
	}
	return prev
}

// Join concatenates the queued fragments into one buffer. The first
// fragment keeps its header; every following fragment contributes only its
// payload. All entries go back to the pool. Join must only be called on a
// queue handed out by Cache.Offer, which has already unlinked it.
func (q *Queue) Join() (*pktbuf.Buffer, JoinInfo) {
	front := q.entries.Front()
	first := entryOf(front)
	info := JoinInfo{
		HdrLen: first.HdrLen,
		ExtOff: first.ExtOff,
		Total:  q.last().End(),
		MaxLen: q.maxLen,
		ID:     q.key.ID,
	}

	buf := first.Buf
	buf.Trim(first.HdrLen + first.Len)

	for el := front.Next(); el != nil; el = el.Next() {
		e := entryOf(el)
		e.Buf.Adjust(e.HdrLen)
		e.Buf.Trim(e.Len)
		buf.Concat(e.Buf)
	}

	q.release()
	return buf, info
}

// release returns every entry to the pool.
func (q *Queue) release() {
	for el := q.entries.Front(); el != nil; el = el.Next() {
		q.pool.put(entryOf(el))
	}
	q.entries.Init()
	q.firstOff = [EntryPoints]*list.Element{}
	q.counts = [EntryPoints]int{}
}
