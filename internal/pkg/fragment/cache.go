package fragment

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/logger"
)

var (
	// ErrBadFragment is returned for fragments with impossible geometry.
	ErrBadFragment = errors.New("fragment: bad fragment")
	// ErrOverlap is returned when a fragment is rejected because of data
	// already queued.
	ErrOverlap = errors.New("fragment: overlapping fragment")
	// ErrBucketFull is returned when an entry point holds too many fragments.
	ErrBucketFull = errors.New("fragment: entry point limit exceeded")
	// ErrNoMemory is returned when the entry or queue pool is exhausted even
	// after evicting old queues.
	ErrNoMemory = errors.New("fragment: out of fragment memory")
)

// maxDatagram is the largest IPv4 datagram and IPv6 payload.
const maxDatagram = 65535

// Config bounds the resources a Cache may use.
type Config struct {
	MaxEntries int // fragments buffered across all queues
	MaxQueues  int // datagrams under reassembly
	EntryLimit int // fragments per entry point of one queue

	// DiscardIPv6Overlap drops the whole IPv6 datagram when any of its
	// fragments overlap (RFC 5722) instead of trimming them.
	DiscardIPv6Overlap bool
}

// DefaultConfig returns the default cache limits.
func DefaultConfig() Config {
	return Config{
		MaxEntries:         constants.FragmentMaxEntries,
		MaxQueues:          constants.FragmentMaxQueues,
		EntryLimit:         constants.FragmentEntryLimit,
		DiscardIPv6Overlap: true,
	}
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Queues   int    `yaml:"queues"`
	Entries  int    `yaml:"entries"`
	Evicted  uint64 `yaml:"evicted"`
	Expired  uint64 `yaml:"expired"`
	Complete uint64 `yaml:"complete"`
}

// Cache holds the reassembly queues of one routing context. All mutation
// happens under a single lock; joining a completed queue does not need it.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	index  *btree.BTreeG[*Queue]
	recent list.List // front is the most recently touched queue
	pool   *entryPool

	evicted  uint64
	expired  uint64
	complete uint64
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxQueues <= 0 {
		cfg.MaxQueues = def.MaxQueues
	}
	if cfg.EntryLimit <= 0 {
		cfg.EntryLimit = def.EntryLimit
	}

	return &Cache{
		cfg: cfg,
		index: btree.NewG(8, func(a, b *Queue) bool {
			return a.key.Less(b.key)
		}),
		pool: newEntryPool(cfg.MaxEntries),
	}
}

// NewEntry takes an entry from the pool. On exhaustion the oldest queues are
// evicted once and the allocation retried.
func (c *Cache) NewEntry() (*Entry, error) {
	if e := c.pool.get(); e != nil {
		return e, nil
	}

	c.mu.Lock()
	c.flushPressure()
	c.mu.Unlock()

	if e := c.pool.get(); e != nil {
		return e, nil
	}
	return nil, ErrNoMemory
}

// Release returns an entry that was never handed to Offer.
func (c *Cache) Release(e *Entry) {
	c.pool.put(e)
}

func (c *Cache) lookup(key Key, now time.Time) *Queue {
	q, ok := c.index.Get(&Queue{key: key})
	if !ok {
		return nil
	}
	c.recent.MoveToFront(q.recent)
	q.touched = now
	return q
}

func (c *Cache) newQueue(key Key, now time.Time) *Queue {
	if c.index.Len() >= c.cfg.MaxQueues {
		c.flushPressure()
		if c.index.Len() >= c.cfg.MaxQueues {
			return nil
		}
	}

	q := newQueue(key, c.cfg.EntryLimit, c.pool, now)
	c.index.ReplaceOrInsert(q)
	q.recent = c.recent.PushFront(q)
	return q
}

// unlink removes q from the index and the recency list.
func (c *Cache) unlink(q *Queue) {
	c.index.Delete(q)
	c.recent.Remove(q.recent)
	q.recent = nil
}

func (c *Cache) free(q *Queue) {
	c.unlink(q)
	q.release()
}

// reject frees e and, for IPv6 when configured, the whole queue.
func (c *Cache) reject(q *Queue, e *Entry, err error) error {
	if q.key.Family == IPv6 && c.cfg.DiscardIPv6Overlap {
		logger.Debug("Discarding IPv6 datagram with overlapping fragments", "key", q.key.String())
		c.free(q)
	}
	c.pool.put(e)
	return err
}

func validate(e *Entry) error {
	if e.Len <= 0 {
		return fmt.Errorf("%w: empty fragment", ErrBadFragment)
	}
	if e.More && e.Len&0x7 != 0 {
		return fmt.Errorf("%w: fragment length %d not a multiple of 8", ErrBadFragment, e.Len)
	}
	if e.End() > maxDatagram {
		return fmt.Errorf("%w: fragment ends at %d", ErrBadFragment, e.End())
	}
	return nil
}

// Offer admits a fragment into the queue of its datagram. The cache takes
// ownership of e whatever the outcome. When the datagram is complete its
// queue is unlinked and returned; the caller joins it. A nil queue and nil
// error mean the fragment was buffered and more are needed.
func (c *Cache) Offer(key Key, e *Entry, now time.Time) (*Queue, error) {
	if err := validate(e); err != nil {
		c.pool.put(e)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.lookup(key, now)
	if q == nil {
		if q = c.newQueue(key, now); q == nil {
			c.pool.put(e)
			return nil, ErrNoMemory
		}
		q.maxLen = e.Len
		if err := q.insert(e, nil); err != nil {
			c.free(q)
			c.pool.put(e)
			return nil, err
		}
		return c.completed(q), nil
	}

	if e.Len > q.maxLen {
		q.maxLen = e.Len
	}

	last := q.last()
	total := last.End()
	end := e.End()

	// Only the terminal fragment may end the datagram.
	if end < total && !e.More {
		return nil, c.reject(q, e, fmt.Errorf("%w: terminal fragment ends at %d before %d", ErrOverlap, end, total))
	}
	if !last.More {
		if end > total || (end == total && e.More) {
			return nil, c.reject(q, e, fmt.Errorf("%w: fragment beyond terminal at %d", ErrOverlap, total))
		}
	} else if end == total && !e.More {
		return nil, c.reject(q, e, fmt.Errorf("%w: terminal fragment conflicts at %d", ErrOverlap, total))
	}

	prev := q.previous(e)
	var after *list.Element
	if prev == nil {
		after = q.entries.Front()
	} else {
		after = prev.Next()
	}

	if prev != nil && entryOf(prev).End() > e.Off {
		if key.Family == IPv6 && c.cfg.DiscardIPv6Overlap {
			return nil, c.reject(q, e, ErrOverlap)
		}
		precut := entryOf(prev).End() - e.Off
		if precut >= e.Len {
			c.pool.put(e)
			return nil, fmt.Errorf("%w: fragment at %d fully covered", ErrOverlap, e.Off)
		}
		e.trimFront(precut)
	}

	if q.counts[e.bucket()] >= q.limit {
		c.pool.put(e)
		return nil, ErrBucketFull
	}

	for after != nil && e.End() > entryOf(after).Off {
		if key.Family == IPv6 && c.cfg.DiscardIPv6Overlap {
			return nil, c.reject(q, e, ErrOverlap)
		}

		a := entryOf(after)
		aftercut := e.End() - a.Off
		if aftercut < a.Len {
			if bucketOf(a.Off+aftercut) != a.bucket() {
				q.remove(a)
				a.trimFront(aftercut)
				if err := q.insert(a, prev); err != nil {
					logger.Debug("Dropping requeued fragment", "key", key.String(), "error", err)
					c.pool.put(a)
				}
			} else {
				// The trim may open a gap behind a's predecessor.
				q.holes -= q.holesAround(a.elem)
				a.trimFront(aftercut)
				q.holes += q.holesAround(a.elem)
			}
			break
		}

		// Completely covered by the new fragment.
		next := after.Next()
		q.remove(a)
		c.pool.put(a)
		after = next
	}

	if err := q.insert(e, prev); err != nil {
		c.free(q)
		c.pool.put(e)
		return nil, err
	}

	return c.completed(q), nil
}

// completed unlinks and returns q when it has no holes left.
func (c *Cache) completed(q *Queue) *Queue {
	if q.holes != 0 {
		return nil
	}
	c.unlink(q)
	c.complete++
	return q
}

// Purge drops every queue not touched since expire and returns how many
// were dropped.
func (c *Cache) Purge(expire time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.recent.Back(); el != nil; {
		q := el.Value.(*Queue)
		if !q.touched.Before(expire) {
			break
		}
		prev := el.Prev()
		c.free(q)
		n++
		el = prev
	}
	c.expired += uint64(n)
	return n
}

// flushPressure evicts the oldest queues until entry usage is back under
// 90% of what it was. Must be called with c.mu held.
func (c *Cache) flushPressure() {
	goal := c.pool.inUse() * 9 / 10
	logger.Debug("Fragment memory pressure, evicting oldest queues",
		"entries", c.pool.inUse(),
		"goal", goal,
		"queues", c.index.Len())

	for {
		el := c.recent.Back()
		if el == nil {
			break
		}
		c.free(el.Value.(*Queue))
		c.evicted++
		if c.pool.inUse() <= goal {
			break
		}
	}
}

// Run purges expired queues every interval until ctx is done. now supplies
// the current time.
func (c *Cache) Run(ctx context.Context, interval, timeout time.Duration, now func() time.Time) {
	if interval <= 0 {
		interval = constants.FragmentPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Purge(now().Add(-timeout)); n > 0 {
				logger.Debug("Purged expired fragment queues", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush drops every queue. Used when tearing down a routing context.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.recent.Front(); el != nil; {
		next := el.Next()
		c.free(el.Value.(*Queue))
		el = next
	}
}

// Stats returns a snapshot of the cache usage.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Queues:   c.index.Len(),
		Entries:  c.pool.inUse(),
		Evicted:  c.evicted,
		Expired:  c.expired,
		Complete: c.complete,
	}
}

// Lookup returns the queue for key, if any, and refreshes its recency.
func (c *Cache) Lookup(key Key, now time.Time) (*Queue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.lookup(key, now)
	return q, q != nil
}
