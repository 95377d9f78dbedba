package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/fingerprint"
)

const (
	shardCount = 32

	DefaultTTL           = time.Hour
	DefaultMaxEntries    = 10_000
	DefaultMaxBytes      = 256 << 20
	DefaultSweepInterval = time.Minute
)

// MemoryOptions configures a MemoryCache. Zero values select defaults.
type MemoryOptions struct {
	MaxEntries    int64
	MaxBytes      int64
	SweepInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[fingerprint.Key]*list.Element
	// lru front is most recently used; ticks decrease towards the back.
	lru   *list.List
	bytes int64
}

// item is an LRU element. tick orders use across shards.
type item struct {
	entry Entry
	tick  uint64
}

// MemoryCache is an in-process response cache.
//
// Keys are spread over 32 shards by FNV-1a, each with its own lock and LRU
// list, so unrelated fingerprints rarely contend. Capacity is global: totals
// are kept in atomics and eviction removes the least recently used entry of
// the whole cache, found by comparing the oldest entry of every shard.
// Expired entries are dropped lazily on access and by a periodic sweep.
type MemoryCache struct {
	shards [shardCount]*shard
	now    func() time.Time

	maxEntries int64
	maxBytes   int64
	entries    atomic.Int64
	bytes      atomic.Int64
	tick       atomic.Uint64
	// evictMu serialises eviction passes so concurrent Puts do not
	// over-evict.
	evictMu sync.Mutex

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache and starts the sweep loop. The loop
// stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, opts MemoryOptions) *MemoryCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &MemoryCache{
		now:        opts.Now,
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		done:       make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[fingerprint.Key]*list.Element),
			lru:   list.New(),
		}
	}

	go c.sweep(ctx, opts.SweepInterval)
	return c
}

func (c *MemoryCache) shardFor(key fingerprint.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the entry for key and marks it recently used.
func (c *MemoryCache) Get(_ context.Context, key fingerprint.Key) (Entry, bool) {
	s := c.shardFor(key)

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	it := el.Value.(*item)
	if it.entry.Expired(c.now()) {
		c.remove(s, el)
		s.mu.Unlock()
		c.expirations.Add(1)
		c.misses.Add(1)
		return Entry{}, false
	}
	it.tick = c.tick.Add(1)
	s.lru.MoveToFront(el)
	e := it.entry
	s.mu.Unlock()

	c.hits.Add(1)
	return e, true
}

// Put stores e under key. Entries are write-once: an existing live entry for
// key is kept and Put returns nil. Only an entry larger than the whole byte
// budget is rejected; anything else makes room by evicting the least
// recently used entries.
func (c *MemoryCache) Put(_ context.Context, key fingerprint.Key, e Entry) error {
	e.Key = key
	if e.SizeBytes > c.maxBytes {
		return ErrEntryTooLarge
	}

	s := c.shardFor(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		if !el.Value.(*item).entry.Expired(c.now()) {
			s.mu.Unlock()
			return nil
		}
		c.remove(s, el)
		c.expirations.Add(1)
	}
	s.items[key] = s.lru.PushFront(&item{entry: e, tick: c.tick.Add(1)})
	s.bytes += e.SizeBytes
	c.entries.Add(1)
	c.bytes.Add(e.SizeBytes)
	s.mu.Unlock()

	c.EvictToCapacity()
	return nil
}

// EvictExpired drops every expired entry.
func (c *MemoryCache) EvictExpired() {
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Back(); el != nil; {
			prev := el.Prev()
			if el.Value.(*item).entry.Expired(now) {
				c.remove(s, el)
				c.expirations.Add(1)
			}
			el = prev
		}
		s.mu.Unlock()
	}
}

// EvictToCapacity removes least recently used entries, across all shards,
// until both the entry and the byte totals are within their limits.
func (c *MemoryCache) EvictToCapacity() {
	if !c.overCapacity() {
		return
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for c.overCapacity() {
		if !c.evictOldest() {
			return
		}
	}
}

func (c *MemoryCache) overCapacity() bool {
	return c.entries.Load() > c.maxEntries || c.bytes.Load() > c.maxBytes
}

// evictOldest removes the globally least recently used entry. It reports
// false when the cache is empty.
func (c *MemoryCache) evictOldest() bool {
	var (
		victim *shard
		oldest uint64
	)
	for _, s := range c.shards {
		s.mu.Lock()
		if back := s.lru.Back(); back != nil {
			if t := back.Value.(*item).tick; victim == nil || t < oldest {
				victim, oldest = s, t
			}
		}
		s.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	defer victim.mu.Unlock()
	// The shard may have changed since the scan; its back is still its
	// oldest entry.
	if back := victim.lru.Back(); back != nil {
		c.remove(victim, back)
		c.evictions.Add(1)
	}
	return true
}

// Flush removes all entries.
func (c *MemoryCache) Flush(_ context.Context) error {
	for _, s := range c.shards {
		s.mu.Lock()
		c.entries.Add(-int64(len(s.items)))
		c.bytes.Add(-s.bytes)
		s.items = make(map[fingerprint.Key]*list.Element)
		s.lru.Init()
		s.bytes = 0
		s.mu.Unlock()
	}
	return nil
}

func (c *MemoryCache) Stats() Stats {
	st := Stats{
		Backend:     "memory",
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.entries.Load(),
		Bytes:       c.bytes.Load(),
	}
	st.HitRate = hitRate(st.Hits, st.Misses)
	return st
}

// Len returns the number of entries held, including expired entries not yet
// swept.
func (c *MemoryCache) Len() int { return int(c.entries.Load()) }

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryCache) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.EvictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// remove must be called with s.mu held.
func (c *MemoryCache) remove(s *shard, el *list.Element) {
	e := s.lru.Remove(el).(*item).entry
	delete(s.items, e.Key)
	s.bytes -= e.SizeBytes
	c.entries.Add(-1)
	c.bytes.Add(-e.SizeBytes)
}
