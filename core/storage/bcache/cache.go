// Package bcache is the block buffer cache.
//
// The cache holds a fixed pool of buffers indexed by a hash of (dev, blockno)
// into independently locked buckets. A hit only ever takes its own bucket's
// lock. A miss takes the cache-wide lock, which serializes eviction, and
// recycles the unreferenced buffer that has been idle the longest.
//
// Interface:
//   - To get a buffer for a particular block, call Read.
//   - After changing buffer data, call Write to flush it to storage.
//   - When done with the buffer, call Release.
//   - Do not use the buffer after calling Release.
//   - Only one goroutine at a time can use a buffer,
//     so do not keep them longer than necessary.
package bcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sushant-115/kcore/core/clock"
	"github.com/sushant-115/kcore/core/kerr"
	"github.com/sushant-115/kcore/core/ksync"
	"github.com/sushant-115/kcore/core/storage/blockdev"
	commonutils "github.com/sushant-115/kcore/internal/common_utils"
	internaltelemetry "github.com/sushant-115/kcore/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// DefaultBuffers is the size of the buffer pool.
	DefaultBuffers = 30
	// DefaultBuckets is the number of hash chains.
	DefaultBuckets = 13
)

// Config sizes the cache. It is read once by New.
type Config struct {
	Buffers int
	Buckets int
}

// DefaultConfig returns the reference sizing.
func DefaultConfig() Config {
	return Config{Buffers: DefaultBuffers, Buckets: DefaultBuckets}
}

// Validate checks that c describes a usable cache.
func (c Config) Validate() error {
	if c.Buffers < 1 {
		return fmt.Errorf("%w: buffer count must be at least 1, got %d", kerr.ErrBadConfig, c.Buffers)
	}
	if c.Buckets < 1 {
		return fmt.Errorf("%w: bucket count must be at least 1, got %d", kerr.ErrBadConfig, c.Buckets)
	}
	return nil
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for eviction and fatal diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics sets the instruments the cache records into.
func WithMetrics(m *internaltelemetry.KernelMetrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is the buffer cache. It is safe for concurrent use.
type Cache struct {
	cfg   Config
	disk  blockdev.Device
	ticks clock.Ticks

	// lock serializes victim selection; it is only taken on a miss.
	lock    ksync.Spinlock
	bufs    []Buf
	buckets []bucket

	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	reads     atomic.Uint64
	writes    atomic.Uint64
}

// New builds a cache over disk whose idle stamps come from ticks.
func New(cfg Config, disk blockdev.Device, ticks clock.Ticks, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if disk == nil {
		return nil, fmt.Errorf("%w: buffer cache needs a block device", kerr.ErrBadConfig)
	}
	if ticks == nil {
		return nil, fmt.Errorf("%w: buffer cache needs a tick source", kerr.ErrBadConfig)
	}
	c := &Cache{
		cfg:     cfg,
		disk:    disk,
		ticks:   ticks,
		bufs:    make([]Buf, cfg.Buffers),
		buckets: make([]bucket, cfg.Buckets),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = internaltelemetry.NoopKernelMetrics()
	}

	for i := range c.buckets {
		c.buckets[i].head = nilSlot
	}
	data := make([]byte, cfg.Buffers*blockdev.BlockSize)
	for i := range c.bufs {
		b := &c.bufs[i]
		b.slot = int32(i)
		b.lock = ksync.NewSleepLock()
		b.data = data[i*blockdev.BlockSize : (i+1)*blockdev.BlockSize : (i+1)*blockdev.BlockSize]
		bk := &c.buckets[i%cfg.Buckets]
		b.next = bk.head
		bk.head = int32(i)
	}
	c.logger.Info("buffer cache initialized",
		zap.Int("buffers", cfg.Buffers),
		zap.Int("buckets", cfg.Buckets),
		zap.Int("block_size", blockdev.BlockSize),
	)
	return c, nil
}

func (c *Cache) hash(dev, blockno uint32) int {
	return int((((blockno & 0xFFFF) << 16) | (dev & 0xFFFF)) % uint32(len(c.buckets)))
}

// lookup returns the buffer bound to (dev, blockno) in bk, or nil.
// This method MUST be called with bk.lock held.
func (c *Cache) lookup(bk *bucket, dev, blockno uint32) *Buf {
	for s := bk.head; s != nilSlot; s = c.bufs[s].next {
		b := &c.bufs[s]
		if b.bound && b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// Acquire returns the buffer for block (dev, blockno), locked and referenced
// by the caller. On a miss the least recently released unreferenced buffer
// is rebound to the block with its contents marked invalid. It is fatal if
// every buffer is referenced.
func (c *Cache) Acquire(dev, blockno uint32) *Buf {
	return c.bget(dev, blockno, commonutils.CallerSite(2))
}

// bget does the work of Acquire. site names the caller that will hold the
// buffer's content lock.
func (c *Cache) bget(dev, blockno uint32, site string) *Buf {
	h := c.hash(dev, blockno)
	bk := &c.buckets[h]

	// Is the block already cached?
	bk.lock.Acquire()
	if b := c.lookup(bk, dev, blockno); b != nil {
		b.refcnt++
		bk.lock.Release()
		c.hit()
		b.lock.AcquireAt(site)
		return b
	}
	bk.lock.Release()

	// Not cached. Serialize with other misses and check again: another
	// goroutine may have brought the block in since the bucket was dropped.
	c.lock.Acquire()
	bk.lock.Acquire()
	if b := c.lookup(bk, dev, blockno); b != nil {
		b.refcnt++
		bk.lock.Release()
		c.lock.Release()
		c.hit()
		b.lock.AcquireAt(site)
		return b
	}
	bk.lock.Release()

	// Find the unreferenced buffer with the oldest idle stamp. Only the
	// bucket holding the best candidate so far stays locked.
	var (
		victim     = nilSlot
		prev       = nilSlot
		victimHash = -1
		best       uint64
	)
	for i := range c.buckets {
		bi := &c.buckets[i]
		bi.lock.Acquire()
		here := false
		p := nilSlot
		for s := bi.head; s != nilSlot; p, s = s, c.bufs[s].next {
			b := &c.bufs[s]
			if b.refcnt == 0 && (victim == nilSlot || b.lastUse < best) {
				victim, prev, best = s, p, b.lastUse
				here = true
			}
		}
		if here {
			if victimHash != -1 {
				c.buckets[victimHash].lock.Release()
			}
			victimHash = i
		} else {
			bi.lock.Release()
		}
	}

	if victim == nilSlot {
		c.lock.Release()
		c.fatal("bget", kerr.ErrNoBuffers, "dev %d block %d, %d buffers", dev, blockno, len(c.bufs))
	}

	if victimHash != h {
		bk.lock.Acquire()
	}
	vb := &c.buckets[victimHash]
	b := &c.bufs[victim]
	if prev == nilSlot {
		vb.head = b.next
	} else {
		c.bufs[prev].next = b.next
	}
	b.next = bk.head
	bk.head = victim

	evicted, oldDev, oldBlock := b.bound, b.dev, b.blockno
	b.dev = dev
	b.blockno = blockno
	b.bound = true
	b.valid = false
	b.refcnt = 1

	bk.lock.Release()
	if victimHash != h {
		vb.lock.Release()
	}
	c.lock.Release()

	c.miss(evicted)
	if evicted {
		c.logger.Debug("recycled buffer",
			zap.Int("buf", int(victim)),
			zap.Uint32("old_dev", oldDev),
			zap.Uint32("old_blockno", oldBlock),
			zap.Uint32("dev", dev),
			zap.Uint32("blockno", blockno),
			zap.Uint64("idle_since", best),
		)
	}
	b.lock.AcquireAt(site)
	return b
}

// Read returns a locked buffer holding the contents of block (dev, blockno),
// loading it from storage if the cached copy is not valid.
func (c *Cache) Read(dev, blockno uint32) *Buf {
	b := c.bget(dev, blockno, commonutils.CallerSite(2))
	if !b.valid {
		c.rw(b, false)
		b.valid = true
	}
	return b
}

// Write flushes b's contents to storage. The caller must hold b.
func (c *Cache) Write(b *Buf) {
	if !b.lock.Holding() {
		c.fatal("bwrite", kerr.ErrNotHolding, "buf %d dev %d block %d, %s", b.slot, b.dev, b.blockno, holderOf(b))
	}
	c.rw(b, true)
}

// Release unlocks b and drops the caller's reference. When the last
// reference goes, b is stamped with the current tick so eviction can find
// the least recently used buffer.
func (c *Cache) Release(b *Buf) {
	if !b.lock.Holding() {
		c.fatal("brelse", kerr.ErrNotHolding, "buf %d dev %d block %d, %s", b.slot, b.dev, b.blockno, holderOf(b))
	}
	b.lock.Release()

	bk := &c.buckets[c.hash(b.dev, b.blockno)]
	bk.lock.Acquire()
	if b.refcnt <= 0 {
		bk.lock.Release()
		c.fatal("brelse", kerr.ErrRefCountZero, "buf %d dev %d block %d", b.slot, b.dev, b.blockno)
	}
	b.refcnt--
	if b.refcnt == 0 {
		// no one is waiting for it.
		b.lastUse = c.ticks.Now()
	}
	bk.lock.Release()
}

// Pin adds a reference to b without touching its lock, keeping it resident
// until Unpin. The caller must already reference b.
func (c *Cache) Pin(b *Buf) {
	bk := &c.buckets[c.hash(b.dev, b.blockno)]
	bk.lock.Acquire()
	if b.refcnt <= 0 {
		bk.lock.Release()
		c.fatal("bpin", kerr.ErrRefCountZero, "buf %d dev %d block %d", b.slot, b.dev, b.blockno)
	}
	b.refcnt++
	bk.lock.Release()
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(b *Buf) {
	bk := &c.buckets[c.hash(b.dev, b.blockno)]
	bk.lock.Acquire()
	if b.refcnt <= 0 {
		bk.lock.Release()
		c.fatal("bunpin", kerr.ErrRefCountZero, "buf %d dev %d block %d", b.slot, b.dev, b.blockno)
	}
	b.refcnt--
	bk.lock.Release()
}

// RefCount returns b's reference count. The caller must reference b, or the
// buffer may be rebound while it is being read.
func (c *Cache) RefCount(b *Buf) int {
	bk := &c.buckets[c.hash(b.dev, b.blockno)]
	bk.lock.Acquire()
	defer bk.lock.Release()
	return b.refcnt
}

// Resident reports whether block (dev, blockno) is bound to a buffer.
func (c *Cache) Resident(dev, blockno uint32) bool {
	bk := &c.buckets[c.hash(dev, blockno)]
	bk.lock.Acquire()
	defer bk.lock.Release()
	return c.lookup(bk, dev, blockno) != nil
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Buffers   int    `json:"buffers"`
	Buckets   int    `json:"buckets"`
	InUse     int    `json:"in_use"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Reads     uint64 `json:"reads"`
	Writes    uint64 `json:"writes"`
}

// Stats returns the current counters. InUse is gathered one bucket at a
// time, so it is only exact when the cache is quiescent.
func (c *Cache) Stats() Stats {
	s := Stats{
		Buffers:   len(c.bufs),
		Buckets:   len(c.buckets),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Reads:     c.reads.Load(),
		Writes:    c.writes.Load(),
	}
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.lock.Acquire()
		for slot := bk.head; slot != nilSlot; slot = c.bufs[slot].next {
			if c.bufs[slot].refcnt > 0 {
				s.InUse++
			}
		}
		bk.lock.Release()
	}
	return s
}

// rw moves b's contents to or from storage. Storage failures are fatal. A
// failed read hands b back first: the caller never received it, and goroutines
// waiting for the block must not be left parked on its lock.
func (c *Cache) rw(b *Buf, write bool) {
	if err := c.disk.ReadWrite(b.dev, b.blockno, b.data, write); err != nil {
		op, dev, blockno := "bwrite", b.dev, b.blockno
		if !write {
			op = "bread"
			c.Release(b)
		}
		c.fatal(op, kerr.ErrStorage, "dev %d block %d: %v", dev, blockno, err)
	}
	if write {
		c.writes.Add(1)
	} else {
		c.reads.Add(1)
	}
}

// holderOf describes where b's content lock was taken.
func holderOf(b *Buf) string {
	if site := b.lock.AcquiredAt(); site != "" {
		return "held by " + site
	}
	return "not held"
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.CacheHitsCounter.Add(context.Background(), 1)
}

func (c *Cache) miss(evicted bool) {
	c.misses.Add(1)
	ctx := context.Background()
	c.metrics.CacheMissesCounter.Add(ctx, 1)
	if evicted {
		c.evictions.Add(1)
		c.metrics.CacheEvictionsCounter.Add(ctx, 1)
	}
}

func (c *Cache) fatal(op string, err error, format string, args ...interface{}) {
	c.logger.Error("buffer cache invariant violated",
		zap.String("op", op),
		zap.Error(err),
		zap.String("detail", fmt.Sprintf(format, args...)),
	)
	kerr.Fatalf(op, err, format, args...)
}
