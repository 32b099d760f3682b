package pagealloc

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sushant-115/kcore/core/kerr"
	internaltelemetry "github.com/sushant-115/kcore/internal/telemetry"
	"go.uber.org/zap"
)

// Config fixes the shape of the pool. It is read once by New.
type Config struct {
	// NCPU is the number of cores, each with its own free list.
	NCPU int
	// PoolStart is the first address after the kernel image; it is rounded
	// up to a page boundary.
	PoolStart uintptr
	// PoolEnd is one past the last usable address.
	PoolEnd uintptr
	// StealBatch caps how many pages a core takes from the others at once.
	StealBatch int
	// BootCore receives every page during the boot scan.
	BootCore CoreID
}

// DefaultConfig returns the layout of the reference machine.
func DefaultConfig() Config {
	return Config{
		NCPU:       8,
		PoolStart:  KernBase + 0x21a38,
		PoolEnd:    PhysTop,
		StealBatch: DefaultStealBatch,
	}
}

// Validate checks that c describes a usable pool.
func (c Config) Validate() error {
	if c.NCPU < 1 {
		return fmt.Errorf("%w: ncpu must be at least 1, got %d", kerr.ErrBadConfig, c.NCPU)
	}
	if c.StealBatch < 1 {
		return fmt.Errorf("%w: steal batch must be at least 1, got %d", kerr.ErrBadConfig, c.StealBatch)
	}
	if c.BootCore < 0 || int(c.BootCore) >= c.NCPU {
		return fmt.Errorf("%w: boot core %d outside [0, %d)", kerr.ErrBadConfig, c.BootCore, c.NCPU)
	}
	start := PageRoundUp(c.PoolStart)
	if start == 0 || start < c.PoolStart || start+PageSize > PageRoundDown(c.PoolEnd) {
		return fmt.Errorf("%w: pool [%#x, %#x) holds no page", kerr.ErrBadConfig, c.PoolStart, c.PoolEnd)
	}
	return nil
}

var yieldFn = runtime.Gosched

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger used for boot and fatal diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// WithMetrics sets the instruments the allocator records into.
func WithMetrics(m *internaltelemetry.KernelMetrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// Allocator hands out physical pages. It is created fully populated by New
// and is safe for concurrent use afterwards.
type Allocator struct {
	cfg    Config
	start  uintptr
	end    uintptr
	npages int

	arena []byte
	unmap func() error

	next []int32
	cpus []freeList
	refs refTable

	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics

	// nfree counts pages linked into any free list, including pages in
	// transit between two lists during a steal.
	nfree atomic.Int64

	allocs atomic.Uint64
	frees  atomic.Uint64
	stolen atomic.Uint64
	ooms   atomic.Uint64
}

// New builds the allocator and runs the boot scan: every page in the pool is
// filled with junk and pushed onto the boot core's free list. The boot scan
// bypasses the reference-count table since those pages were never allocated;
// once New returns, every Release is checked against it.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{
		cfg:    cfg,
		start:  PageRoundUp(cfg.PoolStart),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = internaltelemetry.NoopKernelMetrics()
	}

	// Partial pages at either end of the range are never handed out.
	a.end = PageRoundDown(cfg.PoolEnd)
	a.npages = int((a.end - a.start) >> PageShift)

	arena, unmap, err := mapArena(a.npages * PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map page pool: %w", err)
	}
	a.arena = arena
	a.unmap = unmap
	a.next = make([]int32, a.npages)
	a.refs = newRefTable(a.npages)
	a.cpus = make([]freeList, cfg.NCPU)
	for i := range a.cpus {
		a.cpus[i].head = nilSlot
	}

	boot := &a.cpus[cfg.BootCore]
	for slot := 0; slot < a.npages; slot++ {
		a.junk(int32(slot), freeFill)
		boot.push(a.next, int32(slot))
	}
	a.nfree.Store(int64(a.npages))

	a.logger.Info("page allocator initialized",
		zap.Int("ncpu", cfg.NCPU),
		zap.String("pool_start", fmt.Sprintf("%#x", a.start)),
		zap.String("pool_end", fmt.Sprintf("%#x", a.end)),
		zap.Int("pages", a.npages),
		zap.Int("steal_batch", cfg.StealBatch),
	)
	return a, nil
}

// Allocate hands one page to the caller running on core, with a reference
// count of one and its bytes overwritten with junk. It returns
// kerr.ErrOutOfMemory when no core has a free page.
//
// A steal sweep can come back empty while pages exist, because concurrent
// steals move pages behind the sweep. Allocation only fails once the pool
// wide free count is zero.
func (a *Allocator) Allocate(core CoreID) (Page, error) {
	a.checkCore("kalloc", core)
	own := &a.cpus[core]
	for {
		own.lock.Acquire()
		slot := own.pop(a.next)
		if slot != nilSlot {
			a.nfree.Add(-1)
		}
		own.lock.Release()
		if slot != nilSlot {
			return a.hand(slot), nil
		}
		if a.steal(core) > 0 {
			continue
		}
		if a.nfree.Load() == 0 {
			break
		}
		yieldFn()
	}
	a.ooms.Add(1)
	a.metrics.OutOfMemoryCounter.Add(context.Background(), 1)
	a.logger.Warn("out of physical memory", zap.Int("core", int(core)))
	return InvalidPage, kerr.ErrOutOfMemory
}

// hand gives a freshly popped slot its first owner.
func (a *Allocator) hand(slot int32) Page {
	if !a.refs.claim(slot) {
		a.fatal("kalloc", kerr.ErrFreeListCorrupt, "free page %#x has owners", a.addr(slot))
	}
	a.junk(slot, allocFill)
	a.allocs.Add(1)
	ctx := context.Background()
	a.metrics.PageAllocsCounter.Add(ctx, 1)
	a.metrics.PagesInUse.Add(ctx, 1)
	return Page(a.addr(slot))
}

// steal refills core's list with up to StealBatch pages taken from the other
// cores in ascending order, stopping once the quota is filled. For each
// victim the two list locks are taken lower core id first, so two cores
// stealing from each other cannot deadlock.
func (a *Allocator) steal(core CoreID) int {
	own := &a.cpus[core]
	quota := a.cfg.StealBatch
	moved := 0
	for i := range a.cpus {
		if quota == 0 {
			break
		}
		if CoreID(i) == core {
			continue
		}
		victim := &a.cpus[i]
		first, second := own, victim
		if CoreID(i) < core {
			first, second = victim, own
		}
		first.lock.Acquire()
		second.lock.Acquire()
		n := victim.moveTo(own, a.next, quota)
		second.lock.Release()
		first.lock.Release()

		if n > 0 {
			a.logger.Debug("stole pages",
				zap.Int("core", int(core)),
				zap.Int("from", i),
				zap.Int("pages", n),
			)
		}
		quota -= n
		moved += n
	}
	if moved > 0 {
		a.stolen.Add(uint64(moved))
		a.metrics.PageStealsCounter.Add(context.Background(), int64(moved))
	}
	return moved
}

// Release gives up one ownership of p. When the last owner lets go the page
// is overwritten with junk and pushed onto core's free list. Releasing a page
// nobody owns, or an address outside the pool, is fatal.
func (a *Allocator) Release(core CoreID, p Page) {
	a.checkCore("kfree", core)
	slot := a.slot("kfree", p)
	remaining, ok := a.refs.dec(slot)
	if !ok {
		a.fatal("kfree", kerr.ErrRefCountZero, "page %#x", uintptr(p))
	}
	if remaining > 0 {
		return
	}

	// Fill with junk to catch dangling refs.
	a.junk(slot, freeFill)

	l := &a.cpus[core]
	l.lock.Acquire()
	l.push(a.next, slot)
	a.nfree.Add(1)
	l.lock.Release()

	a.frees.Add(1)
	ctx := context.Background()
	a.metrics.PageFreesCounter.Add(ctx, 1)
	a.metrics.PagesInUse.Add(ctx, -1)
}

// AddOwner registers one more owner of the allocated page p, as needed when
// two address spaces share it copy-on-write. Calling it on a free page is
// fatal.
func (a *Allocator) AddOwner(p Page) {
	slot := a.slot("krefinc", p)
	ok, overflow := a.refs.inc(slot)
	if !ok {
		a.fatal("krefinc", kerr.ErrRefCountZero, "page %#x", uintptr(p))
	}
	if overflow {
		a.fatal("krefinc", kerr.ErrRefCountOverflow, "page %#x", uintptr(p))
	}
}

// RefCount returns the number of owners of p.
func (a *Allocator) RefCount(p Page) int {
	return int(a.refs.get(a.slot("krefcount", p)))
}

// Bytes returns the memory of page p. The slice aliases the pool; it is only
// meaningful while the caller owns p.
func (a *Allocator) Bytes(p Page) []byte {
	off := int(a.slot("kbytes", p)) * PageSize
	return a.arena[off : off+PageSize : off+PageSize]
}

// Contains reports whether p is a page address inside the pool.
func (a *Allocator) Contains(p Page) bool {
	addr := uintptr(p)
	return p.Aligned() && addr >= a.start && addr < a.end
}

// NumPages returns the size of the pool in pages.
func (a *Allocator) NumPages() int { return a.npages }

// NCPU returns the number of per-core free lists.
func (a *Allocator) NCPU() int { return a.cfg.NCPU }

// Bounds returns the page-aligned pool range [start, end).
func (a *Allocator) Bounds() (start, end uintptr) { return a.start, a.end }

// FreePages returns the length of core's free list.
func (a *Allocator) FreePages(core CoreID) int {
	a.checkCore("kfreepages", core)
	l := &a.cpus[core]
	l.lock.Acquire()
	defer l.lock.Release()
	return l.count
}

// Stats is a point-in-time summary of the allocator. PerCore is gathered one
// list at a time, so it is only exact when the allocator is quiescent.
type Stats struct {
	Pages   int    `json:"pages"`
	Free    int    `json:"free"`
	PerCore []int  `json:"per_core"`
	Allocs  uint64 `json:"allocs"`
	Frees   uint64 `json:"frees"`
	Stolen  uint64 `json:"stolen"`
	OOMs    uint64 `json:"ooms"`
}

// Stats returns the current counters and free-list lengths.
func (a *Allocator) Stats() Stats {
	s := Stats{
		Pages:   a.npages,
		PerCore: make([]int, len(a.cpus)),
		Allocs:  a.allocs.Load(),
		Frees:   a.frees.Load(),
		Stolen:  a.stolen.Load(),
		OOMs:    a.ooms.Load(),
	}
	for i := range a.cpus {
		s.PerCore[i] = a.FreePages(CoreID(i))
		s.Free += s.PerCore[i]
	}
	return s
}

// Close releases the memory backing the pool. The allocator must not be used
// afterwards.
func (a *Allocator) Close() error {
	if a.unmap == nil {
		return nil
	}
	err := a.unmap()
	a.unmap = nil
	a.arena = nil
	return err
}

func (a *Allocator) addr(slot int32) uintptr {
	return a.start + uintptr(slot)*PageSize
}

// slot maps p to its index in the pool, failing fatally for addresses the
// allocator never hands out.
func (a *Allocator) slot(op string, p Page) int32 {
	if !a.Contains(p) {
		a.fatal(op, kerr.ErrBadAddress, "page %#x not in [%#x, %#x)", uintptr(p), a.start, a.end)
	}
	return int32((uintptr(p) - a.start) >> PageShift)
}

func (a *Allocator) junk(slot int32, fill byte) {
	off := int(slot) * PageSize
	pg := a.arena[off : off+PageSize]
	for i := range pg {
		pg[i] = fill
	}
}

func (a *Allocator) checkCore(op string, core CoreID) {
	if core < 0 || int(core) >= len(a.cpus) {
		a.fatal(op, kerr.ErrBadCore, "core %d, ncpu %d", core, len(a.cpus))
	}
}

func (a *Allocator) fatal(op string, err error, format string, args ...interface{}) {
	a.logger.Error("page allocator invariant violated",
		zap.String("op", op),
		zap.Error(err),
		zap.String("detail", fmt.Sprintf(format, args...)),
	)
	kerr.Fatalf(op, err, format, args...)
}
