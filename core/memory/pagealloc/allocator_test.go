package pagealloc

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/kcore/core/kerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

// newTestAllocator builds a pool of npages pages starting just past an
// unaligned kernel end, so the boot scan has to round up.
func newTestAllocator(t *testing.T, ncpu, npages, batch int) *Allocator {
	t.Helper()
	start := KernBase + 0x1234
	cfg := Config{
		NCPU:       ncpu,
		PoolStart:  start,
		PoolEnd:    PageRoundUp(start) + uintptr(npages)*PageSize + 100,
		StealBatch: batch,
	}
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	a, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	require.Equal(t, npages, a.NumPages())
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func requireFatal(t *testing.T, want error, fn func()) {
	t.Helper()
	err := kerr.Recover(func() error {
		fn()
		return nil
	})
	require.Error(t, err, "expected a fatal error")
	require.True(t, kerr.IsFatal(err))
	require.ErrorIs(t, err, want)
}

func filled(b []byte, v byte) bool {
	return bytes.Count(b, []byte{v}) == len(b)
}

// --- Test Cases ---

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []Config{
		{NCPU: 0, PoolStart: KernBase, PoolEnd: PhysTop, StealBatch: 1},
		{NCPU: 1, PoolStart: KernBase, PoolEnd: PhysTop, StealBatch: 0},
		{NCPU: 2, PoolStart: KernBase, PoolEnd: PhysTop, StealBatch: 1, BootCore: 2},
		{NCPU: 1, PoolStart: KernBase + 1, PoolEnd: KernBase + PageSize, StealBatch: 1},
		{NCPU: 1, PoolStart: 0, PoolEnd: PageSize * 4, StealBatch: 1},
	}
	for i, cfg := range bad {
		require.ErrorIs(t, cfg.Validate(), kerr.ErrBadConfig, "config %d", i)
		_, err := New(cfg)
		require.ErrorIs(t, err, kerr.ErrBadConfig, "config %d", i)
	}
}

func TestPageRounding(t *testing.T) {
	require.Equal(t, uintptr(KernBase), PageRoundDown(KernBase))
	require.Equal(t, uintptr(KernBase), PageRoundDown(KernBase+PageSize-1))
	require.Equal(t, uintptr(KernBase+PageSize), PageRoundUp(KernBase+1))
	require.Equal(t, uintptr(KernBase), PageRoundUp(KernBase))
}

func TestBootPopulatesBootCore(t *testing.T) {
	a := newTestAllocator(t, 4, 16, DefaultStealBatch)

	start, end := a.Bounds()
	require.Equal(t, PageRoundUp(KernBase+0x1234), start)
	require.Equal(t, start+16*PageSize, end)
	require.Equal(t, PageRoundDown(a.cfg.PoolEnd), end, "the partial page past the pool end is dropped")

	s := a.Stats()
	require.Equal(t, 16, s.Pages)
	require.Equal(t, 16, s.Free)
	require.Equal(t, []int{16, 0, 0, 0}, s.PerCore)
	require.Zero(t, s.Allocs)

	for p := start; p < end; p += PageSize {
		require.Equal(t, 0, a.RefCount(Page(p)))
		require.True(t, filled(a.Bytes(Page(p)), freeFill))
	}
}

func TestAllocateFillsAndCounts(t *testing.T) {
	a := newTestAllocator(t, 2, 8, DefaultStealBatch)
	_, end := a.Bounds()

	p, err := a.Allocate(0)
	require.NoError(t, err)
	require.True(t, p.Valid())
	require.True(t, p.Aligned())
	// The boot scan pushes pages in ascending order, so the list head is
	// the highest page.
	require.Equal(t, Page(end-PageSize), p)
	require.Equal(t, 1, a.RefCount(p))
	require.True(t, filled(a.Bytes(p), allocFill))
	require.Len(t, a.Bytes(p), PageSize)
	require.Equal(t, 7, a.FreePages(0))

	a.Release(0, p)
	require.Equal(t, 0, a.RefCount(p))
	require.True(t, filled(a.Bytes(p), freeFill))
	require.Equal(t, 8, a.FreePages(0))
}

func TestAllocateUniqueUntilExhausted(t *testing.T) {
	const ncpu, npages = 3, 40
	a := newTestAllocator(t, ncpu, npages, 5)

	seen := make(map[Page]bool)
	for i := 0; i < npages; i++ {
		p, err := a.Allocate(CoreID(i % ncpu))
		require.NoError(t, err, "allocation %d failed with %d pages live", i, len(seen))
		require.False(t, seen[p], "page %#x handed out twice", uintptr(p))
		require.True(t, a.Contains(p))
		seen[p] = true
	}

	for c := 0; c < ncpu; c++ {
		_, err := a.Allocate(CoreID(c))
		require.ErrorIs(t, err, kerr.ErrOutOfMemory)
	}
	require.Equal(t, uint64(ncpu), a.Stats().OOMs)

	i := 0
	for p := range seen {
		a.Release(CoreID(i%ncpu), p)
		i++
	}
	s := a.Stats()
	require.Equal(t, npages, s.Free)
	require.Equal(t, uint64(npages), s.Allocs)
	require.Equal(t, uint64(npages), s.Frees)
}

func TestStealingTransfersABatch(t *testing.T) {
	a := newTestAllocator(t, 4, 100, DefaultStealBatch)

	// Core 2 starts empty; everything is on the boot core.
	require.Equal(t, 0, a.FreePages(2))
	p, err := a.Allocate(2)
	require.NoError(t, err)
	require.Equal(t, 1, a.RefCount(p))

	require.Equal(t, DefaultStealBatch-1, a.FreePages(2))
	require.Equal(t, 100-DefaultStealBatch, a.FreePages(0))
	require.Equal(t, uint64(DefaultStealBatch), a.Stats().Stolen)
}

func TestStealingStopsWhenQuotaFilled(t *testing.T) {
	a := newTestAllocator(t, 3, 10, 4)

	var pages []Page
	for i := 0; i < 10; i++ {
		p, err := a.Allocate(0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	_, err := a.Allocate(0)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)

	for _, p := range pages[:3] {
		a.Release(1, p)
	}
	for _, p := range pages[3:] {
		a.Release(2, p)
	}
	require.Equal(t, []int{0, 3, 7}, a.Stats().PerCore)

	// Core 0 drains core 1 first, then takes one page from core 2.
	_, err = a.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, []int{3, 0, 6}, a.Stats().PerCore)
}

func TestRetryAfterStealSucceeds(t *testing.T) {
	a := newTestAllocator(t, 2, 2, 1)

	p0, err := a.Allocate(0)
	require.NoError(t, err)
	p1, err := a.Allocate(0)
	require.NoError(t, err)
	_, err = a.Allocate(1)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)

	// A page freed on core 0 becomes reachable from core 1.
	a.Release(0, p0)
	p, err := a.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, p0, p)
	a.Release(1, p)
	a.Release(1, p1)
	require.Equal(t, 2, a.FreePages(1))
}

func TestSharedPageSurvivesFirstRelease(t *testing.T) {
	a := newTestAllocator(t, 2, 4, DefaultStealBatch)

	p, err := a.Allocate(0)
	require.NoError(t, err)
	copy(a.Bytes(p), []byte("copy-on-write"))

	a.AddOwner(p)
	a.AddOwner(p)
	require.Equal(t, 3, a.RefCount(p))

	a.Release(1, p)
	a.Release(0, p)
	require.Equal(t, 1, a.RefCount(p))
	require.Equal(t, 0, a.FreePages(1))
	require.Equal(t, []byte("copy-on-write"), a.Bytes(p)[:13])

	a.Release(1, p)
	require.Equal(t, 0, a.RefCount(p))
	require.Equal(t, 1, a.FreePages(1))
	require.True(t, filled(a.Bytes(p), freeFill))
}

func TestFatalPaths(t *testing.T) {
	a := newTestAllocator(t, 2, 4, DefaultStealBatch)
	start, end := a.Bounds()

	p, err := a.Allocate(0)
	require.NoError(t, err)
	a.Release(0, p)

	t.Run("double release", func(t *testing.T) {
		requireFatal(t, kerr.ErrRefCountZero, func() { a.Release(0, p) })
	})
	t.Run("release never allocated", func(t *testing.T) {
		requireFatal(t, kerr.ErrRefCountZero, func() { a.Release(1, Page(start)) })
	})
	t.Run("add owner to free page", func(t *testing.T) {
		requireFatal(t, kerr.ErrRefCountZero, func() { a.AddOwner(Page(start)) })
	})
	t.Run("unaligned", func(t *testing.T) {
		requireFatal(t, kerr.ErrBadAddress, func() { a.Release(0, Page(start+8)) })
	})
	t.Run("below pool", func(t *testing.T) {
		requireFatal(t, kerr.ErrBadAddress, func() { a.Release(0, Page(start-PageSize)) })
	})
	t.Run("above pool", func(t *testing.T) {
		requireFatal(t, kerr.ErrBadAddress, func() { a.AddOwner(Page(end)) })
	})
	t.Run("bad core", func(t *testing.T) {
		requireFatal(t, kerr.ErrBadCore, func() { _, _ = a.Allocate(2) })
		requireFatal(t, kerr.ErrBadCore, func() { _, _ = a.Allocate(-1) })
	})

	// The failed calls left the pool untouched.
	s := a.Stats()
	require.Equal(t, 4, s.Free)
	require.Equal(t, uint64(1), s.Frees)
}

func TestRefCountOverflowIsFatal(t *testing.T) {
	a := newTestAllocator(t, 1, 1, 1)
	p, err := a.Allocate(0)
	require.NoError(t, err)

	a.refs.counts[0] = 0xFFFF
	requireFatal(t, kerr.ErrRefCountOverflow, func() { a.AddOwner(p) })
	require.Equal(t, 0xFFFF, a.RefCount(p))
}

// TestConcurrentNoSharedPages has every worker stamp the pages it owns and
// verify the stamp before releasing. Two owners of one page would trample
// each other's stamp.
func TestConcurrentNoSharedPages(t *testing.T) {
	const ncpu, npages, workersPerCore, rounds = 4, 64, 3, 200
	a := newTestAllocator(t, ncpu, npages, 8)

	var g errgroup.Group
	for w := 0; w < ncpu*workersPerCore; w++ {
		core := CoreID(w % ncpu)
		stamp := byte(w + 10)
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				var held []Page
				for k := 0; k < 4; k++ {
					p, err := a.Allocate(core)
					if err != nil {
						break
					}
					b := a.Bytes(p)
					for i := range b {
						b[i] = stamp
					}
					held = append(held, p)
				}
				for i, p := range held {
					if !filled(a.Bytes(p), stamp) {
						t.Errorf("page %#x stamp overwritten", uintptr(p))
					}
					if i%2 == 0 {
						// Share and drop the extra owner from another core.
						a.AddOwner(p)
						a.Release((core+1)%ncpu, p)
					}
					a.Release(core, p)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	s := a.Stats()
	require.Equal(t, npages, s.Free)
	require.Equal(t, s.Allocs, s.Frees)
	for p, end := a.Bounds(); p < end; p += PageSize {
		require.Equal(t, 0, a.RefCount(Page(p)))
	}
}

// TestConcurrentLiveness allocates exactly the whole pool from every core at
// once while pages are scattered; no allocation may fail.
func TestConcurrentLiveness(t *testing.T) {
	const ncpu, npages = 4, 64
	a := newTestAllocator(t, ncpu, npages, 3)

	// Scatter the pool across all cores first.
	var all []Page
	for i := 0; i < npages; i++ {
		p, err := a.Allocate(0)
		require.NoError(t, err)
		all = append(all, p)
	}
	for i, p := range all {
		a.Release(CoreID(i%ncpu), p)
	}

	var (
		mu   sync.Mutex
		got  = make(map[Page]bool)
		wg   sync.WaitGroup
		errs = make(chan error, npages)
	)
	wg.Add(npages)
	for i := 0; i < npages; i++ {
		go func(core CoreID) {
			defer wg.Done()
			p, err := a.Allocate(core)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if got[p] {
				t.Errorf("page %#x handed out twice", uintptr(p))
			}
			got[p] = true
		}(CoreID((i * 7) % ncpu))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("spurious allocation failure: %v", err)
	}
	require.Len(t, got, npages)
	require.Equal(t, 0, a.Stats().Free)
}

// TestCrossStealNoDeadlock has every core steal from every other core over
// and over with tiny batches, the pattern that deadlocks without a fixed
// lock order.
func TestCrossStealNoDeadlock(t *testing.T) {
	const ncpu = 4
	a := newTestAllocator(t, ncpu, ncpu, 1)

	var g errgroup.Group
	for c := 0; c < ncpu; c++ {
		core := CoreID(c)
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				p, err := a.Allocate(core)
				if err != nil {
					continue
				}
				// Free onto the next core so the owner has to steal back.
				a.Release((core+1)%ncpu, p)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, ncpu, a.Stats().Free)
}
