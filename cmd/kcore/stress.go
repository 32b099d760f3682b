package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/sushant-115/kcore/core/kernel"
	"github.com/sushant-115/kcore/core/kerr"
	"github.com/sushant-115/kcore/core/memory/pagealloc"
	"github.com/sushant-115/kcore/core/storage/bcache"
	"github.com/sushant-115/kcore/core/storage/blockdev"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	stressDuration time.Duration
	stressBlocks   int
	stressHold     int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().DurationVarP(&stressDuration, "duration", "d", 2*time.Second, "How long to run the workload")
	cmd.Flags().IntVar(&stressBlocks, "blocks", 64, "Number of distinct blocks the workers touch")
	cmd.Flags().IntVar(&stressHold, "hold", 16, "Pages each worker holds at most at once")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent workload and check the kernel invariants",
		Long: `The stress command runs one worker per core. Each worker allocates,
shares and frees pages on its core and updates its own slice of shared
blocks through the buffer cache. When the duration is up it checks that every
page is back on a free list, no buffer is still referenced and every block
holds what its writers put there.

Example:
  kcore stress --duration 10s
  kcore stress --config kcore.yaml --blocks 200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, zlogger, cleanup, err := bootKernel()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), stressDuration)
			defer cancel()
			res, err := runStress(ctx, k, stressOptions{Blocks: stressBlocks, Hold: stressHold}, zlogger)
			if err != nil {
				return err
			}
			zlogger.Info("stress run passed",
				zap.Uint64("page_ops", res.PageOps),
				zap.Uint64("block_ops", res.BlockOps),
			)
			return printJSON(os.Stdout, newReport(k))
		},
	}
}

// stressDev is the device the stress workers write to.
const stressDev = 1

// slotWidth is the number of bytes of every block owned by one worker.
const slotWidth = 8

type stressOptions struct {
	Blocks int
	Hold   int
}

type stressResult struct {
	PageOps  uint64
	BlockOps uint64
}

// runStress drives the kernel from one goroutine per core until ctx is done,
// then verifies that the kernel is quiescent and consistent.
func runStress(ctx context.Context, k *kernel.Kernel, opts stressOptions, logger *zap.Logger) (stressResult, error) {
	ncpu := k.Pages.NCPU()
	if ncpu*slotWidth > blockdev.BlockSize {
		return stressResult{}, fmt.Errorf("%d workers do not fit in one block", ncpu)
	}
	if opts.Blocks < 1 || opts.Hold < 1 {
		return stressResult{}, fmt.Errorf("blocks and hold must be positive")
	}
	if n := k.Config.Cache.Buffers; n < ncpu {
		return stressResult{}, fmt.Errorf("%d buffers cannot serve %d workers", n, ncpu)
	}
	if err := kerr.Recover(func() error { return zeroBlocks(k, opts.Blocks) }); err != nil {
		return stressResult{}, err
	}

	workers := make([]*stressWorker, ncpu)
	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		w := &stressWorker{
			id:     i,
			core:   pagealloc.CoreID(i),
			k:      k,
			opts:   opts,
			counts: make([]uint64, opts.Blocks),
			rng:    rand.New(rand.NewPCG(uint64(i), uint64(time.Now().UnixNano()))),
		}
		workers[i] = w
		g.Go(func() error {
			return kerr.Recover(func() error { return w.run(ctx) })
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("stress worker failed", zap.Error(err))
		return stressResult{}, err
	}

	var res stressResult
	for _, w := range workers {
		res.PageOps += w.pageOps
		res.BlockOps += w.blockOps
	}
	return res, kerr.Recover(func() error { return verifyQuiescent(k, workers) })
}

// zeroBlocks clears the blocks the workers count in, so persistent backends
// start from the same state as a fresh memory disk.
func zeroBlocks(k *kernel.Kernel, n int) error {
	for blk := 0; blk < n; blk++ {
		b := k.Cache.Read(stressDev, uint32(blk))
		clear(b.Data())
		k.Cache.Write(b)
		k.Cache.Release(b)
	}
	return nil
}

func verifyQuiescent(k *kernel.Kernel, workers []*stressWorker) error {
	ps := k.Pages.Stats()
	if ps.Free != ps.Pages {
		return fmt.Errorf("%d of %d pages not back on a free list", ps.Pages-ps.Free, ps.Pages)
	}
	if cs := k.Cache.Stats(); cs.InUse != 0 {
		return fmt.Errorf("%d buffers still referenced", cs.InUse)
	}
	for blk := range workers[0].counts {
		b := k.Cache.Read(stressDev, uint32(blk))
		for _, w := range workers {
			got := binary.LittleEndian.Uint64(b.Data()[w.id*slotWidth:])
			if got != w.counts[blk] {
				k.Cache.Release(b)
				return fmt.Errorf("block %d: worker %d wrote %d updates, block holds %d", blk, w.id, w.counts[blk], got)
			}
		}
		k.Cache.Release(b)
	}
	return nil
}

type stressWorker struct {
	id     int
	core   pagealloc.CoreID
	k      *kernel.Kernel
	opts   stressOptions
	counts []uint64
	rng    *rand.Rand

	held     []pagealloc.Page
	buf      *bcache.Buf
	stamp    uint64
	pageOps  uint64
	blockOps uint64
}

func (w *stressWorker) run(ctx context.Context) error {
	defer w.drain()
	for ctx.Err() == nil {
		var err error
		switch w.rng.IntN(4) {
		case 0, 1:
			err = w.pageStep()
		case 2:
			err = w.shareStep()
		default:
			err = w.blockStep()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pageStep allocates a page and stamps it, or frees one after checking that
// nobody else wrote to it.
func (w *stressWorker) pageStep() error {
	w.pageOps++
	if len(w.held) < w.opts.Hold && w.rng.IntN(2) == 0 {
		p, err := w.k.Pages.Allocate(w.core)
		if errors.Is(err, kerr.ErrOutOfMemory) {
			return w.freeOne()
		}
		if err != nil {
			return err
		}
		w.stamp++
		binary.LittleEndian.PutUint64(w.k.Pages.Bytes(p), w.tag())
		w.held = append(w.held, p)
		return nil
	}
	return w.freeOne()
}

// shareStep takes a second reference to a held page and drops it again.
func (w *stressWorker) shareStep() error {
	w.pageOps++
	if len(w.held) == 0 {
		return nil
	}
	p := w.held[w.rng.IntN(len(w.held))]
	w.k.Pages.AddOwner(p)
	if n := w.k.Pages.RefCount(p); n != 2 {
		return fmt.Errorf("page %#x has %d owners, want 2", uintptr(p), n)
	}
	w.k.Pages.Release(w.core, p)
	return nil
}

func (w *stressWorker) freeOne() error {
	if len(w.held) == 0 {
		return nil
	}
	i := w.rng.IntN(len(w.held))
	p := w.held[i]
	w.held[i] = w.held[len(w.held)-1]
	w.held = w.held[:len(w.held)-1]
	if got := binary.LittleEndian.Uint64(w.k.Pages.Bytes(p)); got>>32 != uint64(w.id) {
		return fmt.Errorf("page %#x stamped by worker %d, held by worker %d", uintptr(p), got>>32, w.id)
	}
	w.k.Pages.Release(w.core, p)
	return nil
}

func (w *stressWorker) tag() uint64 {
	return uint64(w.id)<<32 | w.stamp&0xffffffff
}

// blockStep bumps this worker's counter in a random block and writes the
// block back.
func (w *stressWorker) blockStep() error {
	w.blockOps++
	blk := w.rng.IntN(len(w.counts))
	w.buf = w.k.Cache.Read(stressDev, uint32(blk))
	defer w.releaseBuf()
	slot := w.buf.Data()[w.id*slotWidth : (w.id+1)*slotWidth]
	got := binary.LittleEndian.Uint64(slot)
	if got != w.counts[blk] {
		return fmt.Errorf("block %d: worker %d expected %d, read %d", blk, w.id, w.counts[blk], got)
	}
	w.counts[blk]++
	binary.LittleEndian.PutUint64(slot, w.counts[blk])
	w.k.Cache.Write(w.buf)
	return nil
}

// releaseBuf hands back the buffer blockStep holds. It also runs while a
// fatal error unwinds, so the other workers waiting on the block can finish.
func (w *stressWorker) releaseBuf() {
	b := w.buf
	if b == nil {
		return
	}
	w.buf = nil
	if b.Holding() {
		w.k.Cache.Release(b)
	}
}

func (w *stressWorker) drain() {
	w.releaseBuf()
	for _, p := range w.held {
		w.k.Pages.Release(w.core, p)
	}
	w.held = nil
}
