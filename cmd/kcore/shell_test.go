package main

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/kcore/config"
	"github.com/sushant-115/kcore/core/kernel"
	"github.com/sushant-115/kcore/core/kerr"
	"github.com/sushant-115/kcore/core/memory/pagealloc"
)

func bootSmall(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.NCPU = 2
	cfg.Memory.PoolStart = uint64(pagealloc.KernBase)
	cfg.Memory.PoolEnd = uint64(pagealloc.KernBase + 32*pagealloc.PageSize)
	cfg.Cache.Buffers = 3
	cfg.Cache.Buckets = 2
	cfg.Clock.TickInterval = time.Millisecond
	k, err := kernel.Boot(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })
	return k
}

func run(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, sh.exec(strings.Fields(line)), line)
	return strings.TrimSpace(out.String())
}

func TestShellPages(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(bootSmall(t), &out)

	addr := run(t, sh, &out, "alloc 1")
	require.True(t, strings.HasPrefix(addr, "0x"), addr)
	require.Equal(t, "refs 1", run(t, sh, &out, "refs "+addr))
	require.Equal(t, "refs 2", run(t, sh, &out, "share "+addr))
	run(t, sh, &out, "free 0 "+addr)
	require.Equal(t, "refs 1", run(t, sh, &out, "refs "+addr))
	run(t, sh, &out, "free 1 "+addr)
	require.Equal(t, "refs 0", run(t, sh, &out, "refs "+addr))
	require.Equal(t, 32, sh.k.Pages.Stats().Free)
}

func TestShellBuffers(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(bootSmall(t), &out)

	line := run(t, sh, &out, "bread 1 5")
	require.Contains(t, line, `dev 1 block 5: ""`)
	id := strings.Fields(line)[1]

	run(t, sh, &out, "poke "+id+" hello disk")
	require.Equal(t, "buf "+id+" refcnt 1", run(t, sh, &out, "bwrite "+id))
	require.Equal(t, "buf "+id+" refcnt 2", run(t, sh, &out, "bpin "+id))
	run(t, sh, &out, "brelse "+id)
	require.Empty(t, sh.held)

	// The pin keeps the block resident through two other reads.
	for _, blk := range []string{"6", "7"} {
		l := run(t, sh, &out, "bread 1 "+blk)
		run(t, sh, &out, "brelse "+strings.Fields(l)[1])
	}
	require.True(t, sh.k.Cache.Resident(1, 5))

	line = run(t, sh, &out, "bread 1 5")
	require.Contains(t, line, `"hello disk"`)
	require.Equal(t, id, strings.Fields(line)[1])
	require.Equal(t, "buf "+id+" refcnt 1", run(t, sh, &out, "bunpin "+id))
	sh.releaseAll()
	require.Empty(t, sh.held)
	require.Equal(t, 0, sh.k.Cache.Stats().InUse)
}

func TestShellUnpinKeepsSessionReference(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(bootSmall(t), &out)

	line := run(t, sh, &out, "bread 1 9")
	id := strings.Fields(line)[1]
	err := sh.exec([]string{"bunpin", id})
	require.Error(t, err)
	require.False(t, kerr.IsFatal(err))
	n, err := strconv.Atoi(id)
	require.NoError(t, err)
	b := sh.held[n]
	require.NotNil(t, b)
	require.Equal(t, 1, sh.k.Cache.RefCount(b))

	// Every other buffer can still be recycled without touching the held one.
	for _, blk := range []string{"10", "11", "12"} {
		l := run(t, sh, &out, "bread 1 "+blk)
		run(t, sh, &out, "brelse "+strings.Fields(l)[1])
	}
	require.True(t, b.Holding())
	run(t, sh, &out, "brelse "+id)
}

func TestShellUserErrors(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(bootSmall(t), &out)

	for _, line := range []string{
		"frobnicate",
		"alloc",
		"alloc x",
		"refs nope",
		"brelse 0",
		"poke 1",
	} {
		err := sh.exec(strings.Fields(line))
		require.Error(t, err, line)
		require.False(t, kerr.IsFatal(err), line)
	}

	run(t, sh, &out, "bread 2 2")
	err := sh.exec([]string{"bread", "2", "2"})
	require.Error(t, err)
	require.False(t, kerr.IsFatal(err))

	require.ErrorIs(t, sh.exec([]string{"exit"}), errExit)
}

func TestShellFatal(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(bootSmall(t), &out)

	err := sh.exec([]string{"free", "0", "0x1"})
	require.True(t, kerr.IsFatal(err))
	require.ErrorIs(t, err, kerr.ErrBadAddress)

	for i := 0; i < 3; i++ {
		run(t, sh, &out, "bread 3 "+string(rune('0'+i)))
	}
	err = sh.exec([]string{"bread", "3", "9"})
	require.True(t, kerr.IsFatal(err))
	require.ErrorIs(t, err, kerr.ErrNoBuffers)
	sh.releaseAll()
}

func TestShellStats(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(bootSmall(t), &out)
	got := run(t, sh, &out, "stats")
	require.Contains(t, got, `"pool_start": "0x80000000"`)
	require.Contains(t, got, `"buffers": 3`)
}
