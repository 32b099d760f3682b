package ksync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpinlock(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()
	require.True(t, sl.Locked())
	require.False(t, sl.TryToAcquire(), "expected TryToAcquire to return false when lock is held")

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
	require.False(t, sl.Locked())
}

func TestSpinlockYieldsWhileContended(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	var yields int
	var mu sync.Mutex
	yieldFn = func() {
		mu.Lock()
		yields++
		mu.Unlock()
		runtime.Gosched()
	}

	var sl Spinlock
	sl.Acquire()
	done := make(chan struct{})
	go func() {
		sl.Acquire()
		sl.Release()
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return yields > 0
	}, time.Second, time.Millisecond)
	sl.Release()
	<-done
}

func TestSpinlockMutualExclusion(t *testing.T) {
	var (
		sl      Spinlock
		wg      sync.WaitGroup
		counter int
	)
	const workers, rounds = 8, 1000
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, workers*rounds, counter)
}
