// Package clock provides the kernel tick counter used to stamp idle buffers.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ticks is a monotonically non-decreasing counter that can be read without
// blocking.
type Ticks interface {
	Now() uint64
}

// Ticker advances its count once per interval, the way a timer interrupt
// advances the kernel's ticks variable.
type Ticker struct {
	ticks    atomic.Uint64
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewTicker starts a Ticker that increments every interval. Stop must be
// called to release its goroutine.
func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := &Ticker{interval: interval, stop: make(chan struct{})}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Ticker) run() {
	defer t.wg.Done()
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			t.ticks.Add(1)
		case <-t.stop:
			return
		}
	}
}

// Now returns the current tick count.
func (t *Ticker) Now() uint64 { return t.ticks.Load() }

// Interval returns the tick period.
func (t *Ticker) Interval() time.Duration { return t.interval }

// Stop halts the ticker. The count stays readable afterwards.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
	t.wg.Wait()
}

// Manual is a Ticks whose value only changes when told to.
type Manual struct {
	ticks atomic.Uint64
}

// NewManual returns a Manual clock reading start.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.ticks.Store(start)
	return m
}

func (m *Manual) Now() uint64 { return m.ticks.Load() }

// Advance moves the clock forward by n ticks and returns the new value.
func (m *Manual) Advance(n uint64) uint64 { return m.ticks.Add(n) }

// Set moves the clock to v. Values lower than the current reading are
// ignored so the clock never goes backwards.
func (m *Manual) Set(v uint64) {
	for {
		cur := m.ticks.Load()
		if v <= cur || m.ticks.CompareAndSwap(cur, v) {
			return
		}
	}
}
