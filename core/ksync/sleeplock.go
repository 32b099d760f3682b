package ksync

import (
	"sync"

	"github.com/sushant-115/kcore/core/kerr"
	commonutils "github.com/sushant-115/kcore/internal/common_utils"
)

// noHolder marks a SleepLock that is not held.
const noHolder int64 = -1

// SleepLock is a long-term lock. Waiters are parked instead of spinning, and
// the lock remembers which goroutine holds it so ownership can be checked.
type SleepLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
	holder int64
	site   string
}

// NewSleepLock returns an unlocked SleepLock.
func NewSleepLock() *SleepLock {
	l := &SleepLock{holder: noHolder}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks the calling goroutine until the lock is free, then takes it.
func (l *SleepLock) Acquire() {
	l.AcquireAt(commonutils.CallerSite(2))
}

// AcquireAt is Acquire for wrappers that record their own caller's site
// as the place the lock was taken.
func (l *SleepLock) AcquireAt(site string) {
	self := commonutils.GoID()
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.holder = self
	l.site = site
	l.mu.Unlock()
}

// Release gives up the lock and wakes the waiters. Releasing a lock the
// caller does not hold is fatal.
func (l *SleepLock) Release() {
	self := commonutils.GoID()
	l.mu.Lock()
	if !l.locked || l.holder != self {
		l.mu.Unlock()
		kerr.Fatal("releasesleep", kerr.ErrNotHolding)
	}
	l.locked = false
	l.holder = noHolder
	l.site = ""
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Holding reports whether the calling goroutine holds the lock.
func (l *SleepLock) Holding() bool {
	self := commonutils.GoID()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked && l.holder == self
}

// Locked reports whether any goroutine holds the lock.
func (l *SleepLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// AcquiredAt returns the call site of the current holder's Acquire, or "" if
// the lock is free.
func (l *SleepLock) AcquiredAt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.site
}
