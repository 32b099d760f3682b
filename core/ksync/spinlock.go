// Package ksync provides the two lock kinds used by the kernel core: a
// spinlock for short index and list critical sections and a sleep lock for
// buffer contents that may be held across storage I/O.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// spinAttempts is the number of failed acquisition attempts after which a
// spinning goroutine yields the processor before trying again.
const spinAttempts = 64

var (
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Critical sections guarded by a Spinlock
// must be short and must never block.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); ; attempts++ {
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}
		if attempts == spinAttempts {
			yieldFn()
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Locked reports whether some task currently holds the lock.
func (l *Spinlock) Locked() bool {
	return atomic.LoadUint32(&l.state) == 1
}
