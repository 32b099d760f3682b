package bcache

import "github.com/sushant-115/kcore/core/ksync"

// nilSlot terminates a bucket chain.
const nilSlot int32 = -1

// Buf is a cached copy of one storage block. Its identity only changes while
// no one references it; its contents are guarded by the sleep lock handed to
// whoever acquired it.
type Buf struct {
	slot int32

	// Guarded by the lock of the bucket the buffer is linked into.
	dev     uint32
	blockno uint32
	bound   bool // has ever been bound to a block
	refcnt  int
	lastUse uint64 // tick of the release that dropped refcnt to zero
	next    int32

	// Guarded by lock.
	valid bool
	data  []byte

	lock *ksync.SleepLock
}

// ID returns the buffer's fixed position in the pool.
func (b *Buf) ID() int { return int(b.slot) }

// Dev returns the device of the block the buffer holds.
func (b *Buf) Dev() uint32 { return b.dev }

// BlockNo returns the number of the block the buffer holds.
func (b *Buf) BlockNo() uint32 { return b.blockno }

// Valid reports whether the contents reflect storage. Only meaningful to the
// lock holder.
func (b *Buf) Valid() bool { return b.valid }

// Data returns the block contents. The caller must hold the buffer.
func (b *Buf) Data() []byte { return b.data }

// Holding reports whether the calling goroutine holds the buffer's lock.
func (b *Buf) Holding() bool { return b.lock.Holding() }

// bucket is one chain of the hash index.
type bucket struct {
	lock ksync.Spinlock
	head int32
}
