package pagealloc

import (
	"math"

	"github.com/sushant-115/kcore/core/ksync"
)

// refTable counts the owners of every page. It has its own lock, separate
// from the free-list locks.
type refTable struct {
	lock   ksync.Spinlock
	counts []uint16
}

func newRefTable(n int) refTable {
	return refTable{counts: make([]uint16, n)}
}

// claim moves a free page to one owner. It returns false if the page already
// had owners.
func (t *refTable) claim(slot int32) bool {
	t.lock.Acquire()
	defer t.lock.Release()
	if t.counts[slot] != 0 {
		return false
	}
	t.counts[slot] = 1
	return true
}

// inc registers one more owner. ok is false if the page had no owner;
// overflow is true if the counter is saturated.
func (t *refTable) inc(slot int32) (ok, overflow bool) {
	t.lock.Acquire()
	defer t.lock.Release()
	switch t.counts[slot] {
	case 0:
		return false, false
	case math.MaxUint16:
		return true, true
	}
	t.counts[slot]++
	return true, false
}

// dec drops one owner and returns the remaining count. ok is false if the
// count was already zero, in which case nothing changes.
func (t *refTable) dec(slot int32) (remaining uint16, ok bool) {
	t.lock.Acquire()
	defer t.lock.Release()
	if t.counts[slot] == 0 {
		return 0, false
	}
	t.counts[slot]--
	return t.counts[slot], true
}

func (t *refTable) get(slot int32) uint16 {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.counts[slot]
}
