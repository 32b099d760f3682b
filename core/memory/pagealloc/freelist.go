package pagealloc

import "github.com/sushant-115/kcore/core/ksync"

// nilSlot terminates a free list.
const nilSlot int32 = -1

// freeList is one core's stack of free pages. Links live in the allocator's
// shared next array, indexed by page slot.
type freeList struct {
	lock  ksync.Spinlock
	head  int32
	count int
}

// push links slot at the head of l.
// This method MUST be called with l.lock held (or during boot).
func (l *freeList) push(next []int32, slot int32) {
	next[slot] = l.head
	l.head = slot
	l.count++
}

// pop unlinks the head of l, returning nilSlot when l is empty.
// This method MUST be called with l.lock held.
func (l *freeList) pop(next []int32) int32 {
	slot := l.head
	if slot == nilSlot {
		return nilSlot
	}
	l.head = next[slot]
	next[slot] = nilSlot
	l.count--
	return slot
}

// moveTo transfers up to n pages from the head of l onto dst and returns how
// many moved. Both locks MUST be held.
func (l *freeList) moveTo(dst *freeList, next []int32, n int) int {
	moved := 0
	for moved < n && l.head != nilSlot {
		slot := l.head
		l.head = next[slot]
		l.count--
		dst.push(next, slot)
		moved++
	}
	return moved
}
