// Package pagealloc manages the pool of physical memory pages above the
// kernel image.
//
// Every core owns a LIFO free list behind its own spinlock. A core whose list
// runs dry steals a batch of pages from the other cores before giving up.
// Pages may have several owners at once; a reference-count table guarded by
// a separate lock decides when a released page really returns to a free list.
package pagealloc

const (
	// PageShift is log2(PageSize).
	PageShift = 12
	// PageSize is the size in bytes of every page.
	PageSize = 1 << PageShift

	// KernBase is where the kernel image is loaded.
	KernBase uintptr = 0x80000000
	// PhysTop is the end of usable physical memory.
	PhysTop uintptr = KernBase + 128*1024*1024

	// DefaultStealBatch caps how many pages one steal moves.
	DefaultStealBatch = 64

	// allocFill is written over a page handed out by Allocate.
	allocFill byte = 5
	// freeFill is written over a page returned to a free list.
	freeFill byte = 1
)

// Page is the physical address of a page-aligned page in the pool.
type Page uintptr

// InvalidPage is never a valid pool address.
const InvalidPage Page = 0

// Valid returns true if this is not InvalidPage.
func (p Page) Valid() bool {
	return p != InvalidPage
}

// Aligned reports whether p sits on a page boundary.
func (p Page) Aligned() bool {
	return uintptr(p)%PageSize == 0
}

// CoreID identifies a processor core.
type CoreID int

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to a page boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}
