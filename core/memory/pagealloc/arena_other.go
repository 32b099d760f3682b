//go:build !linux

package pagealloc

// mapArena backs the page pool with a heap slice on platforms without the
// anonymous mapping path.
func mapArena(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
