//go:build linux

package pagealloc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapArena reserves size bytes of anonymous memory to back the page pool.
func mapArena(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
