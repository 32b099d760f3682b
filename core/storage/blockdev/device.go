// Package blockdev implements the block storage primitive the buffer cache
// reads and flushes through. A Device moves one fixed-size block between
// storage and a caller-supplied slice.
package blockdev

import (
	"fmt"
	"sync"

	"github.com/sushant-115/kcore/core/kerr"
)

// BlockSize is the size in bytes of every block.
const BlockSize = 1024

// Device is the synchronous storage read/write primitive. ReadWrite fills
// data from block (dev, blockno) when write is false and flushes data to it
// when write is true. len(data) must be BlockSize.
type Device interface {
	ReadWrite(dev, blockno uint32, data []byte, write bool) error
	Close() error
}

func checkLen(data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("%w: block buffer size (%d) != block size (%d)", kerr.ErrStorage, len(data), BlockSize)
	}
	return nil
}

type blockKey struct {
	dev, blockno uint32
}

// MemDisk keeps blocks in memory. Blocks never written read back as zeros.
type MemDisk struct {
	mu     sync.Mutex
	blocks map[blockKey][]byte
	reads  int
	writes int
}

// NewMemDisk returns an empty in-memory device.
func NewMemDisk() *MemDisk {
	return &MemDisk{blocks: make(map[blockKey][]byte)}
}

func (d *MemDisk) ReadWrite(dev, blockno uint32, data []byte, write bool) error {
	if err := checkLen(data); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := blockKey{dev, blockno}
	if write {
		blk, ok := d.blocks[k]
		if !ok {
			blk = make([]byte, BlockSize)
			d.blocks[k] = blk
		}
		copy(blk, data)
		d.writes++
		return nil
	}
	if blk, ok := d.blocks[k]; ok {
		copy(data, blk)
	} else {
		clear(data)
	}
	d.reads++
	return nil
}

// Counts returns how many reads and writes reached the device.
func (d *MemDisk) Counts() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

func (d *MemDisk) Close() error { return nil }
