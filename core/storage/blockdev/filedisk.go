package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sushant-115/kcore/core/kerr"
	"go.uber.org/zap"
)

// FileDisk stores each device as an image file named dev<N>.img under a
// directory. Block blockno lives at offset blockno*BlockSize; reads past the
// end of an image return zeros.
type FileDisk struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
	files  map[uint32]*os.File
}

// NewFileDisk creates dir if needed and returns a FileDisk rooted there.
func NewFileDisk(dir string, logger *zap.Logger) (*FileDisk, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating image directory %s: %v", kerr.ErrStorage, dir, err)
	}
	return &FileDisk{dir: dir, logger: logger, files: make(map[uint32]*os.File)}, nil
}

// file returns the open image for dev, opening or creating it on first use.
// This method MUST be called with d.mu locked.
func (d *FileDisk) file(dev uint32) (*os.File, error) {
	if f, ok := d.files[dev]; ok {
		return f, nil
	}
	path := filepath.Join(d.dir, fmt.Sprintf("dev%d.img", dev))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening image %s: %v", kerr.ErrStorage, path, err)
	}
	d.logger.Debug("opened device image", zap.Uint32("dev", dev), zap.String("path", path))
	d.files[dev] = f
	return f, nil
}

func (d *FileDisk) ReadWrite(dev, blockno uint32, data []byte, write bool) error {
	if err := checkLen(data); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.file(dev)
	if err != nil {
		return err
	}
	offset := int64(blockno) * BlockSize
	if write {
		if _, err := f.WriteAt(data, offset); err != nil {
			return fmt.Errorf("%w: writing block %d of dev %d at offset %d: %v", kerr.ErrStorage, blockno, dev, offset, err)
		}
		return nil
	}
	n, err := f.ReadAt(data, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading block %d of dev %d at offset %d: %v", kerr.ErrStorage, blockno, dev, offset, err)
	}
	// Unwritten tail of a sparse image.
	clear(data[n:])
	return nil
}

// Sync flushes every open image to stable storage.
func (d *FileDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for dev, f := range d.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: syncing dev %d: %v", kerr.ErrStorage, dev, err)
		}
	}
	return firstErr
}

// Close syncs and closes every open image.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for dev, f := range d.files {
		if err := f.Sync(); err != nil {
			d.logger.Error("error syncing image on close", zap.Uint32("dev", dev), zap.Error(err))
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.files, dev)
	}
	return firstErr
}
