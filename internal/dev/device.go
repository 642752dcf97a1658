// Package dev implements block-granular access to a filesystem image.
// The image is reached through a billy.Filesystem so production code
// runs on the host filesystem (osfs) while tests run on memfs.
package dev

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"

	"nextfs/internal/common"
)

// Device is a block device over an image file. billy files expose
// ReaderAt but not WriterAt, so writes serialize on a mutex around
// Seek+Write.
type Device struct {
	f         billy.File
	lock      *flock.Flock
	blockSize int
	blocks    uint32

	wmu sync.Mutex
}

// Create creates a zero-filled image of the given geometry.
func Create(bfs billy.Filesystem, path string, blockSize int, blocks uint32) (*Device, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	if _, err := bfs.Stat(path); err == nil {
		return nil, fmt.Errorf("image already exists: %s", path)
	}
	f, err := bfs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	if err := f.Truncate(int64(blockSize) * int64(blocks)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size image: %w", err)
	}
	return &Device{f: f, blockSize: blockSize, blocks: blocks}, nil
}

// Open opens an existing image. The block count is derived from the
// image size.
func Open(bfs billy.Filesystem, path string, blockSize int) (*Device, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	fi, err := bfs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("image not found: %s", path)
	}
	if fi.Size()%int64(blockSize) != 0 {
		return nil, fmt.Errorf("image size %d not a multiple of block size %d", fi.Size(), blockSize)
	}
	f, err := bfs.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return &Device{
		f:         f,
		blockSize: blockSize,
		blocks:    uint32(fi.Size() / int64(blockSize)),
	}, nil
}

// OpenOS opens an image on the host filesystem and takes an exclusive
// flock on a sidecar lock file, refusing concurrent writers.
func OpenOS(path string, blockSize int) (*Device, error) {
	d, err := Open(osfs.New("/"), path, blockSize)
	if err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		d.f.Close()
		return nil, fmt.Errorf("failed to lock image: %w", err)
	}
	if !locked {
		d.f.Close()
		return nil, fmt.Errorf("image is locked by another process: %s", path)
	}
	d.lock = lock
	return d, nil
}

func checkBlockSize(blockSize int) error {
	switch blockSize {
	case 1024, 2048, 4096:
		return nil
	}
	return fmt.Errorf("unsupported block size %d", blockSize)
}

// BlockSize returns the block size in bytes.
func (d *Device) BlockSize() int {
	return d.blockSize
}

// Blocks returns the number of blocks in the image.
func (d *Device) Blocks() uint32 {
	return d.blocks
}

// ReadBlock reads block nr into dst, which must be BlockSize bytes.
func (d *Device) ReadBlock(nr uint32, dst []byte) error {
	if nr >= d.blocks {
		return fmt.Errorf("read block %d beyond device end %d: %w", nr, d.blocks, common.ErrIO)
	}
	if _, err := d.f.ReadAt(dst[:d.blockSize], int64(nr)*int64(d.blockSize)); err != nil && err != io.EOF {
		return fmt.Errorf("read block %d: %w: %v", nr, common.ErrIO, err)
	}
	return nil
}

// WriteBlock writes src to block nr.
func (d *Device) WriteBlock(nr uint32, src []byte) error {
	if nr >= d.blocks {
		return fmt.Errorf("write block %d beyond device end %d: %w", nr, d.blocks, common.ErrIO)
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.f.Seek(int64(nr)*int64(d.blockSize), io.SeekStart); err != nil {
		return fmt.Errorf("seek block %d: %w: %v", nr, common.ErrIO, err)
	}
	if _, err := d.f.Write(src[:d.blockSize]); err != nil {
		return fmt.Errorf("write block %d: %w: %v", nr, common.ErrIO, err)
	}
	return nil
}

// Sync flushes the image to stable storage when the backing file
// supports it (memfs does not).
func (d *Device) Sync() error {
	if s, ok := d.f.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Close syncs and closes the image, releasing the flock if held.
func (d *Device) Close() error {
	err := d.Sync()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	if d.lock != nil {
		d.lock.Unlock()
	}
	return err
}
