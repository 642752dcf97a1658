// Package fs implements the block mapping and snapshot copy-on-write
// core: logical-to-physical block translation over the inode's
// indirect tree, branch allocation and splicing, truncation across
// bounded journal transactions, and the snapshot engine that
// preserves pre-modification block contents while a snapshot is
// active.
package fs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"nextfs/internal/balloc"
	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/dev"
	"nextfs/internal/journal"
	"nextfs/internal/layout"
	"nextfs/internal/quota"
)

// Filesystem is one mounted nextfs instance.
type Filesystem struct {
	dev     *dev.Device
	cache   *buffer.Cache
	sb      *layout.Super
	journal *journal.Journal
	alloc   *balloc.Allocator
	quota   *quota.Tracker

	imu    sync.Mutex
	inodes map[uint32]*Inode

	// snapshotMu serializes snapshot lifecycle operations (take,
	// activate, release). Never taken while holding a truncate mutex.
	snapshotMu sync.Mutex
	active     atomic.Pointer[Inode]

	// cowMu guards the volatile per-group COW bitmap cache and its
	// lazy initialization.
	cowMu      sync.Mutex
	cowBitmaps []uint32

	errored atomic.Bool
}

// New mounts a filesystem from an already-open device.
func New(d *dev.Device) (*Filesystem, error) {
	buf := make([]byte, d.BlockSize())
	if err := d.ReadBlock(layout.SuperBlockNr, buf); err != nil {
		return nil, err
	}
	sb, err := layout.DecodeSuper(buf)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize() != d.BlockSize() {
		return nil, fmt.Errorf("superblock block size %d does not match device %d", sb.BlockSize(), d.BlockSize())
	}
	cache := buffer.NewCache(d, 0)
	alloc, err := balloc.New(sb, cache)
	if err != nil {
		return nil, err
	}
	fs := &Filesystem{
		dev:        d,
		cache:      cache,
		sb:         sb,
		journal:    journal.New(cache),
		alloc:      alloc,
		quota:      quota.New(),
		inodes:     make(map[uint32]*Inode),
		cowBitmaps: make([]uint32, sb.GroupCount()),
	}
	alloc.SetHooks(fs)
	if sb.State&layout.StateErrors != 0 {
		fs.errored.Store(true)
		log.WithField("error", sb.ErrorMsg).Warn("mounting filesystem with recorded errors; writes refused")
	}
	if sb.ActiveSnapshot != 0 {
		snap, err := fs.GetInode(sb.ActiveSnapshot)
		if err != nil {
			return nil, fmt.Errorf("loading active snapshot %d: %w", sb.ActiveSnapshot, err)
		}
		fs.active.Store(snap)
	}
	if err := fs.replayOrphans(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open mounts a filesystem image through bfs.
func Open(bfs billy.Filesystem, path string, blockSize int) (*Filesystem, error) {
	d, err := dev.Open(bfs, path, blockSize)
	if err != nil {
		return nil, err
	}
	fs, err := New(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	return fs, nil
}

// Close commits outstanding work, writes the superblock and closes
// the device.
func (fs *Filesystem) Close() error {
	if err := fs.journal.ForceCommit(); err != nil && fs.journal.Aborted() {
		log.WithError(err).Warn("closing with aborted journal; disk state is pre-abort")
	}
	if err := fs.writeSuper(); err != nil {
		return err
	}
	if err := fs.cache.SyncAll(); err != nil {
		return err
	}
	return fs.dev.Close()
}

// Super returns the in-memory superblock.
func (fs *Filesystem) Super() *layout.Super { return fs.sb }

// Cache returns the block cache.
func (fs *Filesystem) Cache() *buffer.Cache { return fs.cache }

// Journal returns the journal service.
func (fs *Filesystem) Journal() *journal.Journal { return fs.journal }

// Allocator returns the block allocator.
func (fs *Filesystem) Allocator() *balloc.Allocator { return fs.alloc }

// Quota returns the block quota tracker.
func (fs *Filesystem) Quota() *quota.Tracker { return fs.quota }

// ActiveSnapshot returns the active snapshot inode, or nil.
func (fs *Filesystem) ActiveSnapshot() *Inode { return fs.active.Load() }

// Errored reports whether an inconsistency has been recorded.
func (fs *Filesystem) Errored() bool { return fs.errored.Load() }

// Start opens a journal handle with nblocks buffer credits.
func (fs *Filesystem) Start(nblocks int) (*journal.Handle, error) {
	if err := fs.checkWritable(); err != nil {
		return nil, err
	}
	return fs.journal.Start(nblocks)
}

func (fs *Filesystem) checkWritable() error {
	if fs.errored.Load() {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, fs.sb.ErrorMsg)
	}
	if fs.journal.Aborted() {
		return common.ErrAborted
	}
	return nil
}

// corrupt records an on-disk inconsistency: the filesystem is marked
// errored, the first message is preserved in the superblock, and
// further writes are refused.
func (fs *Filesystem) corrupt(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	log.WithField("detail", msg).Error("filesystem inconsistency")
	if fs.errored.CompareAndSwap(false, true) {
		fs.sb.State |= layout.StateErrors
		if fs.sb.ErrorMsg == "" {
			fs.sb.ErrorMsg = msg
		}
		if err := fs.writeSuper(); err != nil {
			log.WithError(err).Error("failed to record error state in superblock")
		}
	}
	return fmt.Errorf("%s: %w", msg, common.ErrInconsistency)
}

// writeSuper writes the superblock directly; it is not journaled.
func (fs *Filesystem) writeSuper() error {
	buf := make([]byte, fs.sb.BlockSize())
	fs.sb.Encode(buf)
	return fs.dev.WriteBlock(layout.SuperBlockNr, buf)
}
