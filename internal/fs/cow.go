package fs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/journal"
)

// The snapshot COW engine sits on two primitives: testAndCow copies
// the pre-image of a metadata block into the active snapshot before
// the block is modified, and testAndMove re-parents a data block into
// the snapshot so the writer gets a fresh block instead. The engine
// is invoked only through the access hooks below; a handle running a
// COW operation is marked cowing, and every hook reached under that
// mark is a no-op — otherwise splicing the snapshot's own indirect
// tree would recurse forever.

// GetWriteAccess is the hook in front of every metadata
// modification: COW the pre-image, then reserve journal space.
func (fs *Filesystem) GetWriteAccess(h *journal.Handle, b *buffer.Buf) error {
	if err := fs.cow(h, b); err != nil {
		return err
	}
	return h.GetWriteAccess(b)
}

// WriteAccess adapts GetWriteAccess to the allocator hook interface.
func (fs *Filesystem) WriteAccess(h *journal.Handle, b *buffer.Buf) error {
	return fs.GetWriteAccess(h, b)
}

// GetCreateAccess is the hook behind the allocator: a newly allocated
// metadata block needs no pre-image, but if the COW bitmap still
// claims it for the snapshot, the allocator handed out a block the
// snapshot references — on-disk corruption.
func (fs *Filesystem) GetCreateAccess(h *journal.Handle, b *buffer.Buf) error {
	if err := h.GetCreateAccess(b); err != nil {
		return err
	}
	if fs.active.Load() == nil || h.Cowing() {
		return nil
	}
	needed, err := fs.testCowBitmap(h, b.Nr())
	if err != nil {
		return err
	}
	if needed {
		return fs.corrupt("allocator returned block %d still referenced by the active snapshot", b.Nr())
	}
	return nil
}

// GetBitmapAccess is the hook in front of block-bitmap modification:
// materialize the group's COW bitmap first, then COW the bitmap
// block itself.
func (fs *Filesystem) GetBitmapAccess(h *journal.Handle, group uint32, bh *buffer.Buf) error {
	if fs.active.Load() != nil && h != nil && !h.Cowing() {
		if _, err := fs.ensureCowBitmap(h, group); err != nil {
			return err
		}
		if err := fs.cow(h, bh); err != nil {
			return err
		}
	}
	return h.GetWriteAccess(bh)
}

// BitmapAccess adapts GetBitmapAccess to the allocator hook interface.
func (fs *Filesystem) BitmapAccess(h *journal.Handle, group uint32, bh *buffer.Buf) error {
	return fs.GetBitmapAccess(h, group, bh)
}

// GetMoveAccess is the hook in front of an in-place data overwrite:
// if the snapshot needs block phys preserved, the block itself is
// spliced into the snapshot (no copy) and the caller must switch the
// inode to a fresh block. Returns whether the snapshot took it.
func (fs *Filesystem) GetMoveAccess(h *journal.Handle, inode *Inode, phys uint32) (bool, error) {
	active := fs.active.Load()
	if active == nil || h == nil || h.Cowing() || inode.IsSnapfile() {
		return false, nil
	}
	needed, err := fs.testCowBitmap(h, phys)
	if err != nil || !needed {
		return false, err
	}

	h.SetCowing(true)
	defer h.SetCowing(false)

	mapped, err := fs.snapshotMapped(active, phys)
	if err != nil {
		return false, err
	}
	if mapped {
		// Already preserved; the writer may overwrite in place.
		return false, nil
	}
	if _, err := fs.MapBlock(h, active, phys, 1, MapCreate|MapMove); err != nil {
		return false, err
	}
	if err := fs.quota.Transfer(inode.UID, active.UID, 1); err != nil {
		log.WithFields(log.Fields{"block": phys, "snapshot": active.Ino}).WithError(err).
			Warn("quota transfer for moved block failed")
	}
	return true, nil
}

// DeleteAccess is the hook in front of FreeBlocks: blocks the active
// snapshot still needs are inherited directly instead of freed.
// Implements the allocator hook interface.
func (fs *Filesystem) DeleteAccess(h *journal.Handle, first, count uint32) ([]bool, error) {
	active := fs.active.Load()
	if active == nil || h == nil || h.Cowing() {
		return nil, nil
	}
	var skip []bool
	for i := uint32(0); i < count; i++ {
		phys := first + i
		needed, err := fs.testCowBitmap(h, phys)
		if err != nil {
			return skip, err
		}
		if !needed {
			continue
		}
		mapped, err := fs.snapshotMapped(active, phys)
		if err != nil {
			return skip, err
		}
		if mapped {
			continue // a copy exists; the original may be freed
		}
		h.SetCowing(true)
		_, err = fs.MapBlock(h, active, phys, 1, MapCreate|MapMove)
		h.SetCowing(false)
		if err != nil {
			return skip, err
		}
		if err := fs.quota.Charge(active.UID, 1); err != nil {
			log.WithField("snapshot", active.Ino).WithError(err).
				Warn("quota charge for inherited block failed")
		}
		if skip == nil {
			skip = make([]bool, count)
		}
		skip[i] = true
	}
	return skip, nil
}

// cow ensures the pre-image of metadata block b is present in the
// active snapshot. No-op without an active snapshot, under a cowing
// handle, or when the transaction-local cache shows the block was
// already copied in this transaction.
func (fs *Filesystem) cow(h *journal.Handle, b *buffer.Buf) error {
	active := fs.active.Load()
	if active == nil || h == nil || h.Cowing() {
		return nil
	}
	if h.Aborted() {
		return common.ErrAborted
	}
	if fs.cowCached(h, b) {
		return nil
	}
	needed, err := fs.testCowBitmap(h, b.Nr())
	if err != nil {
		return err
	}
	if !needed {
		fs.tagCowed(h, b)
		return nil
	}
	return fs.testAndCow(h, active, b)
}

// testAndCow copies b's pre-modification contents into the active
// snapshot: allocate a snapshot block at logical offset b.Nr(), park
// it pending, reserve journal space, copy, dirty, publish.
func (fs *Filesystem) testAndCow(h *journal.Handle, active *Inode, b *buffer.Buf) error {
	h.SetCowing(true)
	defer h.SetCowing(false)

	mapped, err := fs.snapshotMapped(active, b.Nr())
	if err != nil {
		return err
	}
	if mapped {
		fs.tagCowed(h, b)
		return nil
	}

	res, err := fs.MapBlock(h, active, b.Nr(), 1, MapCreate|MapCow)
	if err != nil {
		return fmt.Errorf("allocating snapshot copy of block %d: %w", b.Nr(), err)
	}
	pend := res.PendingBuf
	if pend == nil {
		// A racing COW of the same block finished first.
		fs.tagCowed(h, b)
		return nil
	}
	if err := h.GetCreateAccess(pend); err != nil {
		pend.CancelPending()
		fs.cache.Release(pend)
		return err
	}
	copy(pend.Data(), b.Data())
	pend.CompletePending()
	if err := h.DirtyMetadata(pend); err != nil {
		fs.cache.Release(pend)
		return err
	}
	fs.cache.Release(pend)
	fs.tagCowed(h, b)

	log.WithFields(log.Fields{
		"block":    b.Nr(),
		"copy":     res.Phys,
		"snapshot": active.Ino,
		"tid":      h.TID(),
	}).Debug("copied pre-image into snapshot")
	return nil
}

// snapshotMapped reports whether the snapshot maps logical offset
// phys (i.e. already holds a preserved block for it).
func (fs *Filesystem) snapshotMapped(snap *Inode, phys uint32) (bool, error) {
	depth, offsets, _, err := fs.blockToPath(snap, phys)
	if err != nil {
		return false, err
	}
	for attempt := 0; ; attempt++ {
		chain, holeAt, err := fs.getBranch(snap, depth, offsets)
		if err != nil {
			if common.IsRetryable(err) && attempt == 0 {
				continue
			}
			return false, err
		}
		fs.releaseChain(chain)
		return holeAt < 0, nil
	}
}
