package fs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/common"
	"nextfs/internal/journal"
)

// COW bitmap lifecycle. Per (active snapshot, block group) the engine
// keeps a snapshot-private copy of the group's block bitmap, taken the
// first time the snapshot sees the group. A set bit means the block
// was in use at snapshot-take time and its pre-image must be
// preserved. The per-group cache is volatile: it lives in memory for
// the duration of the activation and is rebuilt from the snapshot's
// own mapping on remount, never written to the group descriptor.

// testCowBitmap reports whether block nr was in use when the active
// snapshot was taken. Blocks in front of group 0 (superblock and
// descriptor table) are outside every group bitmap and outside the
// snapshot's mappable range; they are not preserved.
func (fs *Filesystem) testCowBitmap(h *journal.Handle, nr uint32) (bool, error) {
	if nr < fs.sb.FirstDataBlock {
		return false, nil
	}
	if nr >= fs.sb.BlocksCount {
		return false, fmt.Errorf("block %d beyond device: %w", nr, common.ErrOutOfRange)
	}
	group := fs.sb.GroupOfBlock(nr)
	snapBlock, err := fs.ensureCowBitmap(h, group)
	if err != nil {
		return false, err
	}
	bh, err := fs.cache.Get(snapBlock)
	if err != nil {
		return false, fmt.Errorf("reading COW bitmap of group %d: %w", group, err)
	}
	defer fs.cache.Release(bh)
	bit := fs.sb.BitOfBlock(nr)
	return bh.Data()[bit/8]&(1<<(bit%8)) != 0, nil
}

// ensureCowBitmap returns the snapshot block holding group's COW
// bitmap, materializing it on first access: the snapshot block is
// mapped at the logical offset equal to the physical address of the
// group's block bitmap, and the live bitmap is copied into it under
// the group lock, masked by the exclude bitmap.
func (fs *Filesystem) ensureCowBitmap(h *journal.Handle, group uint32) (uint32, error) {
	fs.cowMu.Lock()
	defer fs.cowMu.Unlock()
	if nr := fs.cowBitmaps[group]; nr != 0 {
		return nr, nil
	}
	active := fs.active.Load()
	if active == nil {
		return 0, fmt.Errorf("COW bitmap requested without an active snapshot")
	}
	d, err := fs.alloc.GroupDesc(group)
	if err != nil {
		return 0, err
	}

	// Map (or find) the snapshot block at logical offset = physical
	// bitmap address. The indirect blocks backing this mapping are
	// written synchronously so the mapping is never reserved against
	// the journal.
	wasCowing := h.Cowing()
	h.SetCowing(true)
	res, err := fs.MapBlock(h, active, d.BlockBitmap, 1, MapCreate|MapCow|MapSync)
	h.SetCowing(wasCowing)
	if err != nil {
		return 0, fmt.Errorf("mapping COW bitmap for group %d: %w", group, err)
	}

	if res.PendingBuf == nil {
		// An earlier activation of this snapshot copied the bitmap
		// already; only the volatile cache was lost.
		fs.cowBitmaps[group] = res.Phys
		return res.Phys, nil
	}
	pend := res.PendingBuf

	fail := func(cause error) (uint32, error) {
		pend.CancelPending()
		fs.cache.Release(pend)
		return 0, cause
	}

	if err := h.GetCreateAccess(pend); err != nil {
		return fail(err)
	}
	live, err := fs.cache.Get(d.BlockBitmap)
	if err != nil {
		return fail(fmt.Errorf("reading block bitmap of group %d: %w", group, err))
	}
	excl, err := fs.alloc.ReadExcludeBitmap(group)
	if err != nil {
		fs.cache.Release(live)
		return fail(err)
	}

	// The copy runs under the group lock. Every other bitmap modifier
	// holds write access, which routes through this engine and the
	// same lock; the only in-flight change is the active snapshot's
	// own allocation activity, which the copy need not see.
	fs.alloc.LockGroup(group)
	dst := pend.Data()
	src := live.Data()
	if excl != nil {
		ex := excl.Data()
		for i := range dst {
			dst[i] = src[i] &^ ex[i]
		}
	} else {
		copy(dst, src)
	}
	fs.alloc.UnlockGroup(group)

	fs.cache.Release(live)
	if excl != nil {
		fs.cache.Release(excl)
	}

	pend.CompletePending()
	if err := h.DirtyMetadata(pend); err != nil {
		fs.cache.Release(pend)
		return 0, err
	}
	fs.cache.Release(pend)
	fs.cowBitmaps[group] = res.Phys

	log.WithFields(log.Fields{
		"group":    group,
		"bitmap":   d.BlockBitmap,
		"copy":     res.Phys,
		"snapshot": active.Ino,
	}).Debug("initialized COW bitmap")
	return res.Phys, nil
}

// resetCowBitmaps drops the volatile per-group cache. Called when the
// active snapshot changes.
func (fs *Filesystem) resetCowBitmaps() {
	fs.cowMu.Lock()
	defer fs.cowMu.Unlock()
	for i := range fs.cowBitmaps {
		fs.cowBitmaps[i] = 0
	}
}
