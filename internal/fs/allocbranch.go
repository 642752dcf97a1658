package fs

import (
	log "github.com/sirupsen/logrus"

	"nextfs/internal/buffer"
	"nextfs/internal/journal"
)

// MapMode carries the orthogonal mapping-request flags.
type MapMode uint32

const (
	// MapCreate allocates missing branches.
	MapCreate MapMode = 1 << iota
	// MapCow allocates a snapshot's private copy of a block;
	// allocation failures must let the caller cancel its pending
	// marker.
	MapCow
	// MapMove reuses the caller's existing physical block as the leaf;
	// only missing indirect blocks are allocated.
	MapMove
	// MapSync writes new indirect buffers synchronously, bypassing the
	// journal. Used exactly for the indirect blocks that map COW
	// bitmap blocks.
	MapSync
)

// allocBlocks obtains the blocks a new branch needs: indirectBlks
// single blocks for the missing tree levels plus a contiguous leaf
// run of up to leafWanted blocks. Best-effort: the leaf run may be
// shorter than wanted but never empty. Quota is charged to the
// mapped inode's owner — for snapshot copies and moves that inode is
// the snapshot itself.
func (fs *Filesystem) allocBlocks(h *journal.Handle, inode *Inode, goal uint32,
	indirectBlks int, leafWanted uint32, mode MapMode) ([]uint32, uint32, uint32, error) {

	var allocated []uint32
	cleanup := func() {
		for _, nr := range allocated {
			if err := fs.alloc.FreeBlocks(h, nr, 1); err != nil {
				log.WithFields(log.Fields{"block": nr}).WithError(err).
					Warn("rollback free failed")
			}
		}
		fs.quota.Refund(inode.UID, int64(len(allocated)))
	}

	for i := 0; i < indirectBlks; i++ {
		nr, _, err := fs.alloc.NewBlocks(h, goal, 1)
		if err != nil {
			cleanup()
			return nil, 0, 0, err
		}
		if err := fs.quota.Charge(inode.UID, 1); err != nil {
			fs.alloc.FreeBlocks(h, nr, 1)
			cleanup()
			return nil, 0, 0, err
		}
		allocated = append(allocated, nr)
	}

	if mode&MapMove != 0 {
		return allocated, 0, 0, nil
	}

	leafFirst, leafCount, err := fs.alloc.NewBlocks(h, goal, leafWanted)
	if err != nil {
		cleanup()
		return nil, 0, 0, err
	}
	if err := fs.quota.Charge(inode.UID, int64(leafCount)); err != nil {
		fs.alloc.FreeBlocks(h, leafFirst, leafCount)
		cleanup()
		return nil, 0, 0, err
	}
	return allocated, leafFirst, leafCount, nil
}

// allocBranch builds the missing tail of a branch: the indirect
// blocks below the hole plus the leaf run, fully initialized and
// journaled (or written through in MapSync mode) but not yet linked
// into the tree. Returns the subtree root, the leaf run, and the
// pinned new indirect buffers (released by the caller after splice).
// On failure the on-disk tree is untouched: new buffers are
// forgotten, their journal reservations revoked and the blocks freed.
func (fs *Filesystem) allocBranch(h *journal.Handle, inode *Inode, offsets []int,
	holeAt, depth int, goal uint32, leafWanted uint32, mode MapMode,
	leafPhys uint32) (uint32, uint32, uint32, []*buffer.Buf, error) {

	indirectBlks := depth - 1 - holeAt
	indirects, leafFirst, leafCount, err := fs.allocBlocks(h, inode, goal, indirectBlks, leafWanted, mode)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	if mode&MapMove != 0 {
		leafFirst, leafCount = leafPhys, 1
	}

	var bufs []*buffer.Buf
	fail := func(cause error) (uint32, uint32, uint32, []*buffer.Buf, error) {
		for _, b := range bufs {
			if mode&MapSync == 0 {
				if err := h.Forget(b); err != nil {
					log.WithField("block", b.Nr()).WithError(err).Warn("forget failed during rollback")
				}
				if err := h.Revoke(b.Nr()); err != nil {
					log.WithField("block", b.Nr()).WithError(err).Warn("revoke failed during rollback")
				}
			}
			fs.cache.Release(b)
			fs.cache.Forget(b.Nr())
		}
		freed := int64(0)
		for _, nr := range indirects {
			if err := fs.alloc.FreeBlocks(h, nr, 1); err == nil {
				freed++
			}
		}
		if mode&MapMove == 0 {
			if err := fs.alloc.FreeBlocks(h, leafFirst, leafCount); err == nil {
				freed += int64(leafCount)
			}
		}
		fs.quota.Refund(inode.UID, freed)
		return 0, 0, 0, nil, cause
	}

	for i := 0; i < indirectBlks; i++ {
		b := fs.cache.GetNew(indirects[i])
		bufs = append(bufs, b)
		if err := b.MarkUptodate(); err != nil {
			return fail(err)
		}
		if mode&MapSync == 0 {
			if err := fs.GetCreateAccess(h, b); err != nil {
				return fail(err)
			}
		}
		off := offsets[holeAt+1+i]
		if i == indirectBlks-1 {
			for j := uint32(0); j < leafCount; j++ {
				setSlotOf(b, off+int(j), leafFirst+j)
			}
		} else {
			setSlotOf(b, off, indirects[i+1])
		}
		if mode&MapSync != 0 {
			if err := fs.cache.WriteThrough(b); err != nil {
				return fail(err)
			}
		} else if err := h.DirtyMetadata(b); err != nil {
			return fail(err)
		}
	}

	root := leafFirst
	if indirectBlks > 0 {
		root = indirects[0]
	}
	return root, leafFirst, leafCount, bufs, nil
}

// spliceBranch atomically links a prepared branch into the tree. The
// write of the splice pointer into the parent slot is the
// linearization point publishing the new branch. Called with the
// inode's truncate mutex held.
func (fs *Filesystem) spliceBranch(h *journal.Handle, inode *Inode, iblock uint32,
	parent *indirect, root, leafFirst, leafCount uint32, directLeaves bool) error {

	if parent.buf != nil {
		if err := fs.GetWriteAccess(h, parent.buf); err != nil {
			return err
		}
	}
	if got := parent.read(inode); got != parent.key {
		return fs.corrupt("splice point of inode %d moved: %d != %d", inode.Ino, got, parent.key)
	}
	parent.write(inode, root)
	if directLeaves {
		// No new indirects: the rest of the leaf run lands in the
		// slots following the splice point of the same container.
		for j := uint32(1); j < leafCount; j++ {
			p := indirect{buf: parent.buf, index: parent.index + int(j)}
			p.write(inode, leafFirst+j)
		}
	}

	inode.mu.Lock()
	inode.lastLogical = iblock + leafCount - 1
	inode.lastPhysical = leafFirst + leafCount - 1
	inode.lastValid = true
	inode.mu.Unlock()
	inode.touchCtime()

	if parent.buf != nil {
		if err := h.DirtyMetadata(parent.buf); err != nil {
			return err
		}
	}
	return fs.WriteInode(h, inode)
}
