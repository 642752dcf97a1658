package fs

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/journal"
	"nextfs/internal/layout"
)

// The truncate engine frees every block strictly beyond the inode's
// size, bottom-up and right-to-left, across as many journal
// sub-transactions as the credit budget demands. Each commit leaves
// the on-disk tree reachable and acyclic, and the orphan list makes
// the operation restartable after a crash.

// minTruncateCredits is the floor of the initial budget, kept at two
// so even a corrupt block count still lets the engine make progress.
const minTruncateCredits = 2

// truncateReserveCredits is the headroom checked before each freeing
// step. Under an active snapshot a single free can fan out into COW
// traffic, so the reserve is generous.
const truncateReserveCredits = 16

var truncateRestarts atomic.Int64

// TruncateRestarts returns the process-wide count of journal restarts
// performed by truncate engines. Observability for tests and tooling.
func TruncateRestarts() int64 { return truncateRestarts.Load() }

func (fs *Filesystem) truncateCredits(inode *Inode) int {
	c := int(inode.Blocks()/uint64(fs.sb.AddrPerBlock())) + 8
	if c > journal.MaxTransData {
		c = journal.MaxTransData
	}
	if c < minTruncateCredits {
		c = minTruncateCredits
	}
	return c
}

// Truncate frees all blocks of inode beyond its current size.
// Idempotent: re-running after a partial run (or a replayed crash)
// completes with the same final state.
func (fs *Filesystem) Truncate(inode *Inode) error {
	if inode.IsActiveSnapshot() {
		return fmt.Errorf("truncate of active snapshot %d: %w", inode.Ino, common.ErrPermission)
	}
	if err := fs.checkWritable(); err != nil {
		return err
	}
	h, err := fs.Start(fs.truncateCredits(inode))
	if err != nil {
		return err
	}
	inode.truncateMu.Lock()
	err = fs.doTruncate(h, inode)
	inode.truncateMu.Unlock()
	if stopErr := h.Stop(); err == nil {
		err = stopErr
	}
	return err
}

func (fs *Filesystem) doTruncate(h *journal.Handle, inode *Inode) error {
	bs := uint64(fs.sb.BlockSize())
	keep := uint32((inode.Size + bs - 1) / bs)

	if err := fs.orphanAdd(h, inode); err != nil {
		return err
	}
	if err := fs.WriteInode(h, inode); err != nil {
		return err
	}
	if err := fs.zeroTail(h, inode); err != nil {
		return err
	}
	if err := fs.freeBlocksFrom(h, inode, keep); err != nil {
		return err
	}

	now := uint32(time.Now().Unix())
	inode.mu.Lock()
	inode.Mtime = now
	inode.Ctime = now
	inode.mu.Unlock()

	if inode.LinksCount > 0 {
		if err := fs.orphanRemove(h, inode); err != nil {
			return err
		}
	}
	return fs.WriteInode(h, inode)
}

// zeroTail clears the bytes of the last surviving block beyond the
// new size. The block is moved into the snapshot first when an active
// snapshot still needs its old contents.
func (fs *Filesystem) zeroTail(h *journal.Handle, inode *Inode) error {
	bs := uint64(fs.sb.BlockSize())
	partial := inode.Size % bs
	if partial == 0 {
		return nil
	}
	lastIblock := uint32(inode.Size / bs)

	depth, offsets, _, err := fs.blockToPath(inode, lastIblock)
	if err != nil {
		if errors.Is(err, common.ErrOutOfRange) {
			return nil
		}
		return err
	}
	chain, holeAt, err := fs.getBranch(inode, depth, offsets)
	if err != nil {
		return err
	}
	defer fs.releaseChain(chain)
	if holeAt >= 0 {
		return nil
	}

	leaf := &chain[depth-1]
	phys := leaf.key
	if newPhys, moved, err := fs.moveMappedBlock(h, inode, leaf, phys); err != nil {
		return err
	} else if moved {
		phys = newPhys
	}

	b, err := fs.cache.Get(phys)
	if err != nil {
		return err
	}
	defer fs.cache.Release(b)
	data := b.Data()
	for i := partial; i < bs; i++ {
		data[i] = 0
	}
	if err := b.MarkDirty(); err != nil {
		return fs.corrupt("tail block %d of inode %d: %v", phys, inode.Ino, err)
	}
	return fs.cache.Flush(b)
}

// rootLevels returns the number of indirect levels below inode slot
// idx: 0 for direct slots, up to 3 for the triple-indirect roots
// (including a snapshot file's extra roots).
func rootLevels(idx int) int {
	switch {
	case idx < layout.NDirBlocks:
		return 0
	case idx == layout.IndBlock:
		return 1
	case idx == layout.DIndBlock:
		return 2
	default:
		return 3
	}
}

func allZero(offsets []int) bool {
	for _, o := range offsets {
		if o != 0 {
			return false
		}
	}
	return true
}

// freeBlocksFrom detaches and frees every branch mapping logical
// blocks >= keep.
func (fs *Filesystem) freeBlocksFrom(h *journal.Handle, inode *Inode, keep uint32) error {
	nslots := inode.slotCount()

	if keep == 0 {
		if err := fs.freeInodeLeafRange(h, inode, 0, layout.NDirBlocks); err != nil {
			return err
		}
		for idx := layout.NDirBlocks; idx < nslots; idx++ {
			if err := fs.freeBranchSlot(h, inode, indirect{index: idx}, rootLevels(idx)); err != nil {
				return err
			}
		}
		return nil
	}

	depth, offsets, _, err := fs.blockToPath(inode, keep)
	if err != nil {
		if errors.Is(err, common.ErrOutOfRange) {
			return nil
		}
		return err
	}

	fullFrom := offsets[0]
	if depth == 1 {
		if err := fs.freeInodeLeafRange(h, inode, offsets[0], layout.NDirBlocks); err != nil {
			return err
		}
		fullFrom = layout.NDirBlocks
	} else if allZero(offsets[1:]) {
		// The cut aligns with the subtree start: the whole root goes.
	} else {
		// The deepest partial indirect straddles the cut; everything
		// to its right inside the shared branch is detached.
		root := indirect{index: offsets[0], key: inode.Slot(offsets[0])}
		if root.key != 0 {
			if err := fs.trimSubtree(h, inode, root, offsets[1:], rootLevels(offsets[0])); err != nil {
				return err
			}
		}
		fullFrom = offsets[0] + 1
	}
	if fullFrom < layout.NDirBlocks {
		fullFrom = layout.NDirBlocks
	}
	for idx := fullFrom; idx < nslots; idx++ {
		if err := fs.freeBranchSlot(h, inode, indirect{index: idx}, rootLevels(idx)); err != nil {
			return err
		}
	}
	return nil
}

// trimSubtree frees the right part of a partially surviving subtree.
// parent addresses the slot holding the subtree root; cut[0] is the
// first affected slot at the root's level, deeper cut entries refine
// the split below it. levels is the indirect depth of the subtree.
func (fs *Filesystem) trimSubtree(h *journal.Handle, inode *Inode, parent indirect, cut []int, levels int) error {
	b, err := fs.cache.Get(parent.key)
	if err != nil {
		return err
	}
	defer fs.cache.Release(b)

	ptrs := int(fs.sb.AddrPerBlock())
	if levels == 1 {
		return fs.freeBufLeafRange(h, inode, b, cut[0], ptrs)
	}
	idx := cut[0]
	if !allZero(cut[1:]) {
		child := indirect{buf: b, index: idx, key: slotOf(b, idx)}
		if child.key == parent.key {
			return fs.corrupt("indirect block %d points to itself", parent.key)
		}
		if child.key != 0 {
			if err := fs.trimSubtree(h, inode, child, cut[1:], levels-1); err != nil {
				return err
			}
		}
		idx++
	}
	for i := idx; i < ptrs; i++ {
		if err := fs.freeBranchSlot(h, inode, indirect{buf: b, index: i}, levels-1); err != nil {
			return err
		}
	}
	return nil
}

// freeBranchSlot frees the whole subtree hanging off one slot,
// bottom-up, then the subtree root itself, and zeroes the slot.
// levels is the indirect depth (0 = the slot is a leaf pointer,
// handled by the leaf-range paths instead).
func (fs *Filesystem) freeBranchSlot(h *journal.Handle, inode *Inode, cont indirect, levels int) error {
	key := cont.read(inode)
	if key == 0 {
		return nil
	}
	if levels == 0 {
		// A bare leaf slot: free it as a single-block run.
		if cont.buf != nil {
			return fs.freeBufLeafRange(h, inode, cont.buf, cont.index, cont.index+1)
		}
		return fs.freeInodeLeafRange(h, inode, cont.index, cont.index+1)
	}
	if cont.buf != nil && key == cont.buf.Nr() {
		return fs.corrupt("indirect block %d points to itself", key)
	}

	b, err := fs.cache.Get(key)
	if err != nil {
		return err
	}
	ptrs := int(fs.sb.AddrPerBlock())
	if levels == 1 {
		err = fs.freeBufLeafRange(h, inode, b, 0, ptrs)
	} else {
		for i := 0; i < ptrs && err == nil; i++ {
			err = fs.freeBranchSlot(h, inode, indirect{buf: b, index: i}, levels-1)
		}
	}
	if err != nil {
		fs.cache.Release(b)
		return err
	}

	if err := fs.ensureCredits(h, inode, truncateReserveCredits); err != nil {
		fs.cache.Release(b)
		return err
	}
	// The indirect block is history: drop its journaled state, tell
	// replay to ignore older records for it, and free it.
	if err := h.Forget(b); err != nil {
		log.WithField("block", key).WithError(err).Warn("forget of freed indirect failed")
	}
	if err := h.Revoke(key); err != nil {
		log.WithField("block", key).WithError(err).Warn("revoke of freed indirect failed")
	}
	fs.cache.Release(b)
	fs.cache.Forget(key)
	if err := fs.alloc.FreeBlocks(h, key, 1); err != nil {
		return err
	}
	inode.subBlocks(1)
	return fs.zeroSlot(h, inode, cont)
}

// zeroSlot clears the parent slot of a freed subtree under write
// access. Inode-rooted slots persist with the next WriteInode, which
// every restart performs first.
func (fs *Filesystem) zeroSlot(h *journal.Handle, inode *Inode, cont indirect) error {
	if cont.buf == nil {
		inode.setSlot(cont.index, 0)
		return nil
	}
	if err := fs.GetWriteAccess(h, cont.buf); err != nil {
		return err
	}
	setSlotOf(cont.buf, cont.index, 0)
	return h.DirtyMetadata(cont.buf)
}

// freeInodeLeafRange frees direct leaf slots [from, to) of the inode
// slot array, batching physically contiguous runs into single
// allocator calls.
func (fs *Filesystem) freeInodeLeafRange(h *journal.Handle, inode *Inode, from, to int) error {
	return fs.freeLeafRange(h, inode, nil, from, to)
}

// freeBufLeafRange frees leaf slots [from, to) of an indirect buffer.
func (fs *Filesystem) freeBufLeafRange(h *journal.Handle, inode *Inode, b *buffer.Buf, from, to int) error {
	return fs.freeLeafRange(h, inode, b, from, to)
}

func (fs *Filesystem) freeLeafRange(h *journal.Handle, inode *Inode, b *buffer.Buf, from, to int) error {
	read := func(i int) uint32 {
		if b == nil {
			return inode.Slot(i)
		}
		return slotOf(b, i)
	}

	i := from
	for i < to {
		if read(i) == 0 {
			i++
			continue
		}
		// Collect one physically contiguous run.
		start := read(i)
		n := 1
		for i+n < to && read(i+n) == start+uint32(n) {
			n++
		}
		if err := fs.ensureCredits(h, inode, truncateReserveCredits); err != nil {
			return err
		}
		if b != nil {
			if err := fs.GetWriteAccess(h, b); err != nil {
				return err
			}
		}
		for j := 0; j < n; j++ {
			if b == nil {
				inode.setSlot(i+j, 0)
			} else {
				setSlotOf(b, i+j, 0)
			}
		}
		if b != nil {
			if err := h.DirtyMetadata(b); err != nil {
				return err
			}
		}
		if err := fs.alloc.FreeBlocks(h, start, uint32(n)); err != nil {
			return err
		}
		inode.subBlocks(uint64(n))
		i += n
	}
	return nil
}

// ensureCredits guarantees room for the next few journaled writes,
// restarting the transaction when the running one is exhausted. The
// restart temporarily releases the inode truncate lock so writers
// blocked on it observe the intermediate consistent state.
func (fs *Filesystem) ensureCredits(h *journal.Handle, inode *Inode, need int) error {
	if h.Credits() >= need && h.TxRoom() >= need {
		return nil
	}
	// Persist the inode before the commit so a crash replays from a
	// consistent cut.
	if err := fs.WriteInode(h, inode); err != nil {
		return err
	}
	truncateRestarts.Add(1)
	inode.truncateMu.Unlock()
	err := h.Restart(journal.MaxTransData)
	inode.truncateMu.Lock()
	return err
}

// DeleteInode truncates the inode to zero and releases it. The inode
// stays on the orphan list across the truncate so a crash replays the
// deletion.
func (fs *Filesystem) DeleteInode(inode *Inode) error {
	if inode.IsActiveSnapshot() {
		return fmt.Errorf("delete of active snapshot %d: %w", inode.Ino, common.ErrPermission)
	}
	inode.mu.Lock()
	inode.Size = 0
	inode.LinksCount = 0
	inode.mu.Unlock()

	if err := fs.Truncate(inode); err != nil {
		return err
	}

	h, err := fs.Start(8)
	if err != nil {
		return err
	}
	defer h.Stop()
	if err := fs.orphanRemove(h, inode); err != nil {
		return err
	}
	inode.mu.Lock()
	inode.Dtime = uint32(time.Now().Unix())
	inode.mu.Unlock()
	if err := fs.WriteInode(h, inode); err != nil {
		return err
	}
	if err := fs.alloc.FreeInode(h, inode.Ino); err != nil {
		return err
	}
	fs.forgetInode(inode.Ino)
	return nil
}
