package fs

import (
	"fmt"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/journal"
)

// MapFlags describes a mapping result.
type MapFlags uint32

const (
	// FlagMapped means Phys holds a valid physical block.
	FlagMapped MapFlags = 1 << iota
	// FlagNew means the block (or run) was allocated by this call.
	FlagNew
	// FlagBoundary means the run ends at the last leaf slot of its
	// indirect block.
	FlagBoundary
)

// MapResult is the outcome of MapBlock. Count may exceed 1 for
// contiguous runs. PendingBuf is set only for MapCow requests: the
// pinned, pending leaf buffer the COW engine fills and publishes.
type MapResult struct {
	Phys       uint32
	Count      uint32
	Flags      MapFlags
	PendingBuf *buffer.Buf
}

// MapBlock translates a logical block of inode to a physical block,
// optionally allocating and splicing a missing branch. This is the
// single primitive the page-cache and VFS layers invoke.
//
// A chain verification conflict (concurrent truncate) is retried once
// under the inode truncate mutex before surfacing ErrConflict.
func (fs *Filesystem) MapBlock(h *journal.Handle, inode *Inode, iblock, maxBlocks uint32, mode MapMode) (MapResult, error) {
	if maxBlocks == 0 {
		maxBlocks = 1
	}
	// The active snapshot is reached only through COW operations; any
	// other access would corrupt the pre-images it guards.
	if inode.IsActiveSnapshot() && (h == nil || !h.Cowing()) {
		return MapResult{}, fmt.Errorf("direct access to active snapshot %d: %w", inode.Ino, common.ErrPermission)
	}
	if mode&MapCreate != 0 {
		if h == nil {
			return MapResult{}, fmt.Errorf("mapping with create requires a journal handle")
		}
		if err := fs.checkWritable(); err != nil {
			return MapResult{}, err
		}
	}

	depth, offsets, boundary, err := fs.blockToPath(inode, iblock)
	if err != nil {
		return MapResult{}, err
	}

	if mode&MapCreate != 0 && mode&MapMove != 0 {
		// Write-intent mapping: the leaf may be re-pointed at a fresh
		// block, which is a branch mutation like any other.
		inode.truncateMu.Lock()
		defer inode.truncateMu.Unlock()
		res, err := fs.lookupMapping(h, inode, iblock, maxBlocks, depth, offsets, boundary, mode)
		if err != nil {
			return MapResult{}, err
		}
		if res.Flags&FlagMapped != 0 {
			return res, nil
		}
		return fs.createMapping(h, inode, iblock, maxBlocks, depth, offsets, boundary, mode)
	}

	res, err := fs.lookupMapping(h, inode, iblock, maxBlocks, depth, offsets, boundary, mode)
	if common.IsRetryable(err) {
		// One retry from scratch under the truncate mutex: the
		// concurrent truncation has either finished or will observe
		// our splice serialized after it.
		inode.truncateMu.Lock()
		res, err = fs.lookupMapping(h, inode, iblock, maxBlocks, depth, offsets, boundary, mode)
		inode.truncateMu.Unlock()
	}
	if err != nil {
		return MapResult{}, err
	}
	if res.Flags&FlagMapped != 0 || mode&MapCreate == 0 {
		return res, nil
	}

	// Hole, and the caller wants it filled.
	inode.truncateMu.Lock()
	defer inode.truncateMu.Unlock()
	return fs.createMapping(h, inode, iblock, maxBlocks, depth, offsets, boundary, mode)
}

// lookupMapping resolves an existing mapping without mutating the
// tree. For MapMove requests on a mapped data block it triggers
// move-on-write.
func (fs *Filesystem) lookupMapping(h *journal.Handle, inode *Inode, iblock, maxBlocks uint32,
	depth int, offsets []int, boundary uint32, mode MapMode) (MapResult, error) {

	chain, holeAt, err := fs.getBranch(inode, depth, offsets)
	if err != nil {
		return MapResult{}, err
	}
	defer fs.releaseChain(chain)

	if holeAt >= 0 {
		return MapResult{}, nil
	}

	leaf := &chain[depth-1]
	phys := leaf.key

	if mode&MapMove != 0 && mode&MapCreate != 0 {
		newPhys, moved, err := fs.moveMappedBlock(h, inode, leaf, phys)
		if err != nil {
			return MapResult{}, err
		}
		if moved {
			return MapResult{Phys: newPhys, Count: 1, Flags: FlagMapped | FlagNew}, nil
		}
	}

	// Count the contiguous run after the mapped position, bounded by
	// the indirect boundary.
	count := uint32(1)
	limit := maxBlocks
	if boundary+1 < limit {
		limit = boundary + 1
	}
	for count < limit {
		next := indirect{buf: leaf.buf, index: leaf.index + int(count)}
		if next.read(inode) != phys+count {
			break
		}
		count++
	}
	flags := FlagMapped
	if count == boundary+1 {
		flags |= FlagBoundary
	}
	return MapResult{Phys: phys, Count: count, Flags: flags}, nil
}

// createMapping fills a hole: plans the leaf run, allocates the
// missing branch and splices it. Runs under the inode truncate mutex.
func (fs *Filesystem) createMapping(h *journal.Handle, inode *Inode, iblock, maxBlocks uint32,
	depth int, offsets []int, boundary uint32, mode MapMode) (MapResult, error) {

	chain, holeAt, err := fs.getBranch(inode, depth, offsets)
	if err != nil {
		if common.IsRetryable(err) {
			// Nobody can race us under the truncate mutex.
			return MapResult{}, fs.corrupt("branch of inode %d changed under truncate lock", inode.Ino)
		}
		return MapResult{}, err
	}
	defer fs.releaseChain(chain)

	if holeAt < 0 {
		// A racing writer filled the hole first; report its mapping.
		leaf := &chain[depth-1]
		return MapResult{Phys: leaf.key, Count: 1, Flags: FlagMapped}, nil
	}

	// A hole of an ordinary file has no existing block to reuse as the
	// leaf: a write-intent request fills it with a fresh block.
	if !inode.IsSnapfile() {
		mode &^= MapMove
	}

	// Plan the leaf run: within the deepest indirect only, and only
	// across consecutive holes.
	wanted := maxBlocks
	if boundary+1 < wanted {
		wanted = boundary + 1
	}
	if mode&(MapCow|MapMove) != 0 {
		wanted = 1
	}
	if holeAt == depth-1 {
		partial := &chain[holeAt]
		n := uint32(1)
		for n < wanted {
			next := indirect{buf: partial.buf, index: partial.index + int(n)}
			if next.read(inode) != 0 {
				break
			}
			n++
		}
		wanted = n
	}

	var goal uint32
	if mode&MapCow != 0 {
		// Snapshot copies go near their sources; the snapshot's
		// logical offset is the source physical block.
		goal = iblock
	} else {
		goal = fs.findGoal(inode, iblock, &chain[holeAt])
	}

	var leafPhys uint32
	if mode&MapMove != 0 {
		leafPhys = iblock // snapshot logical offset == device block
	}
	root, leafFirst, leafCount, bufs, err := fs.allocBranch(h, inode, offsets, holeAt, depth, goal, wanted, mode, leafPhys)
	if err != nil {
		return MapResult{}, err
	}
	releaseBufs := func() {
		for _, b := range bufs {
			fs.cache.Release(b)
		}
	}

	var pend *buffer.Buf
	if mode&MapCow != 0 && mode&MapMove == 0 {
		// Park the new snapshot block pending before the splice
		// publishes it: a racing snapshot reader must find the marker,
		// not stale device contents.
		pend = fs.cache.GetNew(leafFirst)
		if err := pend.SetPending(); err != nil {
			fs.cache.Release(pend)
			releaseBufs()
			return MapResult{}, fs.corrupt("fresh snapshot block %d has live state: %v", leafFirst, err)
		}
	}

	if err := fs.spliceBranch(h, inode, iblock, &chain[holeAt], root, leafFirst, leafCount, holeAt == depth-1); err != nil {
		if pend != nil {
			pend.CancelPending()
			fs.cache.Release(pend)
		}
		releaseBufs()
		return MapResult{}, err
	}
	releaseBufs()
	inode.addBlocks(uint64(leafCount) + uint64(depth-1-holeAt))

	flags := FlagMapped | FlagNew
	if leafCount == boundary+1 {
		flags |= FlagBoundary
	}
	return MapResult{Phys: leafFirst, Count: leafCount, Flags: flags, PendingBuf: pend}, nil
}

// moveMappedBlock implements move-on-write for a mapped data block:
// the block itself migrates into the active snapshot and the writer
// gets a fresh block carrying the old contents.
func (fs *Filesystem) moveMappedBlock(h *journal.Handle, inode *Inode, leaf *indirect, phys uint32) (uint32, bool, error) {
	moved, err := fs.GetMoveAccess(h, inode, phys)
	if err != nil || !moved {
		return 0, false, err
	}

	newPhys, _, err := fs.alloc.NewBlocks(h, phys, 1)
	if err != nil {
		// The old block now belongs to the snapshot; the caller
		// re-maps on retry after freeing space.
		return 0, false, err
	}
	if err := fs.quota.Charge(inode.UID, 1); err != nil {
		fs.alloc.FreeBlocks(h, newPhys, 1)
		return 0, false, err
	}

	// Carry the old contents so partial overwrites stay correct.
	old, err := fs.cache.Get(phys)
	if err != nil {
		fs.alloc.FreeBlocks(h, newPhys, 1)
		fs.quota.Refund(inode.UID, 1)
		return 0, false, err
	}
	fresh := fs.cache.GetNew(newPhys)
	copy(fresh.Data(), old.Data())
	fs.cache.Release(old)
	if err := fresh.MarkUptodate(); err == nil {
		if err := fresh.MarkDirty(); err == nil {
			if err := fs.cache.Flush(fresh); err != nil {
				fs.cache.Release(fresh)
				return 0, false, err
			}
		}
	}
	fs.cache.Release(fresh)

	// Re-point the leaf slot at the fresh block.
	if leaf.buf != nil {
		if err := fs.GetWriteAccess(h, leaf.buf); err != nil {
			return 0, false, err
		}
	}
	leaf.write(inode, newPhys)
	if leaf.buf != nil {
		if err := h.DirtyMetadata(leaf.buf); err != nil {
			return 0, false, err
		}
	}
	if err := fs.WriteInode(h, inode); err != nil {
		return 0, false, err
	}
	return newPhys, true, nil
}
