package fs

import (
	"fmt"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
)

// indirect is one step of a branch chain: the buffer owning the slot
// (nil for the root step, which points into the inode slot array),
// the slot index within it, and the slot value captured at read time.
// Re-reading through buf+index and comparing against key detects
// concurrent truncation.
type indirect struct {
	buf   *buffer.Buf
	index int
	key   uint32
}

// read re-reads the slot through its container.
func (in *indirect) read(inode *Inode) uint32 {
	if in.buf == nil {
		return inode.Slot(in.index)
	}
	return slotOf(in.buf, in.index)
}

// write stores v through the container. The caller holds whatever
// access the container requires.
func (in *indirect) write(inode *Inode, v uint32) {
	if in.buf == nil {
		inode.setSlot(in.index, v)
	} else {
		setSlotOf(in.buf, in.index, v)
	}
	in.key = v
}

// getBranch walks the chain of indirect blocks addressed by offsets.
// It returns the triples read so far and the depth at which a hole
// (zero slot) stopped the walk, or -1 when the chain is complete.
// Every step re-verifies the slots captured before it; a change means
// a concurrent truncation won the race and the caller must retry.
func (fs *Filesystem) getBranch(inode *Inode, depth int, offsets []int) ([]indirect, int, error) {
	chain := make([]indirect, 0, depth)
	chain = append(chain, indirect{buf: nil, index: offsets[0], key: inode.Slot(offsets[0])})
	if chain[0].key == 0 {
		return chain, 0, nil
	}
	for d := 1; d < depth; d++ {
		prev := &chain[d-1]
		b, err := fs.cache.Get(prev.key)
		if err != nil {
			fs.releaseChain(chain)
			return nil, 0, err
		}
		// Verify the whole prefix after the read slept.
		for i := range chain {
			if chain[i].read(inode) != chain[i].key {
				fs.cache.Release(b)
				fs.releaseChain(chain)
				return nil, 0, fmt.Errorf("branch at depth %d: %w", i, common.ErrConflict)
			}
		}
		next := indirect{buf: b, index: offsets[d], key: slotOf(b, offsets[d])}
		chain = append(chain, next)
		if next.key == 0 {
			return chain, d, nil
		}
	}
	return chain, -1, nil
}

// verifyChain re-reads every captured slot.
func (fs *Filesystem) verifyChain(inode *Inode, chain []indirect) bool {
	for i := range chain {
		if chain[i].read(inode) != chain[i].key {
			return false
		}
	}
	return true
}

// releaseChain drops the buffer pins a walk acquired.
func (fs *Filesystem) releaseChain(chain []indirect) {
	for i := range chain {
		if chain[i].buf != nil {
			fs.cache.Release(chain[i].buf)
		}
	}
}

// findNear proposes an allocation goal near an existing branch: the
// closest preceding non-zero pointer in the container holding the
// missing slot, else the container's own block, else a colour-spread
// position inside the inode's group so independent writers do not
// pile onto the group start.
func (fs *Filesystem) findNear(inode *Inode, partial *indirect) uint32 {
	if partial.buf != nil {
		for i := partial.index - 1; i >= 0; i-- {
			if v := slotOf(partial.buf, i); v != 0 {
				return v
			}
		}
		return partial.buf.Nr()
	}
	for i := partial.index - 1; i >= 0; i-- {
		if v := inode.Slot(i); v != 0 {
			return v
		}
	}
	g := fs.sb.GroupOfInode(inode.Ino) % fs.sb.GroupCount()
	colour := (inode.Ino % 16) * (fs.sb.BlocksPerGroup / 16)
	return fs.sb.GroupStart(g) + colour
}

// findGoal picks the allocation goal for iblock. Sequential writes
// continue right after the previous allocation; otherwise placement
// follows the tree neighbourhood.
func (fs *Filesystem) findGoal(inode *Inode, iblock uint32, partial *indirect) uint32 {
	inode.mu.Lock()
	if inode.lastValid && inode.lastLogical+1 == iblock {
		goal := inode.lastPhysical + 1
		inode.mu.Unlock()
		return goal
	}
	inode.mu.Unlock()
	return fs.findNear(inode, partial)
}
