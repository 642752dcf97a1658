// Package balloc implements the block and inode allocator over the
// per-group bitmaps. Every bitmap mutation is announced to the
// snapshot engine first: the bitmap buffer itself is COWed through
// BitmapAccess, and freed blocks are offered to the active snapshot
// through DeleteAccess before their bits clear.
package balloc

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/journal"
	"nextfs/internal/layout"
)

// SnapshotHooks is implemented by the filesystem core. A nil hook set
// degrades to plain journal access (no snapshots wired).
type SnapshotHooks interface {
	// WriteAccess prepares an ordinary metadata buffer for
	// modification under h (COW of the pre-image, then journal write
	// access).
	WriteAccess(h *journal.Handle, b *buffer.Buf) error

	// BitmapAccess prepares the block bitmap of a group for
	// modification: initializes the group's COW bitmap if needed, then
	// COWs the bitmap buffer itself.
	BitmapAccess(h *journal.Handle, group uint32, bh *buffer.Buf) error

	// DeleteAccess offers blocks [first, first+count) to the active
	// snapshot before they are freed. skip[i] == true means block
	// first+i was inherited by the snapshot and must not be freed.
	// A nil skip slice means no block was taken.
	DeleteAccess(h *journal.Handle, first, count uint32) ([]bool, error)
}

// Allocator manages the block and inode bitmaps of one filesystem.
type Allocator struct {
	sb    *layout.Super
	cache *buffer.Cache
	hooks SnapshotHooks

	mu    sync.Mutex // descriptor table and free counters
	descs []layout.GroupDesc

	groupLocks []sync.Mutex
}

// New loads the group descriptor table and returns an allocator.
func New(sb *layout.Super, cache *buffer.Cache) (*Allocator, error) {
	a := &Allocator{
		sb:         sb,
		cache:      cache,
		descs:      make([]layout.GroupDesc, sb.GroupCount()),
		groupLocks: make([]sync.Mutex, sb.GroupCount()),
	}
	perBlock := uint32(sb.BlockSize() / layout.GroupDescSize)
	for g := uint32(0); g < sb.GroupCount(); g++ {
		nr := layout.SuperBlockNr + 1 + g/perBlock
		b, err := cache.Get(nr)
		if err != nil {
			return nil, fmt.Errorf("reading group descriptors: %w", err)
		}
		off := (g % perBlock) * layout.GroupDescSize
		a.descs[g] = layout.DecodeGroupDesc(b.Data()[off:])
		cache.Release(b)
	}
	return a, nil
}

// SetHooks wires the snapshot engine. Must be called before the first
// allocation once a snapshot may be active.
func (a *Allocator) SetHooks(h SnapshotHooks) { a.hooks = h }

// GroupDesc returns a copy of group g's descriptor.
func (a *Allocator) GroupDesc(g uint32) (layout.GroupDesc, error) {
	if g >= a.sb.GroupCount() {
		return layout.GroupDesc{}, fmt.Errorf("group %d: %w", g, common.ErrOutOfRange)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.descs[g], nil
}

// LockGroup serializes bitmap mutation and COW-bitmap initialization
// for group g. Critical sections are short.
func (a *Allocator) LockGroup(g uint32) { a.groupLocks[g].Lock() }

// UnlockGroup releases the group lock.
func (a *Allocator) UnlockGroup(g uint32) { a.groupLocks[g].Unlock() }

// ReadBlockBitmap returns the pinned block bitmap buffer of group g.
func (a *Allocator) ReadBlockBitmap(g uint32) (*buffer.Buf, error) {
	d, err := a.GroupDesc(g)
	if err != nil {
		return nil, err
	}
	return a.cache.Get(d.BlockBitmap)
}

// ReadExcludeBitmap returns the pinned exclude bitmap buffer of group
// g, or nil if the group has none.
func (a *Allocator) ReadExcludeBitmap(g uint32) (*buffer.Buf, error) {
	d, err := a.GroupDesc(g)
	if err != nil {
		return nil, err
	}
	if d.ExcludeBitmap == 0 {
		return nil, nil
	}
	return a.cache.Get(d.ExcludeBitmap)
}

// blocksInGroup returns the number of valid bits in group g's bitmap.
func (a *Allocator) blocksInGroup(g uint32) uint32 {
	start := a.sb.GroupStart(g)
	if start+a.sb.BlocksPerGroup > a.sb.BlocksCount {
		return a.sb.BlocksCount - start
	}
	return a.sb.BlocksPerGroup
}

func (a *Allocator) writeAccess(h *journal.Handle, b *buffer.Buf) error {
	if a.hooks != nil {
		return a.hooks.WriteAccess(h, b)
	}
	return h.GetWriteAccess(b)
}

func (a *Allocator) bitmapAccess(h *journal.Handle, g uint32, bh *buffer.Buf) error {
	if a.hooks != nil {
		return a.hooks.BitmapAccess(h, g, bh)
	}
	return h.GetWriteAccess(bh)
}

// flushDesc journals the descriptor record of group g.
func (a *Allocator) flushDesc(h *journal.Handle, g uint32) error {
	perBlock := uint32(a.sb.BlockSize() / layout.GroupDescSize)
	nr := layout.SuperBlockNr + 1 + g/perBlock
	b, err := a.cache.Get(nr)
	if err != nil {
		return err
	}
	defer a.cache.Release(b)
	if err := a.writeAccess(h, b); err != nil {
		return err
	}
	a.mu.Lock()
	off := (g % perBlock) * layout.GroupDescSize
	a.descs[g].Encode(b.Data()[off:])
	a.mu.Unlock()
	return h.DirtyMetadata(b)
}

// NewBlocks allocates up to count contiguous blocks near goal,
// best-effort: the run may be shorter than requested but never empty
// on success. Search starts at the goal's group and wraps.
func (a *Allocator) NewBlocks(h *journal.Handle, goal uint32, count uint32) (uint32, uint32, error) {
	if count == 0 {
		count = 1
	}
	if goal < a.sb.FirstDataBlock || goal >= a.sb.BlocksCount {
		goal = a.sb.FirstDataBlock
	}
	ngroups := a.sb.GroupCount()
	startGroup := a.sb.GroupOfBlock(goal)

	for i := uint32(0); i < ngroups; i++ {
		g := (startGroup + i) % ngroups
		from := uint32(0)
		if g == startGroup && i == 0 {
			from = a.sb.BitOfBlock(goal)
		}
		first, got, err := a.tryGroup(h, g, from, count)
		if err != nil {
			return 0, 0, err
		}
		if got > 0 {
			return first, got, nil
		}
		// Wrapped scan of the goal group from its start.
		if g == startGroup && i == 0 && from > 0 {
			first, got, err = a.tryGroup(h, g, 0, count)
			if err != nil {
				return 0, 0, err
			}
			if got > 0 {
				return first, got, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("allocating %d blocks near %d: %w", count, goal, common.ErrNoSpace)
}

func (a *Allocator) tryGroup(h *journal.Handle, g, from, count uint32) (uint32, uint32, error) {
	bh, err := a.ReadBlockBitmap(g)
	if err != nil {
		return 0, 0, err
	}
	defer a.cache.Release(bh)

	// The snapshot hook runs before the group lock: COW bitmap
	// initialization allocates blocks of its own and must not nest
	// group locks. The copy inside the hook takes the lock itself.
	limit := a.blocksInGroup(g)
	if findNextZero(bh.Data(), from, limit) >= limit {
		return 0, 0, nil
	}
	if err := a.bitmapAccess(h, g, bh); err != nil {
		return 0, 0, err
	}

	a.LockGroup(g)
	defer a.UnlockGroup(g)

	bit := findNextZero(bh.Data(), from, limit)
	if bit >= limit {
		return 0, 0, nil
	}
	var got uint32
	for got < count && bit+got < limit && !testBit(bh.Data(), bit+got) {
		setBit(bh.Data(), bit+got)
		got++
	}
	if err := h.DirtyMetadata(bh); err != nil {
		return 0, 0, err
	}
	a.mu.Lock()
	a.descs[g].FreeBlocks -= uint16(got)
	a.sb.FreeBlocks -= got
	a.mu.Unlock()
	if err := a.flushDesc(h, g); err != nil {
		return 0, 0, err
	}
	return a.sb.GroupStart(g) + bit, got, nil
}

// FreeBlocks returns [first, first+count) to the allocator. Blocks
// the active snapshot inherits through DeleteAccess keep their bits.
func (a *Allocator) FreeBlocks(h *journal.Handle, first, count uint32) error {
	if count == 0 {
		return nil
	}
	if first < a.sb.FirstDataBlock || first+count > a.sb.BlocksCount {
		return fmt.Errorf("freeing blocks %d+%d: %w", first, count, common.ErrInconsistency)
	}
	var skip []bool
	if a.hooks != nil {
		var err error
		skip, err = a.hooks.DeleteAccess(h, first, count)
		if err != nil {
			return err
		}
	}
	for i := uint32(0); i < count; {
		if skip != nil && skip[i] {
			i++
			continue
		}
		// Collect the run of blocks to clear within one group.
		g := a.sb.GroupOfBlock(first + i)
		j := i
		for j < count && (skip == nil || !skip[j]) && a.sb.GroupOfBlock(first+j) == g {
			j++
		}
		if err := a.freeInGroup(h, g, first+i, j-i); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (a *Allocator) freeInGroup(h *journal.Handle, g, first, count uint32) error {
	bh, err := a.ReadBlockBitmap(g)
	if err != nil {
		return err
	}
	defer a.cache.Release(bh)
	if err := a.bitmapAccess(h, g, bh); err != nil {
		return err
	}

	a.LockGroup(g)
	defer a.UnlockGroup(g)
	for i := uint32(0); i < count; i++ {
		bit := a.sb.BitOfBlock(first + i)
		if !testBit(bh.Data(), bit) {
			log.WithFields(log.Fields{"block": first + i, "group": g}).
				Error("freeing already-free block")
			return fmt.Errorf("double free of block %d: %w", first+i, common.ErrInconsistency)
		}
		clearBit(bh.Data(), bit)
	}
	if err := h.DirtyMetadata(bh); err != nil {
		return err
	}
	a.mu.Lock()
	a.descs[g].FreeBlocks += uint16(count)
	a.sb.FreeBlocks += count
	a.mu.Unlock()
	return a.flushDesc(h, g)
}

// AllocInode finds a free inode, preferring group g of the goal ino.
func (a *Allocator) AllocInode(h *journal.Handle, goal uint32) (uint32, error) {
	ngroups := a.sb.GroupCount()
	startGroup := uint32(0)
	if goal >= 1 {
		startGroup = a.sb.GroupOfInode(goal) % ngroups
	}
	for i := uint32(0); i < ngroups; i++ {
		g := (startGroup + i) % ngroups
		ino, err := a.tryAllocInode(h, g)
		if err != nil {
			return 0, err
		}
		if ino != 0 {
			return ino, nil
		}
	}
	return 0, fmt.Errorf("inode table full: %w", common.ErrNoSpace)
}

func (a *Allocator) tryAllocInode(h *journal.Handle, g uint32) (uint32, error) {
	d, err := a.GroupDesc(g)
	if err != nil {
		return 0, err
	}
	bh, err := a.cache.Get(d.InodeBitmap)
	if err != nil {
		return 0, err
	}
	defer a.cache.Release(bh)

	from := uint32(0)
	if g == 0 {
		from = layout.FirstIno - 1 // reserved inodes
	}
	if findNextZero(bh.Data(), from, a.sb.InodesPerGroup) >= a.sb.InodesPerGroup {
		return 0, nil
	}
	// As in tryGroup, the snapshot hook runs before the group lock.
	if err := a.writeAccess(h, bh); err != nil {
		return 0, err
	}
	a.LockGroup(g)
	defer a.UnlockGroup(g)
	bit := findNextZero(bh.Data(), from, a.sb.InodesPerGroup)
	if bit >= a.sb.InodesPerGroup {
		return 0, nil
	}
	setBit(bh.Data(), bit)
	if err := h.DirtyMetadata(bh); err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.descs[g].FreeInodes--
	a.sb.FreeInodes--
	a.mu.Unlock()
	if err := a.flushDesc(h, g); err != nil {
		return 0, err
	}
	return g*a.sb.InodesPerGroup + bit + 1, nil
}

// FreeInode clears ino's bit in its group inode bitmap.
func (a *Allocator) FreeInode(h *journal.Handle, ino uint32) error {
	if ino < 1 || ino > a.sb.GroupCount()*a.sb.InodesPerGroup {
		return fmt.Errorf("freeing inode %d: %w", ino, common.ErrInconsistency)
	}
	g := a.sb.GroupOfInode(ino)
	d, err := a.GroupDesc(g)
	if err != nil {
		return err
	}
	bh, err := a.cache.Get(d.InodeBitmap)
	if err != nil {
		return err
	}
	defer a.cache.Release(bh)
	// As in tryGroup, the snapshot hook runs before the group lock.
	if err := a.writeAccess(h, bh); err != nil {
		return err
	}
	a.LockGroup(g)
	defer a.UnlockGroup(g)
	bit := a.sb.InodeIndexInGroup(ino)
	if !testBit(bh.Data(), bit) {
		return fmt.Errorf("double free of inode %d: %w", ino, common.ErrInconsistency)
	}
	clearBit(bh.Data(), bit)
	if err := h.DirtyMetadata(bh); err != nil {
		return err
	}
	a.mu.Lock()
	a.descs[g].FreeInodes++
	a.sb.FreeInodes++
	a.mu.Unlock()
	return a.flushDesc(h, g)
}
