package fs

import (
	"fmt"
	"sync"
	"time"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/journal"
	"nextfs/internal/layout"
)

// Inode is the in-memory inode. The slot array is kept native-endian
// and, for snapshot files, de-rotated: slots [0..NBlocks) follow the
// conventional direct/IND/DIND/TIND interpretation and slots
// [NBlocks..SnapshotNBlocks) hold the extra triple-indirect roots
// that the raw inode stores in its unused direct positions.
type Inode struct {
	fs  *Filesystem
	Ino uint32

	mu           sync.Mutex
	Mode         uint16
	LinksCount   uint16
	UID          uint32
	GID          uint32
	Size         uint64
	Flags        uint32
	NextSnapshot uint32
	Generation   uint32
	Atime        uint32
	Ctime        uint32
	Mtime        uint32
	Dtime        uint32

	blocks uint64 // block count, in units chosen by FlagHugeFile

	data []uint32

	// truncateMu serializes branch-tree mutations on this inode:
	// allocation, splice and truncate. Released across journal
	// restarts so blocked writers observe intermediate consistent
	// states.
	truncateMu sync.Mutex

	// Sequential-write memory for goal-directed allocation.
	lastLogical  uint32
	lastPhysical uint32
	lastValid    bool

	onOrphan   bool
	nextOrphan uint32
}

// IsSnapfile reports whether this is a snapshot file.
func (ino *Inode) IsSnapfile() bool { return ino.Flags&layout.FlagSnapfile != 0 }

// IsActiveSnapshot reports whether this is the active snapshot.
func (ino *Inode) IsActiveSnapshot() bool { return ino.Flags&layout.FlagSnapshotActive != 0 }

// IsRegular reports whether the inode is a regular file.
func (ino *Inode) IsRegular() bool { return ino.Mode&0170000 == 0100000 }

// IsDir reports whether the inode is a directory.
func (ino *Inode) IsDir() bool { return ino.Mode&0170000 == 040000 }

func (ino *Inode) slotCount() int {
	if ino.IsSnapfile() {
		return layout.SnapshotNBlocks
	}
	return layout.NBlocks
}

// Slot returns slot i of the (de-rotated) slot array.
func (ino *Inode) Slot(i int) uint32 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.data[i]
}

func (ino *Inode) setSlot(i int, v uint32) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.data[i] = v
}

// Blocks returns the block count in filesystem blocks.
func (ino *Inode) Blocks() uint64 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.blocksLocked()
}

func (ino *Inode) blocksLocked() uint64 {
	if ino.Flags&layout.FlagHugeFile != 0 {
		return ino.blocks
	}
	sectorsPerBlock := uint64(ino.fs.sb.BlockSize() / 512)
	return ino.blocks / sectorsPerBlock
}

// addBlocks accounts n more filesystem blocks to the inode.
func (ino *Inode) addBlocks(n uint64) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.Flags&layout.FlagHugeFile != 0 {
		ino.blocks += n
		return
	}
	sectorsPerBlock := uint64(ino.fs.sb.BlockSize() / 512)
	ino.blocks += n * sectorsPerBlock
	// The sector-unit count overflows 48 bits only for snapshot-sized
	// files, which carry FlagHugeFile from creation.
}

// subBlocks removes n filesystem blocks from the count.
func (ino *Inode) subBlocks(n uint64) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	var d uint64
	if ino.Flags&layout.FlagHugeFile != 0 {
		d = n
	} else {
		d = n * uint64(ino.fs.sb.BlockSize()/512)
	}
	if ino.blocks < d {
		ino.blocks = 0
		return
	}
	ino.blocks -= d
}

// inodeLocation returns the table block and byte offset of ino.
func (fs *Filesystem) inodeLocation(ino uint32) (uint32, uint32, error) {
	if ino < 1 || ino > fs.sb.GroupCount()*fs.sb.InodesPerGroup {
		return 0, 0, fmt.Errorf("inode %d: %w", ino, common.ErrOutOfRange)
	}
	g := fs.sb.GroupOfInode(ino)
	d, err := fs.alloc.GroupDesc(g)
	if err != nil {
		return 0, 0, err
	}
	idx := fs.sb.InodeIndexInGroup(ino)
	perBlock := uint32(fs.sb.BlockSize() / layout.InodeSize)
	return d.InodeTable + idx/perBlock, (idx % perBlock) * layout.InodeSize, nil
}

// GetInode returns the cached inode, loading it from the inode table
// on first access.
func (fs *Filesystem) GetInode(ino uint32) (*Inode, error) {
	fs.imu.Lock()
	if cached, ok := fs.inodes[ino]; ok {
		fs.imu.Unlock()
		return cached, nil
	}
	fs.imu.Unlock()

	blk, off, err := fs.inodeLocation(ino)
	if err != nil {
		return nil, err
	}
	b, err := fs.cache.Get(blk)
	if err != nil {
		return nil, err
	}
	raw := layout.DecodeInode(b.Data()[off:])
	fs.cache.Release(b)

	inode := fs.inodeFromRaw(ino, raw)

	fs.imu.Lock()
	defer fs.imu.Unlock()
	if cached, ok := fs.inodes[ino]; ok {
		return cached, nil
	}
	fs.inodes[ino] = inode
	return inode, nil
}

func (fs *Filesystem) inodeFromRaw(ino uint32, raw layout.RawInode) *Inode {
	inode := &Inode{
		fs:           fs,
		Ino:          ino,
		Mode:         raw.Mode,
		LinksCount:   raw.LinksCount,
		UID:          raw.UID,
		GID:          raw.GID,
		Size:         uint64(raw.SizeHi)<<32 | uint64(raw.SizeLo),
		Flags:        raw.Flags,
		NextSnapshot: raw.NextSnapshot,
		Generation:   raw.Generation,
		Atime:        raw.Atime,
		Ctime:        raw.Ctime,
		Mtime:        raw.Mtime,
		Dtime:        raw.Dtime,
		blocks:       uint64(raw.BlocksHi)<<32 | uint64(raw.BlocksLo),
	}
	inode.data = make([]uint32, inode.slotCount())
	copy(inode.data, raw.Block[:])
	if inode.IsSnapfile() {
		// Snapshot files do not use direct slots; the raw inode keeps
		// the extra triple-indirect roots there.
		for k := 0; k < layout.SnapshotNTind; k++ {
			inode.data[layout.NBlocks+k] = raw.Block[k]
			inode.data[k] = 0
		}
	}
	// Orphan-list membership is established by walking the list from
	// the superblock head (replayOrphans); dtime doubles as the next
	// pointer while an inode is on the list.
	return inode
}

func (ino *Inode) toRaw() layout.RawInode {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	raw := layout.RawInode{
		Mode:         ino.Mode,
		LinksCount:   ino.LinksCount,
		UID:          ino.UID,
		GID:          ino.GID,
		SizeLo:       uint32(ino.Size),
		SizeHi:       uint32(ino.Size >> 32),
		Atime:        ino.Atime,
		Ctime:        ino.Ctime,
		Mtime:        ino.Mtime,
		Dtime:        ino.Dtime,
		Flags:        ino.Flags,
		BlocksLo:     uint32(ino.blocks),
		BlocksHi:     uint16(ino.blocks >> 32),
		NextSnapshot: ino.NextSnapshot,
		Generation:   ino.Generation,
	}
	if ino.onOrphan {
		raw.Dtime = ino.nextOrphan
	}
	for i := 0; i < layout.NBlocks; i++ {
		raw.Block[i] = ino.data[i]
	}
	if ino.Flags&layout.FlagSnapfile != 0 {
		for k := 0; k < layout.SnapshotNTind; k++ {
			raw.Block[k] = ino.data[layout.NBlocks+k]
		}
	}
	return raw
}

// WriteInode journals the inode record. The inode table block is
// metadata and flows through the COW hook like any other.
func (fs *Filesystem) WriteInode(h *journal.Handle, inode *Inode) error {
	blk, off, err := fs.inodeLocation(inode.Ino)
	if err != nil {
		return err
	}
	b, err := fs.cache.Get(blk)
	if err != nil {
		return err
	}
	defer fs.cache.Release(b)
	if err := fs.GetWriteAccess(h, b); err != nil {
		return err
	}
	raw := inode.toRaw()
	raw.Encode(b.Data()[off:])
	return h.DirtyMetadata(b)
}

// AllocInode creates a fresh inode of the given mode and owner.
func (fs *Filesystem) AllocInode(h *journal.Handle, mode uint16, uid, gid uint32) (*Inode, error) {
	n, err := fs.alloc.AllocInode(h, 0)
	if err != nil {
		return nil, err
	}
	now := uint32(time.Now().Unix())
	inode := &Inode{
		fs:         fs,
		Ino:        n,
		Mode:       mode,
		LinksCount: 1,
		UID:        uid,
		GID:        gid,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
		Generation: 1,
		data:       make([]uint32, layout.NBlocks),
	}
	if err := fs.WriteInode(h, inode); err != nil {
		return nil, err
	}
	fs.imu.Lock()
	fs.inodes[n] = inode
	fs.imu.Unlock()
	return inode, nil
}

// forgetInode drops the inode from the cache after deletion.
func (fs *Filesystem) forgetInode(ino uint32) {
	fs.imu.Lock()
	delete(fs.inodes, ino)
	fs.imu.Unlock()
}

// touchCtime bumps the change time.
func (ino *Inode) touchCtime() {
	ino.mu.Lock()
	ino.Ctime = uint32(time.Now().Unix())
	ino.mu.Unlock()
}

// slotOf reads the slot array value addressed by a chain entry.
func slotOf(b *buffer.Buf, index int) uint32 {
	d := b.Data()
	o := 4 * index
	return uint32(d[o]) | uint32(d[o+1])<<8 | uint32(d[o+2])<<16 | uint32(d[o+3])<<24
}

func setSlotOf(b *buffer.Buf, index int, v uint32) {
	d := b.Data()
	o := 4 * index
	d[o] = byte(v)
	d[o+1] = byte(v >> 8)
	d[o+2] = byte(v >> 16)
	d[o+3] = byte(v >> 24)
}
