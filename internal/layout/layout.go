// Package layout defines the on-disk format of a nextfs image: the
// superblock, the block-group descriptor table and the raw inode
// record. All multi-byte fields are little-endian. The inode slot
// array is interpreted as NDirBlocks direct slots followed by one
// single, one double and one triple indirect slot; snapshot files
// extend the triple-indirect root with SnapshotNTind additional slots
// to map the full 2^32 block space.
package layout

const (
	// SuperMagic identifies a nextfs image.
	SuperMagic = 0x4e783346

	// SuperBlockNr is the fixed block number of the superblock.
	// The group descriptor table starts at the following block.
	SuperBlockNr = 0

	// NDirBlocks is the number of direct slots in the inode slot array.
	NDirBlocks = 12

	// IndBlock, DIndBlock and TIndBlock index the indirect roots.
	IndBlock  = NDirBlocks
	DIndBlock = IndBlock + 1
	TIndBlock = DIndBlock + 1

	// NBlocks is the on-disk slot array length.
	NBlocks = TIndBlock + 1

	// SnapshotNTind is the number of extra triple-indirect roots a
	// snapshot file may use beyond TIndBlock.
	SnapshotNTind = 4

	// SnapshotNBlocks is the in-memory slot array length for snapshot
	// files. The extra roots are persisted rotated into the unused
	// direct positions of the raw inode (see RawInode docs).
	SnapshotNBlocks = NBlocks + SnapshotNTind

	// InodeSize is the size of one raw inode record.
	InodeSize = 128

	// RootIno is the inode number of the root directory.
	RootIno = 2

	// FirstIno is the first inode number available to ordinary files.
	FirstIno = 11
)

// Inode flags.
const (
	// FlagHugeFile means Blocks counts filesystem blocks rather than
	// 512-byte sectors.
	FlagHugeFile = 1 << 18

	// FlagSnapfile marks a snapshot file.
	FlagSnapfile = 1 << 24

	// FlagSnapshotActive marks the active snapshot. At most one inode
	// per filesystem carries it.
	FlagSnapshotActive = 1 << 25
)

// Filesystem state values stored in the superblock.
const (
	StateClean  = 1
	StateErrors = 2
)

// AddrPerBlock returns the number of 32-bit slots in one indirect
// block of the given block size.
func AddrPerBlock(blockSize int) uint32 {
	return uint32(blockSize / 4)
}

// AddrPerBlockBits returns log2(AddrPerBlock(blockSize)). Block sizes
// are powers of two, so the division is exact.
func AddrPerBlockBits(blockSize int) uint {
	n := uint(0)
	for p := AddrPerBlock(blockSize); p > 1; p >>= 1 {
		n++
	}
	return n
}
