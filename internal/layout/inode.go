package layout

import "encoding/binary"

// RawInode is the on-disk inode record. The slot array Block holds
// NDirBlocks direct slots followed by the single, double and triple
// indirect roots. Snapshot files do not use direct slots; their
// SnapshotNTind extra triple-indirect roots are stored rotated into
// Block[0..SnapshotNTind), preserving superblock compatibility. The
// rotation is applied by the inode load/store paths, not here.
type RawInode struct {
	Mode         uint16
	LinksCount   uint16
	UID          uint32
	GID          uint32
	SizeLo       uint32
	SizeHi       uint32
	Atime        uint32
	Ctime        uint32
	Mtime        uint32
	Dtime        uint32
	Flags        uint32
	BlocksLo     uint32
	BlocksHi     uint16 // upper 16 bits of the block count (HUGE_FILE)
	NextSnapshot uint32 // next older snapshot ino, snapshot files only
	Generation   uint32
	Block        [NBlocks]uint32
}

// Encode serializes the inode into buf (InodeSize bytes).
func (r *RawInode) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint16(buf[0:], r.Mode)
	le.PutUint16(buf[2:], r.LinksCount)
	le.PutUint32(buf[4:], r.UID)
	le.PutUint32(buf[8:], r.GID)
	le.PutUint32(buf[12:], r.SizeLo)
	le.PutUint32(buf[16:], r.SizeHi)
	le.PutUint32(buf[20:], r.Atime)
	le.PutUint32(buf[24:], r.Ctime)
	le.PutUint32(buf[28:], r.Mtime)
	le.PutUint32(buf[32:], r.Dtime)
	le.PutUint32(buf[36:], r.Flags)
	le.PutUint32(buf[40:], r.BlocksLo)
	le.PutUint16(buf[44:], r.BlocksHi)
	le.PutUint16(buf[46:], 0)
	le.PutUint32(buf[48:], r.NextSnapshot)
	le.PutUint32(buf[52:], r.Generation)
	for i := 0; i < NBlocks; i++ {
		le.PutUint32(buf[56+4*i:], r.Block[i])
	}
	for i := 56 + 4*NBlocks; i < InodeSize; i++ {
		buf[i] = 0
	}
}

// DecodeInode parses one raw inode from buf.
func DecodeInode(buf []byte) RawInode {
	le := binary.LittleEndian
	r := RawInode{
		Mode:         le.Uint16(buf[0:]),
		LinksCount:   le.Uint16(buf[2:]),
		UID:          le.Uint32(buf[4:]),
		GID:          le.Uint32(buf[8:]),
		SizeLo:       le.Uint32(buf[12:]),
		SizeHi:       le.Uint32(buf[16:]),
		Atime:        le.Uint32(buf[20:]),
		Ctime:        le.Uint32(buf[24:]),
		Mtime:        le.Uint32(buf[28:]),
		Dtime:        le.Uint32(buf[32:]),
		Flags:        le.Uint32(buf[36:]),
		BlocksLo:     le.Uint32(buf[40:]),
		BlocksHi:     le.Uint16(buf[44:]),
		NextSnapshot: le.Uint32(buf[48:]),
		Generation:   le.Uint32(buf[52:]),
	}
	for i := 0; i < NBlocks; i++ {
		r.Block[i] = le.Uint32(buf[56+4*i:])
	}
	return r
}
