package layout

import "encoding/binary"

// GroupDescSize is the size of one group descriptor record.
const GroupDescSize = 32

// GroupDesc describes one block group. CowBitmap is the volatile
// per-group cache of the active snapshot's COW bitmap block; it lives
// only in memory and is never serialized.
type GroupDesc struct {
	BlockBitmap   uint32
	InodeBitmap   uint32
	InodeTable    uint32
	ExcludeBitmap uint32 // snapshot exclusion bitmap block, 0 = none
	FreeBlocks    uint16
	FreeInodes    uint16
	UsedDirs      uint16

	CowBitmap uint32 // in-memory only; 0 = uninitialized
}

// Encode serializes the descriptor into buf (GroupDescSize bytes).
func (g *GroupDesc) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], g.BlockBitmap)
	le.PutUint32(buf[4:], g.InodeBitmap)
	le.PutUint32(buf[8:], g.InodeTable)
	le.PutUint32(buf[12:], g.ExcludeBitmap)
	le.PutUint16(buf[16:], g.FreeBlocks)
	le.PutUint16(buf[18:], g.FreeInodes)
	le.PutUint16(buf[20:], g.UsedDirs)
	le.PutUint16(buf[22:], 0)
	for i := 24; i < GroupDescSize; i++ {
		buf[i] = 0
	}
}

// DecodeGroupDesc parses one descriptor from buf.
func DecodeGroupDesc(buf []byte) GroupDesc {
	le := binary.LittleEndian
	return GroupDesc{
		BlockBitmap:   le.Uint32(buf[0:]),
		InodeBitmap:   le.Uint32(buf[4:]),
		InodeTable:    le.Uint32(buf[8:]),
		ExcludeBitmap: le.Uint32(buf[12:]),
		FreeBlocks:    le.Uint16(buf[16:]),
		FreeInodes:    le.Uint16(buf[18:]),
		UsedDirs:      le.Uint16(buf[20:]),
	}
}
