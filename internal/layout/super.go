package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// SuperSize is the number of bytes the superblock occupies at the
// start of block SuperBlockNr.
const SuperSize = 192

const errorMsgLen = 64

// Super is the in-memory superblock.
type Super struct {
	BlocksCount    uint32
	BlockSizeLog   uint32 // block size = 1024 << BlockSizeLog
	BlocksPerGroup uint32
	InodesPerGroup uint32
	FirstDataBlock uint32 // first block owned by group 0
	FreeBlocks     uint32
	FreeInodes     uint32
	State          uint16
	InodeRecSize   uint16
	ActiveSnapshot uint32 // ino of the active snapshot, 0 = none
	SnapshotList   uint32 // ino of the newest snapshot, 0 = none
	OrphanHead     uint32 // head of the on-disk orphan inode list
	FSID           uuid.UUID
	ErrorMsg       string // first recorded inconsistency, empty if clean
}

// BlockSize returns the filesystem block size in bytes.
func (s *Super) BlockSize() int {
	return 1024 << s.BlockSizeLog
}

// AddrPerBlock returns the number of slots per indirect block.
func (s *Super) AddrPerBlock() uint32 {
	return AddrPerBlock(s.BlockSize())
}

// AddrPerBlockBits returns log2(AddrPerBlock()).
func (s *Super) AddrPerBlockBits() uint {
	return AddrPerBlockBits(s.BlockSize())
}

// GroupCount returns the number of block groups.
func (s *Super) GroupCount() uint32 {
	dataBlocks := s.BlocksCount - s.FirstDataBlock
	return (dataBlocks + s.BlocksPerGroup - 1) / s.BlocksPerGroup
}

// GroupOfBlock returns the block group holding physical block b.
func (s *Super) GroupOfBlock(b uint32) uint32 {
	return (b - s.FirstDataBlock) / s.BlocksPerGroup
}

// GroupStart returns the first physical block of group g.
func (s *Super) GroupStart(g uint32) uint32 {
	return s.FirstDataBlock + g*s.BlocksPerGroup
}

// BitOfBlock returns the bit index of block b inside its group bitmap.
func (s *Super) BitOfBlock(b uint32) uint32 {
	return (b - s.FirstDataBlock) % s.BlocksPerGroup
}

// GroupOfInode returns the block group holding inode ino.
func (s *Super) GroupOfInode(ino uint32) uint32 {
	return (ino - 1) / s.InodesPerGroup
}

// InodeIndexInGroup returns the index of ino in its group inode table.
func (s *Super) InodeIndexInGroup(ino uint32) uint32 {
	return (ino - 1) % s.InodesPerGroup
}

// InodeTableBlocks returns the number of blocks one group inode table
// occupies.
func (s *Super) InodeTableBlocks() uint32 {
	perBlock := uint32(s.BlockSize() / InodeSize)
	return (s.InodesPerGroup + perBlock - 1) / perBlock
}

// DescTableBlocks returns the number of blocks the group descriptor
// table occupies, starting at SuperBlockNr+1.
func (s *Super) DescTableBlocks() uint32 {
	perBlock := uint32(s.BlockSize() / GroupDescSize)
	return (s.GroupCount() + perBlock - 1) / perBlock
}

// Encode serializes the superblock into buf, which must hold at least
// SuperSize bytes.
func (s *Super) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], SuperMagic)
	le.PutUint32(buf[4:], s.BlocksCount)
	le.PutUint32(buf[8:], s.BlockSizeLog)
	le.PutUint32(buf[12:], s.BlocksPerGroup)
	le.PutUint32(buf[16:], s.InodesPerGroup)
	le.PutUint32(buf[20:], s.FirstDataBlock)
	le.PutUint32(buf[24:], s.FreeBlocks)
	le.PutUint32(buf[28:], s.FreeInodes)
	le.PutUint16(buf[32:], s.State)
	le.PutUint16(buf[34:], s.InodeRecSize)
	le.PutUint32(buf[36:], s.ActiveSnapshot)
	le.PutUint32(buf[40:], s.SnapshotList)
	le.PutUint32(buf[44:], s.OrphanHead)
	copy(buf[48:64], s.FSID[:])
	msg := make([]byte, errorMsgLen)
	copy(msg, s.ErrorMsg)
	copy(buf[64:64+errorMsgLen], msg)
}

// DecodeSuper parses a superblock from buf.
func DecodeSuper(buf []byte) (*Super, error) {
	if len(buf) < SuperSize {
		return nil, fmt.Errorf("superblock too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(buf[0:]); magic != SuperMagic {
		return nil, fmt.Errorf("bad superblock magic %#x", magic)
	}
	s := &Super{
		BlocksCount:    le.Uint32(buf[4:]),
		BlockSizeLog:   le.Uint32(buf[8:]),
		BlocksPerGroup: le.Uint32(buf[12:]),
		InodesPerGroup: le.Uint32(buf[16:]),
		FirstDataBlock: le.Uint32(buf[20:]),
		FreeBlocks:     le.Uint32(buf[24:]),
		FreeInodes:     le.Uint32(buf[28:]),
		State:          le.Uint16(buf[32:]),
		InodeRecSize:   le.Uint16(buf[34:]),
		ActiveSnapshot: le.Uint32(buf[36:]),
		SnapshotList:   le.Uint32(buf[40:]),
		OrphanHead:     le.Uint32(buf[44:]),
	}
	copy(s.FSID[:], buf[48:64])
	msg := buf[64 : 64+errorMsgLen]
	for i, c := range msg {
		if c == 0 {
			msg = msg[:i]
			break
		}
	}
	s.ErrorMsg = string(msg)
	if s.BlocksPerGroup == 0 || s.InodesPerGroup == 0 {
		return nil, fmt.Errorf("corrupt superblock geometry")
	}
	return s, nil
}
