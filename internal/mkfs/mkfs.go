// Package mkfs lays out an empty nextfs image: superblock, group
// descriptor table, per-group bitmaps and inode tables, and the root
// directory inode. mkfs writes the device directly; there is no
// journal to protect a filesystem that does not exist yet.
package mkfs

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"nextfs/internal/dev"
	"nextfs/internal/layout"
)

// Params are the format-time tunables.
type Params struct {
	BlockSize      int    `yaml:"block_size"`
	Blocks         uint32 `yaml:"blocks"`
	BlocksPerGroup uint32 `yaml:"blocks_per_group"`
	InodesPerGroup uint32 `yaml:"inodes_per_group"`
}

// DefaultParams returns a small general-purpose geometry.
func DefaultParams() Params {
	return Params{
		BlockSize:      1024,
		Blocks:         8192,
		BlocksPerGroup: 2048,
		InodesPerGroup: 128,
	}
}

// LoadParams reads params from a YAML file, filling blanks from the
// defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing params: %w", err)
	}
	return p, nil
}

func (p Params) validate() error {
	switch p.BlockSize {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("unsupported block size %d", p.BlockSize)
	}
	if p.BlocksPerGroup == 0 || p.BlocksPerGroup%8 != 0 {
		return fmt.Errorf("blocks per group must be a positive multiple of 8")
	}
	if p.BlocksPerGroup > uint32(p.BlockSize*8) {
		return fmt.Errorf("blocks per group %d exceeds one bitmap block", p.BlocksPerGroup)
	}
	if p.InodesPerGroup == 0 || p.InodesPerGroup%8 != 0 {
		return fmt.Errorf("inodes per group must be a positive multiple of 8")
	}
	if p.InodesPerGroup > uint32(p.BlockSize*8) {
		return fmt.Errorf("inodes per group %d exceeds one bitmap block", p.InodesPerGroup)
	}
	return nil
}

// blockSizeLog returns the superblock encoding of the block size.
func blockSizeLog(blockSize int) uint32 {
	n := uint32(0)
	for bs := 1024; bs < blockSize; bs <<= 1 {
		n++
	}
	return n
}

// Format writes an empty filesystem onto d.
func Format(d *dev.Device, p Params) (*layout.Super, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if d.BlockSize() != p.BlockSize {
		return nil, fmt.Errorf("device block size %d does not match params %d", d.BlockSize(), p.BlockSize)
	}
	if p.Blocks == 0 {
		p.Blocks = d.Blocks()
	}
	if p.Blocks > d.Blocks() {
		return nil, fmt.Errorf("params ask for %d blocks, device has %d", p.Blocks, d.Blocks())
	}

	sb := &layout.Super{
		BlocksCount:    p.Blocks,
		BlockSizeLog:   blockSizeLog(p.BlockSize),
		BlocksPerGroup: p.BlocksPerGroup,
		InodesPerGroup: p.InodesPerGroup,
		State:          layout.StateClean,
		InodeRecSize:   layout.InodeSize,
		FSID:           uuid.New(),
	}

	// The descriptor table follows the superblock; group 0 starts
	// right after it.
	descPerBlock := uint32(p.BlockSize / layout.GroupDescSize)
	probe := *sb
	probe.FirstDataBlock = layout.SuperBlockNr + 1
	// Iterate: the descriptor table size depends on the group count,
	// which depends on where the groups start. Two rounds settle it.
	for i := 0; i < 2; i++ {
		descBlocks := (probe.GroupCount() + descPerBlock - 1) / descPerBlock
		probe.FirstDataBlock = layout.SuperBlockNr + 1 + descBlocks
	}
	sb.FirstDataBlock = probe.FirstDataBlock
	// Group 0 starts past the direct-slot range: a snapshot file maps
	// physical block b at logical offset b, and its direct slots are
	// repurposed for the extra triple-indirect roots, so no
	// bitmap-covered block may fall below NDirBlocks.
	if sb.FirstDataBlock < layout.NDirBlocks {
		sb.FirstDataBlock = layout.NDirBlocks
	}

	itb := sb.InodeTableBlocks()
	metaPerGroup := 3 + itb // block bitmap, inode bitmap, exclude bitmap, inode table
	zero := make([]byte, p.BlockSize)

	descs := make([]layout.GroupDesc, sb.GroupCount())
	for g := uint32(0); g < sb.GroupCount(); g++ {
		start := sb.GroupStart(g)
		blocksHere := sb.BlocksPerGroup
		if start+blocksHere > sb.BlocksCount {
			blocksHere = sb.BlocksCount - start
		}
		if blocksHere <= metaPerGroup {
			return nil, fmt.Errorf("group %d too small for metadata (%d blocks)", g, blocksHere)
		}
		descs[g] = layout.GroupDesc{
			BlockBitmap:   start,
			InodeBitmap:   start + 1,
			ExcludeBitmap: start + 2,
			InodeTable:    start + 3,
			FreeBlocks:    uint16(blocksHere - metaPerGroup),
			FreeInodes:    uint16(sb.InodesPerGroup),
		}

		// Block bitmap: metadata blocks are in use.
		bm := make([]byte, p.BlockSize)
		for bit := uint32(0); bit < metaPerGroup; bit++ {
			bm[bit/8] |= 1 << (bit % 8)
		}
		if err := d.WriteBlock(start, bm); err != nil {
			return nil, err
		}
		// Inode bitmap, exclude bitmap and inode table start zeroed.
		if err := d.WriteBlock(start+1, zero); err != nil {
			return nil, err
		}
		if err := d.WriteBlock(start+2, zero); err != nil {
			return nil, err
		}
		for i := uint32(0); i < itb; i++ {
			if err := d.WriteBlock(start+3+i, zero); err != nil {
				return nil, err
			}
		}
		sb.FreeBlocks += blocksHere - metaPerGroup
		sb.FreeInodes += sb.InodesPerGroup
	}

	// Reserve the fixed inodes in group 0 and seed the root directory.
	ibm := make([]byte, p.BlockSize)
	for bit := uint32(0); bit < layout.FirstIno-1; bit++ {
		ibm[bit/8] |= 1 << (bit % 8)
	}
	if err := d.WriteBlock(descs[0].InodeBitmap, ibm); err != nil {
		return nil, err
	}
	sb.FreeInodes -= layout.FirstIno - 1
	descs[0].FreeInodes -= uint16(layout.FirstIno - 1)

	root := layout.RawInode{
		Mode:       040755,
		LinksCount: 2,
	}
	itBuf := make([]byte, p.BlockSize)
	root.Encode(itBuf[(layout.RootIno-1)*layout.InodeSize:])
	if err := d.WriteBlock(descs[0].InodeTable, itBuf); err != nil {
		return nil, err
	}

	// Descriptor table.
	for blk := uint32(0); blk < sb.DescTableBlocks(); blk++ {
		buf := make([]byte, p.BlockSize)
		for i := uint32(0); i < descPerBlock; i++ {
			g := blk*descPerBlock + i
			if g >= sb.GroupCount() {
				break
			}
			descs[g].Encode(buf[i*layout.GroupDescSize:])
		}
		if err := d.WriteBlock(layout.SuperBlockNr+1+blk, buf); err != nil {
			return nil, err
		}
	}

	// Superblock last: a torn format leaves no valid magic behind.
	sbuf := make([]byte, p.BlockSize)
	sb.Encode(sbuf)
	if err := d.WriteBlock(layout.SuperBlockNr, sbuf); err != nil {
		return nil, err
	}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return sb, nil
}
