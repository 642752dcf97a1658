package fs

import (
	"fmt"

	"nextfs/internal/common"
	"nextfs/internal/layout"
)

// blockToPath decomposes a logical block number into slot offsets
// through the inode's indirect tree. The returned depth is the number
// of offsets (1 = direct). boundary is the number of contiguous leaf
// slots remaining in the deepest indirect block starting at the
// mapped position; batched allocation never crosses it.
//
// Snapshot files extend the triple-indirect root: logical ranges
// beyond the conventional tree map through up to SnapshotNTind-1
// additional roots, covering the full 2^32 block space.
func (fs *Filesystem) blockToPath(inode *Inode, iblock uint32) (int, []int, uint32, error) {
	ptrs := fs.sb.AddrPerBlock()
	bits := fs.sb.AddrPerBlockBits()
	const direct = uint32(layout.NDirBlocks)
	indirect := ptrs
	double := ptrs << bits

	i := iblock
	switch {
	case i < direct:
		return 1, []int{int(i)}, direct - 1 - i, nil

	case i-direct < indirect:
		i -= direct
		return 2, []int{layout.IndBlock, int(i)}, ptrs - 1 - (i & (ptrs - 1)), nil

	case i-direct-indirect < double:
		i -= direct + indirect
		return 3, []int{
			layout.DIndBlock,
			int(i >> bits),
			int(i & (ptrs - 1)),
		}, ptrs - 1 - (i & (ptrs - 1)), nil
	}

	i -= direct + indirect + double
	if i>>(2*bits) < ptrs {
		return 4, []int{
			layout.TIndBlock,
			int(i >> (2 * bits)),
			int((i >> bits) & (ptrs - 1)),
			int(i & (ptrs - 1)),
		}, ptrs - 1 - (i & (ptrs - 1)), nil
	}

	if inode.IsSnapfile() {
		if tind := i >> (3 * bits); tind < layout.SnapshotNTind {
			i -= tind << (3 * bits)
			return 4, []int{
				layout.TIndBlock + int(tind),
				int(i >> (2 * bits)),
				int((i >> bits) & (ptrs - 1)),
				int(i & (ptrs - 1)),
			}, ptrs - 1 - (i & (ptrs - 1)), nil
		}
	}
	return 0, nil, 0, fmt.Errorf("iblock %d exceeds tree range: %w", iblock, common.ErrOutOfRange)
}
