package fs

import (
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"nextfs/internal/dev"
	"nextfs/internal/journal"
	"nextfs/internal/mkfs"
)

// newTestFS formats a small image on memfs and mounts it. The billy
// filesystem is returned so tests can remount.
func newTestFS(t *testing.T) (*Filesystem, billy.Filesystem) {
	t.Helper()
	return newTestFSParams(t, mkfs.DefaultParams())
}

func newTestFSParams(t *testing.T, p mkfs.Params) (*Filesystem, billy.Filesystem) {
	t.Helper()
	bfs := memfs.New()
	d, err := dev.Create(bfs, "/disk.img", p.BlockSize, p.Blocks)
	require.NoError(t, err)
	sb, err := mkfs.Format(d, p)
	require.NoError(t, err)
	_ = sb
	f, err := New(d)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, bfs
}

// remount closes f and mounts the image again.
func remount(t *testing.T, f *Filesystem, bfs billy.Filesystem) *Filesystem {
	t.Helper()
	require.NoError(t, f.Close())
	f2, err := Open(bfs, "/disk.img", f.sb.BlockSize())
	require.NoError(t, err)
	t.Cleanup(func() { f2.Close() })
	return f2
}

// newFile allocates a fresh regular file inode.
func newFile(t *testing.T, f *Filesystem) *Inode {
	t.Helper()
	h, err := f.Start(8)
	require.NoError(t, err)
	inode, err := f.AllocInode(h, 0100644, 1000, 1000)
	require.NoError(t, err)
	require.NoError(t, h.Stop())
	return inode
}

// mapOne maps (allocating) a single logical block and returns the
// physical block.
func mapOne(t *testing.T, f *Filesystem, inode *Inode, iblock uint32) uint32 {
	t.Helper()
	h, err := f.Start(journal.MaxTransData)
	require.NoError(t, err)
	res, err := f.MapBlock(h, inode, iblock, 1, MapCreate)
	require.NoError(t, err)
	require.NotZero(t, res.Flags&FlagMapped)
	require.NoError(t, h.Stop())
	return res.Phys
}

// fillBlocks maps logical blocks [from, to), committing between runs.
func fillBlocks(t *testing.T, f *Filesystem, inode *Inode, from, to uint32) {
	t.Helper()
	for i := from; i < to; {
		h, err := f.Start(journal.MaxTransData)
		require.NoError(t, err)
		res, err := f.MapBlock(h, inode, i, to-i, MapCreate)
		require.NoError(t, err)
		require.NotZero(t, res.Count)
		require.NoError(t, h.Stop())
		i += res.Count
	}
}

// writeBlock fills a mapped (or newly allocated) data block with a
// byte pattern, triggering move-on-write under an active snapshot.
func writeBlock(t *testing.T, f *Filesystem, inode *Inode, iblock uint32, pattern byte) uint32 {
	t.Helper()
	h, err := f.Start(journal.MaxTransData)
	require.NoError(t, err)
	res, err := f.MapBlock(h, inode, iblock, 1, MapCreate|MapMove)
	require.NoError(t, err)
	b, err := f.cache.Get(res.Phys)
	require.NoError(t, err)
	for i := range b.Data() {
		b.Data()[i] = pattern
	}
	require.NoError(t, b.MarkDirty())
	require.NoError(t, f.cache.Flush(b))
	f.cache.Release(b)
	require.NoError(t, h.Stop())
	return res.Phys
}

// readBlock returns the contents of a physical block.
func readBlock(t *testing.T, f *Filesystem, phys uint32) []byte {
	t.Helper()
	b, err := f.cache.Get(phys)
	require.NoError(t, err)
	out := make([]byte, len(b.Data()))
	copy(out, b.Data())
	f.cache.Release(b)
	return out
}

// takeActiveSnapshot takes and activates a snapshot owned by uid 9000.
func takeActiveSnapshot(t *testing.T, f *Filesystem) *Inode {
	t.Helper()
	snap, err := f.TakeSnapshot(9000, 9000)
	require.NoError(t, err)
	require.NoError(t, f.ActivateSnapshot(snap.Ino))
	return snap
}
