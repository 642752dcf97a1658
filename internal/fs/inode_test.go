package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextfs/internal/common"
	"nextfs/internal/layout"
)

func TestInodeRoundTrip(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	h, err := f.Start(8)
	require.NoError(t, err)
	inode, err := f.AllocInode(h, 0100644, 1234, 5678)
	require.NoError(t, err)
	inode.setSlot(0, 999)
	inode.mu.Lock()
	inode.Size = 4096
	inode.mu.Unlock()
	require.NoError(t, f.WriteInode(h, inode))
	require.NoError(t, h.Stop())

	// Drop the cache and reload from the inode table.
	ino := inode.Ino
	f.forgetInode(ino)
	got, err := f.GetInode(ino)
	require.NoError(t, err)
	assert.Equal(t, uint16(0100644), got.Mode)
	assert.Equal(t, uint32(1234), got.UID)
	assert.Equal(t, uint32(5678), got.GID)
	assert.Equal(t, uint64(4096), got.Size)
	assert.Equal(t, uint32(999), got.Slot(0))
	assert.True(t, got.IsRegular())
}

func TestGetInodeCached(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)
	again, err := f.GetInode(inode.Ino)
	require.NoError(t, err)
	assert.Same(t, inode, again)

	_, err = f.GetInode(999999)
	assert.ErrorIs(t, err, common.ErrOutOfRange)
}

// Snapshot inodes store their extra triple-indirect roots rotated
// into the raw inode's direct positions; load and store undo the
// rotation.
func TestSnapshotSlotRotation(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	snap, err := f.TakeSnapshot(0, 0)
	require.NoError(t, err)

	h, err := f.Start(8)
	require.NoError(t, err)
	snap.setSlot(layout.TIndBlock, 111)
	snap.setSlot(layout.TIndBlock+1, 222)
	snap.setSlot(layout.TIndBlock+3, 444)
	require.NoError(t, f.WriteInode(h, snap))
	require.NoError(t, h.Stop())

	// The raw record carries the extra roots in Block[0..4).
	blk, off, err := f.inodeLocation(snap.Ino)
	require.NoError(t, err)
	b, err := f.cache.Get(blk)
	require.NoError(t, err)
	raw := layout.DecodeInode(b.Data()[off:])
	f.cache.Release(b)
	assert.Equal(t, uint32(222), raw.Block[0], "first extra root rotated into slot 0")
	assert.Equal(t, uint32(444), raw.Block[2])
	assert.Equal(t, uint32(111), raw.Block[layout.TIndBlock])

	// Reload: the in-memory view is de-rotated.
	ino := snap.Ino
	f.forgetInode(ino)
	got, err := f.GetInode(ino)
	require.NoError(t, err)
	require.True(t, got.IsSnapfile())
	assert.Equal(t, uint32(111), got.Slot(layout.TIndBlock))
	assert.Equal(t, uint32(222), got.Slot(layout.TIndBlock+1))
	assert.Equal(t, uint32(444), got.Slot(layout.TIndBlock+3))
	for i := 0; i < layout.NDirBlocks; i++ {
		assert.Zero(t, got.Slot(i), "snapshot files use no direct slots")
	}
}

func TestErroredFilesystemRefusesWrites(t *testing.T) {
	t.Parallel()

	f, bfs := newTestFS(t)
	f.corrupt("test inconsistency at block 99")
	assert.True(t, f.Errored())

	_, err := f.Start(4)
	assert.ErrorIs(t, err, common.ErrReadOnly)

	// The error state and message persist across remounts.
	f2 := remount(t, f, bfs)
	assert.True(t, f2.Errored())
	assert.Contains(t, f2.sb.ErrorMsg, "block 99")
	_, err = f2.Start(4)
	assert.ErrorIs(t, err, common.ErrReadOnly)
}
