package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextfs/internal/common"
	"nextfs/internal/journal"
	"nextfs/internal/layout"
)

// Spec scenario S4 (metadata COW): the first modification of a
// metadata block under an active snapshot copies its pre-image into
// the snapshot, exactly once per transaction.
func TestCowMetadataBlockOnce(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)
	fillBlocks(t, f, inode, 12, 14) // indirect block with slots 0,1 set
	indPhys := inode.Slot(layout.IndBlock)
	require.NotZero(t, indPhys)
	preImage := readBlock(t, f, indPhys)

	snap := takeActiveSnapshot(t, f)

	// First splice into the same indirect triggers the COW.
	h, err := f.Start(journal.MaxTransData)
	require.NoError(t, err)
	_, err = f.MapBlock(h, inode, 14, 1, MapCreate)
	require.NoError(t, err)

	mapped, copyPhys, err := f.snapshotLookup(snap, indPhys)
	require.NoError(t, err)
	require.True(t, mapped, "snapshot must hold a copy of the indirect block")

	got := make([]byte, f.sb.BlockSize())
	require.NoError(t, f.ReadSnapshotBlock(snap, indPhys, got))
	assert.Equal(t, preImage, got, "copy holds the pre-modification contents")

	// Second modification in the same transaction: no re-copy.
	_, err = f.MapBlock(h, inode, 15, 1, MapCreate)
	require.NoError(t, err)
	mapped2, copyPhys2, err := f.snapshotLookup(snap, indPhys)
	require.NoError(t, err)
	require.True(t, mapped2)
	assert.Equal(t, copyPhys, copyPhys2, "same copy block")
	require.NoError(t, f.ReadSnapshotBlock(snap, indPhys, got))
	assert.Equal(t, preImage, got, "copy untouched by the second splice")
	require.NoError(t, h.Stop())

	// A later transaction sees the mapping and still does not re-copy.
	h2, err := f.Start(journal.MaxTransData)
	require.NoError(t, err)
	_, err = f.MapBlock(h2, inode, 16, 1, MapCreate)
	require.NoError(t, err)
	require.NoError(t, h2.Stop())
	require.NoError(t, f.ReadSnapshotBlock(snap, indPhys, got))
	assert.Equal(t, preImage, got)
}

func TestCowSkipsWithoutActiveSnapshot(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)
	fillBlocks(t, f, inode, 12, 13)

	snap, err := f.TakeSnapshot(0, 0)
	require.NoError(t, err)
	// Snapshot exists but is not active: no COW traffic.
	mapOne(t, f, inode, 14)
	mapped, _, err := f.snapshotLookup(snap, inode.Slot(layout.IndBlock))
	require.NoError(t, err)
	assert.False(t, mapped)
}

func TestCowReentranceSuppressed(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)
	fillBlocks(t, f, inode, 12, 13)
	indPhys := inode.Slot(layout.IndBlock)
	snap := takeActiveSnapshot(t, f)

	h, err := f.Start(journal.MaxTransData)
	require.NoError(t, err)
	defer h.Stop()
	h.SetCowing(true)

	b, err := f.cache.Get(indPhys)
	require.NoError(t, err)
	defer f.cache.Release(b)
	require.NoError(t, f.GetWriteAccess(h, b))
	h.SetCowing(false)

	mapped, _, err := f.snapshotLookup(snap, indPhys)
	require.NoError(t, err)
	assert.False(t, mapped, "a cowing handle must not recurse into the engine")
}

func TestCreateAccessDetectsSnapshotReferencedBlock(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	newFile(t, f)
	takeActiveSnapshot(t, f)

	// Allocate a block, then rig the COW bitmap so that block appears
	// in use at snapshot-take time.
	h, err := f.Start(journal.MaxTransData)
	require.NoError(t, err)
	phys, _, err := f.alloc.NewBlocks(h, 0, 1)
	require.NoError(t, err)
	g := f.sb.GroupOfBlock(phys)
	snapBlock, err := f.ensureCowBitmap(h, g)
	require.NoError(t, err)
	cb, err := f.cache.Get(snapBlock)
	require.NoError(t, err)
	bit := f.sb.BitOfBlock(phys)
	cb.Data()[bit/8] |= 1 << (bit % 8)
	f.cache.Release(cb)

	b := f.cache.GetNew(phys)
	require.NoError(t, b.MarkUptodate())
	err = f.GetCreateAccess(h, b)
	assert.ErrorIs(t, err, common.ErrInconsistency)
	assert.True(t, f.Errored(), "corruption marks the filesystem errored")
	f.cache.Release(b)
	h.Stop()
}

func TestHooksShortCircuitAfterAbort(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)
	fillBlocks(t, f, inode, 12, 13)
	takeActiveSnapshot(t, f)

	h, err := f.Start(8)
	require.NoError(t, err)
	f.journal.Abort()

	b, err := f.cache.Get(inode.Slot(layout.IndBlock))
	require.NoError(t, err)
	defer f.cache.Release(b)
	assert.ErrorIs(t, f.GetWriteAccess(h, b), common.ErrAborted)
	_, err = f.Start(8)
	assert.ErrorIs(t, err, common.ErrAborted)
}
