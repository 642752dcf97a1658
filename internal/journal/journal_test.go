package journal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
	"nextfs/internal/dev"
)

func newTestJournal(t *testing.T) (*Journal, *buffer.Cache) {
	t.Helper()
	d, err := dev.Create(memfs.New(), "/disk.img", 1024, 256)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	c := buffer.NewCache(d, 0)
	return New(c), c
}

func TestCommitOnStop(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(4)
	require.NoError(t, err)

	b, err := c.Get(10)
	require.NoError(t, err)
	require.NoError(t, h.GetWriteAccess(b))
	copy(b.Data(), []byte("journaled"))
	require.NoError(t, h.DirtyMetadata(b))
	assert.True(t, b.Dirty())
	assert.True(t, b.Attached())

	require.NoError(t, h.Stop())
	assert.False(t, b.Dirty(), "commit flushes attached buffers")
	assert.False(t, b.Attached())
	assert.Equal(t, 1, j.Commits())

	got := make([]byte, 1024)
	require.NoError(t, c.Device().ReadBlock(10, got))
	assert.Equal(t, []byte("journaled"), got[:9])
	c.Release(b)
}

func TestCreditsExhausted(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(2)
	require.NoError(t, err)
	defer h.Stop()

	for nr := uint32(1); nr <= 2; nr++ {
		b, err := c.Get(nr)
		require.NoError(t, err)
		require.NoError(t, h.GetWriteAccess(b))
		c.Release(b)
	}
	assert.Zero(t, h.Credits())

	b, err := c.Get(3)
	require.NoError(t, err)
	defer c.Release(b)
	err = h.GetWriteAccess(b)
	assert.ErrorIs(t, err, common.ErrNoSpace)

	// Re-accessing an already attached buffer costs nothing.
	b1, err := c.Get(1)
	require.NoError(t, err)
	defer c.Release(b1)
	assert.NoError(t, h.GetWriteAccess(b1))
}

func TestRestartCommitsAndRefreshes(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(1)
	require.NoError(t, err)

	tid0 := h.TID()
	b, err := c.Get(20)
	require.NoError(t, err)
	require.NoError(t, h.GetWriteAccess(b))
	copy(b.Data(), []byte("before restart"))
	require.NoError(t, h.DirtyMetadata(b))

	require.NoError(t, h.Restart(8))
	assert.Equal(t, 8, h.Credits())
	assert.Greater(t, h.TID(), tid0)
	assert.False(t, b.Dirty(), "restart commits the old transaction")
	assert.Equal(t, 1, j.Commits())

	require.NoError(t, h.Stop())
	c.Release(b)
}

func TestExtendFullTransaction(t *testing.T) {
	t.Parallel()

	j, _ := newTestJournal(t)
	h, err := j.Start(1)
	require.NoError(t, err)
	defer h.Stop()

	ok, err := h.Extend(maxTxCredits + 1)
	require.NoError(t, err)
	assert.False(t, ok, "oversized extend must request a restart")

	ok, err = h.Extend(4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, h.Credits())
}

func TestAbortShortCircuits(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(4)
	require.NoError(t, err)

	j.Abort()
	assert.True(t, j.Aborted())

	b, err := c.Get(1)
	require.NoError(t, err)
	defer c.Release(b)
	assert.ErrorIs(t, h.GetWriteAccess(b), common.ErrAborted)
	assert.ErrorIs(t, h.Revoke(7), common.ErrAborted)
	_, err = j.Start(1)
	assert.ErrorIs(t, err, common.ErrAborted)
}

func TestRevokeAndReuse(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(4)
	require.NoError(t, err)
	defer h.Stop()

	require.NoError(t, h.Revoke(42))
	assert.True(t, j.Revoked(42))

	// Reallocating the block clears the revoke record.
	b := c.GetNew(42)
	defer c.Release(b)
	require.NoError(t, b.MarkUptodate())
	require.NoError(t, h.GetCreateAccess(b))
	assert.False(t, j.Revoked(42))
}

func TestForgetDropsDirtiness(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(4)
	require.NoError(t, err)

	b, err := c.Get(30)
	require.NoError(t, err)
	require.NoError(t, h.GetWriteAccess(b))
	copy(b.Data(), []byte("never lands"))
	require.NoError(t, h.DirtyMetadata(b))
	require.NoError(t, h.Forget(b))
	assert.False(t, b.Dirty())
	require.NoError(t, h.Stop())

	got := make([]byte, 1024)
	require.NoError(t, c.Device().ReadBlock(30, got))
	assert.Equal(t, make([]byte, 11), got[:11], "forgotten write must not reach disk")
	c.Release(b)
}

func TestCommitHookFailureAborts(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	j.CommitHook = func(tid uint64) error {
		return fmt.Errorf("injected commit failure at tid %d", tid)
	}

	h, err := j.Start(2)
	require.NoError(t, err)
	b, err := c.Get(5)
	require.NoError(t, err)
	require.NoError(t, h.GetWriteAccess(b))
	require.NoError(t, h.DirtyMetadata(b))

	err = h.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAborted))
	assert.True(t, j.Aborted())
	c.Release(b)
}

func TestDirtyUnattached(t *testing.T) {
	t.Parallel()

	j, c := newTestJournal(t)
	h, err := j.Start(2)
	require.NoError(t, err)
	defer h.Stop()

	b, err := c.Get(2)
	require.NoError(t, err)
	defer c.Release(b)
	assert.ErrorIs(t, h.DirtyMetadata(b), common.ErrInconsistency)
}
