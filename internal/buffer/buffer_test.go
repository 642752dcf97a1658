package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextfs/internal/dev"
)

func newTestCache(t *testing.T, blocks uint32) *Cache {
	t.Helper()
	d, err := dev.Create(memfs.New(), "/disk.img", 1024, blocks)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewCache(d, 0)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	b := &Buf{nr: 1, data: make([]byte, 1024)}
	assert.Equal(t, StateInvalid, b.State())

	// Invalid -> Dirty is illegal.
	assert.Error(t, b.MarkDirty())

	require.NoError(t, b.MarkUptodate())
	require.NoError(t, b.MarkDirty())
	assert.Equal(t, StateDirty, b.State())
	assert.True(t, b.Dirty())

	// Dirty -> Uptodate declared directly is illegal; MarkClean is the
	// writeback path.
	assert.Error(t, b.MarkUptodate())
	b.MarkClean()
	assert.Equal(t, StateUptodate, b.State())

	// Uptodate -> Pending is illegal: pending is only for fresh blocks.
	assert.Error(t, b.SetPending())
}

func TestPendingLifecycle(t *testing.T) {
	t.Parallel()

	b := &Buf{nr: 9, data: make([]byte, 1024)}
	require.NoError(t, b.SetPending())
	assert.True(t, b.IsPending())
	assert.Error(t, b.MarkDirty(), "pending buffer cannot be dirtied")

	b.CompletePending()
	assert.Equal(t, StateUptodate, b.State())

	b2 := &Buf{nr: 10, data: make([]byte, 1024)}
	require.NoError(t, b2.SetPending())
	b2.CancelPending()
	assert.Equal(t, StateInvalid, b2.State())
}

func TestGetReadsDevice(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16)
	want := make([]byte, 1024)
	for i := range want {
		want[i] = 0xab
	}
	require.NoError(t, c.Device().WriteBlock(3, want))

	b, err := c.Get(3)
	require.NoError(t, err)
	defer c.Release(b)
	assert.Equal(t, want, b.Data())
	assert.Equal(t, StateUptodate, b.State())

	// Second Get hits the cache and returns the same entry.
	b2, err := c.Get(3)
	require.NoError(t, err)
	defer c.Release(b2)
	assert.Same(t, b, b2)
}

func TestGetOutOfRange(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4)
	_, err := c.Get(100)
	assert.Error(t, err)
	assert.Zero(t, c.Len(), "failed fill must not leave an entry pinned")
}

func TestFlushAndSyncAll(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16)
	b, err := c.Get(5)
	require.NoError(t, err)
	copy(b.Data(), []byte("hello"))
	require.NoError(t, b.MarkDirty())
	require.NoError(t, c.SyncAll())
	assert.Equal(t, StateUptodate, b.State())
	c.Release(b)

	got := make([]byte, 1024)
	require.NoError(t, c.Device().ReadBlock(5, got))
	assert.Equal(t, []byte("hello"), got[:5])
}

func TestPeek(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16)
	assert.Nil(t, c.Peek(2), "cold block")

	b, err := c.Get(2)
	require.NoError(t, err)
	p := c.Peek(2)
	require.NotNil(t, p)
	assert.Same(t, b, p)
	c.Release(p)
	c.Release(b)
}

func TestForgetDiscardsDirty(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16)
	b, err := c.Get(6)
	require.NoError(t, err)
	copy(b.Data(), []byte("doomed"))
	require.NoError(t, b.MarkDirty())
	c.Release(b)
	c.Forget(6)

	b2, err := c.Get(6)
	require.NoError(t, err)
	defer c.Release(b2)
	assert.Equal(t, make([]byte, 1024), b2.Data())
}

func TestWaitPending(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16)
	b := c.GetNew(8)
	require.NoError(t, b.SetPending())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		copy(b.Data(), []byte("copied"))
		b.CompletePending()
	}()

	require.NoError(t, c.WaitPending(context.Background(), b))
	assert.True(t, b.Uptodate())
	assert.Equal(t, []byte("copied"), b.Data()[:6])
	wg.Wait()
	c.Release(b)
}

func TestGetWaitsForPending(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16)
	b := c.GetNew(9)
	require.NoError(t, b.SetPending())

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := c.Get(9)
		assert.NoError(t, err)
		assert.True(t, got.Uptodate())
		c.Release(got)
	}()

	time.Sleep(5 * time.Millisecond)
	copy(b.Data(), []byte("x"))
	b.CompletePending()
	<-done
	c.Release(b)
}

func TestEviction(t *testing.T) {
	t.Parallel()

	d, err := dev.Create(memfs.New(), "/disk.img", 1024, 128)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	c := NewCache(d, 8)

	for nr := uint32(0); nr < 64; nr++ {
		b, err := c.Get(nr)
		require.NoError(t, err)
		c.Release(b)
	}
	assert.LessOrEqual(t, c.Len(), 8)
}
