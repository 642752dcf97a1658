package buffer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/common"
	"nextfs/internal/dev"
	"nextfs/internal/util"
)

// pendingWarnAfter is the number of wait rounds after which a
// surviving pending marker is logged. Waiting continues regardless:
// the copy is bounded by device I/O, not by a timer.
const pendingWarnAfter = 50

// Cache is the block cache over one device.
type Cache struct {
	dev *dev.Device

	mu   sync.Mutex
	bufs map[uint32]*Buf

	// maxClean bounds the number of cached entries; once it is
	// exceeded, Release evicts unpinned clean entries, lowest block
	// number first.
	maxClean int
}

// NewCache creates a cache over d. maxClean <= 0 selects the default.
func NewCache(d *dev.Device, maxClean int) *Cache {
	if maxClean <= 0 {
		maxClean = 1024
	}
	return &Cache{
		dev:      d,
		bufs:     make(map[uint32]*Buf),
		maxClean: maxClean,
	}
}

// Device returns the underlying device.
func (c *Cache) Device() *dev.Device { return c.dev }

// BlockSize returns the device block size.
func (c *Cache) BlockSize() int { return c.dev.BlockSize() }

func (c *Cache) lookup(nr uint32) *Buf {
	b, ok := c.bufs[nr]
	if !ok {
		b = &Buf{nr: nr, data: make([]byte, c.dev.BlockSize())}
		c.bufs[nr] = b
	}
	return b
}

// Get returns a pinned buffer for block nr, reading it from the
// device if the cache holds no valid contents. A pending buffer is
// waited on first so callers never observe a half-copied block.
func (c *Cache) Get(nr uint32) (*Buf, error) {
	c.mu.Lock()
	b := c.lookup(nr)
	b.pin()
	c.mu.Unlock()

	if b.IsPending() {
		if err := c.WaitPending(context.Background(), b); err != nil {
			c.Release(b)
			return nil, err
		}
	}

	b.mu.Lock()
	if b.state != StateInvalid {
		b.mu.Unlock()
		return b, nil
	}
	// Read under the buffer lock: concurrent getters of the same
	// block serialize here rather than racing the fill.
	if err := c.dev.ReadBlock(nr, b.data); err != nil {
		b.mu.Unlock()
		c.Release(b)
		return nil, fmt.Errorf("cache fill: %w", err)
	}
	b.state = StateUptodate
	b.mu.Unlock()
	return b, nil
}

// GetNew returns a pinned buffer for a freshly allocated block with
// zeroed contents and no device read. The buffer starts Invalid; the
// caller either fills it and calls MarkUptodate, or parks it Pending.
func (c *Cache) GetNew(nr uint32) *Buf {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.lookup(nr)
	b.pin()
	b.mu.Lock()
	for i := range b.data {
		b.data[i] = 0
	}
	b.state = StateInvalid
	b.cowTID = 0
	b.mu.Unlock()
	return b
}

// Peek returns a pinned buffer for nr only if the cache already holds
// an entry with observable contents (uptodate, dirty or pending).
// Returns nil on a cold block.
func (c *Cache) Peek(nr uint32) *Buf {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[nr]
	if !ok {
		return nil
	}
	b.mu.Lock()
	st := b.state
	if st == StateInvalid {
		b.mu.Unlock()
		return nil
	}
	b.refs++
	b.mu.Unlock()
	return b
}

// Release drops one pin. Unpinned invalid buffers are removed; clean
// unpinned buffers beyond the cache budget are evicted.
func (c *Cache) Release(b *Buf) {
	if b == nil {
		return
	}
	if b.unpin() > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.State() == StateInvalid {
		delete(c.bufs, b.nr)
	}
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	if len(c.bufs) <= c.maxClean {
		return
	}
	var victims []uint32
	for nr, b := range c.bufs {
		b.mu.Lock()
		if b.refs == 0 && b.state == StateUptodate {
			victims = append(victims, nr)
		}
		b.mu.Unlock()
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i] < victims[j] })
	for _, nr := range victims {
		if len(c.bufs) <= c.maxClean {
			break
		}
		delete(c.bufs, nr)
	}
}

// Flush writes a dirty buffer to the device and marks it clean.
func (c *Cache) Flush(b *Buf) error {
	b.mu.Lock()
	if b.state != StateDirty {
		b.mu.Unlock()
		return nil
	}
	if err := c.dev.WriteBlock(b.nr, b.data); err != nil {
		b.mu.Unlock()
		return err
	}
	b.state = StateUptodate
	b.mu.Unlock()
	return nil
}

// WriteThrough writes the buffer synchronously to the device,
// bypassing the journal, and leaves it clean. Used for the indirect
// blocks that map COW bitmap blocks, whose mapping must not be
// reserved against the journal.
func (c *Cache) WriteThrough(b *Buf) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateInvalid || b.state == StatePending {
		return fmt.Errorf("block %d: write-through of %s buffer", b.nr, b.state)
	}
	if err := c.dev.WriteBlock(b.nr, b.data); err != nil {
		return err
	}
	b.state = StateUptodate
	return c.dev.Sync()
}

// SyncAll flushes every dirty buffer.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	var dirty []*Buf
	for _, b := range c.bufs {
		if b.Dirty() {
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].nr < dirty[j].nr })
	for _, b := range dirty {
		if err := c.Flush(b); err != nil {
			return err
		}
	}
	return c.dev.Sync()
}

// Forget drops the cache entry for nr, discarding dirty contents.
// Used when a journaled block is freed and revoked.
func (c *Cache) Forget(nr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bufs, nr)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bufs)
}

// WaitPending blocks until the pending copy on b completes or is
// cancelled. There is no timeout — the copy is bounded by device I/O —
// but a marker surviving many rounds is logged.
func (c *Cache) WaitPending(ctx context.Context, b *Buf) error {
	rounds := 0
	for b.IsPending() {
		err := util.Retry(ctx, func() error {
			if b.IsPending() {
				return fmt.Errorf("block %d still pending", b.nr)
			}
			return nil
		}, util.PendingWaitOptions(ctx, pendingWarnAfter)...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("waiting on pending block %d: %w", b.nr, common.ErrIO)
		}
		rounds++
		log.WithFields(log.Fields{
			"block":  b.nr,
			"rounds": rounds * pendingWarnAfter,
		}).Warn("pending COW marker outlived wait threshold; still waiting")
	}
	return nil
}
