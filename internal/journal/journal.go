// Package journal provides the write-ahead journal service the block
// mapping core runs against: handles with buffer-credit budgets,
// compound transactions identified by a monotonically increasing tid,
// revoke records, restart and abort. Commit flushes the attached
// buffers through the block cache.
package journal

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/buffer"
	"nextfs/internal/common"
)

const (
	// MaxTransData is the full-size handle budget the core requests;
	// Start itself accepts any budget. Truncate derives its
	// per-subtransaction budget from the inode block count clamped to
	// this.
	MaxTransData = 64

	// maxTxCredits is the capacity of one compound transaction. Extend
	// fails once the running transaction cannot absorb more credits,
	// forcing the caller to restart.
	maxTxCredits = 256
)

// Journal is an in-process journal over a block cache.
type Journal struct {
	cache *buffer.Cache

	mu      sync.Mutex
	drained *sync.Cond
	nextTID uint64
	running *tx
	aborted bool
	revoked map[uint32]uint64

	// CommitHook, when set, runs before each commit flushes buffers.
	// Returning an error fails the commit and aborts the journal.
	// Test fault-injection only.
	CommitHook func(tid uint64) error

	commits int
}

type tx struct {
	tid     uint64
	bufs    map[uint32]*buffer.Buf
	credits int
	handles int
}

// Handle is an opaque token for one unit of journaled work.
type Handle struct {
	j       *Journal
	credits int
	cowing  bool
	done    bool
}

// New creates a journal over cache.
func New(cache *buffer.Cache) *Journal {
	j := &Journal{
		cache:   cache,
		nextTID: 1,
		revoked: make(map[uint32]uint64),
	}
	j.drained = sync.NewCond(&j.mu)
	return j
}

// Start opens a handle with a budget of nblocks buffer credits,
// joining (or creating) the running compound transaction.
func (j *Journal) Start(nblocks int) (*Handle, error) {
	if nblocks <= 0 {
		nblocks = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.aborted {
		return nil, common.ErrAborted
	}
	if j.running == nil {
		j.running = &tx{tid: j.nextTID, bufs: make(map[uint32]*buffer.Buf)}
		j.nextTID++
	}
	j.running.handles++
	return &Handle{j: j, credits: nblocks}, nil
}

// ForceCommit commits the running transaction once every open
// handle has stopped. Callers must not hold a handle of their own.
func (j *Journal) ForceCommit() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitLocked(0)
}

// Abort puts the journal in the aborted state. Every subsequent
// operation on any handle fails with ErrAborted; nothing further
// reaches the disk through the journal.
func (j *Journal) Abort() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.aborted {
		j.aborted = true
		log.Warn("journal aborted; filesystem is now read-only")
	}
}

// Aborted reports whether the journal has been aborted.
func (j *Journal) Aborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborted
}

// TID returns the id of the running transaction without opening one.
func (j *Journal) TID() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running != nil {
		return j.running.tid
	}
	return j.nextTID
}

// Commits returns the number of committed transactions.
func (j *Journal) Commits() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commits
}

// Revoked reports whether block nr carries a revoke record.
func (j *Journal) Revoked(nr uint32) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.revoked[nr]
	return ok
}

// commitLocked flushes every buffer attached to the running
// transaction, in block order, and retires it. It first waits for
// the other handles to stop: committing under a live handle would
// detach buffers that handle still intends to dirty. holding is the
// number of handles the caller itself keeps across the commit.
func (j *Journal) commitLocked(holding int) error {
	for j.running != nil && j.running.handles > holding {
		j.drained.Wait()
	}
	t := j.running
	if t == nil {
		return nil
	}
	if j.aborted {
		return common.ErrAborted
	}
	if j.CommitHook != nil {
		if err := j.CommitHook(t.tid); err != nil {
			j.aborted = true
			return fmt.Errorf("commit tid %d: %w: %v", t.tid, common.ErrAborted, err)
		}
	}
	nrs := make([]uint32, 0, len(t.bufs))
	for nr := range t.bufs {
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, k int) bool { return nrs[i] < nrs[k] })
	for _, nr := range nrs {
		b := t.bufs[nr]
		if err := j.cache.Flush(b); err != nil {
			j.aborted = true
			return fmt.Errorf("commit tid %d: %w", t.tid, err)
		}
		b.SetAttached(false)
	}
	j.commits++
	if t.handles > 0 {
		// Open handles migrate into a fresh transaction (restart).
		j.running = &tx{
			tid:     j.nextTID,
			bufs:    make(map[uint32]*buffer.Buf),
			handles: t.handles,
		}
		j.nextTID++
	} else {
		j.running = nil
	}
	return nil
}

// --- Handle operations ---

func (h *Handle) check() error {
	if h.done {
		return fmt.Errorf("use of stopped journal handle")
	}
	if h.j.aborted {
		return common.ErrAborted
	}
	return nil
}

// TID returns the transaction id the handle currently runs under.
func (h *Handle) TID() uint64 {
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	if h.j.running != nil {
		return h.j.running.tid
	}
	return 0
}

// Credits returns the remaining buffer-credit budget.
func (h *Handle) Credits() int { return h.credits }

// Cowing reports whether the handle is inside a COW operation.
func (h *Handle) Cowing() bool { return h.cowing }

// SetCowing marks or clears the COW reentrance flag.
func (h *Handle) SetCowing(v bool) { h.cowing = v }

// Aborted reports whether the journal behind the handle is aborted.
func (h *Handle) Aborted() bool { return h.j.Aborted() }

func (h *Handle) attach(b *buffer.Buf) error {
	t := h.j.running
	if t == nil {
		return fmt.Errorf("journal handle outside a transaction")
	}
	if _, ok := t.bufs[b.Nr()]; ok {
		return nil // already attached, no extra credit
	}
	if h.credits <= 0 {
		return fmt.Errorf("handle out of buffer credits at block %d: %w", b.Nr(), common.ErrNoSpace)
	}
	if t.credits >= maxTxCredits {
		return fmt.Errorf("transaction %d full: %w", t.tid, common.ErrNoSpace)
	}
	h.credits--
	t.credits++
	t.bufs[b.Nr()] = b
	b.SetAttached(true)
	return nil
}

// GetWriteAccess reserves journal space for modifying an existing
// metadata buffer. The buffer contents must be valid.
func (h *Handle) GetWriteAccess(b *buffer.Buf) error {
	if err := h.check(); err != nil {
		return err
	}
	if !b.Uptodate() {
		return fmt.Errorf("write access to %s block %d: %w", b.State(), b.Nr(), common.ErrInconsistency)
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	return h.attach(b)
}

// GetCreateAccess reserves journal space for a newly allocated
// metadata buffer whose previous contents are irrelevant.
func (h *Handle) GetCreateAccess(b *buffer.Buf) error {
	if err := h.check(); err != nil {
		return err
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	// A revoked block being reused stops being revoked.
	delete(h.j.revoked, b.Nr())
	return h.attach(b)
}

// DirtyMetadata records a modification of an attached buffer.
func (h *Handle) DirtyMetadata(b *buffer.Buf) error {
	if err := h.check(); err != nil {
		return err
	}
	if !b.Attached() {
		return fmt.Errorf("dirty of unattached block %d: %w", b.Nr(), common.ErrInconsistency)
	}
	if err := b.MarkDirty(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInconsistency, err)
	}
	return nil
}

// Forget detaches a buffer whose block is being freed, discarding its
// dirtiness. Best-effort on error paths.
func (h *Handle) Forget(b *buffer.Buf) error {
	if h.done {
		return fmt.Errorf("use of stopped journal handle")
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	if t := h.j.running; t != nil {
		delete(t.bufs, b.Nr())
	}
	b.SetAttached(false)
	b.MarkClean()
	return nil
}

// Revoke records that replay must ignore earlier journal records for
// block nr. Required when a journaled metadata block is freed.
func (h *Handle) Revoke(nr uint32) error {
	if err := h.check(); err != nil {
		return err
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	if t := h.j.running; t != nil {
		h.j.revoked[nr] = t.tid
	}
	return nil
}

// Extend tries to add nblocks credits to the handle without
// committing. ok=false means the running transaction is too full and
// the caller must Restart.
func (h *Handle) Extend(nblocks int) (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	t := h.j.running
	if t == nil {
		return false, fmt.Errorf("journal handle outside a transaction")
	}
	if t.credits+nblocks > maxTxCredits {
		return false, nil
	}
	h.credits += nblocks
	return true, nil
}

// Restart commits the running transaction and continues the handle in
// a fresh one with a budget of nblocks.
func (h *Handle) Restart(nblocks int) error {
	if err := h.check(); err != nil {
		return err
	}
	if nblocks <= 0 {
		nblocks = 1
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	if err := h.j.commitLocked(1); err != nil {
		return err
	}
	h.credits = nblocks
	return nil
}

// Stop retires the handle. The transaction commits once its last
// handle stops.
func (h *Handle) Stop() error {
	if h.done {
		return nil
	}
	h.done = true
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	t := h.j.running
	if t == nil {
		return nil
	}
	t.handles--
	h.j.drained.Broadcast()
	if t.handles <= 0 {
		return h.j.commitLocked(0)
	}
	return nil
}

// TxRoom returns the credit headroom left in the running transaction,
// independent of any handle's budget. Long-running operations check
// it to decide between extending and restarting.
func (h *Handle) TxRoom() int {
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	if h.j.running == nil {
		return maxTxCredits
	}
	return maxTxCredits - h.j.running.credits
}
