// Package quota tracks per-owner block usage for the mapping core.
// Move-on-write transfers the charge for a block from the file owner
// to the snapshot owner; a failed move refunds it. The on-disk quota
// file subsystem is out of scope.
package quota

import (
	"fmt"
	"sync"

	"nextfs/internal/common"
)

// Tracker accounts blocks per uid.
type Tracker struct {
	mu    sync.Mutex
	used  map[uint32]int64
	limit map[uint32]int64
}

// New creates an empty tracker with no limits.
func New() *Tracker {
	return &Tracker{
		used:  make(map[uint32]int64),
		limit: make(map[uint32]int64),
	}
}

// SetLimit caps uid at blocks. Zero removes the limit.
func (t *Tracker) SetLimit(uid uint32, blocks int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if blocks == 0 {
		delete(t.limit, uid)
		return
	}
	t.limit[uid] = blocks
}

// Charge adds blocks to uid's usage.
func (t *Tracker) Charge(uid uint32, blocks int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chargeLocked(uid, blocks)
}

func (t *Tracker) chargeLocked(uid uint32, blocks int64) error {
	if lim, ok := t.limit[uid]; ok && t.used[uid]+blocks > lim {
		return fmt.Errorf("quota for uid %d exceeded: %w", uid, common.ErrNoSpace)
	}
	t.used[uid] += blocks
	return nil
}

// Refund subtracts blocks from uid's usage.
func (t *Tracker) Refund(uid uint32, blocks int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used[uid] -= blocks
	if t.used[uid] < 0 {
		t.used[uid] = 0
	}
}

// Transfer moves the charge for blocks from one owner to another
// atomically; on failure neither side changes.
func (t *Tracker) Transfer(from, to uint32, blocks int64) error {
	if from == to || blocks == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.chargeLocked(to, blocks); err != nil {
		return err
	}
	t.used[from] -= blocks
	if t.used[from] < 0 {
		t.used[from] = 0
	}
	return nil
}

// Used returns uid's current usage.
func (t *Tracker) Used(uid uint32) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[uid]
}
