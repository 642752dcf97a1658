package fs

import (
	"nextfs/internal/buffer"
	"nextfs/internal/journal"
)

// Transaction-local COW cache. Every metadata buffer carries the id
// of the transaction that last copied it into the snapshot; a second
// COW attempt within the same transaction is redundant — the copy
// already committed with (or ahead of) this transaction's changes.
// Strictly an optimization: correctness never depends on a hit, and
// the cache is ignored for buffers not attached to the journal, whose
// tag may be stale from an earlier transaction.

func (fs *Filesystem) cowCached(h *journal.Handle, b *buffer.Buf) bool {
	return b.Attached() && b.CowTID() == h.TID()
}

func (fs *Filesystem) tagCowed(h *journal.Handle, b *buffer.Buf) {
	b.SetCowTID(h.TID())
}
