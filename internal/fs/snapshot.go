package fs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"nextfs/internal/common"
	"nextfs/internal/journal"
	"nextfs/internal/layout"
)

// Snapshot lifecycle. A snapshot is a regular inode flagged SNAPFILE
// whose logical offset b maps the snapshot's private copy of device
// block b. Snapshots form a singly linked list from the superblock,
// newest first, linked through next_snapshot_ino. At most one
// snapshot per filesystem is ACTIVE; only the active one receives
// COW and move traffic.

// SnapshotInfo describes one snapshot for listing.
type SnapshotInfo struct {
	Ino    uint32
	ID     string
	Active bool
	Blocks uint64
	Taken  time.Time
}

// TakeSnapshot creates a new snapshot file and links it at the head
// of the snapshot list. The journal is force-committed first so the
// snapshot observes a fully committed disk state.
func (fs *Filesystem) TakeSnapshot(uid, gid uint32) (*Inode, error) {
	fs.snapshotMu.Lock()
	defer fs.snapshotMu.Unlock()
	if err := fs.checkWritable(); err != nil {
		return nil, err
	}
	if err := fs.journal.ForceCommit(); err != nil {
		return nil, err
	}

	h, err := fs.journal.Start(16)
	if err != nil {
		return nil, err
	}
	defer h.Stop()

	inode, err := fs.AllocInode(h, 0100600, uid, gid)
	if err != nil {
		return nil, err
	}
	inode.mu.Lock()
	inode.Flags |= layout.FlagSnapfile | layout.FlagHugeFile
	inode.Size = uint64(fs.sb.BlocksCount) * uint64(fs.sb.BlockSize())
	inode.NextSnapshot = fs.sb.SnapshotList
	inode.Generation = uuid.New().ID()
	if len(inode.data) < layout.SnapshotNBlocks {
		grown := make([]uint32, layout.SnapshotNBlocks)
		copy(grown, inode.data)
		inode.data = grown
	}
	inode.mu.Unlock()
	if err := fs.WriteInode(h, inode); err != nil {
		return nil, err
	}
	fs.sb.SnapshotList = inode.Ino
	if err := fs.writeSuper(); err != nil {
		return nil, err
	}
	log.WithField("snapshot", inode.Ino).Info("snapshot taken")
	return inode, nil
}

// ActivateSnapshot makes snapshot ino the COW target. Any previously
// active snapshot is deactivated first.
func (fs *Filesystem) ActivateSnapshot(ino uint32) error {
	fs.snapshotMu.Lock()
	defer fs.snapshotMu.Unlock()
	if err := fs.checkWritable(); err != nil {
		return err
	}
	inode, err := fs.GetInode(ino)
	if err != nil {
		return err
	}
	if !inode.IsSnapfile() {
		return fmt.Errorf("inode %d is not a snapshot file: %w", ino, common.ErrPermission)
	}
	if old := fs.active.Load(); old != nil {
		if old.Ino == ino {
			return nil
		}
		if err := fs.deactivateLocked(old); err != nil {
			return err
		}
	}
	// Everything committed before activation predates the snapshot.
	if err := fs.journal.ForceCommit(); err != nil {
		return err
	}

	h, err := fs.journal.Start(4)
	if err != nil {
		return err
	}
	inode.mu.Lock()
	inode.Flags |= layout.FlagSnapshotActive
	inode.mu.Unlock()
	if err := fs.WriteInode(h, inode); err != nil {
		h.Stop()
		return err
	}
	if err := h.Stop(); err != nil {
		return err
	}
	fs.sb.ActiveSnapshot = ino
	if err := fs.writeSuper(); err != nil {
		return err
	}
	fs.resetCowBitmaps()
	fs.active.Store(inode)
	log.WithField("snapshot", ino).Info("snapshot activated")
	return nil
}

// DeactivateSnapshot stops COW without deleting the snapshot.
func (fs *Filesystem) DeactivateSnapshot() error {
	fs.snapshotMu.Lock()
	defer fs.snapshotMu.Unlock()
	old := fs.active.Load()
	if old == nil {
		return nil
	}
	return fs.deactivateLocked(old)
}

func (fs *Filesystem) deactivateLocked(old *Inode) error {
	// The snapshot is still active here: writing its inode copies the
	// inode table block into it, which allocates snapshot blocks.
	h, err := fs.journal.Start(journal.MaxTransData)
	if err != nil {
		return err
	}
	old.mu.Lock()
	old.Flags &^= layout.FlagSnapshotActive
	old.mu.Unlock()
	if err := fs.WriteInode(h, old); err != nil {
		h.Stop()
		return err
	}
	if err := h.Stop(); err != nil {
		return err
	}
	fs.sb.ActiveSnapshot = 0
	if err := fs.writeSuper(); err != nil {
		return err
	}
	fs.active.Store(nil)
	fs.resetCowBitmaps()
	log.WithField("snapshot", old.Ino).Info("snapshot deactivated")
	return nil
}

// ReleaseSnapshot unlinks a snapshot from the list and frees it.
// Releasing the active snapshot deactivates it first.
func (fs *Filesystem) ReleaseSnapshot(ino uint32) error {
	fs.snapshotMu.Lock()
	defer fs.snapshotMu.Unlock()
	inode, err := fs.GetInode(ino)
	if err != nil {
		return err
	}
	if !inode.IsSnapfile() {
		return fmt.Errorf("inode %d is not a snapshot file: %w", ino, common.ErrPermission)
	}
	if active := fs.active.Load(); active != nil && active.Ino == ino {
		if err := fs.deactivateLocked(active); err != nil {
			return err
		}
	}

	// Unlink from the snapshot list.
	if fs.sb.SnapshotList == ino {
		fs.sb.SnapshotList = inode.NextSnapshot
	} else {
		prevIno := fs.sb.SnapshotList
		for prevIno != 0 {
			prev, err := fs.GetInode(prevIno)
			if err != nil {
				return err
			}
			if prev.NextSnapshot == ino {
				h, err := fs.journal.Start(4)
				if err != nil {
					return err
				}
				prev.mu.Lock()
				prev.NextSnapshot = inode.NextSnapshot
				prev.mu.Unlock()
				if err := fs.WriteInode(h, prev); err != nil {
					h.Stop()
					return err
				}
				if err := h.Stop(); err != nil {
					return err
				}
				break
			}
			prevIno = prev.NextSnapshot
		}
	}
	if err := fs.writeSuper(); err != nil {
		return err
	}
	if err := fs.DeleteInode(inode); err != nil {
		return err
	}
	log.WithField("snapshot", ino).Info("snapshot released")
	return nil
}

// Snapshots lists the snapshot chain, newest first.
func (fs *Filesystem) Snapshots() ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	active := fs.active.Load()
	for ino := fs.sb.SnapshotList; ino != 0; {
		inode, err := fs.GetInode(ino)
		if err != nil {
			return nil, err
		}
		out = append(out, SnapshotInfo{
			Ino:    ino,
			ID:     fmt.Sprintf("%08x", inode.Generation),
			Active: active != nil && active.Ino == ino,
			Blocks: inode.Blocks(),
			Taken:  time.Unix(int64(inode.Ctime), 0),
		})
		ino = inode.NextSnapshot
	}
	return out, nil
}

// ReadSnapshotBlock reads device block nr as it was when the given
// snapshot was taken: the snapshot's private copy if one exists,
// cascading through newer snapshots, and finally the live device
// block for ranges never modified since.
func (fs *Filesystem) ReadSnapshotBlock(snap *Inode, nr uint32, dst []byte) error {
	if !snap.IsSnapfile() {
		return fmt.Errorf("inode %d is not a snapshot file: %w", snap.Ino, common.ErrPermission)
	}
	// Collect the chain segment from this snapshot toward newer ones:
	// the closest newer snapshot holds the oldest post-take copy.
	var newer []uint32
	for ino := fs.sb.SnapshotList; ino != 0 && ino != snap.Ino; {
		newer = append(newer, ino)
		inode, err := fs.GetInode(ino)
		if err != nil {
			return err
		}
		ino = inode.NextSnapshot
	}
	cascade := make([]*Inode, 0, len(newer)+1)
	cascade = append(cascade, snap)
	for i := len(newer) - 1; i >= 0; i-- {
		inode, err := fs.GetInode(newer[i])
		if err != nil {
			return err
		}
		cascade = append(cascade, inode)
	}

	for _, s := range cascade {
		mapped, phys, err := fs.snapshotLookup(s, nr)
		if err != nil {
			return err
		}
		if mapped {
			return fs.readSnapshotCopy(phys, dst)
		}
	}
	// Unmodified since the snapshot: the live device block is the
	// pre-image.
	b, err := fs.cache.Get(nr)
	if err != nil {
		return err
	}
	copy(dst, b.Data())
	fs.cache.Release(b)
	return nil
}

func (fs *Filesystem) snapshotLookup(snap *Inode, nr uint32) (bool, uint32, error) {
	depth, offsets, _, err := fs.blockToPath(snap, nr)
	if err != nil {
		return false, 0, err
	}
	for attempt := 0; ; attempt++ {
		chain, holeAt, err := fs.getBranch(snap, depth, offsets)
		if err != nil {
			if common.IsRetryable(err) && attempt == 0 {
				continue
			}
			return false, 0, err
		}
		phys := uint32(0)
		if holeAt < 0 {
			phys = chain[depth-1].key
		}
		fs.releaseChain(chain)
		return holeAt < 0, phys, nil
	}
}

// readSnapshotCopy reads a snapshot's private block, synchronizing
// with an in-flight pending copy: after the marker clears, an
// up-to-date in-memory buffer is copied directly, avoiding the disk
// round-trip; otherwise the block is read from the device.
func (fs *Filesystem) readSnapshotCopy(phys uint32, dst []byte) error {
	if b := fs.cache.Peek(phys); b != nil {
		if b.IsPending() {
			if err := fs.cache.WaitPending(context.Background(), b); err != nil {
				fs.cache.Release(b)
				return err
			}
		}
		if b.Uptodate() {
			copy(dst, b.Data())
			fs.cache.Release(b)
			return nil
		}
		// The copy was cancelled; fall through to a device read.
		fs.cache.Release(b)
	}
	b, err := fs.cache.Get(phys)
	if err != nil {
		return err
	}
	copy(dst, b.Data())
	fs.cache.Release(b)
	return nil
}
