package fs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"nextfs/internal/journal"
)

// The orphan list is an on-disk singly linked list of inodes whose
// truncate or delete is in progress, rooted in the superblock. While
// an inode is on the list its dtime field doubles as the next
// pointer. Replay on mount finishes whatever the crash interrupted.

func (fs *Filesystem) orphanAdd(h *journal.Handle, inode *Inode) error {
	if inode.onOrphan {
		return nil
	}
	inode.mu.Lock()
	inode.nextOrphan = fs.sb.OrphanHead
	inode.onOrphan = true
	inode.mu.Unlock()
	fs.sb.OrphanHead = inode.Ino
	if err := fs.writeSuper(); err != nil {
		return err
	}
	return fs.WriteInode(h, inode)
}

func (fs *Filesystem) orphanRemove(h *journal.Handle, inode *Inode) error {
	if !inode.onOrphan {
		return nil
	}
	if fs.sb.OrphanHead == inode.Ino {
		fs.sb.OrphanHead = inode.nextOrphan
	} else {
		prev, err := fs.GetInode(fs.sb.OrphanHead)
		if err != nil {
			return err
		}
		for prev.nextOrphan != inode.Ino {
			if prev.nextOrphan == 0 {
				return fs.corrupt("inode %d marked orphan but missing from the list", inode.Ino)
			}
			prev, err = fs.GetInode(prev.nextOrphan)
			if err != nil {
				return err
			}
		}
		prev.nextOrphan = inode.nextOrphan
		if err := fs.WriteInode(h, prev); err != nil {
			return err
		}
	}
	inode.mu.Lock()
	inode.onOrphan = false
	inode.nextOrphan = 0
	// Off the list, dtime is a dtime again. The inode survives (or the
	// delete path stamps the real deletion time right after), so the
	// stale next pointer must not leak back to disk.
	inode.Dtime = 0
	inode.mu.Unlock()
	if err := fs.writeSuper(); err != nil {
		return err
	}
	return fs.WriteInode(h, inode)
}

// replayOrphans finishes interrupted truncates and deletes at mount.
func (fs *Filesystem) replayOrphans() error {
	if fs.sb.OrphanHead == 0 {
		return nil
	}
	if fs.errored.Load() {
		log.Warn("skipping orphan replay on errored filesystem")
		return nil
	}
	for head := fs.sb.OrphanHead; head != 0; {
		inode, err := fs.GetInode(head)
		if err != nil {
			return fmt.Errorf("orphan replay at inode %d: %w", head, err)
		}
		next := inode.Dtime
		inode.mu.Lock()
		inode.onOrphan = true
		inode.nextOrphan = next
		inode.mu.Unlock()

		log.WithFields(log.Fields{"inode": head, "links": inode.LinksCount}).
			Info("replaying orphaned inode")
		if inode.LinksCount == 0 {
			err = fs.DeleteInode(inode)
		} else {
			err = fs.Truncate(inode)
		}
		if err != nil {
			return fmt.Errorf("orphan replay of inode %d: %w", head, err)
		}
		head = next
	}
	return nil
}
