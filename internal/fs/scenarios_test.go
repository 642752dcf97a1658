package fs

import (
	"sync"
	"testing"

	. "github.com/onsi/gomega"

	"nextfs/internal/journal"
	"nextfs/internal/layout"
)

// End-to-end: build files, snapshot, overwrite, remount, and verify
// the snapshot still reproduces every pre-snapshot byte.
func TestSnapshotPreservationEndToEnd(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	f, bfs := newTestFS(t)
	inode := newFile(t, f)

	// Pre-snapshot contents across direct and indirect ranges.
	preBlocks := map[uint32]uint32{} // iblock -> phys
	for i, iblock := range []uint32{0, 1, 11, 12, 13, 300} {
		preBlocks[iblock] = writeBlock(t, f, inode, iblock, byte(0x40+i))
	}

	snap := takeActiveSnapshot(t, f)
	snapIno := snap.Ino

	// Overwrite everything and extend the file.
	for _, iblock := range []uint32{0, 1, 11, 12, 13, 300} {
		writeBlock(t, f, inode, iblock, 0xff)
	}
	fillBlocks(t, f, inode, 400, 420)

	// Every pre-snapshot physical block reads back its original
	// pattern through the snapshot.
	buf := make([]byte, f.sb.BlockSize())
	for i, iblock := range []uint32{0, 1, 11, 12, 13, 300} {
		g.Expect(f.ReadSnapshotBlock(snap, preBlocks[iblock], buf)).To(Succeed())
		g.Expect(buf[0]).To(Equal(byte(0x40+i)), "iblock %d", iblock)
		g.Expect(buf[len(buf)-1]).To(Equal(byte(0x40 + i)))
	}

	// And again after a remount.
	ino := inode.Ino
	f2 := remount(t, f, bfs)
	snap2, err := f2.GetInode(snapIno)
	g.Expect(err).NotTo(HaveOccurred())
	for i, iblock := range []uint32{0, 1, 11, 12, 13, 300} {
		g.Expect(f2.ReadSnapshotBlock(snap2, preBlocks[iblock], buf)).To(Succeed())
		g.Expect(buf[0]).To(Equal(byte(0x40 + i)))
	}

	// No hole under data: every mapped leaf slot matches the mapping.
	inode2, err := f2.GetInode(ino)
	g.Expect(err).NotTo(HaveOccurred())
	res, err := f2.MapBlock(nil, inode2, 0, 1, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Flags & FlagMapped).NotTo(BeZero())
	g.Expect(inode2.Slot(0)).To(Equal(res.Phys))
}

// Concurrent writers on distinct inodes interleaved with truncates:
// the trees stay consistent and every surviving mapping is intact.
func TestConcurrentWritersAndTruncate(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	f, _ := newTestFS(t)
	const workers = 4

	inodes := make([]*Inode, workers)
	for i := range inodes {
		inodes[i] = newFile(t, f)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(inode *Inode) {
			defer wg.Done()
			for i := uint32(0); i < 40; i++ {
				h, err := f.Start(journal.MaxTransData)
				if err != nil {
					errs <- err
					return
				}
				_, err = f.MapBlock(h, inode, i, 1, MapCreate)
				h.Stop()
				if err != nil {
					errs <- err
					return
				}
			}
			// Truncate the tail while other workers keep writing.
			inode.mu.Lock()
			inode.Size = 10 * uint64(f.sb.BlockSize())
			inode.mu.Unlock()
			if err := f.Truncate(inode); err != nil {
				errs <- err
			}
		}(inodes[w])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		g.Expect(err).NotTo(HaveOccurred())
	}

	for _, inode := range inodes {
		for i := uint32(0); i < 10; i++ {
			res, err := f.MapBlock(nil, inode, i, 1, 0)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(res.Flags&FlagMapped).NotTo(BeZero(), "inode %d iblock %d", inode.Ino, i)
		}
		for i := uint32(10); i < 40; i++ {
			res, err := f.MapBlock(nil, inode, i, 1, 0)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(res.Flags&FlagMapped).To(BeZero(), "inode %d iblock %d freed", inode.Ino, i)
		}
		g.Expect(inode.Blocks()).To(Equal(uint64(10)), "10 direct data blocks survive")
	}

	// The allocator agrees: no block is referenced twice. Walk every
	// surviving leaf and assert uniqueness.
	seen := map[uint32]uint32{}
	for _, inode := range inodes {
		for i := uint32(0); i < 10; i++ {
			res, err := f.MapBlock(nil, inode, i, 1, 0)
			g.Expect(err).NotTo(HaveOccurred())
			if prev, dup := seen[res.Phys]; dup {
				t.Fatalf("block %d mapped by inodes %d and %d", res.Phys, prev, inode.Ino)
			}
			seen[res.Phys] = inode.Ino
		}
		if ind := inode.Slot(layout.IndBlock); ind != 0 {
			g.Expect(seen).NotTo(HaveKey(ind))
			seen[ind] = inode.Ino
		}
	}
}
