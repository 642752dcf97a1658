package mkfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextfs/internal/dev"
	"nextfs/internal/layout"
)

func TestFormatAndReopen(t *testing.T) {
	t.Parallel()

	bfs := memfs.New()
	p := DefaultParams()
	d, err := dev.Create(bfs, "/disk.img", p.BlockSize, p.Blocks)
	require.NoError(t, err)

	sb, err := Format(d, p)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d2, err := dev.Open(bfs, "/disk.img", p.BlockSize)
	require.NoError(t, err)
	defer d2.Close()

	buf := make([]byte, p.BlockSize)
	require.NoError(t, d2.ReadBlock(layout.SuperBlockNr, buf))
	got, err := layout.DecodeSuper(buf)
	require.NoError(t, err)
	assert.Equal(t, sb.BlocksCount, got.BlocksCount)
	assert.Equal(t, sb.FreeBlocks, got.FreeBlocks)
	assert.Equal(t, sb.FSID, got.FSID)
	assert.Equal(t, uint16(layout.StateClean), got.State)
	assert.Equal(t, uint32(4), got.GroupCount())

	// Root inode is in place.
	require.NoError(t, d2.ReadBlock(got.FirstDataBlock+3, buf))
	root := layout.DecodeInode(buf[(layout.RootIno-1)*layout.InodeSize:])
	assert.Equal(t, uint16(040755), root.Mode)
	assert.Equal(t, uint16(2), root.LinksCount)
}

func TestFormatMetadataMarkedInUse(t *testing.T) {
	t.Parallel()

	bfs := memfs.New()
	p := DefaultParams()
	d, err := dev.Create(bfs, "/disk.img", p.BlockSize, p.Blocks)
	require.NoError(t, err)
	defer d.Close()

	sb, err := Format(d, p)
	require.NoError(t, err)

	bm := make([]byte, p.BlockSize)
	require.NoError(t, d.ReadBlock(sb.GroupStart(1), bm))
	meta := 3 + sb.InodeTableBlocks()
	for bit := uint32(0); bit < meta; bit++ {
		assert.NotZero(t, bm[bit/8]&(1<<(bit%8)), "metadata bit %d", bit)
	}
	assert.Zero(t, bm[meta/8]&(1<<(meta%8)), "first data bit free")
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"bad block size", func(p *Params) { p.BlockSize = 1000 }},
		{"zero bpg", func(p *Params) { p.BlocksPerGroup = 0 }},
		{"unaligned bpg", func(p *Params) { p.BlocksPerGroup = 1001 }},
		{"bpg too large", func(p *Params) { p.BlocksPerGroup = 16384 }},
		{"zero ipg", func(p *Params) { p.InodesPerGroup = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultParams()
			tt.mutate(&p)
			bfs := memfs.New()
			d, err := dev.Create(bfs, "/disk.img", 1024, 8192)
			require.NoError(t, err)
			defer d.Close()
			_, err = Format(d, p)
			assert.Error(t, err)
		})
	}
}

func TestLoadParams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mkfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_size: 2048\nblocks: 4096\n"), 0644))

	p, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, p.BlockSize)
	assert.Equal(t, uint32(4096), p.Blocks)
	// Unset fields keep defaults.
	assert.Equal(t, DefaultParams().BlocksPerGroup, p.BlocksPerGroup)

	_, err = LoadParams(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
