package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextfs/internal/common"
	"nextfs/internal/layout"
)

// Geometry for these tables: block size 1024 => 256 slots per
// indirect block.
func TestBlockToPathRegular(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)

	tests := []struct {
		name     string
		iblock   uint32
		depth    int
		offsets  []int
		boundary uint32
	}{
		{"first direct", 0, 1, []int{0}, 11},
		{"last direct", 11, 1, []int{11}, 0},
		{"first indirect", 12, 2, []int{12, 0}, 255},
		{"mid indirect", 100, 2, []int{12, 88}, 167},
		{"last indirect", 12 + 255, 2, []int{12, 255}, 0},
		{"first double", 12 + 256, 3, []int{13, 0, 0}, 255},
		{"double hi/lo split", 12 + 256 + 256*3 + 7, 3, []int{13, 3, 7}, 248},
		{"first triple", 12 + 256 + 65536, 4, []int{14, 0, 0, 0}, 255},
		{"triple split", 12 + 256 + 65536 + 65536*2 + 256*5 + 9, 4, []int{14, 2, 5, 9}, 246},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			depth, offsets, boundary, err := f.blockToPath(inode, tt.iblock)
			require.NoError(t, err)
			assert.Equal(t, tt.depth, depth)
			assert.Equal(t, tt.offsets, offsets)
			assert.Equal(t, tt.boundary, boundary)
		})
	}
}

func TestBlockToPathTripleHoleFill(t *testing.T) {
	t.Parallel()

	// Spec scenario: block_size 1024, iblock 12 + 256 + 256^2.
	f, _ := newTestFS(t)
	inode := newFile(t, f)

	depth, offsets, _, err := f.blockToPath(inode, 65804)
	require.NoError(t, err)
	assert.Equal(t, 4, depth)
	assert.Equal(t, []int{14, 0, 0, 0}, offsets)
}

func TestBlockToPathOutOfRange(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	inode := newFile(t, f)

	// Beyond direct + ind + dind + tind for a regular file.
	max := uint32(12 + 256 + 256*256 + 256*256*256)
	_, _, _, err := f.blockToPath(inode, max)
	assert.ErrorIs(t, err, common.ErrOutOfRange)

	_, _, _, err = f.blockToPath(inode, max-1)
	assert.NoError(t, err)
}

func TestBlockToPathSnapshotExtraTind(t *testing.T) {
	t.Parallel()

	f, _ := newTestFS(t)
	snap, err := f.TakeSnapshot(0, 0)
	require.NoError(t, err)

	regularMax := uint32(12 + 256 + 256*256 + 256*256*256)

	// The block right past the regular range maps through the first
	// extra triple-indirect root.
	depth, offsets, _, err := f.blockToPath(snap, regularMax)
	require.NoError(t, err)
	assert.Equal(t, 4, depth)
	assert.Equal(t, layout.TIndBlock+1, offsets[0])
	assert.Equal(t, []int{15, 0, 0, 0}, offsets)

	// One full p^3 further: the next extra root.
	depth, offsets, _, err = f.blockToPath(snap, regularMax+256*256*256)
	require.NoError(t, err)
	assert.Equal(t, 4, depth)
	assert.Equal(t, layout.TIndBlock+2, offsets[0])

	// Past the last extra root the snapshot range ends too.
	_, _, _, err = f.blockToPath(snap, regularMax+3*256*256*256)
	assert.ErrorIs(t, err, common.ErrOutOfRange)
}
