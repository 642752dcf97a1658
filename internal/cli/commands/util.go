package commands

import (
	"path/filepath"

	"nextfs/internal/dev"
	"nextfs/internal/fs"
)

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// openImage mounts an image with an exclusive lock.
func openImage(path string) (*fs.Filesystem, error) {
	d, err := dev.OpenOS(absPath(path), blockSizeFlag)
	if err != nil {
		return nil, err
	}
	f, err := fs.New(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	return f, nil
}
