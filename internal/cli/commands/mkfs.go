package commands

import (
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"nextfs/internal/dev"
	"nextfs/internal/mkfs"
)

var mkfsParamsFile string

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image>",
	Short: "Create a new nextfs image",
	Long: `Create and format a nextfs image file.

Geometry defaults to 8192 blocks of 1024 bytes in groups of 2048; pass
a YAML params file to override:

  block_size: 4096
  blocks: 262144
  blocks_per_group: 8192
  inodes_per_group: 1024

Examples:
  nextfs mkfs disk.img
  nextfs mkfs --params mkfs.yaml disk.img`,
	Args: cobra.ExactArgs(1),
	RunE: runMkfs,
}

func init() {
	mkfsCmd.Flags().StringVar(&mkfsParamsFile, "params", "", "YAML file with format parameters")
	rootCmd.AddCommand(mkfsCmd)
}

func runMkfs(cmd *cobra.Command, args []string) error {
	p := mkfs.DefaultParams()
	if mkfsParamsFile != "" {
		var err error
		p, err = mkfs.LoadParams(mkfsParamsFile)
		if err != nil {
			return err
		}
	}
	d, err := dev.Create(osfs.New("/"), absPath(args[0]), p.BlockSize, p.Blocks)
	if err != nil {
		return err
	}
	defer d.Close()
	sb, err := mkfs.Format(d, p)
	if err != nil {
		return err
	}
	fmt.Printf("created %s: %d blocks of %d bytes, %d groups, uuid %s\n",
		args[0], sb.BlocksCount, sb.BlockSize(), sb.GroupCount(), sb.FSID)
	return nil
}
