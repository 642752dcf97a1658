package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"nextfs/internal/fs"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <image> <inode> <iblock>",
	Short: "Map a logical block of an inode to its physical block",
	Long: `Resolve an inode's logical block number through its indirect tree
and print the physical mapping, run length and flags.

Examples:
  nextfs resolve disk.img 12 0
  nextfs resolve disk.img 12 65804`,
	Args: cobra.ExactArgs(3),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ino, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad inode number %q", args[1])
	}
	iblock, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return fmt.Errorf("bad block number %q", args[2])
	}

	f, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	inode, err := f.GetInode(uint32(ino))
	if err != nil {
		return err
	}
	res, err := f.MapBlock(nil, inode, uint32(iblock), 64, 0)
	if err != nil {
		return err
	}
	if res.Flags&fs.FlagMapped == 0 {
		fmt.Printf("inode %d iblock %d: hole\n", ino, iblock)
		return nil
	}
	boundary := ""
	if res.Flags&fs.FlagBoundary != 0 {
		boundary = " (boundary)"
	}
	fmt.Printf("inode %d iblock %d -> block %d, run %d%s\n", ino, iblock, res.Phys, res.Count, boundary)
	return nil
}
