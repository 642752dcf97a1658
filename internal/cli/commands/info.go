package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show superblock and group information for an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	f, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	sb := f.Super()
	fmt.Printf("uuid:             %s\n", sb.FSID)
	fmt.Printf("blocks:           %d x %d bytes\n", sb.BlocksCount, sb.BlockSize())
	fmt.Printf("groups:           %d (%d blocks/group, %d inodes/group)\n",
		sb.GroupCount(), sb.BlocksPerGroup, sb.InodesPerGroup)
	fmt.Printf("free:             %d blocks, %d inodes\n", sb.FreeBlocks, sb.FreeInodes)
	if sb.ErrorMsg != "" {
		fmt.Printf("errors:           %s\n", sb.ErrorMsg)
	}
	if sb.ActiveSnapshot != 0 {
		fmt.Printf("active snapshot:  inode %d\n", sb.ActiveSnapshot)
	}
	snaps, err := f.Snapshots()
	if err != nil {
		return err
	}
	for _, s := range snaps {
		state := ""
		if s.Active {
			state = " (active)"
		}
		fmt.Printf("snapshot %s: inode %d, %d blocks, taken %s%s\n",
			s.ID, s.Ino, s.Blocks, s.Taken.Format("2006-01-02 15:04:05"), state)
	}
	return nil
}
