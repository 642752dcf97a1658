package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots of an image",
}

var snapshotTakeCmd = &cobra.Command{
	Use:   "take <image>",
	Short: "Take a snapshot and activate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		snap, err := f.TakeSnapshot(uint32(os.Getuid()), uint32(os.Getgid()))
		if err != nil {
			return err
		}
		if err := f.ActivateSnapshot(snap.Ino); err != nil {
			return err
		}
		fmt.Printf("snapshot inode %d taken and activated\n", snap.Ino)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <image>",
	Short: "List snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		snaps, err := f.Snapshots()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, s := range snaps {
			state := ""
			if s.Active {
				state = " (active)"
			}
			fmt.Printf("%s  inode %-6d %8d blocks  %s%s\n",
				s.ID, s.Ino, s.Blocks, s.Taken.Format("2006-01-02 15:04:05"), state)
		}
		return nil
	},
}

var snapshotReleaseCmd = &cobra.Command{
	Use:   "release <image> <inode>",
	Short: "Release a snapshot and free its blocks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ino, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad inode number %q", args[1])
		}
		f, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if err := f.ReleaseSnapshot(uint32(ino)); err != nil {
			return err
		}
		fmt.Printf("snapshot inode %d released\n", ino)
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotTakeCmd, snapshotListCmd, snapshotReleaseCmd)
	rootCmd.AddCommand(snapshotCmd)
}
