package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, commit: %s)", version, buildDate, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var blockSizeFlag int

var rootCmd = &cobra.Command{
	Use:   "nextfs",
	Short: "Inspect and manage nextfs images",
	Long: `nextfs is a journaled block-addressed filesystem with copy-on-write
snapshots. This tool formats images and inspects their block mapping
and snapshot state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVar(&blockSizeFlag, "block-size", 1024, "filesystem block size in bytes")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
