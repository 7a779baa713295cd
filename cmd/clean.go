package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidrelay/internal/output"
	"github.com/tanq16/vidrelay/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove leftover segment directories and partial files",
		Long:  "Remove leftover temporary files. A directory is scanned for artifacts; a file path cleans the artifacts of that output.",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			var removed int
			var err error
			if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
				removed, err = utils.CleanDir(target)
			} else {
				removed, err = utils.Clean(target)
			}
			if err != nil {
				output.PrintError(fmt.Sprintf("Error cleaning up temporary files: %v", err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d temporary artifact(s)", removed))
		},
	}
}
