package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/monitor"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print drift version and monitor protocol",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("drift %s (monitor protocol %s)\n", Version, monitor.Protocol)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
