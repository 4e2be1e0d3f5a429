package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "Live local mirror with optimistic sync",
	Long: `drift keeps a local mirror of a remote note collection in sync.

Mutations apply to the mirror immediately and replay against the remote
in the background; remote snapshots stream back and replace the mirror
wholesale. Run "drift mirror" to start the engine, "drift auth login"
to establish an identity, and "drift tail" to watch engine events live.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default <data-dir>/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "auth", Title: "Auth Commands:"},
		&cobra.Group{ID: "monitor", Title: "Monitor Commands:"},
	)
}

// loadConfig resolves the active configuration, honoring --config.
func loadConfig() config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	return cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
