package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize drift configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file populated with the defaults",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()
		path := cfgPath
		if path == "" {
			path = cfg.FilePath()
		}

		if err := cfg.WriteFile(path); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Long: `Print the active configuration as YAML after merging the config
file and DRIFT_-prefixed environment variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		data, err := cfg.YAML()
		if err != nil {
			fatalf("Error: %v", err)
		}
		os.Stdout.Write(data)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
