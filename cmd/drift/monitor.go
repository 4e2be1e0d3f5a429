package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/monitor"
	"github.com/driftsync/driftsync/internal/ui"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	GroupID: "monitor",
	Short:   "Run a standalone monitor server",
	Long: `Run the WebSocket monitor server without the mirror daemon.

Useful when another process hosts the engine and emits events at this
server, or for exercising "drift tail" against a live endpoint.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := log.New(os.Stderr, "[monitor] ", log.LstdFlags)
		srv := monitor.NewServer(&monitor.Config{Port: cfg.Monitor.Port, Logger: logger})
		if err := srv.Start(); err != nil {
			fatalf("Error: %v", err)
		}
		defer srv.Stop()

		fmt.Printf("%s Monitor listening on %s (protocol %s)\n",
			ui.RenderPass("✓"), srv.Addr(), monitor.Protocol)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Printf("\n%s Shutting down\n", ui.RenderMuted("●"))
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
