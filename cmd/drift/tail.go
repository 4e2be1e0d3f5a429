package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/monitor"
	"github.com/driftsync/driftsync/internal/syncer"
	"github.com/driftsync/driftsync/internal/ui"
)

var (
	tailAddr  string
	tailSince string
)

var tailCmd = &cobra.Command{
	Use:     "tail",
	GroupID: "monitor",
	Short:   "Stream engine events from a running mirror",
	Long: `Connect to the monitor endpoint and print engine events as they
happen: session transitions, mutations, and snapshot absorptions.

--since filters out events older than a point in time, given either
as RFC3339 or in plain English ("5 minutes ago", "yesterday 6pm").`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := tailAddr
		if addr == "" {
			cfg := loadConfig()
			addr = fmt.Sprintf("127.0.0.1:%d", cfg.Monitor.Port)
		}

		var since time.Time
		if tailSince != "" {
			t, err := parseSince(tailSince, time.Now())
			if err != nil {
				fatalf("Error: %v", err)
			}
			since = t
		}

		logger := log.New(os.Stderr, "[tail] ", log.LstdFlags)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := monitor.Dial(ctx, addr, logger)
		if err != nil {
			fatalf("Error connecting to %s: %v", addr, err)
		}
		defer client.Close()

		fmt.Printf("%s Tailing %s\n", ui.RenderAccent("→"), addr)

		for {
			select {
			case <-ctx.Done():
				fmt.Printf("\n%s Disconnected\n", ui.RenderMuted("●"))
				return
			case ev, ok := <-client.Events():
				if !ok {
					fmt.Printf("%s Stream closed by server\n", ui.RenderMuted("●"))
					return
				}
				if !since.IsZero() && ev.At.Before(since) {
					continue
				}
				printEvent(ev)
			}
		}
	},
}

// parseSince accepts RFC3339 first, then natural language.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func printEvent(ev syncer.Event) {
	ts := ui.RenderMuted(ev.At.Format("15:04:05.000"))

	switch ev.Kind {
	case syncer.EventSnapshot:
		fmt.Printf("%s %s snapshot user=%s count=%d\n",
			ts, ui.RenderAccent("⇅"), ev.User, ev.Count)
	case syncer.EventMutation:
		marker := ui.RenderPass("✓")
		if ev.Error != "" {
			marker = ui.RenderFail("✗")
		}
		fmt.Printf("%s %s %s id=%s user=%s", ts, marker, ev.Op, ev.EntityID, ev.User)
		if ev.Count > 1 {
			fmt.Printf(" n=%d", ev.Count)
		}
		if ev.Error != "" {
			fmt.Printf(" error=%s", ui.RenderFail(ev.Error))
		}
		fmt.Println()
	case syncer.EventSession:
		fmt.Printf("%s %s session %s", ts, ui.RenderWarn("●"), ev.Op)
		if ev.User != "" {
			fmt.Printf(" user=%s", ev.User)
		}
		if ev.Error != "" {
			fmt.Printf(" error=%s", ui.RenderFail(ev.Error))
		}
		fmt.Println()
	default:
		fmt.Printf("%s %s %s\n", ts, ev.Kind, ev.Op)
	}
}

func init() {
	tailCmd.Flags().StringVar(&tailAddr, "addr", "", "monitor address (default 127.0.0.1:<monitor.port>)")
	tailCmd.Flags().StringVar(&tailSince, "since", "", "drop events before this time (RFC3339 or natural language)")
	rootCmd.AddCommand(tailCmd)
}
