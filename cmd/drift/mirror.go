package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/identity/sessionfile"
	"github.com/driftsync/driftsync/internal/lockfile"
	"github.com/driftsync/driftsync/internal/monitor"
	"github.com/driftsync/driftsync/internal/notes"
	"github.com/driftsync/driftsync/internal/session"
	"github.com/driftsync/driftsync/internal/syncer"
	"github.com/driftsync/driftsync/internal/ui"
)

var mirrorSeed string

var mirrorCmd = &cobra.Command{
	Use:     "mirror",
	GroupID: "sync",
	Short:   "Run the sync engine daemon",
	Long: `Run the drift sync engine in the foreground until interrupted.

The daemon holds a lock file so only one mirror runs per data dir,
follows the session file for sign-in changes, keeps the local store
subscribed to the signed-in user's notes, and (unless disabled in the
config) serves the WebSocket monitor that "drift tail" connects to.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger, closeLog := daemonLogger(cfg)
		defer closeLog()

		lock, err := lockfile.Acquire(cfg.LockPath())
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer lock.Unlock()

		remote, err := notes.Registry().Open(cfg.Store.Driver, cfg.StorePath(), logger)
		if err != nil {
			fatalf("Error opening store: %v", err)
		}
		defer remote.Close()

		provider, err := sessionfile.New(cfg.SessionPath(), logger)
		if err != nil {
			fatalf("Error watching session file: %v", err)
		}
		defer provider.Close()

		validator, err := notes.Validator()
		if err != nil {
			fatalf("Error building validator: %v", err)
		}

		var emitter syncer.Emitter
		var mon *monitor.Server
		if cfg.Monitor.Enabled {
			mon = monitor.NewServer(&monitor.Config{Port: cfg.Monitor.Port, Logger: logger})
			if err := mon.Start(); err != nil {
				fatalf("Error starting monitor: %v", err)
			}
			defer mon.Stop()
			emitter = mon
			fmt.Printf("%s Monitor listening on %s\n", ui.RenderAccent("→"), mon.Addr())
		}

		svc := syncer.NewCollection(syncer.Options[notes.Note]{
			Remote:      remote,
			Identity:    provider,
			OwnerScoped: true,
			Validator:   validator,
			Session: &session.Config{
				RetryDelay:  cfg.Session.RetryDelay(),
				MaxAttempts: cfg.Session.MaxAttempts,
				Logger:      logger,
			},
			Logger:  logger,
			Emitter: emitter,
		})
		defer svc.Dispose()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if mirrorSeed != "" {
			if err := seedNotes(ctx, svc, mirrorSeed); err != nil {
				fatalf("Error seeding notes: %v", err)
			}
		}

		fmt.Printf("%s Mirror running (store %s, data dir %s)\n",
			ui.RenderPass("✓"), cfg.Store.Driver, cfg.DataDir)
		logger.Printf("mirror started: store=%s path=%s", cfg.Store.Driver, cfg.StorePath())

		<-ctx.Done()
		logger.Printf("mirror shutting down")
		fmt.Printf("\n%s Shutting down\n", ui.RenderMuted("●"))
	},
}

// daemonLogger builds the mirror's logger: lumberjack-rotated when a
// log file is configured, stderr otherwise.
func daemonLogger(cfg config.Config) (*log.Logger, func()) {
	if cfg.Log.File == "" {
		return log.New(os.Stderr, "[drift] ", log.LstdFlags), func() {}
	}

	w := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	return log.New(w, "[drift] ", log.LstdFlags), func() { w.Close() }
}

// seedNotes loads a TOML seed file and upserts its notes through the
// normal mutation path, so seeding is visible on the monitor like any
// other write.
func seedNotes(ctx context.Context, svc *syncer.Collection[notes.Note], path string) error {
	seeded, err := notes.LoadSeed(path)
	if err != nil {
		return err
	}
	if len(seeded) == 0 {
		return nil
	}

	reqs := make([]syncer.UpsertRequest[notes.Note], 0, len(seeded))
	for _, n := range seeded {
		n := n
		reqs = append(reqs, syncer.UpsertRequest[notes.Note]{
			ID: n.ID,
			Upsert: func(cur notes.Note, ok bool, vars entity.SyncVars) notes.Note {
				if ok {
					n.CreatedAt = cur.CreatedAt
				}
				if n.Owner == "" {
					n.Owner = string(vars.UserID)
				}
				return n
			},
		})
	}

	res, err := svc.UpsertDocs(ctx, reqs, syncer.BatchOptions[notes.Note]{})
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s: %s", res.Title, res.Message)
	}
	fmt.Printf("%s Seeded %d notes from %s\n", ui.RenderPass("✓"), len(res.Value), path)
	return nil
}

func init() {
	mirrorCmd.Flags().StringVar(&mirrorSeed, "seed", "", "TOML file of notes to upsert at startup")
	rootCmd.AddCommand(mirrorCmd)
}
