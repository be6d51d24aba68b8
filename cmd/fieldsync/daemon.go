package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/dashboard"
	"github.com/reliefops/fieldsync/internal/intake"
	"github.com/reliefops/fieldsync/internal/netmon"
	syncpkg "github.com/reliefops/fieldsync/internal/sync"
	"github.com/reliefops/fieldsync/internal/transport"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the full sync daemon in foreground mode.

The daemon will:
  1. Watch the spool directory for new mutation envelopes
  2. Probe the network and track online/offline transitions
  3. Drain the queue to the server whenever connectivity allows
  4. Resolve version conflicts and record them in the audit log
  5. Periodically prune old synced items

Send SIGHUP to re-arm the engine after a local database error halted
it. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logOut := io.Writer(os.Stderr)
		if cfg.Log.File != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			}
		}
		mkLogger := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}

		database := openDatabase(cfg)
		defer database.Close()

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: mkLogger("[dashboard] "),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = dash.Stop() }()
		}

		queue := syncpkg.NewQueue(database, &syncpkg.QueueConfig{
			MaxItems:    cfg.Queue.MaxItems,
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
			Logger:      mkLogger("[queue] "),
			OnEvict: func(evicted syncpkg.QueueItem) {
				if dash != nil {
					dash.BroadcastJSON(dashboard.MessageTypeEviction, dashboard.EvictionData{
						ItemID:     evicted.ID,
						EntityType: string(evicted.EntityType),
						EntityUUID: evicted.EntityUUID,
						Priority:   evicted.Priority,
					})
				}
			},
		})

		conflictStore := conflict.NewStore(database, mkLogger("[conflicts] "))
		resolver := conflict.NewResolver(conflictStore, &conflict.ResolverConfig{
			AutoResolve: cfg.Sync.AutoResolve,
			Logger:      mkLogger("[resolver] "),
		})

		client := transport.New(&transport.Config{
			BaseURL:        cfg.Server.URL,
			RequestTimeout: cfg.Server.RequestTimeout,
			AuthToken:      cfg.Server.AuthToken,
			Logger:         mkLogger("[transport] "),
		})

		monitor := netmon.New(&netmon.Config{
			ProbeURL:      cfg.ProbeURL(),
			ProbeInterval: cfg.Network.ProbeInterval,
			ProbeTimeout:  cfg.Network.ProbeTimeout,
			Logger:        mkLogger("[netmon] "),
		})

		engine := syncpkg.NewEngine(queue, client, resolver, monitor, database, &syncpkg.EngineConfig{
			BatchSize:        cfg.Sync.BatchSize,
			SettleDelay:      cfg.Sync.SettleDelay,
			AcceleratedRetry: cfg.Sync.AcceleratedRetry,
			PushRetryInitial: 500 * time.Millisecond,
			PushRetryMax:     2,
			Logger:           mkLogger("[engine] "),
		})

		watcher, err := intake.New(queue, cfg.Storage.SpoolDir, &intake.Config{
			DebounceInterval: 200 * time.Millisecond,
			Logger:           mkLogger("[intake] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool watcher: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				mkLogger("[netmon] ").Printf("monitor stopped: %v", err)
			}
		}()
		go func() {
			if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
				mkLogger("[engine] ").Printf("engine stopped: %v", err)
			}
		}()
		go func() {
			if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
				mkLogger("[intake] ").Printf("watcher stopped: %v", err)
			}
		}()

		if cfg.Sync.AutoSyncInterval > 0 {
			engine.StartAutoSync(cfg.Sync.AutoSyncInterval)
			defer engine.StopAutoSync()
		}

		if dash != nil {
			go forwardProgress(ctx, engine, dash)
		}

		if cfg.Storage.PruneSyncedAfter > 0 && cfg.Storage.PruneSyncedEvery > 0 {
			go pruneLoop(ctx, queue, cfg.Storage.PruneSyncedAfter, cfg.Storage.PruneSyncedEvery, mkLogger("[queue] "))
		}

		fmt.Printf("fieldsync daemon started\n")
		fmt.Printf("   Server: %s\n", cfg.Server.URL)
		fmt.Printf("   Database: %s\n", cfg.Storage.DatabasePath)
		fmt.Printf("   Spool: %s\n", cfg.Storage.SpoolDir)
		if dash != nil {
			fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// SIGHUP re-arms a halted engine without a restart; anything
		// else shuts the daemon down.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				engine.ClearHalt()
				mkLogger("[engine] ").Printf("halt cleared on SIGHUP")
				if _, err := engine.TriggerSync(ctx); err != nil && !errors.Is(err, syncpkg.ErrOffline) {
					mkLogger("[engine] ").Printf("post-recovery drain failed to start: %v", err)
				}
				continue
			}
			break
		}

		fmt.Println("\nShutting down...")
		cancel()
	},
}

// forwardProgress republishes engine progress snapshots to the
// dashboard's WebSocket clients.
func forwardProgress(ctx context.Context, engine *syncpkg.Engine, dash *dashboard.Server) {
	updates := engine.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			raw, err := json.Marshal(p)
			if err != nil {
				continue
			}
			dash.Broadcast(dashboard.Message{
				Type:      dashboard.MessageTypeProgress,
				Timestamp: time.Now(),
				Data:      raw,
			})
		}
	}
}

// pruneLoop periodically removes old synced items so the local database
// stays bounded on long deployments.
func pruneLoop(ctx context.Context, queue *syncpkg.Queue, olderThan, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.PruneSynced(ctx, olderThan)
			if err != nil {
				logger.Printf("prune failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("pruned %d synced items older than %v", n, olderThan)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
