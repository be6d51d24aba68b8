package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/conflict"
	syncpkg "github.com/reliefops/fieldsync/internal/sync"
	"github.com/reliefops/fieldsync/internal/transport"
)

// buildEngine assembles a one-shot engine without a network monitor.
// The caller decides connectivity with SetOnline.
func buildEngine(cfg *cliDeps) *syncpkg.Engine {
	queue := syncpkg.NewQueue(cfg.db, &syncpkg.QueueConfig{
		MaxItems:    cfg.config.Queue.MaxItems,
		MaxAttempts: cfg.config.Queue.MaxAttempts,
		BackoffBase: cfg.config.Queue.BackoffBase,
		BackoffMax:  cfg.config.Queue.BackoffMax,
		Logger:      newLogger("[queue] "),
	})

	conflictStore := conflict.NewStore(cfg.db, newLogger("[conflicts] "))
	resolver := conflict.NewResolver(conflictStore, &conflict.ResolverConfig{
		AutoResolve: cfg.config.Sync.AutoResolve,
		Logger:      newLogger("[resolver] "),
	})

	client := transport.New(&transport.Config{
		BaseURL:        cfg.config.Server.URL,
		RequestTimeout: cfg.config.Server.RequestTimeout,
		AuthToken:      cfg.config.Server.AuthToken,
		Logger:         newLogger("[transport] "),
	})

	return syncpkg.NewEngine(queue, client, resolver, nil, cfg.db, &syncpkg.EngineConfig{
		BatchSize:        cfg.config.Sync.BatchSize,
		SettleDelay:      cfg.config.Sync.SettleDelay,
		AcceleratedRetry: cfg.config.Sync.AcceleratedRetry,
		PushRetryInitial: 500 * time.Millisecond,
		PushRetryMax:     2,
		Logger:           newLogger("[engine] "),
	})
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue to the server once",
	Long: `Push all eligible queued mutations to the server in one drain.

Items that fail transiently remain queued for a later retry; version
conflicts are resolved and recorded in the audit log.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		engine := buildEngine(deps)
		engine.SetOnline(true)

		fmt.Printf("Syncing to %s...\n", deps.config.Server.URL)
		start := time.Now()

		result, err := engine.TriggerSync(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
			os.Exit(1)
		}

		summary, err := result.Wait(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error waiting for sync: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		fmt.Printf("Sync complete in %v\n", elapsed)
		fmt.Printf("   Processed: %d\n", summary.Processed)
		fmt.Printf("   Synced: %d\n", summary.Synced)
		fmt.Printf("   Failed: %d\n", summary.Failed)
		fmt.Printf("   Conflicts: %d\n", summary.Conflicts)

		if summary.Err != nil {
			fmt.Fprintf(os.Stderr, "Sync halted: %v\n", summary.Err)
			os.Exit(1)
		}
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch entity changes from the server",
	Long: `Fetch entity changes since the last pull cursor and print them.

The cursor is persisted locally, so repeated pulls only fetch new
changes. Downstream tooling applies the changes to its own tables.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		engine := buildEngine(deps)
		engine.SetOnline(true)

		changes, err := engine.PullChanges(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pulling changes: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Pulled %d changes\n", len(changes))
		for _, c := range changes {
			fmt.Printf("   %s %s v%d\n", c.EntityType, c.EntityUUID, c.Version)
		}
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed items back to pending",
	Long: `Reset every failed item back to pending, clearing attempt counts and
backoff windows. The next drain picks them up.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		engine := buildEngine(deps)

		n, err := engine.RetryFailedItems(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error retrying failed items: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Requeued %d failed items\n", n)
	},
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Discard failed items without retrying",
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		engine := buildEngine(deps)

		n, err := engine.ClearFailedItems(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing failed items: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Discarded %d failed items\n", n)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(clearFailedCmd)
}
