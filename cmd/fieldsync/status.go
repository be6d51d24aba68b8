package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reliefops/fieldsync/internal/conflict"
	syncpkg "github.com/reliefops/fieldsync/internal/sync"
)

var statusFormat string

// statusReport is the full machine-readable status document.
type statusReport struct {
	Database  string             `json:"database" yaml:"database"`
	Server    string             `json:"server" yaml:"server"`
	Queue     syncpkg.QueueStats `json:"queue" yaml:"queue"`
	Conflicts conflict.Stats     `json:"conflicts" yaml:"conflicts"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and conflict status",
	Long: `Display queue depth by status and conflict resolution statistics.

Use --format json or --format yaml for machine-readable output.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		ctx := context.Background()

		queue := syncpkg.NewQueue(deps.db, nil)
		stats, err := queue.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
			os.Exit(1)
		}

		conflictStore := conflict.NewStore(deps.db, newLogger("[conflicts] "))
		cstats, err := conflictStore.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading conflict stats: %v\n", err)
			os.Exit(1)
		}

		report := statusReport{
			Database:  deps.config.Storage.DatabasePath,
			Server:    deps.config.Server.URL,
			Queue:     stats,
			Conflicts: cstats,
		}

		switch statusFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}

		case "yaml":
			out, err := yaml.Marshal(report)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
			fmt.Print(string(out))

		default:
			fmt.Printf("\nSync Status\n\n")
			fmt.Printf("Database: %s\n", report.Database)
			fmt.Printf("Server: %s\n", report.Server)
			fmt.Printf("\nQueue:\n")
			fmt.Printf("   Pending: %d\n", stats.Pending)
			fmt.Printf("   Syncing: %d\n", stats.Syncing)
			fmt.Printf("   Synced: %d\n", stats.Synced)
			fmt.Printf("   Failed: %d\n", stats.Failed)
			fmt.Printf("   Conflict: %d\n", stats.Conflict)
			fmt.Printf("   Total: %d\n", stats.Total)
			fmt.Printf("\nConflicts:\n")
			fmt.Printf("   Total: %d\n", cstats.TotalConflicts)
			fmt.Printf("   Unresolved: %d\n", cstats.UnresolvedConflicts)
			fmt.Printf("   Auto-resolved: %d\n", cstats.AutoResolvedConflicts)
			fmt.Printf("   Manually resolved: %d\n", cstats.ManuallyResolvedConflicts)
			fmt.Printf("   Resolution rate: %.1f%%\n", cstats.ResolutionRate)
			fmt.Println()
		}
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text, json, or yaml")
	rootCmd.AddCommand(statusCmd)
}
