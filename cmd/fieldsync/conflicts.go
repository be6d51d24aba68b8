package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/payload"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve the conflict audit log",
	Long: `Work with the conflict audit log.

Every version conflict detected during sync is recorded permanently,
whether it was auto-resolved or is awaiting manual resolution.`,
}

var (
	conflictsEntityType string
	conflictsUnresolved bool
	conflictsSince      string
	conflictsLimit      int
)

// conflictsFilter builds the store filter from command flags.
func conflictsFilter() conflict.Filter {
	filter := conflict.Filter{Limit: conflictsLimit}
	if conflictsEntityType != "" {
		filter.EntityType = payload.EntityType(conflictsEntityType)
	}
	if conflictsUnresolved {
		resolved := false
		filter.Resolved = &resolved
	}
	if conflictsSince != "" {
		t, err := time.Parse("2006-01-02", conflictsSince)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: --since must be YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
		filter.DateFrom = &t
	}
	return filter
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict records, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		store := conflict.NewStore(deps.db, newLogger("[conflicts] "))
		records, err := store.History(context.Background(), conflictsFilter())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}

		if len(records) == 0 {
			fmt.Println("No conflicts recorded")
			return
		}

		for _, rec := range records {
			state := "unresolved"
			if rec.IsResolved {
				if rec.AutoResolved {
					state = "auto-resolved"
				} else {
					state = fmt.Sprintf("resolved by %s", rec.ResolvedBy)
				}
			}
			fmt.Printf("%s  %s %s  local=v%d server=v%d  %s\n",
				rec.ConflictID, rec.EntityType, rec.EntityUUID,
				rec.LocalVersion, rec.ServerVersion, state)
			if rec.ConflictReason != "" {
				fmt.Printf("   %s\n", rec.ConflictReason)
			}
		}
	},
}

var conflictsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show conflict resolution statistics",
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		store := conflict.NewStore(deps.db, newLogger("[conflicts] "))
		stats, err := store.Stats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading conflict stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nConflict Statistics\n\n")
		fmt.Printf("Total: %d\n", stats.TotalConflicts)
		fmt.Printf("Unresolved: %d\n", stats.UnresolvedConflicts)
		fmt.Printf("Auto-resolved: %d\n", stats.AutoResolvedConflicts)
		fmt.Printf("Manually resolved: %d\n", stats.ManuallyResolvedConflicts)
		fmt.Printf("Resolution rate: %.1f%%\n", stats.ResolutionRate)
		if len(stats.ConflictsByType) > 0 {
			fmt.Printf("\nBy entity type:\n")
			for entityType, count := range stats.ConflictsByType {
				fmt.Printf("   %s: %d\n", entityType, count)
			}
		}
		fmt.Println()
	},
}

var conflictsExportOut string

var conflictsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export conflict records as CSV",
	Long: `Export the filtered conflict log as CSV for coordination reporting.

Writes to stdout unless --out names a file.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		store := conflict.NewStore(deps.db, newLogger("[conflicts] "))

		out := os.Stdout
		if conflictsExportOut != "" {
			f, err := os.Create(conflictsExportOut)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating export file: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		if err := store.ExportCSV(context.Background(), out, conflictsFilter()); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting conflicts: %v\n", err)
			os.Exit(1)
		}

		if conflictsExportOut != "" {
			fmt.Printf("Exported to %s\n", conflictsExportOut)
		}
	},
}

var (
	resolveDataFile string
	resolveBy       string
)

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Manually resolve an unresolved conflict",
	Long: `Resolve an unresolved conflict with explicit data.

The resolved data is read from the file named by --data. Resolution is
permanent; a conflict can only be resolved once.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		deps := openDeps()
		defer deps.close()

		data, err := os.ReadFile(resolveDataFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading resolved data: %v\n", err)
			os.Exit(1)
		}

		store := conflict.NewStore(deps.db, newLogger("[conflicts] "))
		resolver := conflict.NewResolver(store, nil)

		if err := resolver.ResolveManual(context.Background(), args[0], data, resolveBy); err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving conflict: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Conflict %s resolved by %s\n", args[0], resolveBy)
	},
}

func init() {
	conflictsCmd.PersistentFlags().StringVar(&conflictsEntityType, "type", "", "filter by entity type (assessment, response, entity)")
	conflictsCmd.PersistentFlags().BoolVar(&conflictsUnresolved, "unresolved", false, "only unresolved conflicts")
	conflictsCmd.PersistentFlags().StringVar(&conflictsSince, "since", "", "only conflicts on or after this date (YYYY-MM-DD)")
	conflictsCmd.PersistentFlags().IntVar(&conflictsLimit, "limit", 0, "maximum records (0 = all)")

	conflictsExportCmd.Flags().StringVar(&conflictsExportOut, "out", "", "write CSV to this file instead of stdout")

	conflictsResolveCmd.Flags().StringVar(&resolveDataFile, "data", "", "file containing the resolved entity data (JSON)")
	conflictsResolveCmd.Flags().StringVar(&resolveBy, "by", "", "name of the person resolving")
	_ = conflictsResolveCmd.MarkFlagRequired("data")
	_ = conflictsResolveCmd.MarkFlagRequired("by")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsStatsCmd)
	conflictsCmd.AddCommand(conflictsExportCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
