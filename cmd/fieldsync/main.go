// Command fieldsync runs the offline sync engine for field data
// collection: a durable local queue of mutations, a drain engine that
// pushes them when connectivity allows, and a conflict audit log.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/config"
	"github.com/reliefops/fieldsync/internal/store"
)

var (
	configFile string
	dbPathFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for field data collection",
	Long: `fieldsync queues local data mutations while offline and drains them
to the central server when connectivity returns, resolving version
conflicts deterministically and keeping a full conflict audit log.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default searches ., ~/.fieldsync, /etc/fieldsync)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the local sync database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "sync server base URL (overrides config)")
}

// loadConfig loads configuration and applies flag overrides.
func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if dbPathFlag != "" {
		cfg.Storage.DatabasePath = dbPathFlag
	}
	if serverFlag != "" {
		cfg.Server.URL = serverFlag
	}
	return cfg
}

// openDatabase opens the local database and ensures the schema exists.
func openDatabase(cfg *config.Config) *store.DB {
	database, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return database
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

// cliDeps bundles what every one-shot command needs.
type cliDeps struct {
	config *config.Config
	db     *store.DB
}

func openDeps() *cliDeps {
	cfg := loadConfig()
	return &cliDeps{config: cfg, db: openDatabase(cfg)}
}

func (d *cliDeps) close() {
	_ = d.db.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
