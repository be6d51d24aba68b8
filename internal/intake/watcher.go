// Package intake feeds the sync queue from a spool directory.
//
// Domain producers (forms, imports) write one mutation envelope JSON
// file per local change into the spool directory. The watcher:
// 1. Watches for file creation/writes in the spool directory
// 2. Debounces rapid writes so half-written files settle
// 3. Validates the envelope at the boundary and enqueues it
// 4. Removes accepted files; quarantines rejected ones
package intake

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/reliefops/fieldsync/internal/payload"
	syncpkg "github.com/reliefops/fieldsync/internal/sync"
)

// rejectedDirName holds envelopes that failed validation, kept for
// operator inspection instead of being dropped.
const rejectedDirName = "rejected"

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long to wait before processing file
	// changes. This batches rapid writes together and lets producers
	// finish writing before we read.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[intake] ", log.LstdFlags),
	}
}

// Watcher ingests mutation envelopes from the spool directory into the
// sync queue.
type Watcher struct {
	queue    *syncpkg.Queue
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu stdsync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a watcher over the given spool directory.
//
// Use Start() to begin watching and ingesting.
func New(queue *syncpkg.Queue, spoolDir string, config *Config) (*Watcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		queue:       queue,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins watching the spool directory.
//
// Any envelopes already sitting in the spool (written while the
// process was down) are ingested first. This blocks until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(w.spoolDir, rejectedDirName), 0755); err != nil {
		return fmt.Errorf("failed to create rejected directory: %w", err)
	}

	// Catch up on files written while we were down.
	if err := w.sweepSpool(); err != nil {
		return fmt.Errorf("initial spool sweep failed: %w", err)
	}

	if err := w.watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	w.config.Logger.Printf("watching spool: %s", w.spoolDir)

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("error closing watcher: %v", err)
	}

	w.wg.Wait()
	return nil
}

// sweepSpool ingests every envelope currently in the spool directory.
func (w *Watcher) sweepSpool() error {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.spoolDir, entry.Name())
		if err := w.ingestFile(path); err != nil {
			w.config.Logger.Printf("WARNING: failed to ingest %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
// Ingestion runs outside the change-queue lock so a slow read or insert
// never stalls the fsnotify event loop.
func (w *Watcher) processPendingChanges() {
	now := time.Now()

	w.changeQueueMu.Lock()
	var due []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range due {
		if err := w.ingestFile(path); err != nil {
			w.config.Logger.Printf("WARNING: failed to ingest %s: %v", filepath.Base(path), err)
		}
	}
}

// ingestFile validates and enqueues one envelope file. Accepted files
// are removed from the spool; invalid ones move to rejected/ so the
// producer's mistake stays visible.
func (w *Watcher) ingestFile(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // already ingested or removed by producer
	}
	if err != nil {
		return fmt.Errorf("failed to read envelope: %w", err)
	}

	env, err := payload.Decode(raw)
	if err != nil {
		w.quarantine(path)
		return fmt.Errorf("invalid envelope: %w", err)
	}

	item, err := w.queue.Enqueue(w.ctx, env)
	if err != nil {
		return fmt.Errorf("failed to enqueue envelope: %w", err)
	}

	if err := os.Remove(path); err != nil {
		w.config.Logger.Printf("WARNING: failed to remove ingested file %s: %v", path, err)
	}

	w.config.Logger.Printf("enqueued %s %s %s (item %s, priority %d)",
		env.EntityType, env.Action, env.EntityUUID, item.ID, env.Priority)
	return nil
}

// quarantine moves a rejected envelope into the rejected/ subdirectory.
func (w *Watcher) quarantine(path string) {
	dest := filepath.Join(w.spoolDir, rejectedDirName, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.config.Logger.Printf("WARNING: failed to quarantine %s: %v", path, err)
	}
}
