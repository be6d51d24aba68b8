package conflict

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	syncpkg "github.com/reliefops/fieldsync/internal/sync"
)

// ResolverConfig holds tunables for the resolver.
type ResolverConfig struct {
	// AutoResolve applies last-write-wins at detection time. When
	// false, records are inserted unresolved and wait for a manual
	// resolution (operator review mode).
	AutoResolve bool

	// Clock supplies the current time. Overridden in tests.
	Clock func() time.Time

	// Logger for resolution activity.
	Logger *log.Logger
}

// DefaultResolverConfig returns sensible defaults.
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		AutoResolve: true,
		Clock:       time.Now,
		Logger:      log.New(os.Stderr, "[resolver] ", log.LstdFlags),
	}
}

// Resolver detects and deterministically resolves version conflicts,
// creating exactly one audit record per detection. It implements
// sync.ConflictHandler.
type Resolver struct {
	store  *Store
	config *ResolverConfig
}

// NewResolver creates a resolver writing to the given store.
func NewResolver(store *Store, config *ResolverConfig) *Resolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[resolver] ", log.LstdFlags)
	}
	return &Resolver{store: store, config: config}
}

// ResolveConflict handles a version conflict reported by the transport
// for a queue item. It creates the audit record and, in auto mode,
// applies last-write-wins: the side with the later modification
// timestamp becomes the resolved data. Equal or missing timestamps fall
// to the server (authority of record) and the reason notes the
// tie-break.
//
// Returns the conflict id for cross-referencing on the queue item.
func (r *Resolver) ResolveConflict(ctx context.Context, item syncpkg.QueueItem, res syncpkg.PushResult) (string, error) {
	// A push whose local version is >= the server's is a normal
	// successful push, not a conflict.
	if res.ServerVersion <= item.LocalVersion {
		return "", fmt.Errorf("not a conflict: server version %d <= local version %d for %s",
			res.ServerVersion, item.LocalVersion, item.EntityUUID)
	}

	now := r.config.Clock().UTC()
	rec := &Record{
		ConflictID:         uuid.NewString(),
		EntityType:         item.EntityType,
		EntityUUID:         item.EntityUUID,
		LocalVersion:       item.LocalVersion,
		ServerVersion:      res.ServerVersion,
		LocalData:          item.Payload,
		ServerData:         res.ServerData,
		ResolutionStrategy: StrategyLastWriteWins,
		CreatedAt:          now,
	}

	if r.config.AutoResolve {
		r.applyLastWriteWins(rec, item.LocalModifiedAt, res.ServerModifiedAt, now)
	} else {
		rec.ConflictReason = "awaiting manual resolution"
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return "", err
	}

	r.config.Logger.Printf("conflict %s: %s %s local=v%d server=v%d resolved=%t (%s)",
		rec.ConflictID, rec.EntityType, rec.EntityUUID,
		rec.LocalVersion, rec.ServerVersion, rec.IsResolved, rec.ConflictReason)

	return rec.ConflictID, nil
}

// applyLastWriteWins fills the resolution fields on a fresh record.
func (r *Resolver) applyLastWriteWins(rec *Record, localTS, serverTS *time.Time, now time.Time) {
	rec.IsResolved = true
	rec.AutoResolved = true
	rec.ResolvedBy = ResolvedBySystem
	rec.ResolvedAt = &now

	switch {
	case localTS != nil && serverTS != nil && localTS.After(*serverTS):
		rec.ResolvedData = rec.LocalData
		rec.ConflictReason = "local modification is newer than server"
	case localTS != nil && serverTS != nil && serverTS.After(*localTS):
		rec.ResolvedData = rec.ServerData
		rec.ConflictReason = "server modification is newer than local"
	default:
		// Equal or missing timestamps: the server wins by default.
		rec.ResolvedData = rec.ServerData
		rec.ConflictReason = "timestamps equal or missing, server wins by default"
	}
}

// ResolveManual lets an operator resolve an unresolved conflict with
// explicit data. Valid only once per record; a second call returns
// ErrAlreadyResolved.
func (r *Resolver) ResolveManual(ctx context.Context, conflictID string, resolvedData []byte, resolvedBy string) error {
	if resolvedBy == "" {
		return fmt.Errorf("resolvedBy is required for manual resolution")
	}
	if len(resolvedData) == 0 {
		return fmt.Errorf("resolved data is required for manual resolution")
	}
	return r.store.MarkResolved(ctx, conflictID, resolvedData, resolvedBy, false)
}
