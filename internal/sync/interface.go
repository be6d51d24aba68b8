package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reliefops/fieldsync/internal/payload"
)

// PushItem is one mutation in a push batch, as sent to the transport.
type PushItem struct {
	EntityType      payload.EntityType `json:"entityType"`
	Action          payload.Action     `json:"action"`
	EntityUUID      string             `json:"entityUuid"`
	Payload         json.RawMessage    `json:"payload"`
	LocalVersion    int64              `json:"localVersion"`
	LocalModifiedAt *time.Time         `json:"localModifiedAt,omitempty"`
}

// PushStatus is the per-item outcome reported by the transport.
type PushStatus string

const (
	// PushOK means the server accepted the mutation.
	PushOK PushStatus = "ok"

	// PushConflict means the server holds a strictly newer version of
	// the entity than the one the client believed it was updating.
	PushConflict PushStatus = "conflict"

	// PushError means the server rejected or failed to process the
	// item. HTTPStatus distinguishes transient (5xx) from permanent
	// (other 4xx) failures.
	PushError PushStatus = "error"
)

// PushResult is the transport's per-item response for a push batch.
type PushResult struct {
	EntityUUID       string          `json:"entityUuid"`
	Status           PushStatus      `json:"status"`
	ServerVersion    int64           `json:"serverVersion"`
	ServerData       json.RawMessage `json:"serverData,omitempty"`
	ServerModifiedAt *time.Time      `json:"serverModifiedAt,omitempty"`
	HTTPStatus       int             `json:"httpStatus,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// PullChange is one entity change returned by the pull endpoint. The
// engine uses these to seed localVersion/localModifiedAt before future
// edits; applying them to domain tables is the caller's concern.
type PullChange struct {
	EntityType payload.EntityType `json:"entityType"`
	EntityUUID string             `json:"entityUuid"`
	Version    int64              `json:"version"`
	Data       json.RawMessage    `json:"data"`
	ModifiedAt *time.Time         `json:"modifiedAt,omitempty"`
}

// Transport pushes local mutations to the server of record and pulls
// remote changes. A whole-call error is treated as transient; per-item
// outcomes are reported in the result slice.
type Transport interface {
	// Push sends a batch of mutations. The result slice carries one
	// entry per input item, keyed by entity uuid. Order is not
	// guaranteed to match the input.
	Push(ctx context.Context, items []PushItem) ([]PushResult, error)

	// Pull returns entity changes since the given cursor along with the
	// next cursor. An empty cursor requests changes from the beginning.
	Pull(ctx context.Context, since string) ([]PullChange, string, error)
}

// ConflictHandler resolves a version conflict reported by the
// transport and returns the id of the audit record it created.
// Implemented by the conflict resolver; one resolution never blocks
// progress on other items in the same batch.
type ConflictHandler interface {
	ResolveConflict(ctx context.Context, item QueueItem, res PushResult) (conflictID string, err error)
}

// Connectivity is the engine's view of the network monitor.
type Connectivity interface {
	// Online reports the current connectivity state.
	Online() bool

	// Subscribe returns a channel of edge-triggered transitions:
	// true on offline->online, false on online->offline.
	Subscribe() <-chan bool
}
