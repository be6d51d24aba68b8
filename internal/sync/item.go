package sync

import (
	"encoding/json"
	"time"

	"github.com/reliefops/fieldsync/internal/payload"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending means the item is waiting for the next drain.
	StatusPending Status = "pending"

	// StatusSyncing means the item is in flight. This status is itself
	// the per-entity lock: no second item for the same entity uuid may
	// enter syncing while one holds it.
	StatusSyncing Status = "syncing"

	// StatusSynced means the server accepted the mutation.
	StatusSynced Status = "synced"

	// StatusFailed means the last push attempt failed. The item becomes
	// eligible again after its backoff window, unless the attempt budget
	// is exhausted or the failure was permanent (4xx), in which case it
	// waits for an explicit retry.
	StatusFailed Status = "failed"

	// StatusConflict means the server reported a version conflict. The
	// item cross-references the conflict record that audits the outcome.
	StatusConflict Status = "conflict"
)

// QueueItem is one durable local mutation awaiting transmission.
type QueueItem struct {
	ID              string
	EntityType      payload.EntityType
	Action          payload.Action
	EntityUUID      string
	Payload         json.RawMessage
	Priority        int
	Status          Status
	Attempts        int
	LastError       string
	LocalVersion    int64
	LocalModifiedAt *time.Time
	CreatedAt       time.Time
	LastAttemptAt   *time.Time
	NextEligibleAt  *time.Time
	ConflictID      string
}

// QueueStats is a count of items by status.
type QueueStats struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
	Total    int `json:"total"`
}
