// Package conflict implements version-conflict detection, deterministic
// resolution, and the append-mostly audit log of every conflict and how
// it was resolved.
//
// A conflict exists if and only if the transport's push response shows
// the server holding a strictly newer version of an entity than the one
// the client believed it was updating. Resolution is last-write-wins on
// modification timestamps, with the server winning ties (the server is
// the authority of record). The losing version is always recorded;
// nothing is silently discarded.
package conflict

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/reliefops/fieldsync/internal/payload"
)

// StrategyLastWriteWins is the only automatic resolution strategy:
// the side with the later modification timestamp wins.
const StrategyLastWriteWins = "last_write_wins"

// ResolvedBySystem marks records resolved automatically.
const ResolvedBySystem = "system"

// ErrNotFound is returned when a conflict id is unknown.
var ErrNotFound = errors.New("conflict record not found")

// ErrAlreadyResolved is returned when a manual resolution targets a
// record that is already resolved. Resolution happens exactly once.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// Record is one audited conflict. Once IsResolved is true the
// resolution fields are immutable; records are never deleted.
type Record struct {
	ConflictID         string             `json:"conflictId"`
	EntityType         payload.EntityType `json:"entityType"`
	EntityUUID         string             `json:"entityUuid"`
	LocalVersion       int64              `json:"localVersion"`
	ServerVersion      int64              `json:"serverVersion"`
	LocalData          json.RawMessage    `json:"localData"`
	ServerData         json.RawMessage    `json:"serverData"`
	ResolutionStrategy string             `json:"resolutionStrategy"`
	ResolvedData       json.RawMessage    `json:"resolvedData,omitempty"`
	IsResolved         bool               `json:"isResolved"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy         string             `json:"resolvedBy,omitempty"`
	ConflictReason     string             `json:"conflictReason,omitempty"`
	AutoResolved       bool               `json:"autoResolved"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// Filter narrows History and ExportCSV queries.
type Filter struct {
	EntityType payload.EntityType // empty = all types
	Resolved   *bool              // nil = both
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int // 0 = no limit
	Offset     int
}

// Stats summarizes the audit log for operator dashboards.
type Stats struct {
	TotalConflicts            int            `json:"totalConflicts"`
	UnresolvedConflicts       int            `json:"unresolvedConflicts"`
	AutoResolvedConflicts     int            `json:"autoResolvedConflicts"`
	ManuallyResolvedConflicts int            `json:"manuallyResolvedConflicts"`
	ResolutionRate            float64        `json:"resolutionRate"`
	ConflictsByType           map[string]int `json:"conflictsByType"`
	RecentConflicts           []Record       `json:"recentConflicts"`
}
