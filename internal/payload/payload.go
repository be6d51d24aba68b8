// Package payload defines the mutation envelope that domain producers
// hand to the sync queue.
//
// The envelope is a tagged union keyed by entity type: the engine
// itself only ever sees the opaque Data bytes plus the tag, while
// producers and consumers get static guarantees through the typed
// bodies below. Validation happens here, at the boundary where the
// payload is produced, so a malformed mutation never reaches the queue.
package payload

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the domain record kind a mutation applies to.
type EntityType string

const (
	EntityAssessment EntityType = "assessment"
	EntityResponse   EntityType = "response"
	EntityGeneric    EntityType = "entity"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityAssessment, EntityResponse, EntityGeneric:
		return true
	}
	return false
}

// Action identifies the mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Envelope is the mutation shape producers enqueue.
//
// Data holds the entity-type-specific body; the engine never inspects
// it beyond passing it to the transport and the conflict audit log.
type Envelope struct {
	EntityType      EntityType      `json:"entityType"`
	Action          Action          `json:"action"`
	EntityUUID      string          `json:"entityUuid"`
	Priority        int             `json:"priority"`
	LocalVersion    int64           `json:"localVersion"`
	LocalModifiedAt *time.Time      `json:"localModifiedAt,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// Assessment is the typed body for assessment mutations.
type Assessment struct {
	AffectedEntityID string         `json:"affectedEntityId"`
	AssessmentType   string         `json:"assessmentType"`
	Severity         string         `json:"severity,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// Response is the typed body for response mutations.
type Response struct {
	AssessmentID string         `json:"assessmentId"`
	ResponseType string         `json:"responseType"`
	Commitments  map[string]any `json:"commitments,omitempty"`
}

// Entity is the typed body for generic affected-entity mutations.
type Entity struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// Validate checks the envelope for structural problems.
//
// Delete mutations may carry an empty body; create and update must
// carry a body that decodes into the type matching the entity tag.
func (e *Envelope) Validate() error {
	if !e.EntityType.Valid() {
		return fmt.Errorf("invalid entity type: %q", e.EntityType)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("invalid action: %q", e.Action)
	}
	if e.EntityUUID == "" {
		return fmt.Errorf("entity uuid is required")
	}
	if e.LocalVersion < 0 {
		return fmt.Errorf("local version must be >= 0, got %d", e.LocalVersion)
	}

	if e.Action == ActionDelete {
		return nil
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%s %s requires a payload body", e.Action, e.EntityType)
	}

	// Decode into the typed body to catch shape mismatches early.
	switch e.EntityType {
	case EntityAssessment:
		var body Assessment
		if err := json.Unmarshal(e.Data, &body); err != nil {
			return fmt.Errorf("invalid assessment payload: %w", err)
		}
		if body.AffectedEntityID == "" {
			return fmt.Errorf("assessment payload missing affectedEntityId")
		}
	case EntityResponse:
		var body Response
		if err := json.Unmarshal(e.Data, &body); err != nil {
			return fmt.Errorf("invalid response payload: %w", err)
		}
		if body.AssessmentID == "" {
			return fmt.Errorf("response payload missing assessmentId")
		}
	case EntityGeneric:
		var body Entity
		if err := json.Unmarshal(e.Data, &body); err != nil {
			return fmt.Errorf("invalid entity payload: %w", err)
		}
		if body.Name == "" {
			return fmt.Errorf("entity payload missing name")
		}
	}

	return nil
}

// Decode parses and validates an envelope from raw JSON.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
