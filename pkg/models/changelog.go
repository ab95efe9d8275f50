package models

import (
	"encoding/json"
	"time"
)

type MutationKind string

const (
	CreatedMutation MutationKind = "CREATED"
	UpdatedMutation MutationKind = "UPDATED"
	DeletedMutation MutationKind = "DELETED"
)

// ChangeLogEntry is one row of the append-only change log.
type ChangeLogEntry struct {
	ID           int64           `json:"id" db:"id"`                       // Global sequence, the only ordering key
	ObjectType   string          `json:"object_type" db:"object_type"`     // Entity kind (e.g., "Contact")
	ObjectID     string          `json:"object_id" db:"object_id"`         // Mutated entity instance
	MutationKind MutationKind    `json:"mutation_kind" db:"mutation_kind"` // CREATED, UPDATED or DELETED
	Payload      json.RawMessage `json:"payload,omitempty" db:"payload"`   // Snapshot after the mutation (before, for DELETED)
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`       // Mutation timestamp
}
