package models

import "encoding/json"

// MutationKind is the operation a pending mutation carries.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// EntityType names the entity a mutation or remote delta targets.
type EntityType string

const (
	EntityGroup   EntityType = "group"
	EntityExpense EntityType = "expense"
)

// PendingMutation is the durable unit of the sync queue: a locally-applied
// edit that has not yet been acknowledged by the remote record store.
//
// Mutations are ordered by CreatedAt and owned exclusively by the queue
// until the remote store acknowledges them, at which point they are
// destroyed. The payload is the full entity encoded as JSON (empty for
// deletes); the queue never holds mutable access to live ledger entities.
type PendingMutation struct {
	// ID is the unique identifier for the mutation (UUID format). The
	// remote apply is idempotent per this ID, which makes at-least-once
	// delivery safe.
	ID string `json:"id"`

	// Kind is the operation: create, update, or delete.
	Kind MutationKind `json:"kind"`

	// EntityType is the target entity type.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the target entity's ID.
	EntityID string `json:"entity_id"`

	// Payload is the entity encoded as JSON, empty for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the Unix-millisecond timestamp the edit was applied
	// locally. Last-write-wins conflict resolution compares it against the
	// remote record's timestamp.
	CreatedAt int64 `json:"created_at"`

	// Attempts counts failed push attempts; it drives the retry backoff
	// and the dead-letter cutoff.
	Attempts int `json:"attempts"`
}
