package models

import "encoding/json"

// RemoteDelta is one change pulled from the remote record store.
type RemoteDelta struct {
	// EntityType names the record type the delta targets.
	EntityType EntityType `json:"entity_type"`

	// ID is the target record's ID.
	ID string `json:"id"`

	// Payload is the record body as JSON, empty for tombstones.
	Payload json.RawMessage `json:"payload,omitempty"`

	// RemoteTimestamp is the record's Unix-millisecond modification time
	// as known to the remote store; last-write-wins compares against it.
	RemoteTimestamp int64 `json:"remote_timestamp"`

	// Tombstone marks a deletion.
	Tombstone bool `json:"tombstone"`
}
