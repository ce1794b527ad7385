package models

import (
	"encoding/json"
	"time"
)

// Conflict records a change the server rejected due to a version mismatch.
// It captures both sides for manual resolution and is immutable except for
// the external resolution action that deletes it. Conflicting edits are
// never auto-merged.
type Conflict struct {
	ID            int64
	EntityType    EntityType
	EntityID      string
	LocalData     json.RawMessage
	ServerData    json.RawMessage
	ConflictType  string
	CreatedAt     time.Time
	RequiresAdmin bool
}
