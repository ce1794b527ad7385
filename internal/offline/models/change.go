package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EntityType discriminates what a pending change or conflict refers to.
// It is a discriminator, not a foreign key: the referenced snapshot may
// already have been superseded or removed.
type EntityType string

const (
	EntityTreatment  EntityType = "treatment"
	EntityApplicator EntityType = "applicator"
)

// Operation is the kind of mutation recorded offline.
type Operation string

const (
	OpCreate       Operation = "create"
	OpUpdate       Operation = "update"
	OpStatusChange Operation = "status_change"
)

// ChangeStatus is the queue state of a pending change.
type ChangeStatus string

const (
	ChangePending ChangeStatus = "pending"
	ChangeSyncing ChangeStatus = "syncing"
	ChangeFailed  ChangeStatus = "failed"
	// ChangeManual marks a change escalated after repeated rejections;
	// it is excluded from automatic retries.
	ChangeManual ChangeStatus = "requires_manual_intervention"
)

// PendingChange is one locally recorded mutation awaiting transmission to
// the authoritative server. RetryCount grows monotonically until escalation.
type PendingChange struct {
	ID           int64
	EntityType   EntityType
	EntityID     string
	Operation    Operation
	Payload      json.RawMessage
	CreatedAt    time.Time
	RetryCount   int
	LastError    string
	NextRetryAt  *time.Time
	Status       ChangeStatus
	OfflineSince time.Time
	// ChangeHash is the integrity digest of Payload, verified before the
	// change is submitted.
	ChangeHash string
}

// ComputeChangeHash returns the SHA-256 hex digest of the payload bytes.
func ComputeChangeHash(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the stored digest still matches the payload.
func (c *PendingChange) VerifyHash() bool {
	return c.ChangeHash == ComputeChangeHash(c.Payload)
}
