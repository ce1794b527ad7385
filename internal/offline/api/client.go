// Package api defines the client contract to the authoritative server and
// its HTTP implementation. The server itself is an external collaborator;
// only the wire shapes here are contract-relevant.
package api

import (
	"context"
	"encoding/json"
	"time"
)

// ChangeSubmission is one queued mutation as it goes over the wire.
type ChangeSubmission struct {
	ID           int64           `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	Operation    string          `json:"operation"`
	Data         json.RawMessage `json:"data"`
	LocalVersion int64           `json:"localVersion"`
	ChangedAt    int64           `json:"changedAt"` // unix milliseconds
	ChangeHash   string          `json:"changeHash"`
}

// SyncBatch is the payload of POST /offline/sync. All queued changes of one
// pass travel as a single batch, tagged with the stable device identifier
// and the moment the device went offline.
type SyncBatch struct {
	DeviceID     string             `json:"deviceId"`
	OfflineSince int64              `json:"offlineSince"` // unix milliseconds, 0 when unknown
	Changes      []ChangeSubmission `json:"changes"`
}

// ResultStatus classifies the server's verdict on one change.
type ResultStatus string

const (
	ResultApplied    ResultStatus = "applied"
	ResultConflicted ResultStatus = "conflicted"
	ResultRejected   ResultStatus = "rejected"
)

// ChangeResult is the per-change outcome in the sync response. ServerData is
// populated on conflicts so the conflict record can capture the server side.
type ChangeResult struct {
	ChangeID   int64           `json:"changeId"`
	Status     ResultStatus    `json:"status"`
	Message    string          `json:"message,omitempty"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
}

// Incident is the best-effort escalation notice for a change that exhausted
// its retries while targeting a medically consequential status.
type Incident struct {
	ChangeID   int64           `json:"changeId"`
	EntityType string          `json:"entityType"`
	DeviceID   string          `json:"deviceId"`
	Data       json.RawMessage `json:"data"`
}

// Client is the outbound server interface consumed by the sync coordinator,
// the clock synchronizer and the network monitor.
type Client interface {
	// PushChanges submits one batch and returns per-change results in
	// response order.
	PushChanges(ctx context.Context, batch SyncBatch) ([]ChangeResult, error)

	// ServerTime returns the server's current time.
	ServerTime(ctx context.Context) (time.Time, error)

	// ReportSyncFailure sends a fire-and-forget incident notice.
	ReportSyncFailure(ctx context.Context, incident Incident) error

	// Ping probes server reachability.
	Ping(ctx context.Context) error
}
