// Package models defines the four record kinds persisted by the offline
// store: treatment snapshots, applicator snapshots, pending changes and
// conflicts. Protected values are stored as ciphertext+nonce pairs and only
// decrypted at the store boundary.
package models

import "time"

// SyncStatus marks whether a locally held record still matches the server
// version it was downloaded at.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusModified SyncStatus = "modified"
)

// EncryptedValue is a protected field at rest: AES-GCM ciphertext plus the
// per-value nonce. An empty nonce marks a legacy plaintext value.
type EncryptedValue struct {
	Ciphertext []byte
	Nonce      []byte
}

// TreatmentSnapshot is a time-bounded local copy of a server-side treatment,
// downloaded for offline use. PHI fields are encrypted.
type TreatmentSnapshot struct {
	ID              string
	Type            string
	SubjectID       EncryptedValue
	PatientName     EncryptedValue
	Surgeon         EncryptedValue
	Site            string
	Date            time.Time
	IsComplete      bool
	UserID          string
	SeedQuantity    int
	ActivityPerSeed float64
	// Version is the server version at download time.
	Version      int64
	SyncStatus   SyncStatus
	DownloadedAt time.Time
	// ExpiresAt must be strictly after DownloadedAt. An expired snapshot
	// may not be used to validate new offline scans.
	ExpiresAt time.Time
}

// Category returns the workflow category for this treatment.
func (t *TreatmentSnapshot) Category() Category {
	return CategoryForTreatmentType(t.Type)
}

// TreatmentView is the decrypted read-side of a TreatmentSnapshot.
// DegradedFields lists PHI field names that could not be decrypted and were
// passed through as stored.
type TreatmentView struct {
	ID              string
	Type            string
	SubjectID       string
	PatientName     string
	Surgeon         string
	Site            string
	Date            time.Time
	IsComplete      bool
	UserID          string
	SeedQuantity    int
	ActivityPerSeed float64
	Version         int64
	SyncStatus      SyncStatus
	DownloadedAt    time.Time
	ExpiresAt       time.Time
	DegradedFields  []string
}

// Category returns the workflow category for this treatment.
func (t *TreatmentView) Category() Category {
	return CategoryForTreatmentType(t.Type)
}
