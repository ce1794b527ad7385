package models

import "time"

// ApplicatorSnapshot is the local copy of one applicator belonging to a
// downloaded treatment. SerialNumber and the comment fields are PHI and
// encrypted at rest.
type ApplicatorSnapshot struct {
	ID              string
	SerialNumber    EncryptedValue
	Comments        EncryptedValue
	RemovalComments EncryptedValue
	SeedQuantity    int
	// Status is nil until the applicator enters the workflow.
	Status        *Status
	PackageLabel  string
	InsertionTime *time.Time
	// TreatmentID references the parent treatment snapshot; deleting the
	// treatment cascades to its applicators.
	TreatmentID    string
	AddedBy        string
	IsRemoved      bool
	RemovalTime    *time.Time
	RemovedBy      string
	Version        int64
	SyncStatus     SyncStatus
	CreatedOffline bool
}

// ApplicatorView is the decrypted read-side of an ApplicatorSnapshot.
type ApplicatorView struct {
	ID              string
	SerialNumber    string
	Comments        string
	RemovalComments string
	SeedQuantity    int
	Status          *Status
	PackageLabel    string
	InsertionTime   *time.Time
	TreatmentID     string
	AddedBy         string
	IsRemoved       bool
	RemovalTime     *time.Time
	RemovedBy       string
	Version         int64
	SyncStatus      SyncStatus
	CreatedOffline  bool
	DegradedFields  []string
}
