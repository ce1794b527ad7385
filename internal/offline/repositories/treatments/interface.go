package treatments

import (
	"context"
	"time"

	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Repository describes row-level operations on treatment snapshots.
// Implementations are backed by the local SQLite database. PHI columns are
// written and read as ciphertext; encryption happens at the store layer.
type Repository interface {
	// Upsert inserts a snapshot or replaces an existing one by id.
	Upsert(ctx context.Context, t *models.TreatmentSnapshot) error

	// GetByID returns a snapshot or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.TreatmentSnapshot, error)

	// GetAll lists all snapshots.
	GetAll(ctx context.Context) ([]models.TreatmentSnapshot, error)

	// DeleteByID removes a snapshot row. Applicator rows are removed by the
	// store inside the same transaction.
	DeleteByID(ctx context.Context, id string) error

	// ListExpired returns ids of snapshots whose expires_at is at or before
	// the given instant.
	ListExpired(ctx context.Context, before time.Time) ([]string, error)

	// SetSyncStatus updates the sync status column.
	SetSyncStatus(ctx context.Context, id string, status models.SyncStatus) error
}
