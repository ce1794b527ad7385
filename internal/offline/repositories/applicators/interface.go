package applicators

import (
	"context"

	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Repository describes row-level operations on applicator snapshots.
// PHI columns are written and read as ciphertext; encryption happens at the
// store layer.
type Repository interface {
	// Upsert inserts an applicator snapshot or replaces an existing one by id.
	Upsert(ctx context.Context, a *models.ApplicatorSnapshot) error

	// GetByID returns an applicator snapshot or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.ApplicatorSnapshot, error)

	// ListByTreatment returns all applicators of one treatment snapshot.
	ListByTreatment(ctx context.Context, treatmentID string) ([]models.ApplicatorSnapshot, error)

	// ListBySyncStatus returns applicators with the given sync status.
	ListBySyncStatus(ctx context.Context, status models.SyncStatus) ([]models.ApplicatorSnapshot, error)

	// DeleteByTreatment removes every applicator of a treatment and returns
	// the number of rows removed.
	DeleteByTreatment(ctx context.Context, treatmentID string) (int64, error)
}
