package conflicts

import (
	"context"

	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Repository stores detected sync conflicts for manual resolution.
// Records are immutable; the only mutation is the external resolution
// action deleting them.
type Repository interface {
	// Insert appends a conflict and returns its auto-assigned id.
	Insert(ctx context.Context, c *models.Conflict) (int64, error)

	// GetByID returns a conflict or common.ErrNotFound.
	GetByID(ctx context.Context, id int64) (*models.Conflict, error)

	// ListAll returns every recorded conflict in creation order.
	ListAll(ctx context.Context) ([]models.Conflict, error)

	// Count returns the number of recorded conflicts.
	Count(ctx context.Context) (int64, error)

	// Delete removes a conflict after external resolution.
	Delete(ctx context.Context, id int64) error
}
