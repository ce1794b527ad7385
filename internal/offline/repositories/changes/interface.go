package changes

import (
	"context"
	"time"

	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Repository is the outbound pending-change queue.
type Repository interface {
	// Insert appends a change and returns its auto-assigned id.
	Insert(ctx context.Context, c *models.PendingChange) (int64, error)

	// GetByID returns a change or common.ErrNotFound.
	GetByID(ctx context.Context, id int64) (*models.PendingChange, error)

	// ListDue returns changes eligible for the next sync pass in creation
	// order: status pending with next_retry_at unset or at/before now.
	// Escalated changes are never returned.
	ListDue(ctx context.Context, now time.Time) ([]models.PendingChange, error)

	// ListAll returns every queued change in creation order.
	ListAll(ctx context.Context) ([]models.PendingChange, error)

	// Count returns the number of queued changes, escalated ones included.
	Count(ctx context.Context) (int64, error)

	// UpdateRetry persists retry bookkeeping after a rejection.
	UpdateRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt *time.Time, status models.ChangeStatus) error

	// ResetRetry clears retry state so the change is picked up by the next
	// pass immediately.
	ResetRetry(ctx context.Context, id int64) error

	// Delete removes a change from the queue.
	Delete(ctx context.Context, id int64) error
}
