package changes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seedtrace/seedtrace/internal/common"
	"github.com/seedtrace/seedtrace/internal/dbx"
	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const changeColumns = `id, entity_type, entity_id, operation, payload, created_at,
	retry_count, last_error, next_retry_at, status, offline_since, change_hash`

func (r *SQLiteRepository) Insert(ctx context.Context, c *models.PendingChange) (int64, error) {
	query := `INSERT INTO pending_changes
		(entity_type, entity_id, operation, payload, created_at, retry_count,
		 last_error, next_retry_at, status, offline_since, change_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		string(c.EntityType), c.EntityID, string(c.Operation), []byte(c.Payload),
		dbx.MillisOf(c.CreatedAt), c.RetryCount, c.LastError,
		dbx.NullMillis(c.NextRetryAt), string(c.Status),
		dbx.MillisOf(c.OfflineSince), c.ChangeHash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return id, nil
}

func scanChange(scan func(dest ...any) error) (*models.PendingChange, error) {
	var (
		c                       models.PendingChange
		entityType, op, status  string
		payload                 []byte
		createdAt, offlineSince int64
		nextRetryAt             sql.NullInt64
	)
	err := scan(
		&c.ID, &entityType, &c.EntityID, &op, &payload, &createdAt,
		&c.RetryCount, &c.LastError, &nextRetryAt, &status, &offlineSince, &c.ChangeHash,
	)
	if err != nil {
		return nil, err
	}
	c.Payload = payload
	c.EntityType = models.EntityType(entityType)
	c.Operation = models.Operation(op)
	c.Status = models.ChangeStatus(status)
	c.CreatedAt = dbx.TimeAt(createdAt)
	c.OfflineSince = dbx.TimeAt(offlineSince)
	c.NextRetryAt = dbx.TimePtr(nextRetryAt)
	return &c, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*models.PendingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM pending_changes WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	c, err := scanChange(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.PendingChange, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending changes: %w", err)
	}
	defer rows.Close()

	var result []models.PendingChange
	for rows.Next() {
		c, err := scanChange(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) ListDue(ctx context.Context, now time.Time) ([]models.PendingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM pending_changes
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at, id`
	return r.list(ctx, query, string(models.ChangePending), dbx.MillisOf(now))
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]models.PendingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM pending_changes ORDER BY created_at, id`
	return r.list(ctx, query)
}

func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) UpdateRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt *time.Time, status models.ChangeStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pending_changes
		SET retry_count = ?, last_error = ?, next_retry_at = ?, status = ?
		WHERE id = ?`,
		retryCount, lastError, dbx.NullMillis(nextRetryAt), string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update retry state: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) ResetRetry(ctx context.Context, id int64) error {
	return r.UpdateRetry(ctx, id, 0, "", nil, models.ChangePending)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending change: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}
