package conflicts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

const conflictColumns = `id, entity_type, entity_id, local_data, server_data, conflict_type, created_at, requires_admin`

func (r *SQLiteRepository) Insert(ctx context.Context, c *models.Conflict) (int64, error) {
	query := `INSERT INTO conflicts
		(entity_type, entity_id, local_data, server_data, conflict_type, created_at, requires_admin)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		string(c.EntityType), c.EntityID, []byte(c.LocalData), []byte(c.ServerData),
		c.ConflictType, dbx.MillisOf(c.CreatedAt), c.RequiresAdmin)
	if err != nil {
		return 0, fmt.Errorf("failed to insert conflict: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return id, nil
}

func scanConflict(scan func(dest ...any) error) (*models.Conflict, error) {
	var (
		c          models.Conflict
		entityType string
		createdAt  int64
	)
	err := scan(&c.ID, &entityType, &c.EntityID, &c.LocalData, &c.ServerData,
		&c.ConflictType, &createdAt, &c.RequiresAdmin)
	if err != nil {
		return nil, err
	}
	c.EntityType = models.EntityType(entityType)
	c.CreatedAt = dbx.TimeAt(createdAt)
	return &c, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*models.Conflict, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)

	c, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]models.Conflict, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
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

func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
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
