package applicators

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

const applicatorColumns = `id, serial_number, nonce_serial_number, comments, nonce_comments,
	removal_comments, nonce_removal_comments, seed_quantity, status, package_label,
	insertion_time, treatment_id, added_by, is_removed, removal_time, removed_by,
	version, sync_status, created_offline`

func (r *SQLiteRepository) Upsert(ctx context.Context, a *models.ApplicatorSnapshot) error {
	query := `INSERT INTO applicator_snapshots (` + applicatorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serial_number = excluded.serial_number,
			nonce_serial_number = excluded.nonce_serial_number,
			comments = excluded.comments,
			nonce_comments = excluded.nonce_comments,
			removal_comments = excluded.removal_comments,
			nonce_removal_comments = excluded.nonce_removal_comments,
			seed_quantity = excluded.seed_quantity,
			status = excluded.status,
			package_label = excluded.package_label,
			insertion_time = excluded.insertion_time,
			treatment_id = excluded.treatment_id,
			added_by = excluded.added_by,
			is_removed = excluded.is_removed,
			removal_time = excluded.removal_time,
			removed_by = excluded.removed_by,
			version = excluded.version,
			sync_status = excluded.sync_status,
			created_offline = excluded.created_offline
	`
	var status any
	if a.Status != nil {
		status = string(*a.Status)
	}
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.SerialNumber.Ciphertext, a.SerialNumber.Nonce,
		a.Comments.Ciphertext, a.Comments.Nonce,
		a.RemovalComments.Ciphertext, a.RemovalComments.Nonce,
		a.SeedQuantity, status, a.PackageLabel,
		dbx.NullMillis(a.InsertionTime), a.TreatmentID, a.AddedBy,
		a.IsRemoved, dbx.NullMillis(a.RemovalTime), a.RemovedBy,
		a.Version, string(a.SyncStatus), a.CreatedOffline,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert applicator snapshot: %w", err)
	}
	return nil
}

func scanApplicator(scan func(dest ...any) error) (*models.ApplicatorSnapshot, error) {
	var (
		a                          models.ApplicatorSnapshot
		status                     sql.NullString
		insertionTime, removalTime sql.NullInt64
		syncStatus                 string
	)
	err := scan(
		&a.ID,
		&a.SerialNumber.Ciphertext, &a.SerialNumber.Nonce,
		&a.Comments.Ciphertext, &a.Comments.Nonce,
		&a.RemovalComments.Ciphertext, &a.RemovalComments.Nonce,
		&a.SeedQuantity, &status, &a.PackageLabel,
		&insertionTime, &a.TreatmentID, &a.AddedBy,
		&a.IsRemoved, &removalTime, &a.RemovedBy,
		&a.Version, &syncStatus, &a.CreatedOffline,
	)
	if err != nil {
		return nil, err
	}
	if status.Valid {
		s := models.Status(status.String)
		a.Status = &s
	}
	a.InsertionTime = dbx.TimePtr(insertionTime)
	a.RemovalTime = dbx.TimePtr(removalTime)
	a.SyncStatus = models.SyncStatus(syncStatus)
	return &a, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.ApplicatorSnapshot, error) {
	query := `SELECT ` + applicatorColumns + ` FROM applicator_snapshots WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	a, err := scanApplicator(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.ApplicatorSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select applicator snapshots: %w", err)
	}
	defer rows.Close()

	var result []models.ApplicatorSnapshot
	for rows.Next() {
		a, err := scanApplicator(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) ListByTreatment(ctx context.Context, treatmentID string) ([]models.ApplicatorSnapshot, error) {
	query := `SELECT ` + applicatorColumns + ` FROM applicator_snapshots WHERE treatment_id = ? ORDER BY id`
	return r.list(ctx, query, treatmentID)
}

func (r *SQLiteRepository) ListBySyncStatus(ctx context.Context, status models.SyncStatus) ([]models.ApplicatorSnapshot, error) {
	query := `SELECT ` + applicatorColumns + ` FROM applicator_snapshots WHERE sync_status = ? ORDER BY id`
	return r.list(ctx, query, string(status))
}

func (r *SQLiteRepository) DeleteByTreatment(ctx context.Context, treatmentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM applicator_snapshots WHERE treatment_id = ?`, treatmentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete applicator snapshots: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ra, nil
}
