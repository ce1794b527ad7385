package treatments

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

const treatmentColumns = `id, type, subject_id, nonce_subject_id, patient_name, nonce_patient_name,
	surgeon, nonce_surgeon, site, date, is_complete, user_id, seed_quantity, activity_per_seed,
	version, sync_status, downloaded_at, expires_at`

func (r *SQLiteRepository) Upsert(ctx context.Context, t *models.TreatmentSnapshot) error {
	query := `INSERT INTO treatment_snapshots (` + treatmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			subject_id = excluded.subject_id,
			nonce_subject_id = excluded.nonce_subject_id,
			patient_name = excluded.patient_name,
			nonce_patient_name = excluded.nonce_patient_name,
			surgeon = excluded.surgeon,
			nonce_surgeon = excluded.nonce_surgeon,
			site = excluded.site,
			date = excluded.date,
			is_complete = excluded.is_complete,
			user_id = excluded.user_id,
			seed_quantity = excluded.seed_quantity,
			activity_per_seed = excluded.activity_per_seed,
			version = excluded.version,
			sync_status = excluded.sync_status,
			downloaded_at = excluded.downloaded_at,
			expires_at = excluded.expires_at
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Type,
		t.SubjectID.Ciphertext, t.SubjectID.Nonce,
		t.PatientName.Ciphertext, t.PatientName.Nonce,
		t.Surgeon.Ciphertext, t.Surgeon.Nonce,
		t.Site, dbx.MillisOf(t.Date), t.IsComplete, t.UserID,
		t.SeedQuantity, t.ActivityPerSeed, t.Version, string(t.SyncStatus),
		dbx.MillisOf(t.DownloadedAt), dbx.MillisOf(t.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert treatment snapshot: %w", err)
	}
	return nil
}

func scanTreatment(scan func(dest ...any) error) (*models.TreatmentSnapshot, error) {
	var (
		t                             models.TreatmentSnapshot
		date, downloadedAt, expiresAt int64
		syncStatus                    string
	)
	err := scan(
		&t.ID, &t.Type,
		&t.SubjectID.Ciphertext, &t.SubjectID.Nonce,
		&t.PatientName.Ciphertext, &t.PatientName.Nonce,
		&t.Surgeon.Ciphertext, &t.Surgeon.Nonce,
		&t.Site, &date, &t.IsComplete, &t.UserID,
		&t.SeedQuantity, &t.ActivityPerSeed, &t.Version, &syncStatus,
		&downloadedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	t.Date = dbx.TimeAt(date)
	t.DownloadedAt = dbx.TimeAt(downloadedAt)
	t.ExpiresAt = dbx.TimeAt(expiresAt)
	t.SyncStatus = models.SyncStatus(syncStatus)
	return &t, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.TreatmentSnapshot, error) {
	query := `SELECT ` + treatmentColumns + ` FROM treatment_snapshots WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	t, err := scanTreatment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return t, nil
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]models.TreatmentSnapshot, error) {
	query := `SELECT ` + treatmentColumns + ` FROM treatment_snapshots ORDER BY downloaded_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select treatment snapshots: %w", err)
	}
	defer rows.Close()

	var result []models.TreatmentSnapshot
	for rows.Next() {
		t, err := scanTreatment(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM treatment_snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete treatment snapshot: %w", err)
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

func (r *SQLiteRepository) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM treatment_snapshots WHERE expires_at <= ?`, dbx.MillisOf(before))
	if err != nil {
		return nil, fmt.Errorf("failed to select expired snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *SQLiteRepository) SetSyncStatus(ctx context.Context, id string, status models.SyncStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE treatment_snapshots SET sync_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
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
