// Package store implements the encrypted local store: persistent treatment
// and applicator snapshots, the outbound pending-change queue and conflict
// records. PHI fields are individually encrypted with the session key and a
// fresh nonce per value before they reach disk.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seedtrace/seedtrace/internal/common"
	"github.com/seedtrace/seedtrace/internal/cryptox"
	"github.com/seedtrace/seedtrace/internal/dbx"
	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/models"
	"github.com/seedtrace/seedtrace/internal/offline/repositories/applicators"
	"github.com/seedtrace/seedtrace/internal/offline/repositories/changes"
	"github.com/seedtrace/seedtrace/internal/offline/repositories/conflicts"
	"github.com/seedtrace/seedtrace/internal/offline/repositories/meta"
	"github.com/seedtrace/seedtrace/internal/offline/repositories/treatments"
)

// Metadata keys.
const (
	keyDeviceID          = "device_id"
	keyPendingCheckpoint = "pending_checkpoint"
)

// KeyProvider supplies the session field-encryption key.
// keyring.Service satisfies this.
type KeyProvider interface {
	DerivedKey() ([]byte, error)
}

// AdjustedClock supplies skew-corrected time for expiry decisions.
// clock.Synchronizer satisfies this.
type AdjustedClock interface {
	Now() time.Time
	Reliable() bool
}

// Store is the encrypted local store. One instance per session, owned by the
// composition root; no other component touches the tables directly.
type Store struct {
	db    *sql.DB
	keys  KeyProvider
	clock AdjustedClock
	log   logging.Logger

	treatments  treatments.Repository
	applicators applicators.Repository
	changes     changes.Repository
	conflicts   conflicts.Repository
	meta        meta.Repository
}

// New wires a Store over an open database handle.
func New(db *sql.DB, keys KeyProvider, clk AdjustedClock, log logging.Logger) *Store {
	return &Store{
		db:          db,
		keys:        keys,
		clock:       clk,
		log:         log,
		treatments:  treatments.NewSQLiteRepository(db),
		applicators: applicators.NewSQLiteRepository(db),
		changes:     changes.NewSQLiteRepository(db),
		conflicts:   conflicts.NewSQLiteRepository(db),
		meta:        meta.NewSQLiteRepository(db),
	}
}

// mapQuotaErr converts the driver's storage-full failures into the
// distinguished quota-exceeded condition.
func mapQuotaErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "SQLITE_FULL") {
		return fmt.Errorf("%w: %v", common.ErrQuotaExceeded, err)
	}
	return err
}

// ---- field encryption helpers ----

func (s *Store) encryptField(value string) (models.EncryptedValue, error) {
	key, err := s.keys.DerivedKey()
	if err != nil {
		return models.EncryptedValue{}, err
	}
	ciphertext, nonce, err := cryptox.EncryptField(value, key)
	if err != nil {
		return models.EncryptedValue{}, err
	}
	return models.EncryptedValue{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// decryptField degrades to passing the stored bytes through when decryption
// fails; the field name is recorded and a warning logged.
func (s *Store) decryptField(ctx context.Context, v models.EncryptedValue, field, entityID string, degraded *[]string) string {
	key, _ := s.keys.DerivedKey()
	res := cryptox.DecryptField(v.Ciphertext, v.Nonce, key)
	if res.State != cryptox.FieldDecrypted {
		*degraded = append(*degraded, field)
		s.log.Warn(ctx, "field decryption degraded to passthrough",
			"field", field, "entity_id", entityID, "state", int(res.State))
	}
	return res.Value
}

// ---- treatment snapshots ----

// SaveTreatment encrypts the PHI fields of v and upserts the snapshot.
func (s *Store) SaveTreatment(ctx context.Context, v *models.TreatmentView) error {
	if !v.ExpiresAt.After(v.DownloadedAt) {
		return fmt.Errorf("snapshot expiry %v not after download time %v", v.ExpiresAt, v.DownloadedAt)
	}

	subject, err := s.encryptField(v.SubjectID)
	if err != nil {
		return err
	}
	name, err := s.encryptField(v.PatientName)
	if err != nil {
		return err
	}
	surgeon, err := s.encryptField(v.Surgeon)
	if err != nil {
		return err
	}

	t := &models.TreatmentSnapshot{
		ID:              v.ID,
		Type:            v.Type,
		SubjectID:       subject,
		PatientName:     name,
		Surgeon:         surgeon,
		Site:            v.Site,
		Date:            v.Date,
		IsComplete:      v.IsComplete,
		UserID:          v.UserID,
		SeedQuantity:    v.SeedQuantity,
		ActivityPerSeed: v.ActivityPerSeed,
		Version:         v.Version,
		SyncStatus:      v.SyncStatus,
		DownloadedAt:    v.DownloadedAt,
		ExpiresAt:       v.ExpiresAt,
	}
	return mapQuotaErr(s.treatments.Upsert(ctx, t))
}

func (s *Store) treatmentView(ctx context.Context, t *models.TreatmentSnapshot) *models.TreatmentView {
	v := &models.TreatmentView{
		ID:              t.ID,
		Type:            t.Type,
		Site:            t.Site,
		Date:            t.Date,
		IsComplete:      t.IsComplete,
		UserID:          t.UserID,
		SeedQuantity:    t.SeedQuantity,
		ActivityPerSeed: t.ActivityPerSeed,
		Version:         t.Version,
		SyncStatus:      t.SyncStatus,
		DownloadedAt:    t.DownloadedAt,
		ExpiresAt:       t.ExpiresAt,
	}
	v.SubjectID = s.decryptField(ctx, t.SubjectID, "subject_id", t.ID, &v.DegradedFields)
	v.PatientName = s.decryptField(ctx, t.PatientName, "patient_name", t.ID, &v.DegradedFields)
	v.Surgeon = s.decryptField(ctx, t.Surgeon, "surgeon", t.ID, &v.DegradedFields)
	return v
}

// GetTreatment returns a decrypted treatment snapshot.
func (s *Store) GetTreatment(ctx context.Context, id string) (*models.TreatmentView, error) {
	t, err := s.treatments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.treatmentView(ctx, t), nil
}

// ListTreatments returns all decrypted treatment snapshots.
func (s *Store) ListTreatments(ctx context.Context) ([]models.TreatmentView, error) {
	rows, err := s.treatments.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]models.TreatmentView, 0, len(rows))
	for i := range rows {
		result = append(result, *s.treatmentView(ctx, &rows[i]))
	}
	return result, nil
}

// DeleteTreatment removes a treatment snapshot and all of its applicator
// snapshots atomically.
func (s *Store) DeleteTreatment(ctx context.Context, id string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := applicators.NewSQLiteRepository(tx).DeleteByTreatment(ctx, id); err != nil {
			return err
		}
		return treatments.NewSQLiteRepository(tx).DeleteByID(ctx, id)
	})
}

// ---- applicator snapshots ----

// SaveApplicator encrypts the PHI fields of v and upserts the snapshot.
func (s *Store) SaveApplicator(ctx context.Context, v *models.ApplicatorView) error {
	serial, err := s.encryptField(v.SerialNumber)
	if err != nil {
		return err
	}
	comments, err := s.encryptField(v.Comments)
	if err != nil {
		return err
	}
	removal, err := s.encryptField(v.RemovalComments)
	if err != nil {
		return err
	}

	a := &models.ApplicatorSnapshot{
		ID:              v.ID,
		SerialNumber:    serial,
		Comments:        comments,
		RemovalComments: removal,
		SeedQuantity:    v.SeedQuantity,
		Status:          v.Status,
		PackageLabel:    v.PackageLabel,
		InsertionTime:   v.InsertionTime,
		TreatmentID:     v.TreatmentID,
		AddedBy:         v.AddedBy,
		IsRemoved:       v.IsRemoved,
		RemovalTime:     v.RemovalTime,
		RemovedBy:       v.RemovedBy,
		Version:         v.Version,
		SyncStatus:      v.SyncStatus,
		CreatedOffline:  v.CreatedOffline,
	}
	return mapQuotaErr(s.applicators.Upsert(ctx, a))
}

func (s *Store) applicatorView(ctx context.Context, a *models.ApplicatorSnapshot) *models.ApplicatorView {
	v := &models.ApplicatorView{
		ID:             a.ID,
		SeedQuantity:   a.SeedQuantity,
		Status:         a.Status,
		PackageLabel:   a.PackageLabel,
		InsertionTime:  a.InsertionTime,
		TreatmentID:    a.TreatmentID,
		AddedBy:        a.AddedBy,
		IsRemoved:      a.IsRemoved,
		RemovalTime:    a.RemovalTime,
		RemovedBy:      a.RemovedBy,
		Version:        a.Version,
		SyncStatus:     a.SyncStatus,
		CreatedOffline: a.CreatedOffline,
	}
	v.SerialNumber = s.decryptField(ctx, a.SerialNumber, "serial_number", a.ID, &v.DegradedFields)
	v.Comments = s.decryptField(ctx, a.Comments, "comments", a.ID, &v.DegradedFields)
	v.RemovalComments = s.decryptField(ctx, a.RemovalComments, "removal_comments", a.ID, &v.DegradedFields)
	return v
}

// GetApplicator returns a decrypted applicator snapshot.
func (s *Store) GetApplicator(ctx context.Context, id string) (*models.ApplicatorView, error) {
	a, err := s.applicators.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.applicatorView(ctx, a), nil
}

// ListApplicators returns the decrypted applicators of one treatment.
func (s *Store) ListApplicators(ctx context.Context, treatmentID string) ([]models.ApplicatorView, error) {
	rows, err := s.applicators.ListByTreatment(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	result := make([]models.ApplicatorView, 0, len(rows))
	for i := range rows {
		result = append(result, *s.applicatorView(ctx, &rows[i]))
	}
	return result, nil
}

// ---- pending-change queue ----

// checkpoint reads the external checkpoint counter.
func (s *Store) checkpoint(ctx context.Context, m meta.Repository) (int64, error) {
	raw, err := m.Get(ctx, keyPendingCheckpoint)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint value %q: %w", raw, err)
	}
	return n, nil
}

func (s *Store) shiftCheckpoint(ctx context.Context, tx dbx.DBTX, delta int64) error {
	m := meta.NewSQLiteRepository(tx)
	n, err := s.checkpoint(ctx, m)
	if err != nil {
		return err
	}
	n += delta
	if n < 0 {
		n = 0
	}
	return m.Set(ctx, keyPendingCheckpoint, []byte(strconv.FormatInt(n, 10)))
}

// EnqueueChange appends an offline mutation to the pending queue, computing
// its integrity digest and advancing the checkpoint counter in the same
// transaction.
func (s *Store) EnqueueChange(ctx context.Context, entityType models.EntityType, entityID string, op models.Operation, payload json.RawMessage, offlineSince time.Time) (*models.PendingChange, error) {
	c := &models.PendingChange{
		EntityType:   entityType,
		EntityID:     entityID,
		Operation:    op,
		Payload:      payload,
		CreatedAt:    s.clock.Now(),
		Status:       models.ChangePending,
		OfflineSince: offlineSince,
		ChangeHash:   models.ComputeChangeHash(payload),
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := changes.NewSQLiteRepository(tx).Insert(ctx, c); err != nil {
			return err
		}
		return s.shiftCheckpoint(ctx, tx, +1)
	})
	if err != nil {
		return nil, mapQuotaErr(err)
	}
	return c, nil
}

// RemoveChange deletes a pending change (successful sync or explicit,
// acknowledged cancellation) and retires its checkpoint slot atomically.
func (s *Store) RemoveChange(ctx context.Context, id int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := changes.NewSQLiteRepository(tx).Delete(ctx, id); err != nil {
			return err
		}
		return s.shiftCheckpoint(ctx, tx, -1)
	})
}

// ConvertToConflict records a version-mismatch rejection: the conflict row
// captures the local payload and the server's data, and the pending change
// is removed, all in one transaction.
func (s *Store) ConvertToConflict(ctx context.Context, c *models.PendingChange, serverData json.RawMessage, conflictType string, requiresAdmin bool) (*models.Conflict, error) {
	conflict := &models.Conflict{
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		LocalData:     c.Payload,
		ServerData:    serverData,
		ConflictType:  conflictType,
		CreatedAt:     s.clock.Now(),
		RequiresAdmin: requiresAdmin,
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := conflicts.NewSQLiteRepository(tx).Insert(ctx, conflict); err != nil {
			return err
		}
		if err := changes.NewSQLiteRepository(tx).Delete(ctx, c.ID); err != nil {
			return err
		}
		return s.shiftCheckpoint(ctx, tx, -1)
	})
	if err != nil {
		return nil, mapQuotaErr(err)
	}
	return conflict, nil
}

// GetChange returns one pending change.
func (s *Store) GetChange(ctx context.Context, id int64) (*models.PendingChange, error) {
	return s.changes.GetByID(ctx, id)
}

// ListDueChanges returns changes eligible for the next sync pass in creation
// order.
func (s *Store) ListDueChanges(ctx context.Context) ([]models.PendingChange, error) {
	return s.changes.ListDue(ctx, s.clock.Now())
}

// ListAllChanges returns the whole queue in creation order.
func (s *Store) ListAllChanges(ctx context.Context) ([]models.PendingChange, error) {
	return s.changes.ListAll(ctx)
}

// CountChanges returns the live queue length.
func (s *Store) CountChanges(ctx context.Context) (int64, error) {
	return s.changes.Count(ctx)
}

// UpdateChangeRetry persists retry bookkeeping after a rejection.
func (s *Store) UpdateChangeRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt *time.Time, status models.ChangeStatus) error {
	return s.changes.UpdateRetry(ctx, id, retryCount, lastError, nextRetryAt, status)
}

// ResetChangeRetry clears retry state so the change is picked up by the next
// pass immediately.
func (s *Store) ResetChangeRetry(ctx context.Context, id int64) error {
	return s.changes.ResetRetry(ctx, id)
}

// ---- conflicts ----

// ListConflicts returns every recorded conflict.
func (s *Store) ListConflicts(ctx context.Context) ([]models.Conflict, error) {
	return s.conflicts.ListAll(ctx)
}

// CountConflicts returns the number of recorded conflicts.
func (s *Store) CountConflicts(ctx context.Context) (int64, error) {
	return s.conflicts.Count(ctx)
}

// DeleteConflict removes a conflict after external manual resolution.
func (s *Store) DeleteConflict(ctx context.Context, id int64) error {
	return s.conflicts.Delete(ctx, id)
}

// ---- maintenance ----

// CleanupExpiredData removes snapshots whose adjusted-clock expiry has
// passed, cascading to their applicators, and returns the number of
// treatment snapshots removed. With an unreliable clock the sweep still
// runs: retention errs on the side of removing possibly-expired data.
func (s *Store) CleanupExpiredData(ctx context.Context) (int, error) {
	ids, err := s.treatments.ListExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := s.DeleteTreatment(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.log.Info(ctx, "expired snapshots removed", "count", removed)
	}
	return removed, nil
}

// CheckDataIntegrity compares the live pending-change count against the
// checkpoint counter. A deficit signals possible silent data loss (e.g.
// platform-evicted storage) and is surfaced as ErrIntegrityViolation. A
// surplus can only mean a stale checkpoint and is repaired in place.
func (s *Store) CheckDataIntegrity(ctx context.Context) error {
	live, err := s.changes.Count(ctx)
	if err != nil {
		return err
	}
	expected, err := s.checkpoint(ctx, s.meta)
	if err != nil {
		return err
	}

	switch {
	case live < expected:
		s.log.Error(ctx, "pending-change deficit detected", "live", live, "checkpoint", expected)
		return fmt.Errorf("%w: %d pending changes present, checkpoint expects %d",
			common.ErrIntegrityViolation, live, expected)
	case live > expected:
		s.log.Warn(ctx, "stale pending-change checkpoint repaired", "live", live, "checkpoint", expected)
		return s.meta.Set(ctx, keyPendingCheckpoint, []byte(strconv.FormatInt(live, 10)))
	default:
		return nil
	}
}

// ClearSnapshots removes every downloaded snapshot atomically. Pending
// changes and conflicts are kept: nothing auto-discards data.
func (s *Store) ClearSnapshots(ctx context.Context) error {
	rows, err := s.treatments.GetAll(ctx)
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ar := applicators.NewSQLiteRepository(tx)
		tr := treatments.NewSQLiteRepository(tx)
		for _, t := range rows {
			if _, err := ar.DeleteByTreatment(ctx, t.ID); err != nil {
				return err
			}
			if err := tr.DeleteByID(ctx, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeviceID returns the stable device identifier, generating and persisting
// one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	raw, err := s.meta.Get(ctx, keyDeviceID)
	if err != nil {
		return "", err
	}
	if raw != nil {
		return string(raw), nil
	}

	id := uuid.NewString()
	if err := s.meta.Set(ctx, keyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
