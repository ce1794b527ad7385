package changes

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedtrace/seedtrace/internal/offline/models"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE pending_changes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  operation TEXT NOT NULL,
  payload BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  next_retry_at INTEGER,
  status TEXT NOT NULL DEFAULT 'pending',
  offline_since INTEGER NOT NULL,
  change_hash TEXT NOT NULL
);
`)
	require.NoError(t, err)

	return db
}

func newChange(entityID string, createdAt time.Time) *models.PendingChange {
	payload := []byte(`{"status":"inserted"}`)
	return &models.PendingChange{
		EntityType:   models.EntityApplicator,
		EntityID:     entityID,
		Operation:    models.OpStatusChange,
		Payload:      payload,
		CreatedAt:    createdAt,
		Status:       models.ChangePending,
		OfflineSince: createdAt,
		ChangeHash:   models.ComputeChangeHash(payload),
	}
}

func TestInsertAndGetByID(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	c := newChange("app-1", now)

	id, err := r.Insert(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)

	got, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EntityApplicator, got.EntityType)
	assert.Equal(t, "app-1", got.EntityID)
	assert.Equal(t, models.OpStatusChange, got.Operation)
	assert.JSONEq(t, `{"status":"inserted"}`, string(got.Payload))
	assert.Equal(t, now, got.CreatedAt)
	assert.Equal(t, models.ChangePending, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.True(t, got.VerifyHash())
}

func TestListDue_OrderAndEligibility(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)

	first := newChange("a", base.Add(-3*time.Minute))
	second := newChange("b", base.Add(-2*time.Minute))
	escalated := newChange("c", base.Add(-1*time.Minute))
	backedOff := newChange("d", base.Add(-1*time.Minute))

	_, err := r.Insert(ctx, first)
	require.NoError(t, err)
	_, err = r.Insert(ctx, second)
	require.NoError(t, err)
	_, err = r.Insert(ctx, escalated)
	require.NoError(t, err)
	_, err = r.Insert(ctx, backedOff)
	require.NoError(t, err)

	require.NoError(t, r.UpdateRetry(ctx, escalated.ID, 5, "boom", nil, models.ChangeManual))
	future := base.Add(time.Hour)
	require.NoError(t, r.UpdateRetry(ctx, backedOff.ID, 1, "boom", &future, models.ChangePending))

	due, err := r.ListDue(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].EntityID, "creation order preserved")
	assert.Equal(t, "b", due[1].EntityID)

	// once the backoff window passes, the change becomes due again
	due, err = r.ListDue(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "d", due[2].EntityID)
}

func TestUpdateRetry_Bookkeeping(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	c := newChange("a", now)
	_, err := r.Insert(ctx, c)
	require.NoError(t, err)

	next := now.Add(2 * time.Second)
	require.NoError(t, r.UpdateRetry(ctx, c.ID, 1, "server rejected", &next, models.ChangePending))

	got, err := r.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "server rejected", got.LastError)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, next, *got.NextRetryAt)

	require.NoError(t, r.ResetRetry(ctx, c.ID))
	got, err = r.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, models.ChangePending, got.Status)
}

func TestDeleteAndCount(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	c := newChange("a", now)
	_, err := r.Insert(ctx, c)
	require.NoError(t, err)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, r.Delete(ctx, c.ID))

	n, err = r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	err = r.Delete(ctx, c.ID)
	require.Error(t, err)
}
