package offline

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/config"
	"github.com/seedtrace/seedtrace/internal/offline/models"
	"github.com/seedtrace/seedtrace/internal/offline/services"
)

type stubFetcher struct{}

func (stubFetcher) FetchTreatment(context.Context, string) (*models.TreatmentView, []models.ApplicatorView, error) {
	return &models.TreatmentView{ID: "t1", Type: "surface_applicator"}, nil, nil
}

var _ services.Fetcher = stubFetcher{}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "offline.db")

	log := logging.NewSlogLogger(slog.New(slog.DiscardHandler))
	app, err := NewApp(context.Background(), cfg, stubFetcher{}, "generic", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestNewAppWiring(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.Store)
	assert.NotNil(t, app.Guard)
	assert.NotNil(t, app.Quota)
	assert.NotNil(t, app.Syncer)
	assert.NotNil(t, app.Services)
	assert.False(t, app.Network.IsOnline(), "monitor starts offline")
}

func TestSessionLifecycle(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.StartSession(ctx, "operator@clinic", []byte("483921"), "user-1", ""))

	key, err := app.Keys.DerivedKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// Session material drives snapshot encryption end to end.
	require.NoError(t, app.Services.DownloadForOffline(ctx, "t1"))
	got, err := app.Store.GetTreatment(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.DegradedFields)

	app.EndSession()
	_, err = app.Keys.DerivedKey()
	assert.Error(t, err)
}

func TestMaintenanceSweep(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.StartSession(ctx, "operator@clinic", []byte("483921"), "user-1", ""))
	require.NoError(t, app.Services.DownloadForOffline(ctx, "t1"))

	removed, low, err := app.MaintenanceSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh snapshots survive the sweep")
	assert.False(t, low)
}

func TestOfflineDurationGrows(t *testing.T) {
	app := newTestApp(t)

	d := app.OfflineDuration()
	assert.GreaterOrEqual(t, d, time.Duration(0))
}
