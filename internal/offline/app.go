// Package offline wires the offline synchronization subsystem together. App
// is the composition root: one explicitly constructed instance per device
// session owns the network monitor, clock synchronizer, key service, local
// store, guard, storage guardian and sync coordinator, and hands them to the
// host application by handle.
package offline

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/api"
	"github.com/seedtrace/seedtrace/internal/offline/clock"
	"github.com/seedtrace/seedtrace/internal/offline/config"
	"github.com/seedtrace/seedtrace/internal/offline/guard"
	"github.com/seedtrace/seedtrace/internal/offline/keyring"
	"github.com/seedtrace/seedtrace/internal/offline/netmon"
	"github.com/seedtrace/seedtrace/internal/offline/quota"
	"github.com/seedtrace/seedtrace/internal/offline/services"
	"github.com/seedtrace/seedtrace/internal/offline/store"
	"github.com/seedtrace/seedtrace/internal/offline/syncer"
)

// App owns one session's offline subsystem.
type App struct {
	config *config.Config
	log    logging.Logger

	db       *sql.DB
	Keys     *keyring.Service
	Client   api.Client
	Network  *netmon.Monitor
	Clock    *clock.Synchronizer
	Store    *store.Store
	Guard    *guard.Guard
	Quota    *quota.Guardian
	Syncer   *syncer.Coordinator
	Services *services.Service
}

// NewApp constructs and wires the subsystem. fetcher is the host
// application's online data source used by DownloadForOffline; platform
// names the runtime environment for storage-eviction hints.
func NewApp(ctx context.Context, cfg *config.Config, fetcher services.Fetcher, platform string, log logging.Logger) (*App, error) {
	if log == nil {
		log = logging.NewSlogLogger(slog.Default())
	}

	db, err := store.OpenDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		log.Error(ctx, "error initializing offline database", "error", err.Error())
		return nil, err
	}

	keys := keyring.NewService(cfg.KeyDerivationIterations)
	client := api.NewHTTPClient(cfg.ServerEndpointAddr, keys.AccessToken)

	clk := clock.New(client, log, cfg.MaxClockOffset, cfg.ClockResyncInterval)
	mon := netmon.New(client, log, cfg.ReconnectSettleDelay)

	st := store.New(db, keys, clk, log)
	g := guard.New(st, clk, log, cfg.BundleExpiryWarn)
	q := quota.New(cfg.DatabasePath, cfg.StorageQuotaEstimate, cfg.StorageSafetyBuffer,
		cfg.LowStorageThreshold, platform, st, log)

	coord := syncer.New(st, client, mon, keys, clk, log,
		cfg.MaxSyncRetries, cfg.RetryBackoffBase, cfg.RetryBackoffCap)

	svc := services.New(st, g, q, mon, fetcher, clk, log, cfg.SnapshotTTL)

	app := &App{
		config:   cfg,
		log:      log,
		db:       db,
		Keys:     keys,
		Client:   client,
		Network:  mon,
		Clock:    clk,
		Store:    st,
		Guard:    g,
		Quota:    q,
		Syncer:   coord,
		Services: svc,
	}

	// Reconnection re-measures a stale clock offset before the sync pass so
	// retry timestamps and expiry checks use corrected time.
	mon.OnReconnect(func(ctx context.Context) {
		clk.SyncIfStale(ctx)
		coord.HandleReconnect(ctx)
	})

	return app, nil
}

// Run starts the background connectivity probe and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) {
	a.Network.Start(ctx, a.config.OnlineCheckInterval)
}

// StartSession installs the session's key material and access token, then
// verifies local integrity so silent data loss is caught before any offline
// work starts.
func (a *App) StartSession(ctx context.Context, identifier string, verificationCode []byte, userID, accessToken string) error {
	a.Keys.SetMaterial(identifier, verificationCode, userID)
	a.Keys.SetAccessToken(accessToken)

	if err := a.Store.CheckDataIntegrity(ctx); err != nil {
		return err
	}

	hint := a.Quota.RequestPersistence(ctx)
	if hint.EvictionWarning != "" {
		a.log.Warn(ctx, "offline storage persistence not guaranteed", "warning", hint.EvictionWarning)
	}
	return nil
}

// EndSession purges key material and the cached derived key. Snapshots and
// pending changes stay on disk, unreadable without the re-derived key.
func (a *App) EndSession() {
	a.Keys.Clear()
}

// Close releases the database handle. The app is unusable afterwards.
func (a *App) Close() error {
	return a.db.Close()
}

// MaintenanceSweep removes expired snapshots and reports current storage
// pressure. Intended to run periodically and on session start.
func (a *App) MaintenanceSweep(ctx context.Context) (removed int, storageLow bool, err error) {
	removed, err = a.Store.CleanupExpiredData(ctx)
	if err != nil {
		return 0, false, err
	}
	return removed, a.Quota.IsStorageLow(ctx), nil
}

// OfflineDuration reports how long the device has been without connectivity.
func (a *App) OfflineDuration() time.Duration {
	return a.Network.OfflineDuration()
}
