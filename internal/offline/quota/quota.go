// Package quota watches local storage headroom for the offline database and
// gates writes behind a cleanup-and-retry cycle when space runs out.
package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/seedtrace/seedtrace/internal/common"
	"github.com/seedtrace/seedtrace/internal/logging"
)

// Sweeper removes expired local data to reclaim space. store.Store satisfies
// this.
type Sweeper interface {
	CleanupExpiredData(ctx context.Context) (int, error)
}

// Usage is a point-in-time storage report.
type Usage struct {
	// UsedBytes is the on-disk footprint of the offline database.
	UsedBytes int64
	// QuotaBytes is the effective write budget: the configured estimate,
	// capped by what the filesystem can actually still hold.
	QuotaBytes int64
}

// Fraction returns used/quota, or 1 when the quota is unusable.
func (u Usage) Fraction() float64 {
	if u.QuotaBytes <= 0 {
		return 1
	}
	return float64(u.UsedBytes) / float64(u.QuotaBytes)
}

// PersistenceHint is the best-effort outcome of a persistence request.
type PersistenceHint struct {
	// Granted reports whether durable storage could be confirmed.
	Granted bool
	// EvictionWarning is non-empty on platforms known to evict inactive
	// offline data, so the caller can prompt the operator to sync regularly.
	EvictionWarning string
}

// evictingPlatforms evict inactive site data after roughly seven days.
var evictingPlatforms = map[string]struct{}{
	"ios_webview":   {},
	"safari_webkit": {},
}

// Guardian tracks storage usage for the offline database and guards writes.
type Guardian struct {
	dbPath        string
	quotaEstimate int64
	safetyBuffer  int64
	lowThreshold  float64
	platform      string
	sweeper       Sweeper
	log           logging.Logger

	// fsAvail is injectable for tests; defaults to a statfs probe.
	fsAvail func(dir string) (int64, error)
}

// New constructs a Guardian over the offline database at dbPath.
// quotaEstimate is the conservative fixed budget used when the filesystem
// reports nothing better; lowThreshold is the used-fraction above which
// storage counts as low.
func New(dbPath string, quotaEstimate, safetyBuffer int64, lowThreshold float64, platform string, sweeper Sweeper, log logging.Logger) *Guardian {
	return &Guardian{
		dbPath:        dbPath,
		quotaEstimate: quotaEstimate,
		safetyBuffer:  safetyBuffer,
		lowThreshold:  lowThreshold,
		platform:      platform,
		sweeper:       sweeper,
		log:           log,
		fsAvail:       statfsAvail,
	}
}

func statfsAvail(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// usedBytes sums the database file and its WAL/shared-memory sidecars.
// Missing files count as zero.
func (g *Guardian) usedBytes() int64 {
	var total int64
	for _, p := range []string{g.dbPath, g.dbPath + "-wal", g.dbPath + "-shm"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Usage reports the current footprint against the effective quota. When the
// filesystem cannot be queried the fixed estimate stands alone.
func (g *Guardian) Usage(ctx context.Context) Usage {
	used := g.usedBytes()
	quota := g.quotaEstimate

	avail, err := g.fsAvail(filepath.Dir(g.dbPath))
	if err != nil {
		g.log.Debug(ctx, "filesystem quota probe unavailable, using fixed estimate",
			"error", err.Error())
	} else if used+avail < quota {
		quota = used + avail
	}
	return Usage{UsedBytes: used, QuotaBytes: quota}
}

// IsStorageLow reports whether usage has reached the low-storage threshold.
func (g *Guardian) IsStorageLow(ctx context.Context) bool {
	return g.Usage(ctx).Fraction() >= g.lowThreshold
}

// HasSpaceForWrite reports whether size bytes plus the safety buffer fit in
// the remaining quota.
func (g *Guardian) HasSpaceForWrite(ctx context.Context, size int64) bool {
	u := g.Usage(ctx)
	return u.UsedBytes+size+g.safetyBuffer <= u.QuotaBytes
}

// SafeWrite runs op after verifying headroom for estimatedSize bytes.
// Insufficient headroom triggers one expired-data sweep and a recheck; if
// space is still short the write fails fast with ErrQuotaExceeded. A quota
// error raised by the write itself gets one more cleanup-and-retry cycle.
func (g *Guardian) SafeWrite(ctx context.Context, estimatedSize int64, op func(ctx context.Context) error) error {
	if !g.HasSpaceForWrite(ctx, estimatedSize) {
		removed, err := g.sweeper.CleanupExpiredData(ctx)
		if err != nil {
			g.log.Warn(ctx, "cleanup before write failed", "error", err.Error())
		} else if removed > 0 {
			g.log.Info(ctx, "reclaimed space before write", "snapshots_removed", removed)
		}
		if !g.HasSpaceForWrite(ctx, estimatedSize) {
			return fmt.Errorf("%w: %d bytes requested with %d byte buffer",
				common.ErrQuotaExceeded, estimatedSize, g.safetyBuffer)
		}
	}

	err := op(ctx)
	if err == nil || !errors.Is(err, common.ErrQuotaExceeded) {
		return err
	}

	// One cleanup-and-retry cycle before giving up.
	if _, cerr := g.sweeper.CleanupExpiredData(ctx); cerr != nil {
		g.log.Warn(ctx, "cleanup after quota error failed", "error", cerr.Error())
		return err
	}
	return op(ctx)
}

// RequestPersistence asks for durable storage on a best-effort basis. On
// platforms with no persistence API the request is a no-op that still flags
// eviction-prone environments, where inactive offline data can be discarded
// after about seven days.
func (g *Guardian) RequestPersistence(ctx context.Context) PersistenceHint {
	hint := PersistenceHint{Granted: true}
	if _, ok := evictingPlatforms[g.platform]; ok {
		hint.Granted = false
		hint.EvictionWarning = "this platform may evict inactive offline data after about 7 days; sync regularly"
		g.log.Warn(ctx, "storage persistence not guaranteed", "platform", g.platform)
	}
	return hint
}
