// Package guard enforces the offline workflow rules: the status transition
// tables, scan validation against downloaded snapshots, the finalization
// block, and snapshot-bundle expiry checks. Every rejection is a value the
// caller branches on, never an error.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Decision is the outcome of a validation check.
type Decision struct {
	Allowed bool
	// Reason explains a rejection in operator-facing terms. Empty when
	// Allowed.
	Reason string
	// RequiresConfirmation is set on allowed transitions into the medically
	// consequential terminal statuses.
	RequiresConfirmation bool
}

func allow() Decision { return Decision{Allowed: true} }

func allowConfirmed() Decision { return Decision{Allowed: true, RequiresConfirmation: true} }

func reject(reason string) Decision { return Decision{Reason: reason} }

// BundleState classifies a snapshot bundle's remaining validity.
type BundleState string

const (
	BundleOK           BundleState = "ok"
	BundleExpiringSoon BundleState = "expiring_soon"
	BundleExpired      BundleState = "expired"
)

// BundleExpiry is the result of a bundle expiry check.
type BundleExpiry struct {
	State BundleState
	// Message is a human-readable remaining-time summary.
	Message string
}

// transitions maps each category to its allowed-successor sets. Statuses
// absent from a category's table (the five terminal statuses in particular)
// admit no outgoing transition.
var transitions = map[models.Category]map[models.Status][]models.Status{
	models.CategorySeedImplant: {
		models.StatusScanned:   {models.StatusLoaded, models.StatusFaulty, models.StatusDeactivated},
		models.StatusLoaded:    {models.StatusInserting, models.StatusFaulty, models.StatusReturned},
		models.StatusInserting: {models.StatusInserted, models.StatusFaulty},
	},
	models.CategorySurface: {
		models.StatusScanned: {models.StatusInserted, models.StatusFaulty, models.StatusDeactivated},
	},
	models.CategoryGeneric: {
		models.StatusScanned:   {models.StatusLoaded, models.StatusInserting, models.StatusInserted, models.StatusFaulty, models.StatusDeactivated},
		models.StatusLoaded:    {models.StatusInserting, models.StatusInserted, models.StatusFaulty, models.StatusReturned},
		models.StatusInserting: {models.StatusInserted, models.StatusFaulty},
	},
}

// SnapshotSource is the slice of the local store the guard reads.
// store.Store satisfies this.
type SnapshotSource interface {
	GetTreatment(ctx context.Context, id string) (*models.TreatmentView, error)
	ListTreatments(ctx context.Context) ([]models.TreatmentView, error)
	ListApplicators(ctx context.Context, treatmentID string) ([]models.ApplicatorView, error)
}

// AdjustedClock supplies skew-corrected time. clock.Synchronizer satisfies
// this.
type AdjustedClock interface {
	Now() time.Time
	Reliable() bool
}

// Guard validates offline operations against local snapshots and the
// adjusted clock.
type Guard struct {
	store      SnapshotSource
	clock      AdjustedClock
	log        logging.Logger
	warnWindow time.Duration
}

// New constructs a Guard. warnWindow is how far ahead of bundle expiry the
// expiring-soon state begins.
func New(store SnapshotSource, clk AdjustedClock, log logging.Logger, warnWindow time.Duration) *Guard {
	return &Guard{store: store, clock: clk, log: log, warnWindow: warnWindow}
}

// IsValidOfflineStatusTransition checks one workflow step against the
// category's transition table. An identical current/next pair is a no-op,
// allowed without confirmation. Terminal statuses permit no transition.
func (g *Guard) IsValidOfflineStatusTransition(current, next models.Status, category models.Category) Decision {
	if current == next {
		return allow()
	}
	if current.IsTerminal() {
		return reject(fmt.Sprintf("status %q is terminal and cannot change", current))
	}

	table, ok := transitions[category]
	if !ok {
		table = transitions[models.CategoryGeneric]
	}
	for _, allowed := range table[current] {
		if allowed == next {
			if next.IsConsequential() {
				return allowConfirmed()
			}
			return allow()
		}
	}
	return reject(fmt.Sprintf("transition %q to %q is not allowed for %s treatments", current, next, category))
}

// ValidateOfflineScan permits a scan only when the serial number was
// downloaded for the active treatment and the treatment snapshot is still
// valid. Serial matching runs over decrypted snapshots in memory; serial
// numbers are never queryable at the row level.
func (g *Guard) ValidateOfflineScan(ctx context.Context, serial, treatmentID string) (Decision, error) {
	t, err := g.store.GetTreatment(ctx, treatmentID)
	if err != nil {
		return reject("treatment was not downloaded for offline use"), nil
	}

	if !g.clock.Reliable() {
		g.log.Warn(ctx, "scan rejected, clock unreliable", "treatment_id", treatmentID)
		return reject("device clock is not synchronized; snapshot validity cannot be verified"), nil
	}
	if !g.clock.Now().Before(t.ExpiresAt) {
		g.log.Warn(ctx, "scan rejected, snapshot expired",
			"treatment_id", treatmentID, "expired_at", t.ExpiresAt)
		return reject("offline data for this treatment has expired; reconnect to refresh"), nil
	}

	apps, err := g.store.ListApplicators(ctx, treatmentID)
	if err != nil {
		return Decision{}, err
	}
	for _, a := range apps {
		if a.SerialNumber == serial {
			return allow(), nil
		}
	}

	// Distinguish a wrong-treatment scan from a never-downloaded serial.
	all, err := g.store.ListTreatments(ctx)
	if err != nil {
		return Decision{}, err
	}
	for _, other := range all {
		if other.ID == treatmentID {
			continue
		}
		others, err := g.store.ListApplicators(ctx, other.ID)
		if err != nil {
			return Decision{}, err
		}
		for _, a := range others {
			if a.SerialNumber == serial {
				return reject("serial number belongs to a different treatment"), nil
			}
		}
	}
	return reject("serial number was not downloaded for offline use"), nil
}

// ValidateOfflineFinalization always rejects: finalization requires live
// signature verification and has no offline path.
func (g *Guard) ValidateOfflineFinalization() Decision {
	return reject("treatment finalization requires a live server connection for signature verification")
}

// CheckBundleExpiry classifies a snapshot bundle against the adjusted clock.
// With an unreliable clock the bundle is reported expired: validity cannot
// be proven, so the check fails closed.
func (g *Guard) CheckBundleExpiry(expiresAt time.Time) BundleExpiry {
	if !g.clock.Reliable() {
		return BundleExpiry{
			State:   BundleExpired,
			Message: "device clock is not synchronized; offline data is treated as expired",
		}
	}

	remaining := expiresAt.Sub(g.clock.Now())
	switch {
	case remaining <= 0:
		return BundleExpiry{
			State:   BundleExpired,
			Message: fmt.Sprintf("offline data expired %s ago", formatDuration(-remaining)),
		}
	case remaining <= g.warnWindow:
		return BundleExpiry{
			State:   BundleExpiringSoon,
			Message: fmt.Sprintf("offline data expires in %s; sync soon", formatDuration(remaining)),
		}
	default:
		return BundleExpiry{
			State:   BundleOK,
			Message: fmt.Sprintf("offline data valid for another %s", formatDuration(remaining)),
		}
	}
}

// formatDuration renders a duration in whole hours and minutes.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return "less than a minute"
	}
}
