// Package services is the inbound facade consumed by UI controllers:
// downloading treatments for offline use and recording offline mutations.
// Every mutation is validated by the offline guard first, then persisted and
// appended to the pending-change queue. Rule violations come back as
// guard.Decision values, never as errors.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/guard"
	"github.com/seedtrace/seedtrace/internal/offline/models"
	"github.com/seedtrace/seedtrace/internal/offline/netmon"
	"github.com/seedtrace/seedtrace/internal/offline/quota"
	"github.com/seedtrace/seedtrace/internal/offline/store"
)

// Fetcher retrieves server-authoritative treatment data for offline
// download. The implementation lives with the host application's online
// API layer.
type Fetcher interface {
	FetchTreatment(ctx context.Context, treatmentID string) (*models.TreatmentView, []models.ApplicatorView, error)
}

// changeSizeEstimate is the headroom requested per queued mutation.
const changeSizeEstimate = 4 * 1024

// AdjustedClock supplies skew-corrected time. clock.Synchronizer satisfies
// this.
type AdjustedClock interface {
	Now() time.Time
}

// Service exposes the offline operations available to controllers.
type Service struct {
	store       *store.Store
	guard       *guard.Guard
	quota       *quota.Guardian
	net         *netmon.Monitor
	fetcher     Fetcher
	clock       AdjustedClock
	log         logging.Logger
	snapshotTTL time.Duration
}

// New constructs the facade. snapshotTTL bounds how long downloaded data
// stays usable offline.
func New(st *store.Store, g *guard.Guard, q *quota.Guardian, net *netmon.Monitor, fetcher Fetcher, clk AdjustedClock, log logging.Logger, snapshotTTL time.Duration) *Service {
	return &Service{
		store:       st,
		guard:       g,
		quota:       q,
		net:         net,
		fetcher:     fetcher,
		clock:       clk,
		log:         log,
		snapshotTTL: snapshotTTL,
	}
}

// DownloadForOffline fetches a treatment and its applicators from the server
// and stores them as time-bounded encrypted snapshots.
func (s *Service) DownloadForOffline(ctx context.Context, treatmentID string) error {
	treatment, apps, err := s.fetcher.FetchTreatment(ctx, treatmentID)
	if err != nil {
		return fmt.Errorf("fetching treatment %s: %w", treatmentID, err)
	}

	now := s.clock.Now()
	treatment.SyncStatus = models.SyncStatusSynced
	treatment.DownloadedAt = now
	treatment.ExpiresAt = now.Add(s.snapshotTTL)

	size := estimateSnapshotSize(treatment, apps)
	err = s.quota.SafeWrite(ctx, size, func(ctx context.Context) error {
		if err := s.store.SaveTreatment(ctx, treatment); err != nil {
			return err
		}
		for i := range apps {
			apps[i].TreatmentID = treatment.ID
			apps[i].SyncStatus = models.SyncStatusSynced
			if err := s.store.SaveApplicator(ctx, &apps[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info(ctx, "treatment downloaded for offline use",
		"treatment_id", treatment.ID, "applicators", len(apps), "expires_at", treatment.ExpiresAt)
	return nil
}

// RecordStatusChange applies a workflow transition to an applicator while
// offline. Transitions into the medically consequential statuses must carry
// operator confirmation.
func (s *Service) RecordStatusChange(ctx context.Context, applicatorID string, next models.Status, confirmed bool) (guard.Decision, error) {
	app, err := s.store.GetApplicator(ctx, applicatorID)
	if err != nil {
		return guard.Decision{}, err
	}
	treatment, err := s.store.GetTreatment(ctx, app.TreatmentID)
	if err != nil {
		return guard.Decision{}, err
	}

	if d := s.snapshotGate(treatment); !d.Allowed {
		return d, nil
	}

	current := models.StatusScanned
	if app.Status != nil {
		current = *app.Status
	}

	d := s.guard.IsValidOfflineStatusTransition(current, next, treatment.Category())
	if !d.Allowed {
		return d, nil
	}
	if d.RequiresConfirmation && !confirmed {
		return guard.Decision{
			Reason:               fmt.Sprintf("setting status %q requires explicit confirmation", next),
			RequiresConfirmation: true,
		}, nil
	}
	if current == next {
		return d, nil
	}

	app.Status = &next
	app.SyncStatus = models.SyncStatusModified
	if next == models.StatusInserted && app.InsertionTime == nil {
		now := s.clock.Now()
		app.InsertionTime = &now
	}

	payload, err := json.Marshal(map[string]any{
		"status":  string(next),
		"version": app.Version,
	})
	if err != nil {
		return guard.Decision{}, err
	}

	err = s.quota.SafeWrite(ctx, changeSizeEstimate, func(ctx context.Context) error {
		if err := s.store.SaveApplicator(ctx, app); err != nil {
			return err
		}
		_, err := s.store.EnqueueChange(ctx, models.EntityApplicator, app.ID,
			models.OpStatusChange, payload, s.offlineSince())
		return err
	})
	if err != nil {
		return guard.Decision{}, err
	}

	s.log.Info(ctx, "offline status change recorded",
		"applicator_id", app.ID, "from", string(current), "to", string(next))
	return d, nil
}

// RecordComment appends a free-text comment to an applicator while offline.
// Like every offline mutation it is gated on the owning treatment's snapshot
// still being valid.
func (s *Service) RecordComment(ctx context.Context, applicatorID, comment string) (guard.Decision, error) {
	app, err := s.store.GetApplicator(ctx, applicatorID)
	if err != nil {
		return guard.Decision{}, err
	}
	treatment, err := s.store.GetTreatment(ctx, app.TreatmentID)
	if err != nil {
		return guard.Decision{}, err
	}
	if d := s.snapshotGate(treatment); !d.Allowed {
		return d, nil
	}

	app.Comments = comment
	app.SyncStatus = models.SyncStatusModified

	payload, err := json.Marshal(map[string]any{
		"comments": comment,
		"version":  app.Version,
	})
	if err != nil {
		return guard.Decision{}, err
	}

	err = s.quota.SafeWrite(ctx, changeSizeEstimate, func(ctx context.Context) error {
		if err := s.store.SaveApplicator(ctx, app); err != nil {
			return err
		}
		_, err := s.store.EnqueueChange(ctx, models.EntityApplicator, app.ID,
			models.OpUpdate, payload, s.offlineSince())
		return err
	})
	if err != nil {
		return guard.Decision{}, err
	}
	return guard.Decision{Allowed: true}, nil
}

// ScanApplicator validates a serial scan against the downloaded snapshots
// and records it as a scanned-status mutation.
func (s *Service) ScanApplicator(ctx context.Context, serial, treatmentID string) (guard.Decision, error) {
	d, err := s.guard.ValidateOfflineScan(ctx, serial, treatmentID)
	if err != nil {
		return guard.Decision{}, err
	}
	if !d.Allowed {
		return d, nil
	}

	apps, err := s.store.ListApplicators(ctx, treatmentID)
	if err != nil {
		return guard.Decision{}, err
	}
	var app *models.ApplicatorView
	for i := range apps {
		if apps[i].SerialNumber == serial {
			app = &apps[i]
			break
		}
	}
	if app == nil {
		return guard.Decision{Reason: "serial number was not downloaded for offline use"}, nil
	}

	status := models.StatusScanned
	app.Status = &status
	app.SyncStatus = models.SyncStatusModified

	payload, err := json.Marshal(map[string]any{
		"status":  string(status),
		"version": app.Version,
	})
	if err != nil {
		return guard.Decision{}, err
	}

	err = s.quota.SafeWrite(ctx, changeSizeEstimate, func(ctx context.Context) error {
		if err := s.store.SaveApplicator(ctx, app); err != nil {
			return err
		}
		_, err := s.store.EnqueueChange(ctx, models.EntityApplicator, app.ID,
			models.OpStatusChange, payload, s.offlineSince())
		return err
	})
	if err != nil {
		return guard.Decision{}, err
	}

	s.log.Info(ctx, "offline scan recorded", "applicator_id", app.ID, "treatment_id", treatmentID)
	return d, nil
}

// snapshotGate rejects mutations against an expired snapshot bundle. An
// unreliable clock also rejects: validity cannot be proven, so the gate
// fails closed.
func (s *Service) snapshotGate(t *models.TreatmentView) guard.Decision {
	if exp := s.guard.CheckBundleExpiry(t.ExpiresAt); exp.State == guard.BundleExpired {
		return guard.Decision{Reason: exp.Message}
	}
	return guard.Decision{Allowed: true}
}

// offlineSince is the moment the device lost connectivity, or zero while
// online.
func (s *Service) offlineSince() time.Time {
	if t := s.net.OfflineSince(); t != nil {
		return *t
	}
	return time.Time{}
}

// estimateSnapshotSize approximates the on-disk footprint of one download
// for the quota check.
func estimateSnapshotSize(t *models.TreatmentView, apps []models.ApplicatorView) int64 {
	size := int64(2 * 1024)
	size += int64(len(t.SubjectID) + len(t.PatientName) + len(t.Surgeon))
	for i := range apps {
		size += 1024
		size += int64(len(apps[i].SerialNumber) + len(apps[i].Comments) + len(apps[i].RemovalComments))
	}
	return size
}
