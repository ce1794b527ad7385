// Package syncer drains the pending-change queue to the server: single-flight
// passes, per-change verdict handling, exponential retry backoff, escalation
// to manual intervention, and observer fan-out.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/seedtrace/seedtrace/internal/common"
	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/api"
	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Queue is the slice of the local store the coordinator drives.
// store.Store satisfies this.
type Queue interface {
	ListDueChanges(ctx context.Context) ([]models.PendingChange, error)
	GetChange(ctx context.Context, id int64) (*models.PendingChange, error)
	RemoveChange(ctx context.Context, id int64) error
	ConvertToConflict(ctx context.Context, c *models.PendingChange, serverData json.RawMessage, conflictType string, requiresAdmin bool) (*models.Conflict, error)
	UpdateChangeRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt *time.Time, status models.ChangeStatus) error
	ResetChangeRetry(ctx context.Context, id int64) error
	DeviceID(ctx context.Context) (string, error)
}

// Connectivity reports the current network state. netmon.Monitor satisfies
// this.
type Connectivity interface {
	IsOnline() bool
}

// Session inspects the access token. keyring.Service satisfies this.
type Session interface {
	TokenExpired(now time.Time) bool
}

// AdjustedClock supplies skew-corrected time. clock.Synchronizer satisfies
// this.
type AdjustedClock interface {
	Now() time.Time
}

// Coordinator runs sync passes. All methods are safe for concurrent use;
// overlapping passes short-circuit rather than queue.
type Coordinator struct {
	queue   Queue
	client  api.Client
	net     Connectivity
	session Session
	clock   AdjustedClock
	log     logging.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	observers observerSet

	mu      sync.Mutex
	syncing bool
}

// New constructs a Coordinator. maxRetries is the escalation threshold;
// backoffBase and backoffCap bound the exponential retry delay.
func New(queue Queue, client api.Client, net Connectivity, session Session, clk AdjustedClock, log logging.Logger, maxRetries int, backoffBase, backoffCap time.Duration) *Coordinator {
	return &Coordinator{
		queue:       queue,
		client:      client,
		net:         net,
		session:     session,
		clock:       clk,
		log:         log,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Subscribe registers an observer and returns its unsubscribe function,
// safe to call during notification.
func (c *Coordinator) Subscribe(o Observer) (unsubscribe func()) {
	return c.observers.subscribe(o)
}

// Syncing reports whether a pass is currently running.
func (c *Coordinator) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// begin claims the single-flight slot; false means a pass is already running.
func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing {
		return false
	}
	c.syncing = true
	return true
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.syncing = false
	c.mu.Unlock()
}

// Sync runs one pass over the due pending changes. Concurrent calls
// short-circuit; while offline the pass is a no-op success. Network and
// per-change failures are folded into the Result rather than returned; the
// only error conditions are an expired session token and a queue read
// failure.
func (c *Coordinator) Sync(ctx context.Context) (Result, error) {
	if !c.begin() {
		return Result{Summary: "sync already in progress"}, nil
	}
	defer c.end()

	if !c.net.IsOnline() {
		return Result{Summary: "offline; nothing attempted"}, nil
	}
	if c.session.TokenExpired(c.clock.Now()) {
		c.log.Warn(ctx, "sync skipped, session token expired")
		return Result{}, common.ErrTokenExpired
	}

	due, err := c.queue.ListDueChanges(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(due) == 0 {
		r := Result{Summary: "nothing to sync"}
		c.observers.each(func(o Observer) {
			o.OnComplete(r)
			o.OnStatus(StatusIdle)
		})
		return r, nil
	}

	c.observers.each(func(o Observer) { o.OnStatus(StatusSyncing) })
	r := c.runPass(ctx, due)

	// Conflicts are definitive server verdicts, not failures: a pass without
	// errors is never "error", however many conflicts it recorded.
	var status Status
	switch {
	case r.Errors == 0 && r.Conflicts == 0:
		status = StatusSuccess
	case r.Errors == 0 || r.Synced > 0:
		status = StatusPartial
	default:
		status = StatusError
	}
	c.observers.each(func(o Observer) {
		o.OnComplete(r)
		o.OnStatus(status)
	})
	return r, nil
}

func (c *Coordinator) runPass(ctx context.Context, due []models.PendingChange) Result {
	var r Result
	total := len(due)
	done := 0
	progress := func() {
		done++
		p := Progress{Done: done, Total: total}
		c.observers.each(func(o Observer) { o.OnProgress(p) })
	}

	// Integrity-check each change before it travels; a digest mismatch
	// escalates instead of being sent.
	submissions := make([]api.ChangeSubmission, 0, total)
	byID := make(map[int64]*models.PendingChange, total)
	for i := range due {
		ch := &due[i]
		if !ch.VerifyHash() {
			c.log.Error(ctx, "pending change failed integrity verification",
				"change_id", ch.ID, "entity_id", ch.EntityID)
			c.escalate(ctx, ch, "payload integrity verification failed")
			r.Errors++
			progress()
			continue
		}
		submissions = append(submissions, toSubmission(ch))
		byID[ch.ID] = ch
	}
	if len(submissions) == 0 {
		r.Summary = summarize(r)
		return r
	}

	deviceID, err := c.queue.DeviceID(ctx)
	if err != nil {
		c.log.Error(ctx, "device identifier unavailable", "error", err.Error())
		r.Errors += len(submissions)
		r.Summary = summarize(r)
		return r
	}

	batch := api.SyncBatch{
		DeviceID:     deviceID,
		OfflineSince: earliestOfflineSince(due),
		Changes:      submissions,
	}

	results, err := c.client.PushChanges(ctx, batch)
	if err != nil {
		// Transient failure of the whole batch: every submitted change gets
		// retry bookkeeping.
		c.log.Warn(ctx, "sync batch failed", "error", err.Error(), "changes", len(submissions))
		for _, sub := range submissions {
			c.handleRejection(ctx, byID[sub.ID], err.Error())
			r.Errors++
			progress()
		}
		r.Summary = summarize(r)
		return r
	}

	for _, res := range results {
		ch, ok := byID[res.ChangeID]
		if !ok {
			c.log.Warn(ctx, "server reported result for unknown change", "change_id", res.ChangeID)
			continue
		}
		delete(byID, res.ChangeID)

		switch res.Status {
		case api.ResultApplied:
			if err := c.queue.RemoveChange(ctx, ch.ID); err != nil {
				c.log.Error(ctx, "failed to dequeue applied change", "change_id", ch.ID, "error", err.Error())
				r.Errors++
			} else {
				r.Synced++
			}
		case api.ResultConflicted:
			conflict, err := c.queue.ConvertToConflict(ctx, ch, res.ServerData, "version_mismatch", targetsConsequential(ch))
			if err != nil {
				c.log.Error(ctx, "failed to record conflict", "change_id", ch.ID, "error", err.Error())
				r.Errors++
			} else {
				r.Conflicts++
				c.observers.each(func(o Observer) { o.OnConflict(*conflict) })
			}
		case api.ResultRejected:
			c.handleRejection(ctx, ch, res.Message)
			r.Errors++
		default:
			c.log.Warn(ctx, "unknown result status", "change_id", ch.ID, "status", string(res.Status))
			c.handleRejection(ctx, ch, fmt.Sprintf("unknown result status %q", res.Status))
			r.Errors++
		}
		progress()
	}

	// Changes the server never answered for are treated as rejected.
	for _, ch := range byID {
		c.handleRejection(ctx, ch, "no result returned by server")
		r.Errors++
		progress()
	}

	r.Summary = summarize(r)
	return r
}

// handleRejection applies retry bookkeeping: retryCount += 1 and
// nextRetryAt = now + min(base × 2^retryCount, cap). At the retry threshold
// the change escalates to manual intervention.
func (c *Coordinator) handleRejection(ctx context.Context, ch *models.PendingChange, reason string) {
	retries := ch.RetryCount + 1
	if retries >= c.maxRetries {
		ch.RetryCount = retries
		c.escalate(ctx, ch, reason)
		return
	}

	delay := c.backoffBase << uint(retries)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	next := c.clock.Now().Add(delay)
	if err := c.queue.UpdateChangeRetry(ctx, ch.ID, retries, reason, &next, models.ChangePending); err != nil {
		c.log.Error(ctx, "failed to persist retry state", "change_id", ch.ID, "error", err.Error())
	}
}

// escalate marks a change as requiring manual intervention and, when it
// targets a medically consequential status, sends a best-effort incident
// notice whose failure never blocks the escalation.
func (c *Coordinator) escalate(ctx context.Context, ch *models.PendingChange, reason string) {
	if err := c.queue.UpdateChangeRetry(ctx, ch.ID, ch.RetryCount, reason, nil, models.ChangeManual); err != nil {
		c.log.Error(ctx, "failed to escalate change", "change_id", ch.ID, "error", err.Error())
		return
	}
	c.log.Warn(ctx, "change escalated to manual intervention",
		"change_id", ch.ID, "entity_id", ch.EntityID, "reason", reason)

	if !targetsConsequential(ch) {
		return
	}
	deviceID, err := c.queue.DeviceID(ctx)
	if err != nil {
		c.log.Warn(ctx, "incident notice skipped, device identifier unavailable", "error", err.Error())
		return
	}
	incident := api.Incident{
		ChangeID:   ch.ID,
		EntityType: string(ch.EntityType),
		DeviceID:   deviceID,
		Data:       ch.Payload,
	}
	if err := c.client.ReportSyncFailure(ctx, incident); err != nil {
		c.log.Warn(ctx, "incident notice failed", "change_id", ch.ID, "error", err.Error())
	}
}

// RetryChange clears a change's retry state and re-runs a full sync pass.
func (c *Coordinator) RetryChange(ctx context.Context, id int64) (Result, error) {
	if _, err := c.queue.GetChange(ctx, id); err != nil {
		return Result{}, err
	}
	if err := c.queue.ResetChangeRetry(ctx, id); err != nil {
		return Result{}, err
	}
	return c.Sync(ctx)
}

// CancelChange discards a pending change. This is an explicit, acknowledged
// data-loss action; nothing else removes unsynced data.
func (c *Coordinator) CancelChange(ctx context.Context, id int64) error {
	ch, err := c.queue.GetChange(ctx, id)
	if err != nil {
		return err
	}
	if err := c.queue.RemoveChange(ctx, id); err != nil {
		return err
	}
	c.log.Info(ctx, "pending change cancelled by operator",
		"change_id", id, "entity_id", ch.EntityID, "operation", string(ch.Operation))
	return nil
}

// HandleReconnect runs one sync pass after connectivity returns, suppressed
// when a pass is already running. Wired to the network monitor's reconnect
// hook by the composition root.
func (c *Coordinator) HandleReconnect(ctx context.Context) {
	if c.Syncing() {
		return
	}
	if _, err := c.Sync(ctx); err != nil {
		c.log.Warn(ctx, "reconnect sync failed", "error", err.Error())
	}
}

func toSubmission(ch *models.PendingChange) api.ChangeSubmission {
	return api.ChangeSubmission{
		ID:           ch.ID,
		EntityType:   string(ch.EntityType),
		EntityID:     ch.EntityID,
		Operation:    string(ch.Operation),
		Data:         ch.Payload,
		LocalVersion: payloadVersion(ch.Payload),
		ChangedAt:    ch.CreatedAt.UnixMilli(),
		ChangeHash:   ch.ChangeHash,
	}
}

// earliestOfflineSince picks the oldest offline-since timestamp across the
// batch, or zero when none is recorded.
func earliestOfflineSince(due []models.PendingChange) int64 {
	var earliest time.Time
	for _, ch := range due {
		if ch.OfflineSince.IsZero() {
			continue
		}
		if earliest.IsZero() || ch.OfflineSince.Before(earliest) {
			earliest = ch.OfflineSince
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return earliest.UnixMilli()
}

// payloadVersion extracts the entity version embedded in the change payload.
func payloadVersion(payload json.RawMessage) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	_ = json.Unmarshal(payload, &v)
	return v.Version
}

// targetsConsequential reports whether the change moves an entity into one
// of the medically consequential terminal statuses.
func targetsConsequential(ch *models.PendingChange) bool {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ch.Payload, &v); err != nil {
		return false
	}
	return models.Status(v.Status).IsConsequential()
}

func summarize(r Result) string {
	return fmt.Sprintf("%d synced, %d conflicted, %d failed", r.Synced, r.Conflicts, r.Errors)
}
