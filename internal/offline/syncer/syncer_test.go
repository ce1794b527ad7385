package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedtrace/seedtrace/internal/common"
	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/api"
	"github.com/seedtrace/seedtrace/internal/offline/models"
	"github.com/seedtrace/seedtrace/internal/offline/store"
)

type fakeKeys struct{}

func (fakeKeys) DerivedKey() ([]byte, error) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Reliable() bool { return true }

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeNet struct{ online bool }

func (f *fakeNet) IsOnline() bool { return f.online }

type fakeSession struct{ expired bool }

func (f *fakeSession) TokenExpired(time.Time) bool { return f.expired }

// fakeServer scripts per-change verdicts and records traffic.
type fakeServer struct {
	mu        sync.Mutex
	pushCalls int
	batches   []api.SyncBatch
	verdict   func(sub api.ChangeSubmission) api.ChangeResult
	pushErr   error
	incidents []api.Incident
	blockPush chan struct{} // when set, PushChanges waits until closed
}

func (f *fakeServer) PushChanges(_ context.Context, batch api.SyncBatch) ([]api.ChangeResult, error) {
	f.mu.Lock()
	f.pushCalls++
	f.batches = append(f.batches, batch)
	block := f.blockPush
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	results := make([]api.ChangeResult, 0, len(batch.Changes))
	for _, sub := range batch.Changes {
		results = append(results, f.verdict(sub))
	}
	return results, nil
}

func (f *fakeServer) ServerTime(context.Context) (time.Time, error) {
	return time.Time{}, errors.New("not used")
}

func (f *fakeServer) ReportSyncFailure(_ context.Context, incident api.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, incident)
	return nil
}

func (f *fakeServer) Ping(context.Context) error { return nil }

func applyAll(sub api.ChangeSubmission) api.ChangeResult {
	return api.ChangeResult{ChangeID: sub.ID, Status: api.ResultApplied}
}

func rejectAll(sub api.ChangeSubmission) api.ChangeResult {
	return api.ChangeResult{ChangeID: sub.ID, Status: api.ResultRejected, Message: "version check failed"}
}

// recorder collects observer callbacks for assertions.
type recorder struct {
	mu        sync.Mutex
	statuses  []Status
	progress  []Progress
	conflicts []models.Conflict
	results   []Result
}

func (r *recorder) OnStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnConflict(c models.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, c)
}

func (r *recorder) OnComplete(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

type fixture struct {
	db      *sql.DB
	store   *store.Store
	clock   *fakeClock
	net     *fakeNet
	session *fakeSession
	server  *fakeServer
	coord   *Coordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logging.NewSlogLogger(slog.New(slog.DiscardHandler))
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	st := store.New(db, fakeKeys{}, clk, log)
	srv := &fakeServer{verdict: applyAll}
	net := &fakeNet{online: true}
	sess := &fakeSession{}

	coord := New(st, srv, net, sess, clk, log, 5, time.Second, time.Minute)
	return &fixture{db: db, store: st, clock: clk, net: net, session: sess, server: srv, coord: coord}
}

func (f *fixture) enqueue(t *testing.T, entityID string, payload string) *models.PendingChange {
	t.Helper()
	c, err := f.store.EnqueueChange(context.Background(), models.EntityApplicator, entityID,
		models.OpStatusChange, json.RawMessage(payload), f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	return c
}

func TestSyncEmptyQueueNoNetworkWrite(t *testing.T) {
	f := setup(t)
	rec := &recorder{}
	f.coord.Subscribe(rec)

	r, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.Synced)
	assert.Zero(t, f.server.pushCalls)

	require.Len(t, rec.results, 1)
	assert.Equal(t, []Status{StatusIdle}, rec.statuses)
}

func TestSyncConflictsOnlyIsPartial(t *testing.T) {
	f := setup(t)
	rec := &recorder{}
	f.coord.Subscribe(rec)

	f.enqueue(t, "a1", `{"status":"loaded","version":2}`)
	f.server.verdict = func(sub api.ChangeSubmission) api.ChangeResult {
		return api.ChangeResult{
			ChangeID:   sub.ID,
			Status:     api.ResultConflicted,
			ServerData: json.RawMessage(`{"status":"faulty","version":3}`),
		}
	}

	r, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.Synced)
	assert.Equal(t, 1, r.Conflicts)
	assert.Zero(t, r.Errors)

	// Every change got a definitive verdict, so the pass is partial, not an
	// error.
	assert.Equal(t, StatusPartial, rec.statuses[len(rec.statuses)-1])
}

func TestSyncOfflineIsNoOpSuccess(t *testing.T) {
	f := setup(t)
	f.net.online = false
	f.enqueue(t, "a1", `{"status":"loaded","version":1}`)

	r, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.Synced)
	assert.Zero(t, f.server.pushCalls)
}

func TestSyncExpiredTokenSurfacesAuthError(t *testing.T) {
	f := setup(t)
	f.session.expired = true
	f.enqueue(t, "a1", `{"status":"loaded","version":1}`)

	_, err := f.coord.Sync(context.Background())
	assert.True(t, errors.Is(err, common.ErrTokenExpired))
	assert.Zero(t, f.server.pushCalls)
}

func TestSyncAppliedChangeIsRemoved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := &recorder{}
	f.coord.Subscribe(rec)

	f.enqueue(t, "a1", `{"status":"inserted","version":3}`)

	r, err := f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Synced)
	assert.Zero(t, r.Conflicts)
	assert.Zero(t, r.Errors)

	n, err := f.store.CountChanges(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	require.NotEmpty(t, rec.statuses)
	assert.Equal(t, StatusSyncing, rec.statuses[0])
	assert.Equal(t, StatusSuccess, rec.statuses[len(rec.statuses)-1])
	assert.Contains(t, r.Summary, "1 synced")

	require.Len(t, f.server.batches, 1)
	batch := f.server.batches[0]
	assert.NotEmpty(t, batch.DeviceID)
	assert.NotZero(t, batch.OfflineSince)
	require.Len(t, batch.Changes, 1)
	assert.EqualValues(t, 3, batch.Changes[0].LocalVersion)
}

func TestSyncConflictScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := &recorder{}
	f.coord.Subscribe(rec)

	first := f.enqueue(t, "a1", `{"status":"loaded","version":2}`)
	secondPayload := `{"status":"inserting","version":2}`
	f.enqueue(t, "a1", secondPayload)

	f.server.verdict = func(sub api.ChangeSubmission) api.ChangeResult {
		if sub.ID == first.ID {
			return api.ChangeResult{ChangeID: sub.ID, Status: api.ResultApplied}
		}
		return api.ChangeResult{
			ChangeID:   sub.ID,
			Status:     api.ResultConflicted,
			ServerData: json.RawMessage(`{"status":"faulty","version":3}`),
		}
	}

	r, err := f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Synced)
	assert.Equal(t, 1, r.Conflicts)
	assert.Zero(t, r.Errors)

	pending, err := f.store.CountChanges(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)

	conflicts, err := f.store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.JSONEq(t, secondPayload, string(conflicts[0].LocalData))

	require.Len(t, rec.conflicts, 1)
	assert.Equal(t, StatusPartial, rec.statuses[len(rec.statuses)-1])
}

func TestSyncRejectionBackoffAndEscalation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.server.verdict = rejectAll

	c := f.enqueue(t, "a1", `{"status":"loaded","version":1}`)

	var lastRetryAt time.Time
	for n := 1; n < 5; n++ {
		f.clock.advance(2 * time.Minute)
		r, err := f.coord.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Errors, "pass %d", n)

		got, err := f.store.GetChange(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got.RetryCount)
		assert.Equal(t, models.ChangePending, got.Status)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, got.NextRetryAt.After(lastRetryAt), "nextRetryAt must increase")
		lastRetryAt = *got.NextRetryAt
	}

	f.clock.advance(2 * time.Minute)
	_, err := f.coord.Sync(ctx)
	require.NoError(t, err)

	got, err := f.store.GetChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeManual, got.Status)

	// Escalated changes leave the automatic retry pool.
	f.clock.advance(2 * time.Minute)
	pushesBefore := f.server.pushCalls
	_, err = f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, pushesBefore, f.server.pushCalls)
}

func TestEscalationSendsIncidentForConsequentialStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.server.verdict = rejectAll

	c := f.enqueue(t, "a1", `{"status":"inserted","version":1}`)
	f.enqueue(t, "a2", `{"status":"loaded","version":1}`)

	for n := 0; n < 5; n++ {
		f.clock.advance(2 * time.Minute)
		_, err := f.coord.Sync(ctx)
		require.NoError(t, err)
	}

	require.Len(t, f.server.incidents, 1, "only the consequential change escalates with an incident")
	assert.Equal(t, c.ID, f.server.incidents[0].ChangeID)
	assert.NotEmpty(t, f.server.incidents[0].DeviceID)
}

func TestSyncBatchTransportFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.server.pushErr = errors.New("connection reset")

	c := f.enqueue(t, "a1", `{"status":"loaded","version":1}`)
	rec := &recorder{}
	f.coord.Subscribe(rec)

	r, err := f.coord.Sync(ctx)
	require.NoError(t, err, "transport failures fold into the result")
	assert.Equal(t, 1, r.Errors)

	got, err := f.store.GetChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, StatusError, rec.statuses[len(rec.statuses)-1])
}

func TestSyncTamperedPayloadEscalatesWithoutSend(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := f.enqueue(t, "a1", `{"status":"loaded","version":1}`)
	_, err := f.db.ExecContext(ctx, `UPDATE pending_changes SET payload = ? WHERE id = ?`,
		`{"status":"inserted","version":9}`, c.ID)
	require.NoError(t, err)

	r, err := f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Errors)
	assert.Zero(t, f.server.pushCalls, "a tampered change must never travel")

	got, err := f.store.GetChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeManual, got.Status)
}

func TestSyncSingleFlight(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, "a1", `{"status":"loaded","version":1}`)

	block := make(chan struct{})
	f.server.blockPush = block

	done := make(chan Result, 1)
	go func() {
		r, _ := f.coord.Sync(ctx)
		done <- r
	}()

	require.Eventually(t, f.coord.Syncing, time.Second, 5*time.Millisecond)

	r, err := f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Contains(t, r.Summary, "in progress")

	close(block)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, 1, f.server.pushCalls)
}

func TestRetryChangeResetsAndResyncs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.server.verdict = rejectAll

	c := f.enqueue(t, "a1", `{"status":"loaded","version":1}`)
	_, err := f.coord.Sync(ctx)
	require.NoError(t, err)

	got, err := f.store.GetChange(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	// Without advancing the clock the change is not yet due; RetryChange
	// clears that gate and re-runs a full pass.
	f.server.verdict = applyAll
	r, err := f.coord.RetryChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Synced)

	n, err := f.store.CountChanges(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestCancelChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := f.enqueue(t, "a1", `{"status":"loaded","version":1}`)
	require.NoError(t, f.coord.CancelChange(ctx, c.ID))

	_, err := f.store.GetChange(ctx, c.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	err = f.coord.CancelChange(ctx, 9999)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestUnsubscribeDuringNotification(t *testing.T) {
	f := setup(t)
	f.enqueue(t, "a1", `{"status":"loaded","version":1}`)

	var unsub func()
	self := &selfRemovingObserver{}
	unsub = f.coord.Subscribe(self)
	self.unsub = func() { unsub() }

	other := &recorder{}
	f.coord.Subscribe(other)

	_, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, other.statuses, "later observers still notified")
}

type selfRemovingObserver struct {
	once  sync.Once
	unsub func()
}

func (s *selfRemovingObserver) OnStatus(Status) {
	s.once.Do(func() { s.unsub() })
}

func (s *selfRemovingObserver) OnProgress(Progress)        {}
func (s *selfRemovingObserver) OnConflict(models.Conflict) {}
func (s *selfRemovingObserver) OnComplete(Result)          {}

func TestPanickingObserverDoesNotBlockPass(t *testing.T) {
	f := setup(t)
	f.enqueue(t, "a1", `{"status":"loaded","version":1}`)

	f.coord.Subscribe(panicObserver{})
	rec := &recorder{}
	f.coord.Subscribe(rec)

	r, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Synced)
	assert.NotEmpty(t, rec.statuses)
}

type panicObserver struct{}

func (panicObserver) OnStatus(Status)            { panic("observer failure") }
func (panicObserver) OnProgress(Progress)        { panic("observer failure") }
func (panicObserver) OnConflict(models.Conflict) { panic("observer failure") }
func (panicObserver) OnComplete(Result)          { panic("observer failure") }
