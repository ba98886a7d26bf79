package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/conflict"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
	"github.com/markus-lassfolk/routetrack/pkg/queue"
	"github.com/markus-lassfolk/routetrack/pkg/remote"
)

type call struct {
	endpoint   string
	id         string
	count      int
	resolution string
}

type fakeRemote struct {
	mu       sync.Mutex
	calls    []call
	session  func(rec pkg.RouteSessionRecord, resolution string) (*remote.SessionResult, error)
	coords   func(sessionID string, recs []pkg.LocationRecord, resolution string) (*remote.CoordinatesResult, error)
	blocking chan struct{}
}

func (f *fakeRemote) SyncSession(ctx context.Context, rec pkg.RouteSessionRecord, resolution string) (*remote.SessionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{"session-sync", rec.ID, 1, resolution})
	fn, block := f.session, f.blocking
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fn == nil {
		return &remote.SessionResult{}, nil
	}
	return fn(rec, resolution)
}

func (f *fakeRemote) SyncCoordinates(ctx context.Context, sessionID string, recs []pkg.LocationRecord, resolution string) (*remote.CoordinatesResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{"coordinates-sync", sessionID, len(recs), resolution})
	fn := f.coords
	f.mu.Unlock()

	if fn == nil {
		return &remote.CoordinatesResult{Conflicts: map[string]pkg.LocationRecord{}}, nil
	}
	return fn(sessionID, recs, resolution)
}

func (f *fakeRemote) callLog() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call{}, f.calls...)
}

func newTestQueue(t *testing.T) *queue.Queue {
	logger := logx.NewLogger("debug", "test")
	q, err := queue.Open("bolt", filepath.Join(t.TempDir(), "queue.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func newTestCoordinator(t *testing.T, r Remote, q *queue.Queue, cfg Config) *Coordinator {
	c := NewCoordinator(cfg, r, q, logx.NewLogger("debug", "test"), nil)
	c.SetOnline(true)
	// drop the reconnect trigger; tests drive Sync directly
	select {
	case <-c.trigger:
	default:
	}
	return c
}

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func addSession(t *testing.T, q *queue.Queue, id string) pkg.RouteSessionRecord {
	rec := pkg.RouteSessionRecord{
		ID:            id,
		EmployeeID:    "emp-1",
		StartTime:     t0,
		Status:        pkg.SessionActive,
		StartPosition: &pkg.Coordinates{Latitude: 59, Longitude: 18},
		UpdatedAt:     t0,
	}
	require.NoError(t, q.SaveSession(rec))
	return rec
}

func addLocations(t *testing.T, q *queue.Queue, sessionID string, n int) []pkg.LocationRecord {
	var recs []pkg.LocationRecord
	for i := 0; i < n; i++ {
		rec, err := q.AppendLocation(sessionID, pkg.PositionSample{
			Latitude:  59 + float64(i)*0.0001,
			Longitude: 18,
			Accuracy:  5,
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestSyncDrainsSessionsBeforeObservations(t *testing.T) {
	q := newTestQueue(t)
	addLocations(t, q, "s1", 3)
	addSession(t, q, "s1")

	fr := &fakeRemote{}
	c := newTestCoordinator(t, fr, q, Config{BatchSize: 2})

	report, ran := c.Sync(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, report.SessionsSynced)
	assert.Equal(t, 3, report.LocationsSynced)
	assert.Equal(t, 0, report.Failed)

	calls := fr.callLog()
	require.Len(t, calls, 3)
	assert.Equal(t, "session-sync", calls[0].endpoint)
	assert.Equal(t, call{"coordinates-sync", "s1", 2, ""}, calls[1])
	assert.Equal(t, call{"coordinates-sync", "s1", 1, ""}, calls[2])

	assert.Empty(t, q.UnsyncedLocations())
	assert.Empty(t, q.UnsyncedSessions())

	status := c.Status()
	assert.Equal(t, 0, status.PendingCount)
	assert.False(t, status.SyncInProgress)
	assert.NotNil(t, status.LastSyncTime)
}

func TestSyncFailedSessionDefersItsObservations(t *testing.T) {
	q := newTestQueue(t)
	addSession(t, q, "bad")
	addSession(t, q, "good")
	addLocations(t, q, "bad", 2)
	addLocations(t, q, "good", 2)

	fr := &fakeRemote{session: func(rec pkg.RouteSessionRecord, _ string) (*remote.SessionResult, error) {
		if rec.ID == "bad" {
			return nil, &remote.HTTPError{Endpoint: "session-sync", StatusCode: 500, Body: "boom"}
		}
		return &remote.SessionResult{}, nil
	}}
	c := newTestCoordinator(t, fr, q, Config{})

	report, ran := c.Sync(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, report.SessionsSynced)
	assert.Equal(t, 2, report.LocationsSynced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Deferred)

	for _, rec := range q.UnsyncedLocations() {
		assert.Equal(t, "bad", rec.SessionID)
		assert.Equal(t, 0, rec.SyncAttempts, "deferred observations keep their budget")
	}
	bad, err := q.GetSession("bad")
	require.NoError(t, err)
	assert.Equal(t, 1, bad.SyncAttempts)

	status := c.Status()
	require.Len(t, status.RecentErrors, 1)
	assert.Contains(t, status.RecentErrors[0], "session bad")
	assert.Equal(t, 3, status.PendingCount)
}

func TestSyncBatchFailureContinuesWithNextSession(t *testing.T) {
	q := newTestQueue(t)
	addLocations(t, q, "s1", 2)
	addLocations(t, q, "s2", 1)

	fr := &fakeRemote{coords: func(sessionID string, recs []pkg.LocationRecord, _ string) (*remote.CoordinatesResult, error) {
		if sessionID == "s1" {
			return nil, errors.New("connection reset")
		}
		return &remote.CoordinatesResult{Conflicts: map[string]pkg.LocationRecord{}}, nil
	}}
	c := newTestCoordinator(t, fr, q, Config{})

	report, _ := c.Sync(context.Background())
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.LocationsSynced)

	unsynced := q.UnsyncedLocations()
	require.Len(t, unsynced, 2)
	for _, rec := range unsynced {
		assert.Equal(t, 1, rec.SyncAttempts)
	}
}

func TestPoisonedRecordLeavesDrainBatches(t *testing.T) {
	q := newTestQueue(t)
	recs := addLocations(t, q, "s1", 1)

	fr := &fakeRemote{coords: func(string, []pkg.LocationRecord, string) (*remote.CoordinatesResult, error) {
		return nil, &remote.HTTPError{Endpoint: "coordinates-sync", StatusCode: 422, Body: "invalid"}
	}}
	c := newTestCoordinator(t, fr, q, Config{})

	for i := 0; i < pkg.MaxSyncAttempts; i++ {
		report, ran := c.Sync(context.Background())
		require.True(t, ran)
		require.Equal(t, 1, report.Failed, "drain %d", i+1)
	}

	report, ran := c.Sync(context.Background())
	require.True(t, ran)
	assert.Equal(t, 0, report.Failed, "sixth drain does not include the record")
	assert.Len(t, fr.callLog(), pkg.MaxSyncAttempts)

	unsynced := q.UnsyncedLocations()
	require.Len(t, unsynced, 1)
	assert.Equal(t, recs[0].ID, unsynced[0].ID)
	assert.Equal(t, pkg.MaxSyncAttempts, unsynced[0].SyncAttempts)

	status := c.Status()
	assert.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, status.StuckCount)
}

func TestSyncIsMutuallyExclusive(t *testing.T) {
	q := newTestQueue(t)
	addSession(t, q, "s1")

	release := make(chan struct{})
	fr := &fakeRemote{blocking: release}
	c := newTestCoordinator(t, fr, q, Config{})

	done := make(chan bool)
	go func() {
		_, ran := c.Sync(context.Background())
		done <- ran
	}()

	require.Eventually(t, func() bool { return c.Status().SyncInProgress }, 2*time.Second, 5*time.Millisecond)
	report, ran := c.Sync(context.Background())
	assert.False(t, ran)
	assert.Nil(t, report)

	close(release)
	assert.True(t, <-done)
	assert.Len(t, fr.callLog(), 1)
}

func TestSyncSkippedWhileOffline(t *testing.T) {
	q := newTestQueue(t)
	addSession(t, q, "s1")
	fr := &fakeRemote{}
	c := newTestCoordinator(t, fr, q, Config{})
	c.SetOnline(false)

	_, ran := c.Sync(context.Background())
	assert.False(t, ran)
	assert.Empty(t, fr.callLog())
}

func TestSessionConflictMergesLocalLifecycle(t *testing.T) {
	q := newTestQueue(t)
	local := addSession(t, q, "s1")
	t2 := t0.Add(time.Hour)
	local.Status = pkg.SessionCompleted
	local.EndTime = &t2
	local.UpdatedAt = t2
	require.NoError(t, q.SaveSession(local))

	t1 := t0.Add(59 * time.Minute)
	remoteCopy := local
	remoteCopy.EndTime = &t1
	remoteCopy.UpdatedAt = t1
	remoteCopy.EmployeeID = "emp-remote"

	fr := &fakeRemote{session: func(rec pkg.RouteSessionRecord, resolution string) (*remote.SessionResult, error) {
		if resolution == "" {
			r := remoteCopy
			return &remote.SessionResult{Remote: &r}, nil
		}
		return &remote.SessionResult{}, nil
	}}
	c := newTestCoordinator(t, fr, q, Config{})

	var seen []conflict.Action
	c.OnConflict(func(_ *conflict.Conflict, res conflict.Resolution) { seen = append(seen, res.Action) })

	report, _ := c.Sync(context.Background())
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.SessionsSynced)
	assert.Equal(t, []conflict.Action{conflict.ActionMerge}, seen)

	calls := fr.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "merge", calls[1].resolution)

	stored, err := q.GetSession("s1")
	require.NoError(t, err)
	assert.True(t, stored.Synced)
	assert.True(t, t2.Equal(*stored.EndTime))
	assert.Equal(t, "emp-remote", stored.EmployeeID)
}

func TestSessionConflictServerNewerStoresRemote(t *testing.T) {
	q := newTestQueue(t)
	local := addSession(t, q, "s1")

	remoteCopy := local
	remoteCopy.Status = pkg.SessionPaused
	remoteCopy.UpdatedAt = t0.Add(time.Hour)

	fr := &fakeRemote{session: func(pkg.RouteSessionRecord, string) (*remote.SessionResult, error) {
		r := remoteCopy
		return &remote.SessionResult{Remote: &r}, nil
	}}
	c := newTestCoordinator(t, fr, q, Config{})

	c.Sync(context.Background())
	assert.Len(t, fr.callLog(), 1, "no resubmission for use_server")

	stored, err := q.GetSession("s1")
	require.NoError(t, err)
	assert.True(t, stored.Synced)
	assert.Equal(t, pkg.SessionPaused, stored.Status)
}

func TestLocationConflicts(t *testing.T) {
	q := newTestQueue(t)
	recs := addLocations(t, q, "s1", 3)

	// recs[0] duplicate, recs[1] far away (use_server), recs[2] local fresher (use_local)
	far := recs[1]
	far.Sample.Latitude += 0.01
	stale := recs[2]
	stale.Sample.Timestamp = stale.Sample.Timestamp.Add(-10 * time.Minute)

	fr := &fakeRemote{coords: func(sessionID string, batch []pkg.LocationRecord, resolution string) (*remote.CoordinatesResult, error) {
		if resolution != "" {
			return &remote.CoordinatesResult{Conflicts: map[string]pkg.LocationRecord{}}, nil
		}
		return &remote.CoordinatesResult{Conflicts: map[string]pkg.LocationRecord{
			recs[0].ID: recs[0],
			far.ID:     far,
			stale.ID:   stale,
		}}, nil
	}}
	c := newTestCoordinator(t, fr, q, Config{})

	report, _ := c.Sync(context.Background())
	assert.Equal(t, 3, report.Conflicts)
	assert.Equal(t, 3, report.LocationsSynced)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, q.UnsyncedLocations())

	stored, err := q.GetLocation(far.ID)
	require.NoError(t, err)
	assert.Equal(t, far.Sample.Latitude, stored.Sample.Latitude, "remote copy applied")

	calls := fr.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, call{"coordinates-sync", "s1", 1, "use_local"}, calls[1])
}

func TestRecentErrorsAreBounded(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 5; i++ {
		addLocations(t, q, fmt.Sprintf("s%d", i), 1)
	}
	fr := &fakeRemote{coords: func(string, []pkg.LocationRecord, string) (*remote.CoordinatesResult, error) {
		return nil, errors.New("timeout")
	}}
	c := newTestCoordinator(t, fr, q, Config{MaxErrors: 3})

	c.Sync(context.Background())
	errs := c.Status().RecentErrors
	require.Len(t, errs, 3)
	assert.Contains(t, errs[2], "session s4")
}

func TestBackoffAfterFailingCycles(t *testing.T) {
	q := newTestQueue(t)
	addLocations(t, q, "s1", 1)
	fr := &fakeRemote{coords: func(string, []pkg.LocationRecord, string) (*remote.CoordinatesResult, error) {
		return nil, errors.New("down")
	}}
	c := newTestCoordinator(t, fr, q, Config{Interval: 30 * time.Second, MaxBackoff: 2 * time.Minute})

	assert.Equal(t, 30*time.Second, c.NextDelay())
	c.Sync(context.Background())
	assert.Equal(t, time.Minute, c.NextDelay())
	c.Sync(context.Background())
	assert.Equal(t, 2*time.Minute, c.NextDelay())
	c.Sync(context.Background())
	assert.Equal(t, 2*time.Minute, c.NextDelay())

	fr.mu.Lock()
	fr.coords = nil
	fr.mu.Unlock()
	c.Sync(context.Background())
	assert.Equal(t, 30*time.Second, c.NextDelay())
}

func TestReconnectTriggersDrain(t *testing.T) {
	q := newTestQueue(t)
	addSession(t, q, "s1")
	fr := &fakeRemote{}
	c := NewCoordinator(Config{Interval: time.Hour}, fr, q, logx.NewLogger("debug", "test"), nil)

	var mu sync.Mutex
	var statuses []pkg.SyncStatus
	c.AddListener(func(s pkg.SyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.SetOnline(true)
	require.Eventually(t, func() bool { return len(q.UnsyncedSessions()) == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.True(t, statuses[0].Online)
	sawInProgress := false
	for _, s := range statuses {
		sawInProgress = sawInProgress || s.SyncInProgress
	}
	assert.True(t, sawInProgress)
}

// cancellingRemote accepts everything but cancels the trigger context on its
// first call, the way a shutdown or a dropped API client would
type cancellingRemote struct {
	cancel context.CancelFunc
	calls  int
}

func (r *cancellingRemote) SyncSession(ctx context.Context, rec pkg.RouteSessionRecord, resolution string) (*remote.SessionResult, error) {
	r.calls++
	r.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &remote.SessionResult{}, nil
}

func (r *cancellingRemote) SyncCoordinates(ctx context.Context, sessionID string, recs []pkg.LocationRecord, resolution string) (*remote.CoordinatesResult, error) {
	r.calls++
	r.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &remote.CoordinatesResult{Conflicts: map[string]pkg.LocationRecord{}}, nil
}

func TestCancelledTriggerDoesNotConsumeAttempts(t *testing.T) {
	q := newTestQueue(t)
	addSession(t, q, "s1")
	addSession(t, q, "s2")
	addLocations(t, q, "s1", 2)
	addLocations(t, q, "s2", 1)

	for i := 0; i < pkg.MaxSyncAttempts; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		fr := &cancellingRemote{cancel: cancel}
		c := newTestCoordinator(t, fr, q, Config{})

		report, ran := c.Sync(ctx)
		require.True(t, ran)
		assert.Zero(t, report.Failed)
		cancel()
	}

	for _, id := range []string{"s1", "s2"} {
		sess, err := q.GetSession(id)
		require.NoError(t, err)
		assert.True(t, sess.Synced, id)
		assert.Zero(t, sess.SyncAttempts, id)
	}
	stats := q.Stats()
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Stuck)
}
