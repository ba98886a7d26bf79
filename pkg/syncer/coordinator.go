// Package syncer drains the local queue to the remote authority.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/conflict"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
	"github.com/markus-lassfolk/routetrack/pkg/queue"
	"github.com/markus-lassfolk/routetrack/pkg/remote"
)

// Remote is the remote authority
type Remote interface {
	SyncSession(ctx context.Context, rec pkg.RouteSessionRecord, resolution string) (*remote.SessionResult, error)
	SyncCoordinates(ctx context.Context, sessionID string, recs []pkg.LocationRecord, resolution string) (*remote.CoordinatesResult, error)
}

// Queue is the part of the local queue the coordinator drains
type Queue interface {
	DrainableSessions() []pkg.RouteSessionRecord
	DrainableLocations() []pkg.LocationRecord
	GetSession(id string) (*pkg.RouteSessionRecord, error)
	MarkSynced(c pkg.Collection, ids ...string) error
	IncrementAttempt(c pkg.Collection, ids ...string) error
	StoreRemoteLocation(id string, remote pkg.PositionSample) error
	StoreRemoteSession(remote pkg.RouteSessionRecord) error
	Stats() queue.QueueStats
	AddListener(fn queue.StatsListener)
}

// StatusListener observes every status change
type StatusListener func(pkg.SyncStatus)

// Config tunes draining and the periodic trigger
type Config struct {
	Interval   time.Duration `json:"interval"`    // periodic trigger after a clean cycle
	MaxBackoff time.Duration `json:"max_backoff"` // cap of the backoff after failing cycles
	BatchSize  int           `json:"batch_size"`
	MaxErrors  int           `json:"max_errors"` // recent errors kept in the status
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		MaxBackoff: 10 * time.Minute,
		BatchSize:  50,
		MaxErrors:  20,
	}
}

// Report summarizes one drain
type Report struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	SessionsSynced  int           `json:"sessions_synced"`
	LocationsSynced int           `json:"locations_synced"`
	Conflicts       int           `json:"conflicts"`
	Failed          int           `json:"failed"`
	Deferred        int           `json:"deferred"`
}

// Coordinator orchestrates drains. All triggers funnel into Sync, which
// never overlaps with itself.
type Coordinator struct {
	config Config
	remote Remote
	queue  Queue
	logger *logx.Logger
	perf   *logx.PerformanceLogger

	mu               sync.Mutex
	status           pkg.SyncStatus
	failedCycles     int
	listeners        []StatusListener
	conflictHandlers []func(*conflict.Conflict, conflict.Resolution)
	drainHandlers    []func(Report)
	lastReport       *Report

	trigger chan struct{}
	now     func() time.Time
}

// NewCoordinator creates a coordinator. It starts offline.
func NewCoordinator(config Config, r Remote, q Queue, logger *logx.Logger, perf *logx.PerformanceLogger) *Coordinator {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxBackoff < config.Interval {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = defaults.MaxErrors
	}
	if perf == nil {
		perf = logx.NewPerformanceLogger(logger)
	}

	stats := q.Stats()
	c := &Coordinator{
		config: config,
		remote: r,
		queue:  q,
		logger: logger,
		perf:   perf,
		status: pkg.SyncStatus{
			PendingCount: stats.Pending,
			StuckCount:   stats.Stuck,
			RecentErrors: []string{},
		},
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
	q.AddListener(c.onQueueStats)
	return c
}

// AddListener registers a status listener
func (c *Coordinator) AddListener(fn StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnConflict registers a callback for every resolved conflict
func (c *Coordinator) OnConflict(fn func(*conflict.Conflict, conflict.Resolution)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflictHandlers = append(c.conflictHandlers, fn)
}

// OnDrain registers a callback receiving the report of every finished drain
func (c *Coordinator) OnDrain(fn func(Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainHandlers = append(c.drainHandlers, fn)
}

// LastReport returns the report of the most recent drain, if any
func (c *Coordinator) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReport == nil {
		return nil
	}
	r := *c.lastReport
	return &r
}

// Status returns a copy of the current status
func (c *Coordinator) Status() pkg.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetOnline records the connectivity state. Going online triggers a drain
// through the run loop.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.status.Online
	c.status.Online = online
	if online && !wasOnline {
		c.failedCycles = 0
	}
	c.mu.Unlock()

	if online == wasOnline {
		return
	}

	c.logger.Info("connectivity_changed", "online", online)
	c.notify()

	if online {
		select {
		case c.trigger <- struct{}{}:
		default:
		}
	}
}

// Trigger requests an asynchronous drain from the run loop
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Start runs the periodic and event triggers until ctx is done
func (c *Coordinator) Start(ctx context.Context) {
	timer := time.NewTimer(c.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			c.Sync(ctx)
		case <-timer.C:
			c.Sync(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.NextDelay())
	}
}

// NextDelay is the periodic trigger delay: the base interval, doubled per
// consecutive failing cycle up to MaxBackoff
func (c *Coordinator) NextDelay() time.Duration {
	c.mu.Lock()
	failed := c.failedCycles
	c.mu.Unlock()

	delay := c.config.Interval
	for i := 0; i < failed && delay < c.config.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > c.config.MaxBackoff {
		delay = c.config.MaxBackoff
	}
	return delay
}

// Sync drains the queue once. It returns false without doing anything when
// a drain is already running or the coordinator is offline. Failures are
// recorded in the status, never returned.
func (c *Coordinator) Sync(ctx context.Context) (*Report, bool) {
	c.mu.Lock()
	if c.status.SyncInProgress {
		c.mu.Unlock()
		c.logger.Debug("sync_already_in_progress")
		return nil, false
	}
	if !c.status.Online {
		c.mu.Unlock()
		c.logger.Debug("sync_skipped_offline")
		return nil, false
	}
	c.status.SyncInProgress = true
	c.mu.Unlock()
	c.notify()

	// a started drain runs to completion; cancelling the trigger (shutdown,
	// a disconnecting API client) must not turn accepted records into failures
	report := c.drain(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.status.SyncInProgress = false
	finished := c.now()
	c.status.LastSyncTime = &finished
	if report.Failed > 0 {
		c.failedCycles++
	} else {
		c.failedCycles = 0
	}
	last := *report
	c.lastReport = &last
	drainHandlers := append([]func(Report){}, c.drainHandlers...)
	c.mu.Unlock()
	c.notify()

	for _, fn := range drainHandlers {
		fn(*report)
	}

	c.logger.Info("sync_completed",
		"sessions_synced", report.SessionsSynced,
		"locations_synced", report.LocationsSynced,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, true
}

func (c *Coordinator) drain(ctx context.Context) *Report {
	report := &Report{StartedAt: c.now()}
	op := c.perf.StartOperation(ctx, "sync_drain")

	for _, sess := range c.queue.DrainableSessions() {
		c.syncSession(ctx, sess, report)
	}

	batches, order := groupBySession(c.queue.DrainableLocations())
	for _, sessionID := range order {
		recs := batches[sessionID]
		if c.sessionPending(sessionID) {
			// observations wait for their session; no attempt is consumed
			report.Deferred += len(recs)
			continue
		}
		for start := 0; start < len(recs); start += c.config.BatchSize {
			end := start + c.config.BatchSize
			if end > len(recs) {
				end = len(recs)
			}
			c.syncBatch(ctx, sessionID, recs[start:end], report)
		}
	}

	var err error
	if report.Failed > 0 {
		err = fmt.Errorf("%d records failed", report.Failed)
	}
	report.Duration = op.Complete(err)
	return report
}

// sessionPending reports whether the observation's session exists locally
// and has not reached the remote yet
func (c *Coordinator) sessionPending(sessionID string) bool {
	sess, err := c.queue.GetSession(sessionID)
	if err != nil {
		return false
	}
	return !sess.Synced
}

func (c *Coordinator) syncSession(ctx context.Context, sess pkg.RouteSessionRecord, report *Report) {
	res, err := c.remote.SyncSession(ctx, sess, "")
	if err != nil {
		c.failRecords(pkg.CollectionSessions, report, fmt.Sprintf("session %s: %v", sess.ID, err), sess.ID)
		return
	}

	if res.Remote == nil {
		c.markSynced(pkg.CollectionSessions, report, sess.ID)
		report.SessionsSynced++
		return
	}

	report.Conflicts++
	local := sess
	conf := conflict.DetectSession(&local, res.Remote)
	resolution := conflict.Resolve(conf)
	if err := conflict.Validate(resolution, conf); err != nil {
		c.logger.Error("conflict_resolution_invalid", "session_id", sess.ID, "error", err)
		c.failRecords(pkg.CollectionSessions, report, fmt.Sprintf("session %s: %v", sess.ID, err), sess.ID)
		return
	}
	c.reportConflict(conf, resolution)

	switch resolution.Action {
	case conflict.ActionSkip:
		c.markSynced(pkg.CollectionSessions, report, sess.ID)
		report.SessionsSynced++
	case conflict.ActionUseServer:
		if err := c.queue.StoreRemoteSession(*res.Remote); err != nil {
			c.recordError(fmt.Sprintf("session %s: %v", sess.ID, err))
			return
		}
		report.SessionsSynced++
	case conflict.ActionUseLocal, conflict.ActionMerge:
		payload := conflict.ApplySession(resolution, conf)
		again, err := c.remote.SyncSession(ctx, *payload, string(resolution.Action))
		if err == nil && again.Remote != nil {
			err = fmt.Errorf("remote rejected %s resolution", resolution.Action)
		}
		if err != nil {
			c.failRecords(pkg.CollectionSessions, report, fmt.Sprintf("session %s: %v", sess.ID, err), sess.ID)
			return
		}
		if resolution.Action == conflict.ActionMerge {
			if err := c.queue.StoreRemoteSession(*payload); err != nil {
				c.recordError(fmt.Sprintf("session %s: %v", sess.ID, err))
				return
			}
		} else {
			c.markSynced(pkg.CollectionSessions, report, sess.ID)
		}
		report.SessionsSynced++
	}
}

func (c *Coordinator) syncBatch(ctx context.Context, sessionID string, batch []pkg.LocationRecord, report *Report) {
	res, err := c.remote.SyncCoordinates(ctx, sessionID, batch, "")
	if err != nil {
		c.failRecords(pkg.CollectionLocations, report,
			fmt.Sprintf("coordinates for session %s (%d records): %v", sessionID, len(batch), err),
			recordIDs(batch)...)
		return
	}

	var accepted []string
	resubmit := map[conflict.Action][]pkg.LocationRecord{}
	for i := range batch {
		local := batch[i]
		remoteCopy, conflicted := res.Conflicts[local.ID]
		if !conflicted {
			accepted = append(accepted, local.ID)
			continue
		}

		report.Conflicts++
		conf := conflict.DetectLocation(&local, &remoteCopy)
		resolution := conflict.Resolve(conf)
		if err := conflict.Validate(resolution, conf); err != nil {
			c.logger.Error("conflict_resolution_invalid", "location_id", local.ID, "error", err)
			c.failRecords(pkg.CollectionLocations, report, fmt.Sprintf("location %s: %v", local.ID, err), local.ID)
			continue
		}
		c.reportConflict(conf, resolution)

		switch resolution.Action {
		case conflict.ActionSkip:
			accepted = append(accepted, local.ID)
		case conflict.ActionUseServer:
			if err := c.queue.StoreRemoteLocation(local.ID, remoteCopy.Sample); err != nil {
				c.recordError(fmt.Sprintf("location %s: %v", local.ID, err))
				continue
			}
			report.LocationsSynced++
		case conflict.ActionUseLocal:
			resubmit[resolution.Action] = append(resubmit[resolution.Action], local)
		case conflict.ActionMerge:
			resubmit[resolution.Action] = append(resubmit[resolution.Action], *resolution.MergedLocation)
		}
	}

	if len(accepted) > 0 {
		c.markSynced(pkg.CollectionLocations, report, accepted...)
		report.LocationsSynced += len(accepted)
	}

	for action, recs := range resubmit {
		again, err := c.remote.SyncCoordinates(ctx, sessionID, recs, string(action))
		if err == nil && len(again.Conflicts) > 0 {
			err = fmt.Errorf("remote rejected %s resolution for %d records", action, len(again.Conflicts))
		}
		if err != nil {
			c.failRecords(pkg.CollectionLocations, report,
				fmt.Sprintf("coordinates for session %s (%s): %v", sessionID, action, err),
				recordIDs(recs)...)
			continue
		}
		c.markSynced(pkg.CollectionLocations, report, recordIDs(recs)...)
		report.LocationsSynced += len(recs)
	}
}

func (c *Coordinator) markSynced(col pkg.Collection, report *Report, ids ...string) {
	if err := c.queue.MarkSynced(col, ids...); err != nil {
		c.logger.Error("mark_synced_failed", "collection", string(col), "error", err)
		c.recordError(fmt.Sprintf("%s: mark synced: %v", col, err))
	}
}

func (c *Coordinator) failRecords(col pkg.Collection, report *Report, msg string, ids ...string) {
	report.Failed += len(ids)
	c.logger.Warn("sync_record_failed", "collection", string(col), "count", len(ids), "error", msg)
	if err := c.queue.IncrementAttempt(col, ids...); err != nil {
		c.logger.Error("increment_attempt_failed", "collection", string(col), "error", err)
	}
	c.recordError(msg)
}

func (c *Coordinator) recordError(msg string) {
	c.mu.Lock()
	c.status.RecentErrors = append(c.status.RecentErrors, msg)
	if overflow := len(c.status.RecentErrors) - c.config.MaxErrors; overflow > 0 {
		c.status.RecentErrors = append([]string{}, c.status.RecentErrors[overflow:]...)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) reportConflict(conf *conflict.Conflict, res conflict.Resolution) {
	c.logger.Info("sync_conflict_resolved",
		"type", string(conf.Type),
		"reason", string(conf.Reason),
		"action", string(res.Action),
		"why", res.Reason,
	)

	c.mu.Lock()
	handlers := append([]func(*conflict.Conflict, conflict.Resolution){}, c.conflictHandlers...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(conf, res)
	}
}

// onQueueStats runs inside queue mutations; it must not call the queue
func (c *Coordinator) onQueueStats(stats queue.QueueStats) {
	c.mu.Lock()
	c.status.PendingCount = stats.Pending
	c.status.StuckCount = stats.Stuck
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	status := c.snapshotLocked()
	listeners := append([]StatusListener{}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (c *Coordinator) snapshotLocked() pkg.SyncStatus {
	status := c.status
	status.RecentErrors = append([]string{}, c.status.RecentErrors...)
	if c.status.LastSyncTime != nil {
		t := *c.status.LastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

func groupBySession(recs []pkg.LocationRecord) (map[string][]pkg.LocationRecord, []string) {
	groups := map[string][]pkg.LocationRecord{}
	var order []string
	for _, rec := range recs {
		if _, ok := groups[rec.SessionID]; !ok {
			order = append(order, rec.SessionID)
		}
		groups[rec.SessionID] = append(groups[rec.SessionID], rec)
	}
	return groups, order
}

func recordIDs(recs []pkg.LocationRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids
}
