// Package session implements the route session lifecycle: it composes the
// position source, the local queue and the adaptive scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/adaptive"
	"github.com/markus-lassfolk/routetrack/pkg/geo"
	"github.com/markus-lassfolk/routetrack/pkg/gps"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
	"github.com/markus-lassfolk/routetrack/pkg/queue"
)

var (
	// ErrSessionActive is returned by Start while a session is active or paused
	ErrSessionActive = errors.New("a route session is already active")
	// ErrNoSession is returned when no session is running
	ErrNoSession = errors.New("no active route session")
	// ErrInvalidTransition is returned for lifecycle calls in the wrong state
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Source is the position stream driven by the controller
type Source interface {
	Start(sessionID string, onSample gps.SampleHandler, onError gps.ErrorHandler) error
	Stop()
	Pause() error
	Resume() error
	SetInterval(interval time.Duration, reason string)
}

// Locator produces a one-off position, real or estimated, or nil
type Locator interface {
	PositionOrEstimate(ctx context.Context) *pkg.PositionSample
}

// Store persists sessions and observations
type Store interface {
	SaveSession(rec pkg.RouteSessionRecord) error
	AppendLocation(sessionID string, sample pkg.PositionSample) (pkg.LocationRecord, error)
	Sessions() []pkg.RouteSessionRecord
	SessionLocations(sessionID string) []pkg.LocationRecord
}

// Config tunes the controller
type Config struct {
	GeofenceRadius float64 `json:"geofence_radius"` // meters around the start position
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{GeofenceRadius: 100}
}

// Metrics are the running figures of a session
type Metrics struct {
	SessionID        string        `json:"session_id"`
	Distance         float64       `json:"distance_m"`
	ActiveDuration   time.Duration `json:"active_duration"`
	AverageSpeed     float64       `json:"average_speed_mps"`
	Samples          int           `json:"samples"`
	EstimatedSamples int           `json:"estimated_samples"`
	LeftGeofence     bool          `json:"left_geofence"`
	Interval         time.Duration `json:"interval"`
	IntervalReason   string        `json:"interval_reason"`
}

// GeofenceHandler is called once when the operator returns to the start
type GeofenceHandler func(rec pkg.RouteSessionRecord, sample pkg.PositionSample)

// SampleListener observes every persisted sample
type SampleListener func(sessionID string, sample pkg.PositionSample)

// Controller owns the single running session of this device
type Controller struct {
	config    Config
	source    Source
	locator   Locator
	store     Store
	scheduler *adaptive.Scheduler
	logger    *logx.Logger

	mu             sync.Mutex
	current        *pkg.RouteSessionRecord
	recent         []pkg.PositionSample
	lastReal       *pkg.PositionSample
	lastSample     *pkg.PositionSample
	distance       float64
	accumulated    time.Duration
	activeSince    time.Time
	samples        int
	estimated      int
	leftGeofence   bool
	geofenceFired  bool
	interval       time.Duration
	intervalReason string
	lastError      string

	onGeofence []GeofenceHandler
	onSample   []SampleListener

	now func() time.Time
}

// NewController creates a controller. locator may be nil.
func NewController(config Config, source Source, locator Locator, store Store, scheduler *adaptive.Scheduler, logger *logx.Logger) *Controller {
	if config.GeofenceRadius <= 0 {
		config.GeofenceRadius = DefaultConfig().GeofenceRadius
	}
	return &Controller{
		config:    config,
		source:    source,
		locator:   locator,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
}

// OnGeofenceReturn registers a geofence-return handler
func (c *Controller) OnGeofenceReturn(fn GeofenceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGeofence = append(c.onGeofence, fn)
}

// OnSample registers a sample listener
func (c *Controller) OnSample(fn SampleListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSample = append(c.onSample, fn)
}

// Start opens a new session for the operator and begins tracking. It
// proceeds without a start position when none is available; the first
// sample fills it in.
func (c *Controller) Start(ctx context.Context, employeeID string) (pkg.RouteSessionRecord, error) {
	if employeeID == "" {
		return pkg.RouteSessionRecord{}, fmt.Errorf("employee id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return pkg.RouteSessionRecord{}, ErrSessionActive
	}

	id, err := queue.NewSessionID()
	if err != nil {
		return pkg.RouteSessionRecord{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := c.now()
	rec := pkg.RouteSessionRecord{
		ID:         id,
		EmployeeID: employeeID,
		StartTime:  now,
		Status:     pkg.SessionActive,
		UpdatedAt:  now,
	}
	if c.locator != nil {
		if pos := c.locator.PositionOrEstimate(ctx); pos != nil {
			coords := pos.Coordinates()
			rec.StartPosition = &coords
		}
	}

	if err := c.store.SaveSession(rec); err != nil {
		return pkg.RouteSessionRecord{}, fmt.Errorf("failed to persist session: %w", err)
	}

	c.resetLocked(rec)
	c.activeSince = now

	c.source.Stop()
	if err := c.source.Start(rec.ID, c.handleSample, c.handleError); err != nil {
		c.logger.Error("position_tracking_start_failed", "session_id", rec.ID, "error", err)
		c.lastError = err.Error()
	}

	c.logger.Info("route_session_started",
		"session_id", rec.ID,
		"employee_id", employeeID,
		"has_start_position", rec.StartPosition != nil,
	)
	return rec, nil
}

// Pause suspends tracking of the active session
func (c *Controller) Pause() (pkg.RouteSessionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return pkg.RouteSessionRecord{}, ErrNoSession
	}
	if c.current.Status != pkg.SessionActive {
		return pkg.RouteSessionRecord{}, fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.current.Status)
	}

	now := c.now()
	c.accumulated += now.Sub(c.activeSince)
	c.current.Status = pkg.SessionPaused
	c.current.UpdatedAt = now
	c.persistLocked()

	if err := c.source.Pause(); err != nil {
		c.logger.Debug("position_source_pause", "error", err)
	}

	c.logger.Info("route_session_paused", "session_id", c.current.ID)
	return *c.current, nil
}

// Resume continues a paused session
func (c *Controller) Resume() (pkg.RouteSessionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return pkg.RouteSessionRecord{}, ErrNoSession
	}
	if c.current.Status != pkg.SessionPaused {
		return pkg.RouteSessionRecord{}, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.current.Status)
	}

	now := c.now()
	c.activeSince = now
	c.current.Status = pkg.SessionActive
	c.current.UpdatedAt = now
	c.persistLocked()

	if err := c.source.Resume(); err != nil {
		// the source may have stopped on a terminal error; try a fresh start
		if err := c.source.Start(c.current.ID, c.handleSample, c.handleError); err != nil {
			c.logger.Warn("position_source_resume_failed", "error", err)
		}
	}

	c.logger.Info("route_session_resumed", "session_id", c.current.ID)
	return *c.current, nil
}

// Stop completes the running session and returns it with its final metrics
func (c *Controller) Stop(ctx context.Context) (pkg.RouteSessionRecord, Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return pkg.RouteSessionRecord{}, Metrics{}, ErrNoSession
	}

	c.source.Stop()

	now := c.now()
	if c.current.Status == pkg.SessionActive {
		c.accumulated += now.Sub(c.activeSince)
	}

	end := now
	c.current.Status = pkg.SessionCompleted
	c.current.EndTime = &end
	c.current.UpdatedAt = now

	switch {
	case c.lastSample != nil:
		coords := c.lastSample.Coordinates()
		c.current.EndPosition = &coords
	case c.locator != nil:
		if pos := c.locator.PositionOrEstimate(ctx); pos != nil {
			coords := pos.Coordinates()
			c.current.EndPosition = &coords
		}
	}
	c.persistLocked()

	rec := *c.current
	metrics := c.metricsLocked(now)
	c.current = nil

	c.logger.Info("route_session_completed",
		"session_id", rec.ID,
		"distance_m", metrics.Distance,
		"active_duration", metrics.ActiveDuration.String(),
		"samples", metrics.Samples,
	)
	return rec, metrics, nil
}

// Current returns the running session, if any
func (c *Controller) Current() *pkg.RouteSessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	rec := *c.current
	return &rec
}

// Metrics returns the running session's metrics
func (c *Controller) Metrics() (Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Metrics{}, ErrNoSession
	}
	return c.metricsLocked(c.now()), nil
}

// LastSample returns the most recent persisted sample
func (c *Controller) LastSample() *pkg.PositionSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSample == nil {
		return nil
	}
	s := *c.lastSample
	return &s
}

// LastError returns the last tracking error, if any
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Reschedule re-evaluates the sampling interval, e.g. after a battery change
func (c *Controller) Reschedule() {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	interval, reason := c.scheduler.Next(c.recent)
	c.interval, c.intervalReason = interval, reason
	c.mu.Unlock()

	c.source.SetInterval(interval, reason)
}

// Restore resumes the most recent unfinished session found in the store,
// rebuilding its metrics from the persisted observations
func (c *Controller) Restore() (*pkg.RouteSessionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return nil, ErrSessionActive
	}

	var open *pkg.RouteSessionRecord
	for _, rec := range c.store.Sessions() {
		if rec.Status == pkg.SessionCompleted {
			continue
		}
		r := rec
		open = &r
	}
	if open == nil {
		return nil, nil
	}

	c.resetLocked(*open)
	var real []pkg.PositionSample
	for _, loc := range c.store.SessionLocations(open.ID) {
		sample := loc.Sample
		c.samples++
		c.lastSample = &sample
		if sample.Estimated {
			c.estimated++
			continue
		}
		real = append(real, sample)
	}
	c.distance = geo.PathLength(real)
	if n := len(real); n > 0 {
		last := real[n-1]
		c.lastReal = &last
		c.accumulated = last.Timestamp.Sub(open.StartTime)
		c.recent = tail(real, adaptive.MovementWindow)
		c.leftGeofence = c.outsideGeofenceLocked(real)
	}

	if open.Status == pkg.SessionActive {
		c.activeSince = c.now()
		if err := c.source.Start(open.ID, c.handleSample, c.handleError); err != nil {
			c.logger.Error("position_tracking_start_failed", "session_id", open.ID, "error", err)
			c.lastError = err.Error()
		}
	}

	c.logger.Info("route_session_restored",
		"session_id", open.ID,
		"status", string(open.Status),
		"samples", c.samples,
	)
	rec := *open
	return &rec, nil
}

func (c *Controller) handleSample(sample pkg.PositionSample) {
	c.mu.Lock()
	if c.current == nil || c.current.Status != pkg.SessionActive {
		c.mu.Unlock()
		return
	}

	sessionID := c.current.ID
	if c.current.StartPosition == nil {
		coords := sample.Coordinates()
		c.current.StartPosition = &coords
		c.current.UpdatedAt = c.now()
		c.persistLocked()
	}

	if _, err := c.store.AppendLocation(sessionID, sample); err != nil {
		c.logger.Error("location_append_failed", "session_id", sessionID, "error", err)
	}

	s := sample
	c.lastSample = &s
	c.samples++

	var returned bool
	if sample.Estimated {
		c.estimated++
	} else {
		if c.lastReal != nil {
			c.distance += geo.Distance(c.lastReal.Coordinates(), sample.Coordinates())
		}
		c.lastReal = &s
		c.recent = tail(append(c.recent, sample), adaptive.MovementWindow)
		returned = c.checkGeofenceLocked(sample)
	}

	interval, reason := c.scheduler.Next(c.recent)
	c.interval, c.intervalReason = interval, reason

	rec := *c.current
	geofenceHandlers := append([]GeofenceHandler{}, c.onGeofence...)
	sampleListeners := append([]SampleListener{}, c.onSample...)
	c.mu.Unlock()

	c.source.SetInterval(interval, reason)

	for _, fn := range sampleListeners {
		fn(sessionID, sample)
	}
	if returned {
		c.logger.Info("geofence_return_detected", "session_id", sessionID)
		for _, fn := range geofenceHandlers {
			fn(rec, sample)
		}
	}
}

func (c *Controller) handleError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	sessionID := ""
	if c.current != nil {
		sessionID = c.current.ID
	}
	c.mu.Unlock()

	if gps.IsTerminal(err) {
		c.logger.Error("position_tracking_stopped", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Warn("position_unavailable", "session_id", sessionID, "error", err)
}

// checkGeofenceLocked returns true exactly once, on the first return inside
// the start geofence after having left it
func (c *Controller) checkGeofenceLocked(sample pkg.PositionSample) bool {
	if c.current.StartPosition == nil || c.geofenceFired {
		return false
	}
	d := geo.Distance(*c.current.StartPosition, sample.Coordinates())
	if d > c.config.GeofenceRadius {
		c.leftGeofence = true
		return false
	}
	if c.leftGeofence {
		c.geofenceFired = true
		return true
	}
	return false
}

func (c *Controller) outsideGeofenceLocked(samples []pkg.PositionSample) bool {
	if c.current.StartPosition == nil {
		return false
	}
	for _, s := range samples {
		if geo.Distance(*c.current.StartPosition, s.Coordinates()) > c.config.GeofenceRadius {
			return true
		}
	}
	return false
}

func (c *Controller) persistLocked() {
	if err := c.store.SaveSession(*c.current); err != nil {
		c.logger.Error("session_persist_failed", "session_id", c.current.ID, "error", err)
	}
}

func (c *Controller) resetLocked(rec pkg.RouteSessionRecord) {
	r := rec
	c.current = &r
	c.recent = nil
	c.lastReal = nil
	c.lastSample = nil
	c.distance = 0
	c.accumulated = 0
	c.samples = 0
	c.estimated = 0
	c.leftGeofence = false
	c.geofenceFired = false
	c.lastError = ""
}

func (c *Controller) metricsLocked(now time.Time) Metrics {
	active := c.accumulated
	if c.current != nil && c.current.Status == pkg.SessionActive && !c.activeSince.IsZero() {
		active += now.Sub(c.activeSince)
	}

	m := Metrics{
		Distance:         c.distance,
		ActiveDuration:   active,
		Samples:          c.samples,
		EstimatedSamples: c.estimated,
		LeftGeofence:     c.leftGeofence,
		Interval:         c.interval,
		IntervalReason:   c.intervalReason,
	}
	if c.current != nil {
		m.SessionID = c.current.ID
	}
	if active > 0 {
		m.AverageSpeed = c.distance / active.Seconds()
	}
	return m
}

func tail(samples []pkg.PositionSample, n int) []pkg.PositionSample {
	if len(samples) <= n {
		return append([]pkg.PositionSample{}, samples...)
	}
	return append([]pkg.PositionSample{}, samples[len(samples)-n:]...)
}
