package gps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/adaptive"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// State is a PositionSource lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateTracking   State = "tracking"
	StatePaused     State = "paused"
	StateRecovering State = "recovering"
	StateStopped    State = "stopped"
)

// SampleHandler receives accepted samples
type SampleHandler func(pkg.PositionSample)

// ErrorHandler receives errors that recovery could not absorb
type ErrorHandler func(error)

// PositionSource turns the sensor into a push-based sample stream.
//
// It is an explicit state machine: Idle -> Tracking <-> Paused -> Stopped,
// with any active state able to enter Recovering on a sensor error and leave
// it to Tracking (recovered) or Stopped (terminal permission denial).
// Each Start issues a new cancellation token; Stop is a pure transition that
// revokes it, so a read in flight when Stop runs is discarded.
type PositionSource struct {
	sensor   Sensor
	perms    PermissionProvider
	recovery *RecoveryController
	cadence  *adaptive.Cadence
	options  ReadOptions
	logger   *logx.Logger

	mu         sync.Mutex
	state      State
	sessionID  string
	token      uint64
	cancel     context.CancelFunc
	onSample   SampleHandler
	onError    ErrorHandler
	onStateSet []func(from, to State)
}

// NewPositionSource wires a sensor, its permission provider and a recovery
// controller into a stream whose rate is governed by cadence
func NewPositionSource(sensor Sensor, perms PermissionProvider, recovery *RecoveryController, cadence *adaptive.Cadence, logger *logx.Logger) *PositionSource {
	if cadence == nil {
		cadence = adaptive.NewCadence(adaptive.NormalInterval, logger)
	}
	if recovery == nil {
		recovery = NewRecoveryController(nil, sensor, perms, nil, logger)
	}

	ps := &PositionSource{
		sensor:   sensor,
		perms:    perms,
		recovery: recovery,
		cadence:  cadence,
		options:  recovery.config.ReadOptions,
		logger:   logger,
		state:    StateIdle,
	}
	recovery.SetOnRecovered(ps.handleRecovered)
	return ps
}

// OnStateChange registers a listener for state transitions
func (ps *PositionSource) OnStateChange(fn func(from, to State)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.onStateSet = append(ps.onStateSet, fn)
}

// Start begins continuous tracking for a session. A first read happens
// immediately, then one per cadence tick.
func (ps *PositionSource) Start(sessionID string, onSample SampleHandler, onError ErrorHandler) error {
	ps.mu.Lock()
	switch ps.state {
	case StateTracking, StatePaused, StateRecovering:
		ps.mu.Unlock()
		return ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps.token++
	token := ps.token
	ps.cancel = cancel
	ps.sessionID = sessionID
	ps.onSample = onSample
	ps.onError = onError
	listeners := ps.transitionLocked(StateTracking)
	// the ticker belongs to this token until Stop revokes it under ps.mu
	ticks := ps.cadence.Start()
	ps.mu.Unlock()
	notify(listeners)

	go ps.run(ctx, token, ticks)

	ps.logger.Info("position_tracking_started",
		"session_id", sessionID,
		"interval", ps.cadence.Interval().String(),
	)
	return nil
}

// Stop ends tracking. It is idempotent and safe in any state.
func (ps *PositionSource) Stop() {
	ps.mu.Lock()
	if ps.state == StateIdle || ps.state == StateStopped {
		ps.mu.Unlock()
		return
	}
	ps.token++
	if ps.cancel != nil {
		ps.cancel()
		ps.cancel = nil
	}
	sessionID := ps.sessionID
	listeners := ps.transitionLocked(StateStopped)
	ps.cadence.Stop()
	ps.mu.Unlock()
	notify(listeners)

	ps.recovery.CancelFallback()
	ps.logger.Info("position_tracking_stopped", "session_id", sessionID)
}

// Pause suspends sampling without releasing the subscription
func (ps *PositionSource) Pause() error {
	ps.mu.Lock()
	if ps.state != StateTracking && ps.state != StateRecovering {
		ps.mu.Unlock()
		return ErrNotTracking
	}
	listeners := ps.transitionLocked(StatePaused)
	ps.mu.Unlock()
	notify(listeners)
	return nil
}

// Resume continues sampling after Pause
func (ps *PositionSource) Resume() error {
	ps.mu.Lock()
	if ps.state != StatePaused {
		ps.mu.Unlock()
		return ErrNotTracking
	}
	listeners := ps.transitionLocked(StateTracking)
	ps.mu.Unlock()
	notify(listeners)
	return nil
}

// SetInterval re-registers the sampling cadence
func (ps *PositionSource) SetInterval(interval time.Duration, reason string) {
	ps.cadence.Reschedule(interval, reason)
}

// Interval returns the registered sampling interval
func (ps *PositionSource) Interval() time.Duration {
	return ps.cadence.Interval()
}

// State returns the current state
func (ps *PositionSource) State() State {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// CurrentPosition performs a single read independent of continuous tracking
func (ps *PositionSource) CurrentPosition(ctx context.Context) (pkg.PositionSample, error) {
	sample, err := readWithTimeout(ctx, ps.sensor, ps.options)
	if err != nil {
		return pkg.PositionSample{}, err
	}
	ps.recovery.RecordSuccess(sample)
	return sample, nil
}

// CheckPermission returns the permission state without side effects
func (ps *PositionSource) CheckPermission(ctx context.Context) pkg.PermissionState {
	if ps.perms == nil {
		return pkg.PermissionUnknown
	}
	return ps.perms.State(ctx)
}

// RequestPermission prompts for permission and resolves to a position
func (ps *PositionSource) RequestPermission(ctx context.Context) (pkg.PositionSample, error) {
	if ps.perms != nil {
		state, err := ps.perms.Request(ctx)
		if err != nil {
			return pkg.PositionSample{}, asSensorError(err)
		}
		if state != pkg.PermissionGranted {
			return pkg.PositionSample{}, NewSensorError(ErrCodePermissionDenied,
				fmt.Errorf("%w: state %s", ErrPermissionTerminal, state))
		}
	}
	return ps.CurrentPosition(ctx)
}

// Recovery exposes the recovery controller
func (ps *PositionSource) Recovery() *RecoveryController {
	return ps.recovery
}

func (ps *PositionSource) run(ctx context.Context, token uint64, ticks <-chan time.Time) {
	ps.sampleOnce(ctx, token)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			ps.sampleOnce(ctx, token)
		}
	}
}

func (ps *PositionSource) sampleOnce(ctx context.Context, token uint64) {
	ps.mu.Lock()
	if token != ps.token || ps.state != StateTracking {
		// Paused samples are skipped; Recovering is driven by the fallback probe
		ps.mu.Unlock()
		return
	}
	ps.mu.Unlock()

	sample, err := readWithTimeout(ctx, ps.sensor, ps.options)
	if err == nil {
		ps.recovery.RecordSuccess(sample)
		ps.deliver(token, sample)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if !ps.transitionIfCurrent(token, StateTracking, StateRecovering) {
		return
	}

	recovered, rerr := ps.recovery.Recover(ctx, err)
	switch {
	case rerr == nil && recovered != nil:
		if !recovered.Estimated {
			ps.transitionIfCurrent(token, StateRecovering, StateTracking)
		}
		ps.deliver(token, *recovered)
	case IsTerminal(rerr):
		ps.mu.Lock()
		if token != ps.token {
			ps.mu.Unlock()
			return
		}
		ps.token++
		if ps.cancel != nil {
			ps.cancel()
			ps.cancel = nil
		}
		listeners := ps.transitionLocked(StateStopped)
		handler := ps.onError
		ps.cadence.Stop()
		ps.mu.Unlock()
		notify(listeners)
		if handler != nil {
			handler(rerr)
		}
	default:
		ps.reportError(token, rerr)
	}
}

// handleRecovered receives the fix that ended fallback mode
func (ps *PositionSource) handleRecovered(sample pkg.PositionSample) {
	ps.mu.Lock()
	token := ps.token
	ps.mu.Unlock()

	if ps.transitionIfCurrent(token, StateRecovering, StateTracking) {
		ps.deliver(token, sample)
	}
}

func (ps *PositionSource) deliver(token uint64, sample pkg.PositionSample) {
	ps.mu.Lock()
	if token != ps.token {
		ps.mu.Unlock()
		return
	}
	handler := ps.onSample
	ps.mu.Unlock()

	if handler != nil {
		handler(sample)
	}
}

func (ps *PositionSource) reportError(token uint64, err error) {
	ps.mu.Lock()
	if token != ps.token {
		ps.mu.Unlock()
		return
	}
	handler := ps.onError
	ps.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

func (ps *PositionSource) transitionIfCurrent(token uint64, from, to State) bool {
	ps.mu.Lock()
	if token != ps.token || ps.state != from {
		ps.mu.Unlock()
		return false
	}
	listeners := ps.transitionLocked(to)
	ps.mu.Unlock()
	notify(listeners)
	return true
}

// transitionLocked sets the state and returns bound listener calls to run
// after the lock is released
func (ps *PositionSource) transitionLocked(to State) []func() {
	from := ps.state
	ps.state = to
	if from == to {
		return nil
	}

	ps.logger.Debug("position_source_transition", "from", string(from), "to", string(to))

	calls := make([]func(), 0, len(ps.onStateSet))
	for _, fn := range ps.onStateSet {
		fn := fn
		calls = append(calls, func() { fn(from, to) })
	}
	return calls
}

func notify(calls []func()) {
	for _, call := range calls {
		call()
	}
}
