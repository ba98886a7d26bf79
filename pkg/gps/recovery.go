package gps

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// RecoveryConfig holds sensor recovery tuning
type RecoveryConfig struct {
	AccuracyFloor     float64       `json:"accuracy_floor"`      // estimates never report better accuracy than this, meters
	StaleAfter        time.Duration `json:"stale_after"`         // elapsed time after which inflation grows proportionally
	MaxInflation      float64       `json:"max_inflation"`       // cap on the accuracy inflation factor
	FallbackRetry     time.Duration `json:"fallback_retry"`      // fallback mode probe interval
	RelaxedMaximumAge time.Duration `json:"relaxed_maximum_age"` // cached fix age accepted on relaxed retries
	ReadOptions       ReadOptions   `json:"read_options"`
}

// DefaultRecoveryConfig returns the default recovery configuration
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{
		AccuracyFloor:     50,
		StaleAfter:        5 * time.Minute,
		MaxInflation:      10,
		FallbackRetry:     30 * time.Second,
		RelaxedMaximumAge: 2 * time.Minute,
		ReadOptions:       DefaultReadOptions(),
	}
}

// RecoveryStatus is a snapshot of the controller state
type RecoveryStatus struct {
	InFallback          bool                `json:"in_fallback"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	TotalRecoveries     int                 `json:"total_recoveries"`
	TotalEstimates      int                 `json:"total_estimates"`
	LastErrorCode       ErrorCode           `json:"last_error_code,omitempty"`
	LastKnown           *pkg.PositionSample `json:"last_known,omitempty"`
}

// RecoveryController classifies sensor failures and recovers from them by
// retrying with adjusted parameters, estimating from history, or entering a
// time-boxed fallback mode. It never blocks the caller's workflow.
type RecoveryController struct {
	config  *RecoveryConfig
	sensor  Sensor
	perms   PermissionProvider
	locator NetworkLocator
	logger  *logx.Logger

	mu            sync.Mutex
	lastKnown     *pkg.PositionSample
	attempts      int
	fallback      bool
	fallbackTimer *time.Timer
	closed        bool
	onRecovered   func(pkg.PositionSample)
	status        RecoveryStatus

	now func() time.Time
}

// NewRecoveryController creates a controller. perms and locator may be nil.
func NewRecoveryController(config *RecoveryConfig, sensor Sensor, perms PermissionProvider, locator NetworkLocator, logger *logx.Logger) *RecoveryController {
	if config == nil {
		config = DefaultRecoveryConfig()
	}
	return &RecoveryController{
		config:  config,
		sensor:  sensor,
		perms:   perms,
		locator: locator,
		logger:  logger,
		now:     time.Now,
	}
}

// SetOnRecovered sets the callback receiving the fix that ends fallback mode
func (rc *RecoveryController) SetOnRecovered(fn func(pkg.PositionSample)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onRecovered = fn
}

// RecordSuccess stores a real fix as last known, clears fallback mode and
// resets the attempt counter
func (rc *RecoveryController) RecordSuccess(sample pkg.PositionSample) {
	if sample.Estimated {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	s := sample
	rc.lastKnown = &s
	if rc.attempts > 0 || rc.fallback {
		rc.status.TotalRecoveries++
		rc.logger.Info("gps_recovered",
			"attempts", rc.attempts,
			"was_fallback", rc.fallback,
		)
	}
	rc.attempts = 0
	rc.clearFallbackLocked()
}

// Recover handles a sensor failure. It returns a real fix from a retry, an
// estimated position, or an error: a terminal permission error (IsTerminal)
// or ErrRecoveryExhausted when nothing could be produced.
func (rc *RecoveryController) Recover(ctx context.Context, cause error) (*pkg.PositionSample, error) {
	code := Classify(cause)

	rc.mu.Lock()
	rc.attempts++
	rc.status.LastErrorCode = code
	attempt := rc.attempts
	rc.mu.Unlock()

	rc.logger.Warn("gps_sensor_failure",
		"code", string(code),
		"attempt", attempt,
		"error", cause,
	)

	switch code {
	case ErrCodePermissionDenied:
		return rc.recoverPermission(ctx, cause)
	case ErrCodePositionUnavailable:
		opts := rc.config.ReadOptions
		opts.HighAccuracy = false
		if opts.MaximumAge < rc.config.RelaxedMaximumAge {
			opts.MaximumAge = rc.config.RelaxedMaximumAge
		}
		if sample, ok := rc.retry(ctx, opts, "relaxed_accuracy"); ok {
			return sample, nil
		}
	case ErrCodeTimeout:
		opts := rc.config.ReadOptions
		opts.Timeout *= 2
		if sample, ok := rc.retry(ctx, opts, "extended_timeout"); ok {
			return sample, nil
		}
	default:
		if sample, ok := rc.retry(ctx, rc.config.ReadOptions, "single_retry"); ok {
			return sample, nil
		}
	}

	return rc.fallBack(ctx, cause)
}

// recoverPermission re-prompts once when the platform still allows it
func (rc *RecoveryController) recoverPermission(ctx context.Context, cause error) (*pkg.PositionSample, error) {
	if rc.perms != nil && rc.perms.State(ctx) == pkg.PermissionPrompt {
		state, err := rc.perms.Request(ctx)
		if err == nil && state == pkg.PermissionGranted {
			if sample, ok := rc.retry(ctx, rc.config.ReadOptions, "permission_reprompt"); ok {
				return sample, nil
			}
			return rc.fallBack(ctx, cause)
		}
	}

	rc.logger.Error("gps_permission_denied_terminal", "error", cause)
	return nil, NewSensorError(ErrCodePermissionDenied, fmt.Errorf("%w: %v", ErrPermissionTerminal, cause))
}

func (rc *RecoveryController) retry(ctx context.Context, opts ReadOptions, strategy string) (*pkg.PositionSample, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	sample, err := readWithTimeout(ctx, rc.sensor, opts)
	if err != nil {
		rc.logger.Debug("gps_retry_failed", "strategy", strategy, "error", err)
		return nil, false
	}

	rc.logger.Info("gps_retry_succeeded", "strategy", strategy)
	rc.RecordSuccess(sample)
	return &sample, true
}

// fallBack produces an estimate and arms fallback mode
func (rc *RecoveryController) fallBack(ctx context.Context, cause error) (*pkg.PositionSample, error) {
	rc.armFallback()

	if estimate, ok := rc.Estimate(rc.now()); ok {
		rc.mu.Lock()
		rc.status.TotalEstimates++
		rc.mu.Unlock()
		return &estimate, nil
	}

	if rc.locator != nil && ctx.Err() == nil {
		sample, err := rc.locator.Locate(ctx)
		if err == nil {
			sample.Estimated = true
			sample.Source = pkg.SourceNetwork
			if sample.Accuracy < rc.config.AccuracyFloor {
				sample.Accuracy = rc.config.AccuracyFloor
			}
			rc.mu.Lock()
			rc.status.TotalEstimates++
			rc.mu.Unlock()
			return &sample, nil
		}
		rc.logger.Debug("network_locate_failed", "error", err)
	}

	return nil, fmt.Errorf("%w: %v", ErrRecoveryExhausted, cause)
}

// Estimate derives a position from the last known fix. The reported accuracy
// is never better than the configured floor and inflates with elapsed time,
// capped at MaxInflation times.
func (rc *RecoveryController) Estimate(now time.Time) (pkg.PositionSample, bool) {
	rc.mu.Lock()
	last := rc.lastKnown
	rc.mu.Unlock()

	if last == nil {
		return pkg.PositionSample{}, false
	}

	elapsed := now.Sub(last.Timestamp)
	if elapsed < 0 {
		elapsed = 0
	}

	base := math.Max(last.Accuracy, rc.config.AccuracyFloor)
	factor := 1 + float64(elapsed)/float64(rc.config.StaleAfter)
	if factor > rc.config.MaxInflation {
		factor = rc.config.MaxInflation
	}

	estimate := *last
	estimate.Accuracy = base * factor
	estimate.Speed = nil
	estimate.Timestamp = now
	estimate.Source = pkg.SourceEstimate
	estimate.Estimated = true
	return estimate, true
}

// PositionOrEstimate reads the sensor and falls back to recovery. It returns
// nil when no position of any kind is available; it never returns an error.
func (rc *RecoveryController) PositionOrEstimate(ctx context.Context) *pkg.PositionSample {
	sample, err := readWithTimeout(ctx, rc.sensor, rc.config.ReadOptions)
	if err == nil {
		rc.RecordSuccess(sample)
		return &sample
	}

	recovered, err := rc.Recover(ctx, err)
	if err != nil {
		rc.logger.Warn("position_unavailable_proceeding_without", "error", err)
		return nil
	}
	return recovered
}

func (rc *RecoveryController) armFallback() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	if !rc.fallback {
		rc.logger.Warn("gps_fallback_mode_entered", "retry_in", rc.config.FallbackRetry.String())
	}
	rc.fallback = true
	if rc.fallbackTimer != nil {
		rc.fallbackTimer.Stop()
	}
	rc.fallbackTimer = time.AfterFunc(rc.config.FallbackRetry, rc.probe)
}

// probe attempts a normal sensor read while in fallback mode
func (rc *RecoveryController) probe() {
	rc.mu.Lock()
	if !rc.fallback || rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rc.config.ReadOptions.Timeout)
	defer cancel()

	sample, err := rc.sensor.Read(ctx, rc.config.ReadOptions)
	if err != nil {
		rc.mu.Lock()
		rc.attempts++
		rc.status.LastErrorCode = Classify(err)
		rc.mu.Unlock()
		rc.logger.Debug("gps_fallback_probe_failed", "error", err)
		rc.armFallback()
		return
	}

	rc.RecordSuccess(sample)

	rc.mu.Lock()
	callback := rc.onRecovered
	rc.mu.Unlock()
	if callback != nil {
		callback(sample)
	}
}

// CancelFallback leaves fallback mode without a fix, keeping history
func (rc *RecoveryController) CancelFallback() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.clearFallbackLocked()
}

// Close stops the fallback timer permanently
func (rc *RecoveryController) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.closed = true
	rc.clearFallbackLocked()
}

func (rc *RecoveryController) clearFallbackLocked() {
	rc.fallback = false
	if rc.fallbackTimer != nil {
		rc.fallbackTimer.Stop()
		rc.fallbackTimer = nil
	}
}

// InFallback reports whether fallback mode is active
func (rc *RecoveryController) InFallback() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.fallback
}

// Attempts returns the consecutive failure count
func (rc *RecoveryController) Attempts() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.attempts
}

// LastKnown returns the last real fix, if any
func (rc *RecoveryController) LastKnown() *pkg.PositionSample {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.lastKnown == nil {
		return nil
	}
	s := *rc.lastKnown
	return &s
}

// Status returns a snapshot for diagnostics
func (rc *RecoveryController) Status() RecoveryStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	status := rc.status
	status.InFallback = rc.fallback
	status.ConsecutiveFailures = rc.attempts
	if rc.lastKnown != nil {
		s := *rc.lastKnown
		status.LastKnown = &s
	}
	return status
}

func readWithTimeout(ctx context.Context, sensor Sensor, opts ReadOptions) (pkg.PositionSample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	sample, err := sensor.Read(ctx, opts)
	if err != nil {
		return pkg.PositionSample{}, asSensorError(err)
	}
	return sample, nil
}
