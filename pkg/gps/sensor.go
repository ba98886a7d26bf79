package gps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// ReadOptions tunes a single sensor read
type ReadOptions struct {
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaximumAge   time.Duration `json:"maximum_age"` // accept a cached fix up to this old
}

// DefaultReadOptions returns the options used for normal tracking reads
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		HighAccuracy: true,
		Timeout:      10 * time.Second,
		MaximumAge:   0,
	}
}

// Sensor is the device location sensor
type Sensor interface {
	Read(ctx context.Context, opts ReadOptions) (pkg.PositionSample, error)
}

// PermissionProvider exposes the platform permission lifecycle
type PermissionProvider interface {
	// State reports the current permission state without side effects
	State(ctx context.Context) pkg.PermissionState
	// Request performs the platform prompt
	Request(ctx context.Context) (pkg.PermissionState, error)
}

// NetworkLocator resolves a coarse position without the sensor
type NetworkLocator interface {
	Locate(ctx context.Context) (pkg.PositionSample, error)
}

// ErrorCode classifies sensor failures
type ErrorCode string

const (
	ErrCodePermissionDenied    ErrorCode = "permission_denied"
	ErrCodePositionUnavailable ErrorCode = "position_unavailable"
	ErrCodeTimeout             ErrorCode = "timeout"
	ErrCodeUnknown             ErrorCode = "unknown"
)

var (
	// ErrAlreadyActive is returned by Start while tracking is running
	ErrAlreadyActive = errors.New("position tracking already active")
	// ErrNotTracking is returned by Pause/Resume outside the matching state
	ErrNotTracking = errors.New("position tracking not in a pausable state")
	// ErrPermissionTerminal marks a permission denial with no user override left
	ErrPermissionTerminal = errors.New("location permission denied")
	// ErrRecoveryExhausted means no real or estimated position could be produced
	ErrRecoveryExhausted = errors.New("sensor recovery exhausted and no estimate available")
)

// SensorError is a classified sensor failure
type SensorError struct {
	Code ErrorCode
	Err  error
}

func (e *SensorError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

// NewSensorError wraps err with a classification code
func NewSensorError(code ErrorCode, err error) *SensorError {
	return &SensorError{Code: code, Err: err}
}

// Classify maps any error to a sensor error code
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var se *SensorError
	if errors.As(err, &se) {
		return se.Code
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, os.ErrPermission), errors.Is(err, ErrPermissionTerminal):
		return ErrCodePermissionDenied
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return ErrCodePositionUnavailable
	default:
		return ErrCodeUnknown
	}
}

// asSensorError returns err as a *SensorError, classifying it if needed
func asSensorError(err error) *SensorError {
	var se *SensorError
	if errors.As(err, &se) {
		return se
	}
	return NewSensorError(Classify(err), err)
}

// IsTerminal reports whether err ends tracking (permission denied, no override)
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPermissionTerminal)
}
