package gps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// CommandRunner executes a system command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// errNoFix is returned when the receiver is up but has no valid position
var errNoFix = errors.New("no valid GPS fix")

// GpsctlSensor reads the RUTOS GNSS receiver, trying gpsctl first and
// falling back to `ubus call gps info`
type GpsctlSensor struct {
	logger *logx.Logger
	run    CommandRunner
	now    func() time.Time
}

// NewGpsctlSensor creates a sensor using the system commands
func NewGpsctlSensor(logger *logx.Logger) *GpsctlSensor {
	return &GpsctlSensor{logger: logger, run: execRunner, now: time.Now}
}

// NewGpsctlSensorWithRunner creates a sensor with a custom command runner
func NewGpsctlSensorWithRunner(logger *logx.Logger, run CommandRunner) *GpsctlSensor {
	return &GpsctlSensor{logger: logger, run: run, now: time.Now}
}

// Read returns the current fix. Errors are classified for recovery.
func (gs *GpsctlSensor) Read(ctx context.Context, opts ReadOptions) (pkg.PositionSample, error) {
	sample, err := gs.readGpsctl(ctx)
	if err == nil {
		return sample, nil
	}
	if ctx.Err() != nil {
		return pkg.PositionSample{}, NewSensorError(ErrCodeTimeout, ctx.Err())
	}

	gs.logger.LogDebugVerbose("gpsctl_read_failed", map[string]interface{}{
		"error":         err.Error(),
		"high_accuracy": opts.HighAccuracy,
	})

	// ubus is only worth trying when gpsctl itself is missing or had no fix
	sample, uerr := gs.readUbus(ctx)
	if uerr == nil {
		return sample, nil
	}
	if ctx.Err() != nil {
		return pkg.PositionSample{}, NewSensorError(ErrCodeTimeout, ctx.Err())
	}

	return pkg.PositionSample{}, gs.classify(err, uerr)
}

func (gs *GpsctlSensor) classify(gpsctlErr, ubusErr error) error {
	combined := fmt.Errorf("gpsctl: %v; ubus: %v", gpsctlErr, ubusErr)
	switch {
	case errors.Is(gpsctlErr, errNoFix) || errors.Is(ubusErr, errNoFix):
		return NewSensorError(ErrCodePositionUnavailable, combined)
	case errors.Is(gpsctlErr, exec.ErrNotFound) && errors.Is(ubusErr, exec.ErrNotFound):
		return NewSensorError(ErrCodePositionUnavailable, combined)
	default:
		return NewSensorError(ErrCodeUnknown, combined)
	}
}

func (gs *GpsctlSensor) readGpsctl(ctx context.Context) (pkg.PositionSample, error) {
	statusOutput, err := gs.run(ctx, "gpsctl", "-s")
	if err != nil {
		return pkg.PositionSample{}, fmt.Errorf("gpsctl status check failed: %w", err)
	}

	status := strings.TrimSpace(string(statusOutput))
	if status != "1" {
		return pkg.PositionSample{}, fmt.Errorf("%w: gpsctl status %q", errNoFix, status)
	}

	sample := pkg.PositionSample{
		Timestamp: gs.now(),
		Source:    pkg.SourceGpsctl,
	}

	lat, err := gs.gpsctlValue(ctx, "-i")
	if err != nil {
		return pkg.PositionSample{}, fmt.Errorf("gpsctl latitude: %w", err)
	}
	lon, err := gs.gpsctlValue(ctx, "-x")
	if err != nil {
		return pkg.PositionSample{}, fmt.Errorf("gpsctl longitude: %w", err)
	}
	sample.Latitude = lat
	sample.Longitude = lon

	if acc, err := gs.gpsctlValue(ctx, "-u"); err == nil {
		sample.Accuracy = acc
	}
	if speed, err := gs.gpsctlValue(ctx, "-v"); err == nil {
		// gpsctl reports km/h
		mps := speed / 3.6
		sample.Speed = &mps
	}

	if !validFix(sample) {
		return pkg.PositionSample{}, fmt.Errorf("%w: invalid coordinates from gpsctl", errNoFix)
	}
	return sample, nil
}

func (gs *GpsctlSensor) gpsctlValue(ctx context.Context, flag string) (float64, error) {
	output, err := gs.run(ctx, "gpsctl", flag)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
}

func (gs *GpsctlSensor) readUbus(ctx context.Context) (pkg.PositionSample, error) {
	output, err := gs.run(ctx, "ubus", "call", "gps", "info")
	if err != nil {
		return pkg.PositionSample{}, fmt.Errorf("ubus GPS call failed: %w", err)
	}

	var resp struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Accuracy  float64  `json:"accuracy"`
		Speed     *float64 `json:"speed"`
	}
	if err := json.Unmarshal(output, &resp); err != nil {
		return pkg.PositionSample{}, fmt.Errorf("failed to parse ubus GPS response: %w", err)
	}
	if resp.Latitude == nil || resp.Longitude == nil {
		return pkg.PositionSample{}, fmt.Errorf("%w: ubus response without coordinates", errNoFix)
	}

	sample := pkg.PositionSample{
		Latitude:  *resp.Latitude,
		Longitude: *resp.Longitude,
		Accuracy:  resp.Accuracy,
		Timestamp: gs.now(),
		Source:    pkg.SourceUbus,
	}
	if resp.Speed != nil {
		mps := *resp.Speed / 3.6
		sample.Speed = &mps
	}

	if !validFix(sample) {
		return pkg.PositionSample{}, fmt.Errorf("%w: invalid coordinates from ubus", errNoFix)
	}
	return sample, nil
}

func validFix(s pkg.PositionSample) bool {
	if s.Latitude == 0 && s.Longitude == 0 {
		return false
	}
	return s.Latitude >= -90 && s.Latitude <= 90 && s.Longitude >= -180 && s.Longitude <= 180
}
