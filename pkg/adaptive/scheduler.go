package adaptive

import (
	"fmt"
	"strings"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/geo"
)

// Sampling tiers
const (
	HighInterval     = 15 * time.Second  // charging, or moving fast on a healthy battery
	NormalInterval   = 30 * time.Second  // discharging, battery above the low band
	LowInterval      = 120 * time.Second // low battery, and the stationary floor
	CriticalInterval = 300 * time.Second // critical battery
)

// Battery bands and movement thresholds
const (
	CriticalBatteryLevel = 0.15
	LowBatteryLevel      = 0.30
	DefaultBatteryLevel  = 0.80

	MovementWindow         = 3
	StationaryThresholdM   = 5.0
	FastMovementThresholdM = 200.0
	FastMovementMinBattery = 0.50
)

// OptimalInterval picks the sampling interval for the given battery state and
// recent samples, with a human-readable justification. It has no side effects.
// A nil battery is treated as 80% and discharging.
func OptimalInterval(battery *pkg.BatteryState, recent []pkg.PositionSample) (time.Duration, string) {
	level := DefaultBatteryLevel
	charging := false
	if battery != nil {
		level = battery.Level
		charging = battery.Charging
	}

	var interval time.Duration
	var reasons []string

	switch {
	case !charging && level <= CriticalBatteryLevel:
		interval = CriticalInterval
		reasons = append(reasons, fmt.Sprintf("critical battery (%.0f%%)", level*100))
	case !charging && level <= LowBatteryLevel:
		interval = LowInterval
		reasons = append(reasons, fmt.Sprintf("low battery (%.0f%%)", level*100))
	case charging:
		interval = HighInterval
		reasons = append(reasons, "charging")
	default:
		interval = NormalInterval
		reasons = append(reasons, fmt.Sprintf("normal battery (%.0f%%)", level*100))
	}

	if len(recent) >= MovementWindow {
		moved := geo.PathLength(recent[len(recent)-MovementWindow:])

		switch {
		case moved < StationaryThresholdM:
			if interval < LowInterval {
				interval = LowInterval
			}
			reasons = append(reasons, fmt.Sprintf("stationary (%.1fm over last %d samples)", moved, MovementWindow))
		case moved > FastMovementThresholdM && level > FastMovementMinBattery:
			interval = HighInterval
			reasons = append(reasons, fmt.Sprintf("moving (%.0fm over last %d samples)", moved, MovementWindow))
		}
	}

	return interval, strings.Join(reasons, "; ")
}

// Scheduler binds OptimalInterval to live battery telemetry
type Scheduler struct {
	battery *BatteryMonitor
}

// NewScheduler creates a scheduler reading from the given monitor
func NewScheduler(battery *BatteryMonitor) *Scheduler {
	return &Scheduler{battery: battery}
}

// Next computes the interval for the recent samples and the current battery
func (s *Scheduler) Next(recent []pkg.PositionSample) (time.Duration, string) {
	var state *pkg.BatteryState
	if s.battery != nil && s.battery.Known() {
		current := s.battery.Current()
		state = &current
	}
	return OptimalInterval(state, recent)
}

// Battery returns the latest battery telemetry
func (s *Scheduler) Battery() pkg.BatteryState {
	if s.battery == nil {
		return pkg.BatteryState{Level: DefaultBatteryLevel}
	}
	return s.battery.Current()
}
