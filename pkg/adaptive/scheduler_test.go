package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/geo"
)

var origin = pkg.Coordinates{Latitude: 59.3293, Longitude: 18.0686}

// track builds samples spaced stepM meters apart heading north
func track(n int, stepM float64) []pkg.PositionSample {
	now := time.Now()
	samples := make([]pkg.PositionSample, 0, n)
	for i := 0; i < n; i++ {
		c := geo.OffsetMeters(origin, float64(i)*stepM, 0)
		samples = append(samples, pkg.PositionSample{
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			Accuracy:  5,
			Timestamp: now.Add(time.Duration(i) * 30 * time.Second),
		})
	}
	return samples
}

func TestOptimalInterval_CriticalBattery(t *testing.T) {
	for _, level := range []float64{0, 0.05, 0.10, 0.15} {
		interval, reason := OptimalInterval(&pkg.BatteryState{Level: level}, nil)
		assert.Equal(t, CriticalInterval, interval, "level %v", level)
		assert.Equal(t, 300000*time.Millisecond, interval)
		assert.Contains(t, reason, "critical")
	}
}

func TestOptimalInterval_BatteryBands(t *testing.T) {
	interval, reason := OptimalInterval(&pkg.BatteryState{Level: 0.25}, nil)
	assert.Equal(t, LowInterval, interval)
	assert.Contains(t, reason, "low battery")

	interval, reason = OptimalInterval(&pkg.BatteryState{Level: 0.25, Charging: true}, nil)
	assert.Equal(t, HighInterval, interval)
	assert.Equal(t, "charging", reason)

	interval, reason = OptimalInterval(&pkg.BatteryState{Level: 0.9}, nil)
	assert.Equal(t, NormalInterval, interval)
	assert.Contains(t, reason, "normal battery")
}

func TestOptimalInterval_NoTelemetryAssumes80Percent(t *testing.T) {
	interval, reason := OptimalInterval(nil, nil)
	assert.Equal(t, NormalInterval, interval)
	assert.Contains(t, reason, "80%")
}

func TestOptimalInterval_StationaryFloor(t *testing.T) {
	stationary := track(3, 2)

	batteries := []*pkg.BatteryState{
		nil,
		{Level: 1, Charging: true},
		{Level: 0.9},
		{Level: 0.2},
		{Level: 0.05},
	}
	for _, battery := range batteries {
		interval, reason := OptimalInterval(battery, stationary)
		assert.GreaterOrEqual(t, interval, LowInterval)
		assert.Contains(t, reason, "stationary")
	}
}

func TestOptimalInterval_CriticalAndStationary(t *testing.T) {
	interval, reason := OptimalInterval(&pkg.BatteryState{Level: 0.10}, track(3, 2))

	assert.Equal(t, 300000*time.Millisecond, interval)
	assert.Contains(t, reason, "critical")
	assert.Contains(t, reason, "stationary")
}

func TestOptimalInterval_FastMovement(t *testing.T) {
	moving := track(3, 150) // 300 m over the window

	interval, reason := OptimalInterval(&pkg.BatteryState{Level: 0.8}, moving)
	assert.Equal(t, HighInterval, interval)
	assert.Contains(t, reason, "moving")

	// Battery at 50% does not permit the higher rate
	interval, reason = OptimalInterval(&pkg.BatteryState{Level: 0.5}, moving)
	assert.Equal(t, NormalInterval, interval)
	assert.NotContains(t, reason, "moving")

	interval, _ = OptimalInterval(&pkg.BatteryState{Level: 0.25}, moving)
	assert.Equal(t, LowInterval, interval)
}

func TestOptimalInterval_UsesOnlyLastThreeSamples(t *testing.T) {
	samples := append(track(2, 1000), track(3, 1)...)

	_, reason := OptimalInterval(&pkg.BatteryState{Level: 0.9}, samples)
	assert.Contains(t, reason, "stationary")
}

func TestOptimalInterval_TooFewSamples(t *testing.T) {
	interval, reason := OptimalInterval(&pkg.BatteryState{Level: 0.9}, track(2, 0))
	assert.Equal(t, NormalInterval, interval)
	assert.NotContains(t, reason, "stationary")
}

func TestOptimalInterval_NoSideEffects(t *testing.T) {
	samples := track(5, 1)
	before := append([]pkg.PositionSample{}, samples...)

	first, firstReason := OptimalInterval(&pkg.BatteryState{Level: 0.7}, samples)
	for i := 0; i < 10; i++ {
		interval, reason := OptimalInterval(&pkg.BatteryState{Level: 0.7}, samples)
		assert.Equal(t, first, interval)
		assert.Equal(t, firstReason, reason)
	}
	assert.Equal(t, before, samples)
}

func TestScheduler_UsesMonitor(t *testing.T) {
	monitor := NewBatteryMonitor()
	scheduler := NewScheduler(monitor)

	interval, _ := scheduler.Next(nil)
	assert.Equal(t, NormalInterval, interval)
	assert.Equal(t, DefaultBatteryLevel, scheduler.Battery().Level)

	monitor.Update(pkg.BatteryState{Level: 0.12})
	interval, reason := scheduler.Next(nil)
	assert.Equal(t, CriticalInterval, interval)
	assert.Contains(t, reason, "critical")
}
