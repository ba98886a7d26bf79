package adaptive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// BatteryMonitor holds the latest battery telemetry. It is fed by device
// battery events and read by the scheduler; reads never fail.
type BatteryMonitor struct {
	mu        sync.RWMutex
	state     *pkg.BatteryState
	updatedAt time.Time
	listeners []func(pkg.BatteryState)
}

// NewBatteryMonitor creates a monitor with no telemetry yet
func NewBatteryMonitor() *BatteryMonitor {
	return &BatteryMonitor{}
}

// Update records a new battery state and notifies listeners
func (bm *BatteryMonitor) Update(state pkg.BatteryState) {
	if state.Level < 0 {
		state.Level = 0
	}
	if state.Level > 1 {
		state.Level = 1
	}

	bm.mu.Lock()
	bm.state = &state
	bm.updatedAt = time.Now()
	listeners := append([]func(pkg.BatteryState){}, bm.listeners...)
	bm.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// Current returns the latest state, or 80% discharging if none was reported
func (bm *BatteryMonitor) Current() pkg.BatteryState {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	if bm.state == nil {
		return pkg.BatteryState{Level: DefaultBatteryLevel}
	}
	return *bm.state
}

// Known reports whether any telemetry has been received
func (bm *BatteryMonitor) Known() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.state != nil
}

// UpdatedAt returns when telemetry was last received
func (bm *BatteryMonitor) UpdatedAt() time.Time {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.updatedAt
}

// OnChange registers a listener called after every update
func (bm *BatteryMonitor) OnChange(fn func(pkg.BatteryState)) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.listeners = append(bm.listeners, fn)
}

// SysfsBattery reads battery telemetry from /sys/class/power_supply
type SysfsBattery struct {
	root   string
	logger *logx.Logger
}

// NewSysfsBattery creates a reader rooted at the power_supply class directory
func NewSysfsBattery(root string, logger *logx.Logger) *SysfsBattery {
	if root == "" {
		root = "/sys/class/power_supply"
	}
	return &SysfsBattery{root: root, logger: logger}
}

// Read returns the state of the first supply whose type is Battery
func (sb *SysfsBattery) Read() (pkg.BatteryState, error) {
	entries, err := os.ReadDir(sb.root)
	if err != nil {
		return pkg.BatteryState{}, fmt.Errorf("failed to list power supplies: %w", err)
	}

	for _, entry := range entries {
		dir := filepath.Join(sb.root, entry.Name())
		if readAttr(dir, "type") != "Battery" {
			continue
		}

		capacity, err := strconv.ParseFloat(readAttr(dir, "capacity"), 64)
		if err != nil {
			return pkg.BatteryState{}, fmt.Errorf("invalid capacity for %s: %w", entry.Name(), err)
		}

		status := readAttr(dir, "status")
		state := pkg.BatteryState{
			Level:    capacity / 100,
			Charging: status == "Charging" || status == "Full",
		}
		if v, err := strconv.ParseFloat(readAttr(dir, "time_to_full_now"), 64); err == nil {
			state.SecondsToFull = &v
		}
		if v, err := strconv.ParseFloat(readAttr(dir, "time_to_empty_now"), 64); err == nil {
			state.SecondsToEmpty = &v
		}
		return state, nil
	}

	return pkg.BatteryState{}, fmt.Errorf("no battery found under %s", sb.root)
}

// Run polls the battery and feeds the monitor until ctx is done
func (sb *SysfsBattery) Run(ctx context.Context, interval time.Duration, monitor *BatteryMonitor) {
	if interval <= 0 {
		interval = time.Minute
	}
	poll := func() {
		state, err := sb.Read()
		if err != nil {
			sb.logger.Debug("battery_read_failed", "error", err)
			return
		}
		monitor.Update(state)
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
